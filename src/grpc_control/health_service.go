package grpc_control

import (
	"fmt"
	"net"
	"sync"

	"market-streamer/src/logger"
	"market-streamer/src/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-checked service reported to gRPC probes.
const ServiceName = "market-streamer"

// -----------------------------------------------------------------------------

// HealthService exposes feed health over the standard gRPC health protocol.
// The overall server ("") is always SERVING while the process runs; the named
// service follows the FeedState.
type HealthService struct {
	Host   string
	Port   int
	Logger *logger.Logger
	Health *health.Server

	server *grpc.Server
	mu     sync.Mutex
	lis    net.Listener
}

// -----------------------------------------------------------------------------

func NewHealthService(cfg *models.MConfig, log *logger.Logger) *HealthService {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthService{
		Host:   cfg.GrpcHost,
		Port:   cfg.GrpcPort,
		Logger: log,
		Health: hs,
		server: srv,
	}
}

// -----------------------------------------------------------------------------

// ObserveFeedState is a watchdog state listener.
func (s *HealthService) ObserveFeedState(from, to models.FeedState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if to == models.FeedConnected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.Health.SetServingStatus(ServiceName, status)
	s.Logger.Debug("gRPC health %s: %s -> %s (%s)", ServiceName, from, to, status)
}

// -----------------------------------------------------------------------------

// Start listens on the configured address and serves until Stop.
func (s *HealthService) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	s.Logger.Info("gRPC health service listening on %s", addr)
	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *HealthService) Stop() {
	s.Health.Shutdown()
	s.server.GracefulStop()
	s.Logger.Info("gRPC health service stopped")
}

// -----------------------------------------------------------------------------

// Addr is the bound listener address, or nil before Start.
func (s *HealthService) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}
