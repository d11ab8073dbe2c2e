package grpc_control

import (
	"context"
	"testing"
	"time"

	"market-streamer/src/logger"
	"market-streamer/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func newTestService() *HealthService {
	return NewHealthService(&models.MConfig{GrpcHost: "127.0.0.1", GrpcPort: 0}, logger.Nop())
}

func check(t *testing.T, hs healthpb.HealthServer, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

// -----------------------------------------------------------------------------

func TestServingFollowsFeedState(t *testing.T) {
	s := newTestService()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s.Health, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s.Health, ServiceName))

	s.ObserveFeedState(models.FeedConnecting, models.FeedConnected)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s.Health, ServiceName))

	s.ObserveFeedState(models.FeedConnected, models.FeedStale)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s.Health, ServiceName))
}

func TestUnknownServiceIsNotFound(t *testing.T) {
	s := newTestService()
	_, err := s.Health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "other"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealthOverTheWire(t *testing.T) {
	s := newTestService()
	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	conn, err := grpc.NewClient(s.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	s.ObserveFeedState(models.FeedConnecting, models.FeedConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	s.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
