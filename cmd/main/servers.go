package main

import (
	"context"
	"net/http"
	"time"

	"market-streamer/src/config"
	"market-streamer/src/grpc_control"
	"market-streamer/src/logger"
	"market-streamer/src/models"
)

// -----------------------------------------------------------------------------

func (app *application) metricsHandler() http.Handler {
	if app.metrics == nil {
		return nil
	}
	return app.metrics.Handler()
}

// -----------------------------------------------------------------------------

// startServers launches the REST/websocket server and the gRPC health
// service. Failures are logged; the feed keeps running without them.
func startServers(app *application, conf *config.Config, appLogger *logger.Logger) *grpc_control.HealthService {

	// 1. REST + websocket
	go func() {
		if err := app.api.Start(); err != nil {
			appLogger.Error("API server failed: %v", err)
		}
	}()

	// 2. gRPC health
	healthSvc := grpc_control.NewHealthService(conf.MConfig, appLogger.Named("GrpcHealth"))
	app.orchestrator.Watchdog.AddStateListener(healthSvc.ObserveFeedState)
	healthSvc.ObserveFeedState(models.FeedDisconnected, app.orchestrator.Watchdog.State())

	go func() {
		if err := healthSvc.Start(); err != nil {
			appLogger.Error("gRPC health service failed: %v", err)
		}
	}()

	return healthSvc
}

// -----------------------------------------------------------------------------

// stopServers drains the servers once the orchestrator has finished.
func stopServers(app *application, healthSvc *grpc_control.HealthService, appLogger *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.api.Stop(ctx); err != nil {
		appLogger.Warning("API server shutdown: %v", err)
	}
	healthSvc.Stop()

	if err := app.backups.Close(); err != nil {
		appLogger.Warning("Closing backup store: %v", err)
	}
}
