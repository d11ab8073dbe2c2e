package main

import (
	"context"
	"fmt"
	"time"

	"market-streamer/src/auth"
	"market-streamer/src/config"
	"market-streamer/src/data_source/kite"
	"market-streamer/src/interfaces"
	"market-streamer/src/logger"
	"market-streamer/src/metrics"
	"market-streamer/src/network"
	"market-streamer/src/orchestrator"
	"market-streamer/src/server"
	"market-streamer/src/storage"
	"market-streamer/src/utils"
	"market-streamer/src/watchdog"
)

// application is everything main starts and stops.
type application struct {
	orchestrator *orchestrator.Orchestrator
	backups      interfaces.IBackupStore
	api          *server.APIServer
	metrics      *metrics.Collectors
}

// -----------------------------------------------------------------------------

// setupBackupStore opens the configured backup store and prepares its schema.
func setupBackupStore(conf *config.Config, appLogger *logger.Logger) (interfaces.IBackupStore, error) {
	store, err := storage.NewBackupStore(&conf.Storage, appLogger.Named("BackupStore"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize %s backup store: %w", conf.Storage.DBType, err)
	}
	return store, nil
}

// -----------------------------------------------------------------------------

// setupCredentials builds the tracker from the configured token and its
// optional issue time.
func setupCredentials(conf *config.Config, appLogger *logger.Logger) *auth.CredentialTracker {
	var issuedAt time.Time
	if conf.Feed.TokenIssuedAt != "" {
		t, err := time.Parse(time.RFC3339, conf.Feed.TokenIssuedAt)
		if err != nil {
			appLogger.Warning("Ignoring token_issued_at %q: %v", conf.Feed.TokenIssuedAt, err)
		} else {
			issuedAt = t
		}
	}

	maxAge := time.Duration(conf.Feed.CredentialMaxAgeHours) * time.Hour
	return auth.NewCredentialTracker(conf.Feed.AccessToken, issuedAt, maxAge, conf.Feed.FailureThreshold, appLogger.Named("Credentials"))
}

// -----------------------------------------------------------------------------

// setupApplication wires the feed pipeline and the API server.
func setupApplication(conf *config.Config, appLogger *logger.Logger) (*application, error) {
	clock, err := utils.NewSessionClock(conf.Session)
	if err != nil {
		return nil, err
	}

	backups, err := setupBackupStore(conf, appLogger)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(conf.Feed.Instruments))
	for _, inst := range conf.Feed.Instruments {
		symbols = append(symbols, inst.Symbol)
	}

	tracker := setupCredentials(conf, appLogger)
	netManager := network.NewAsyncNetworkManager(&conf.Network, appLogger.Named("NetworkManager"))
	verifier := auth.NewProfileVerifier(netManager, conf.Feed.APIURL, conf.Feed.APIKey, tracker)

	connector := kite.NewKiteConnector(&conf.Feed, clock, clock, appLogger.Named("FeedConnector"))
	feedWatchdog := watchdog.NewFeedWatchdog(&conf.Watchdog, clock, connector, tracker, appLogger.Named("Watchdog"))
	store := storage.NewMarketStore(&conf.MarketStore, symbols, backups, clock.Location, appLogger.Named("MarketStore"))
	hub := server.NewHub(&conf.Hub, store, feedWatchdog, clock, tracker, appLogger.Named("Hub"))

	app := &application{backups: backups}
	if conf.MetricsEnabled {
		app.metrics = metrics.New()
	}

	app.orchestrator = orchestrator.New(conf.MConfig, orchestrator.Components{
		Clock:     clock,
		Tracker:   tracker,
		Verifier:  verifier,
		Connector: connector,
		Watchdog:  feedWatchdog,
		Store:     store,
		Hub:       hub,
		Metrics:   app.metrics,
	}, appLogger.Named("Orchestrator"))

	app.api = server.NewAPIServer(conf.MConfig, hub, store, feedWatchdog, tracker, clock, app.orchestrator, app.metricsHandler(), appLogger.Named("APIServer"))

	appLogger.Info("Wired %d instruments, backups in %s store", len(symbols), conf.Storage.DBType)
	return app, nil
}
