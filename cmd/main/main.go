package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"market-streamer/src/config"
	"market-streamer/src/logger"
)

// -----------------------------------------------------------------------------

func main() {

	// 1. Parse command line flags
	configPath := flag.String("config", "config/default.yaml", "path to config file")
	flag.Parse()

	// 2. Load config
	conf, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// 3. Setup Logger
	appLogger := logger.NewLogger(conf, conf.Name)

	// 4. Setup Components
	app, err := setupApplication(conf, appLogger)
	if err != nil {
		appLogger.Critical("Failed to set up: %v", err)
	}

	// 5. Start Servers
	healthSvc := startServers(app, conf, appLogger)

	// 6. Run until SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Market streamer running for %d instruments", len(conf.Feed.Instruments))
	if err := app.orchestrator.Run(ctx); err != nil {
		appLogger.Error("Orchestrator exited with error: %v", err)
	}

	// 7. Drain servers
	stopServers(app, healthSvc, appLogger)
	appLogger.Info("Shutdown complete.")
}
