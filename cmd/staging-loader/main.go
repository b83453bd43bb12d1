// Package main provides the staging loader daemon.
//
// The loader consumes raw user-property events from the message topic and
// lands them in the staging table, where the ETL staging path picks them up.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/userprops-io/userprops/internal/config"
	"github.com/userprops-io/userprops/internal/staging"
	"github.com/userprops-io/userprops/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "staging-loader"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting staging loader",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	warehouse, err := storage.NewWarehouse(dbConn, storageConfig)
	if err != nil {
		logger.Error("Failed to initialize warehouse", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	loaderConfig := staging.LoadConfig()

	consumer, err := staging.NewConsumer(loaderConfig, warehouse, logger)
	if err != nil {
		logger.Error("Failed to initialize consumer", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Consumer initialized",
		slog.String("topic", loaderConfig.Topic),
		slog.String("group_id", loaderConfig.GroupID),
		slog.Int("flush_size", loaderConfig.FlushSize),
		slog.Duration("flush_interval", loaderConfig.FlushInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil {
		logger.Error("Consumer stopped with error", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Staging loader stopped")
}
