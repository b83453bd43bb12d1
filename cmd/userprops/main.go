// Package main provides the userprops ETL service.
//
// The service transforms raw user-property events from the analytics
// provider's archives and the staging table into permanent and changeable
// user-property projections in the warehouse.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/userprops-io/userprops/internal/amplitude"
	"github.com/userprops-io/userprops/internal/api"
	"github.com/userprops-io/userprops/internal/api/middleware"
	"github.com/userprops-io/userprops/internal/catalog"
	"github.com/userprops-io/userprops/internal/etl"
	"github.com/userprops-io/userprops/internal/objectstore"
	"github.com/userprops-io/userprops/internal/storage"
	"github.com/userprops-io/userprops/internal/transform"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "userprops"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting userprops service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Rate limiter (graceful shutdown handled by server.shutdown())
	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
	)

	// Warehouse connection
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	warehouse, err := storage.NewWarehouse(dbConn, storageConfig)
	if err != nil {
		logger.Error("Failed to initialize warehouse", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Warehouse initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Int("max_params_per_query", storageConfig.MaxParamsPerQuery),
		slog.Int("max_rows_per_insert", storageConfig.MaxRowsPerInsert),
	)

	// Property mapping catalog
	cat, err := catalog.LoadDefault()
	if err != nil {
		logger.Error("Failed to load property mapping catalog", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Property mapping catalog loaded",
		slog.Int("permanent_mappings", len(cat.Permanent)),
		slog.Int("changeable_mappings", len(cat.Changeable)),
	)

	// Object store for archive reads and export uploads
	objectsConfig := objectstore.LoadConfig()

	objects, err := objectstore.NewStore(context.Background(), objectsConfig, logger)
	if err != nil {
		logger.Error("Failed to initialize object store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	// ETL orchestrator
	transformer := transform.New(cat, logger)

	orchestrator, err := etl.NewOrchestrator(warehouse, objects, transformer, etl.LoadConfig(), logger)
	if err != nil {
		logger.Error("Failed to initialize ETL orchestrator", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	// Provider export client
	exporter := amplitude.NewClient(amplitude.LoadConfig(), logger)

	// Static API keys from environment; nil disables authentication
	keyStore, err := middleware.LoadKeyStore()
	if err != nil {
		logger.Error("Failed to parse API keys", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	if keyStore == nil {
		logger.Warn("Client authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set USERPROPS_API_KEYS to enable API key authentication"),
		)
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		Runner:      orchestrator,
		Exporter:    exporter,
		Objects:     objects,
		Warehouse:   warehouse,
		KeyStore:    keyStoreOrNil(keyStore),
		RateLimiter: rateLimiter,
	})

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("userprops service stopped")
}

// keyStoreOrNil avoids handing the server a typed nil interface value.
func keyStoreOrNil(store *middleware.EnvKeyStore) middleware.KeyStore {
	if store == nil {
		return nil
	}

	return store
}
