package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raaihank/record-sentinel/internal/api"
	"github.com/raaihank/record-sentinel/internal/audit"
	"github.com/raaihank/record-sentinel/internal/config"
	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/raaihank/record-sentinel/internal/tenant"
	"github.com/raaihank/record-sentinel/internal/vault"
	"github.com/raaihank/record-sentinel/internal/websocket"
	"go.uber.org/zap"
)

var (
	version = api.Version
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the health endpoint at this address (e.g. localhost:8080) and exit")
	)
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("record-sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Perform health check and exit
	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	// Load configuration
	loader := config.NewLoader(logger.NewNop())
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	loader.SetLogger(log)

	log.Info("Starting record-sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	registry, err := tenant.NewRegistry(cfg.Privacy.JurisdictionPatterns)
	if err != nil {
		log.Fatal("Failed to build PII registry", zap.Error(err))
	}
	tenants := tenant.NewManager(registry, log)
	if err := tenants.Load(cfg.Privacy); err != nil {
		log.Fatal("Failed to load tenant policies", zap.Error(err))
	}

	deps := api.Deps{Tenants: tenants}

	if cfg.Vault.Enabled {
		v, err := vault.New(vault.Config{
			Addr:      cfg.Vault.Addr,
			Password:  cfg.Vault.Password,
			DB:        cfg.Vault.DB,
			TTL:       cfg.Vault.TTL,
			KeyPrefix: cfg.Vault.KeyPrefix,
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize token vault", zap.Error(err))
		}
		defer v.Close()
		deps.Vault = v
	}

	if cfg.Audit.Enabled {
		store, err := audit.NewStore(audit.Config{
			DatabaseURL:     cfg.Audit.DatabaseURL,
			MaxOpenConns:    cfg.Audit.MaxOpenConns,
			MaxIdleConns:    cfg.Audit.MaxIdleConns,
			ConnMaxLifetime: cfg.Audit.ConnMaxLifetime,
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize audit store", zap.Error(err))
		}
		defer store.Close()
		deps.Audit = store
	}

	if cfg.WebSocket.Enabled {
		deps.Hub = websocket.NewHub(&websocket.HubConfig{
			BroadcastDetections:  cfg.WebSocket.Events.BroadcastDetections,
			BroadcastRedactions:  cfg.WebSocket.Events.BroadcastRedactions,
			BroadcastSystem:      cfg.WebSocket.Events.BroadcastSystem,
			BroadcastConnections: cfg.WebSocket.Events.BroadcastConnections,
			MaxConnections:       cfg.WebSocket.MaxConnections,
			ReadBufferSize:       cfg.WebSocket.ReadBufferSize,
			WriteBufferSize:      cfg.WebSocket.WriteBufferSize,
			PingInterval:         cfg.WebSocket.PingInterval,
			PongTimeout:          cfg.WebSocket.PongTimeout,
			WriteTimeout:         cfg.WebSocket.WriteTimeout,
			MaxMessageSize:       cfg.WebSocket.MaxMessageSize,
			AllowedOrigins:       cfg.WebSocket.AllowedOrigins,
		}, log)
	}

	server, err := api.New(cfg, deps, log)
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	if loader.ConfigFileUsed() != "" {
		loader.Watch(func(newCfg *config.Config) {
			if err := server.Reload(newCfg); err != nil {
				log.Error("Failed to apply reloaded tenant policies", zap.Error(err))
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- server.Start(ctx)
	}()

	// Setup graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		log.Error("Server error", zap.Error(err))
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
		cancel()

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			return
		}

		log.Info("Server shutdown complete")
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}
	return logger.New(loggerConfig)
}

// performHealthCheck performs a health check against a running server
func performHealthCheck(addr string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
