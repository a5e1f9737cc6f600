package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/record-sentinel/internal/api"
	"github.com/raaihank/record-sentinel/internal/audit"
	"github.com/raaihank/record-sentinel/internal/config"
	"github.com/raaihank/record-sentinel/internal/etl"
	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/raaihank/record-sentinel/internal/privacy"
	"github.com/raaihank/record-sentinel/internal/tenant"
	"github.com/raaihank/record-sentinel/internal/vault"
)

func main() {
	var (
		configPath       = flag.String("config", "", "Configuration file path")
		inputFile        = flag.String("input", "", "Input dataset file (CSV, Parquet, or JSONL)")
		outputFile       = flag.String("output", "", "Output file (defaults to <input>.redacted.<format>)")
		outputFormat     = flag.String("format", "", "Output format: jsonl or parquet (defaults to etl.output)")
		tenantID         = flag.String("tenant", "default", "Tenant whose detection policy is applied")
		batchSize        = flag.Int("batch-size", 0, "Batch size for processing (defaults to etl.batch_size)")
		workers          = flag.Int("workers", 0, "Number of worker goroutines (defaults to etl.workers)")
		reversible       = flag.Bool("reversible", false, "Keep token mappings so tokenized values can be restored")
		preserveForAudit = flag.Bool("preserve-for-audit", false, "Keep original values in audit rows")
		redactedBy       = flag.String("redacted-by", "etl", "Actor recorded in audit info")
		skipVault        = flag.Bool("skip-vault", false, "Do not store token mappings in the vault")
		skipAudit        = flag.Bool("skip-audit", false, "Do not write audit rows")
		purgeTokens      = flag.Bool("purge-tokens", false, "Delete the tenant's vaulted tokens and exit")
		purgeExpired     = flag.Bool("purge-expired", false, "Delete audit rows older than the tenant's retention and exit")
		showStats        = flag.Bool("stats", false, "Show audit and vault statistics and exit")
	)
	flag.Parse()

	if *inputFile == "" && !*purgeTokens && !*purgeExpired && !*showStats {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input customers.csv --tenant acme\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input notes.parquet --format parquet --workers 8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --tenant acme --purge-tokens\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --tenant acme --purge-expired\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting record-sentinel ETL pipeline",
		zap.String("version", api.Version),
		zap.String("config", *configPath),
		zap.String("tenant_id", *tenantID))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	services, err := initializeServices(cfg, !*skipVault, !*skipAudit, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.cleanup()

	switch {
	case *showStats:
		if err := showServiceStats(ctx, services); err != nil {
			log.Fatal("Failed to show stats", zap.Error(err))
		}
	case *purgeTokens:
		if services.vault == nil {
			log.Fatal("Token vault is not enabled")
		}
		removed, err := services.vault.Purge(ctx, *tenantID)
		if err != nil {
			log.Fatal("Failed to purge tokens", zap.Error(err))
		}
		log.Info("Vaulted tokens purged", zap.String("tenant_id", *tenantID), zap.Int("removed", removed))
	case *purgeExpired:
		if err := purgeExpiredAudit(ctx, services, cfg, *tenantID, log); err != nil {
			log.Fatal("Failed to purge expired audit rows", zap.Error(err))
		}
	default:
		etlConfig := &etl.Config{
			BatchSize:    cfg.ETL.BatchSize,
			WorkerCount:  cfg.ETL.Workers,
			ValidateData: true,
			Output:       etl.FileFormat(cfg.ETL.Output),
			Options: privacy.RedactionOptions{
				AllowReversible:  *reversible,
				PreserveForAudit: *preserveForAudit,
				RedactedBy:       *redactedBy,
				Reason:           "batch redaction",
				PseudonymSeed:    cfg.Privacy.PseudonymSeed,
			},
		}
		if *batchSize > 0 {
			etlConfig.BatchSize = *batchSize
		}
		if *workers > 0 {
			etlConfig.WorkerCount = *workers
		}
		if *outputFormat != "" {
			format, ok := etl.ParseFileFormat(*outputFormat)
			if !ok || format == etl.FormatCSV {
				log.Fatal("Unsupported output format", zap.String("format", *outputFormat))
			}
			etlConfig.Output = format
		}

		output := *outputFile
		if output == "" {
			output = defaultOutputPath(*inputFile, etlConfig.Output)
		}

		if err := processDataset(ctx, services, cfg, etlConfig, *tenantID, *inputFile, output, log); err != nil {
			log.Fatal("ETL processing failed", zap.Error(err))
		}
	}

	log.Info("ETL pipeline completed successfully")
}

// services holds all initialized services
type services struct {
	vault *vault.Vault
	audit *audit.Store
}

func (s *services) cleanup() {
	if s.vault != nil {
		s.vault.Close()
	}
	if s.audit != nil {
		s.audit.Close()
	}
}

// initializeServices connects the vault and audit store when they are enabled
func initializeServices(cfg *config.Config, useVault, useAudit bool, log *logger.Logger) (*services, error) {
	services := &services{}

	if cfg.Vault.Enabled && useVault {
		log.Info("Initializing token vault...")
		v, err := vault.New(vault.Config{
			Addr:      cfg.Vault.Addr,
			Password:  cfg.Vault.Password,
			DB:        cfg.Vault.DB,
			TTL:       cfg.Vault.TTL,
			KeyPrefix: cfg.Vault.KeyPrefix,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize token vault: %w", err)
		}
		services.vault = v
	}

	if cfg.Audit.Enabled && useAudit {
		log.Info("Initializing audit store...")
		store, err := audit.NewStore(audit.Config{
			DatabaseURL:     cfg.Audit.DatabaseURL,
			MaxOpenConns:    cfg.Audit.MaxOpenConns,
			MaxIdleConns:    cfg.Audit.MaxIdleConns,
			ConnMaxLifetime: cfg.Audit.ConnMaxLifetime,
		}, log)
		if err != nil {
			services.cleanup()
			return nil, fmt.Errorf("failed to initialize audit store: %w", err)
		}
		services.audit = store
	}

	return services, nil
}

// processDataset redacts the input dataset with the tenant's policy
func processDataset(ctx context.Context, services *services, cfg *config.Config, etlConfig *etl.Config, tenantID, inputFile, outputFile string, log *logger.Logger) error {
	log.Info("Processing dataset",
		zap.String("file", inputFile),
		zap.String("output", outputFile),
		zap.String("format", string(etlConfig.Output)))

	// Check if file exists
	if _, err := os.Stat(inputFile); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}

	policy, err := loadPolicy(cfg, tenantID, log)
	if err != nil {
		return err
	}

	// nil pointers must not become non-nil interfaces
	var tokenVault etl.TokenVault
	if services.vault != nil {
		tokenVault = services.vault
	}
	var auditWriter etl.AuditWriter
	if services.audit != nil {
		auditWriter = services.audit
	}
	if etlConfig.Options.AllowReversible && tokenVault == nil {
		log.Warn("Reversible redaction requested without a vault; token mappings will be discarded")
	}

	pipeline := etl.NewPipeline(policy, tokenVault, auditWriter, etlConfig, log)

	result, err := pipeline.ProcessFile(ctx, inputFile, outputFile)
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}

	rate := 0.0
	if result.Duration > 0 {
		rate = float64(result.TotalRecords) / result.Duration.Seconds()
	}

	// Report results
	log.Info("Dataset processing completed",
		zap.String("file", inputFile),
		zap.String("output", outputFile),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("records_with_pii", result.RecordsWithPII),
		zap.Int64("vaulted_tokens", result.VaultedTokens),
		zap.Int64("audit_rows", result.AuditRows),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("redaction_time", result.RedactionTime),
		zap.Duration("vault_time", result.VaultTime),
		zap.Duration("database_time", result.DatabaseTime),
		zap.Float64("records_per_second", rate))

	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}

	return nil
}

// loadPolicy compiles the configured tenants and returns tenantID's policy
func loadPolicy(cfg *config.Config, tenantID string, log *logger.Logger) (*privacy.Policy, error) {
	registry, err := tenant.NewRegistry(cfg.Privacy.JurisdictionPatterns)
	if err != nil {
		return nil, fmt.Errorf("failed to build PII registry: %w", err)
	}
	tenants := tenant.NewManager(registry, log)
	if err := tenants.Load(cfg.Privacy); err != nil {
		return nil, fmt.Errorf("failed to load tenant policies: %w", err)
	}
	return tenants.Policy(tenantID)
}

// purgeExpiredAudit deletes audit rows that outlived the tenant's retention.
// Vaulted tokens expire on their own.
func purgeExpiredAudit(ctx context.Context, services *services, cfg *config.Config, tenantID string, log *logger.Logger) error {
	if services.audit == nil {
		return fmt.Errorf("audit store is not enabled")
	}
	policy, err := loadPolicy(cfg, tenantID, log)
	if err != nil {
		return err
	}
	retention := policy.Retention()
	if retention <= 0 {
		return fmt.Errorf("tenant %s has no retention configured", tenantID)
	}

	deleted, err := services.audit.PurgeBefore(ctx, tenantID, time.Now().UTC().Add(-retention))
	if err != nil {
		return err
	}
	log.Info("Expired audit rows purged",
		zap.String("tenant_id", tenantID),
		zap.Duration("retention", retention),
		zap.Int64("deleted", deleted))
	return nil
}

func defaultOutputPath(input string, format etl.FileFormat) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	return base + ".redacted." + string(format)
}

// showServiceStats displays audit store and vault statistics
func showServiceStats(ctx context.Context, services *services) error {
	if services.audit == nil && services.vault == nil {
		return fmt.Errorf("neither the audit store nor the vault is enabled")
	}

	if services.audit != nil {
		stats, err := services.audit.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to get audit stats: %w", err)
		}
		fmt.Printf("\n=== Redaction Audit Statistics ===\n")
		fmt.Printf("Total Entries:      %d\n", stats.TotalEntries)
		fmt.Printf("Preserved Entries:  %d\n", stats.PreservedEntries)
		fmt.Printf("Tenants:            %d\n", stats.Tenants)
	}

	if services.vault != nil {
		stats, err := services.vault.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to get vault stats: %w", err)
		}
		fmt.Printf("\n=== Token Vault Statistics ===\n")
		fmt.Printf("Total Keys:         %d\n", stats.TotalKeys)
		fmt.Printf("Hits:               %d\n", stats.Hits)
		fmt.Printf("Misses:             %d\n", stats.Misses)
		fmt.Printf("Hit Rate:           %.1f%%\n", stats.HitRate)
	}

	return nil
}
