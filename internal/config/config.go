package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Loader reads configuration from file and environment and can watch the file
type Loader struct {
	v      *viper.Viper
	logger *logger.Logger
}

// NewLoader creates a loader with its own viper instance
func NewLoader(log *logger.Logger) *Loader {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/record-sentinel/")
	v.AddConfigPath("$HOME/.record-sentinel/")

	// Environment variable overrides
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// secrets usually arrive only through the environment
	_ = v.BindEnv("vault.password")
	_ = v.BindEnv("audit.database_url")
	_ = v.BindEnv("privacy.pseudonym_seed")

	return &Loader{v: v, logger: log.WithComponent("config")}
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return NewLoader(logger.NewNop()).Load(configPath)
}

// Load reads the config file (if any) over the defaults
func (l *Loader) Load(configPath string) (*Config, error) {
	if configPath != "" {
		l.v.SetConfigFile(configPath)
	}

	if err := l.v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	config := GetDefaults()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	))
	if err := l.v.Unmarshal(config, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	seen := make(map[string]bool, len(config.Privacy.Tenants))
	for i, t := range config.Privacy.Tenants {
		if t.TenantID == "" {
			return fmt.Errorf("privacy.tenants[%d]: tenant_id is required", i)
		}
		if seen[t.TenantID] {
			return fmt.Errorf("privacy.tenants[%d]: duplicate tenant %q", i, t.TenantID)
		}
		seen[t.TenantID] = true
	}

	if _, err := time.LoadLocation(config.Search.Timezone); err != nil {
		return fmt.Errorf("invalid search timezone %q: %w", config.Search.Timezone, err)
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerMinute <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive requests_per_minute and burst")
	}

	if config.ETL.Output != "jsonl" && config.ETL.Output != "parquet" {
		return fmt.Errorf("invalid etl output: %s (must be jsonl or parquet)", config.ETL.Output)
	}

	if config.Vault.Enabled && config.Vault.Addr == "" {
		return fmt.Errorf("vault enabled without an address")
	}

	if config.Audit.Enabled && config.Audit.DatabaseURL == "" {
		return fmt.Errorf("audit enabled without a database_url")
	}

	return nil
}

// Watch starts watching the configuration file for changes. Invalid edits are
// logged and the callback is not invoked.
func (l *Loader) Watch(callback func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		newConfig, err := l.decode()
		if err != nil {
			l.logger.Error("Ignoring invalid configuration change",
				zap.String("file", e.Name),
				zap.Error(err),
			)
			return
		}

		l.logger.Info("Configuration reloaded", zap.String("file", e.Name))
		callback(newConfig)
	})
	l.v.WatchConfig()
}

// SetLogger replaces the loader's logger once logging is configured
func (l *Loader) SetLogger(log *logger.Logger) {
	l.logger = log.WithComponent("config")
}

// ConfigFileUsed returns the file the configuration was read from, if any
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}
