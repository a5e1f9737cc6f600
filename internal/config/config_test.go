package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/raaihank/record-sentinel/internal/privacy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenantYAML = `
server:
  port: 9000
  read_timeout: 5s
logging:
  level: debug
  format: console
privacy:
  pseudonym_seed: "s3cret"
  jurisdiction_patterns:
    - jurisdiction: uk
      type: passport
      patterns: ['\b\d{9}\b']
  tenants:
    - tenant_id: acme
      enabled: true
      sensitivity_level: high
      detect_types: [email, ssn, custom]
      jurisdiction: uk
      redaction_strategy:
        email: tokenization
        ssn: removal
      custom_patterns:
        - name: employee_id
          pattern: 'EMP-\d{6}'
          sensitivity: high
      field_sensitivity:
        - field_path: contacts.*.email
          sensitivity_level: critical
          redaction_strategy: masking
          required_types: [email]
      compliance_config:
        frameworks: [gdpr]
        require_audit_trail: true
        allow_reversible: true
      updated_at: "2024-05-01T10:00:00Z"
      updated_by: admin
etl:
  output: parquet
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8080\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "default", cfg.Privacy.Default.TenantID)
	assert.Equal(t, privacy.AllPIITypes, cfg.Privacy.Default.DetectTypes)
	assert.Equal(t, 24*time.Hour, cfg.Vault.TTL)
	assert.Equal(t, "jsonl", cfg.ETL.Output)
	assert.Empty(t, cfg.Privacy.Tenants)
}

func TestLoadTenantConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, tenantYAML))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "s3cret", cfg.Privacy.PseudonymSeed)
	assert.Equal(t, "parquet", cfg.ETL.Output)

	require.Len(t, cfg.Privacy.JurisdictionPatterns, 1)
	jp := cfg.Privacy.JurisdictionPatterns[0]
	assert.Equal(t, privacy.Jurisdiction("uk"), jp.Jurisdiction)
	assert.Equal(t, privacy.PIITypePassport, jp.Type)
	assert.Equal(t, []string{`\b\d{9}\b`}, jp.Patterns)

	require.Len(t, cfg.Privacy.Tenants, 1)
	tenant := cfg.Privacy.Tenants[0]
	assert.Equal(t, "acme", tenant.TenantID)
	assert.True(t, tenant.Enabled)
	assert.Equal(t, privacy.SensitivityHigh, tenant.SensitivityLevel)
	assert.Equal(t, []privacy.PIIType{privacy.PIITypeEmail, privacy.PIITypeSSN, privacy.PIITypeCustom}, tenant.DetectTypes)
	assert.Equal(t, privacy.StrategyTable{
		privacy.PIITypeEmail: privacy.StrategyTokenization,
		privacy.PIITypeSSN:   privacy.StrategyRemoval,
	}, tenant.RedactionStrategy)
	require.Len(t, tenant.CustomPatterns, 1)
	assert.Equal(t, "employee_id", tenant.CustomPatterns[0].Name)
	require.Len(t, tenant.FieldSensitivity, 1)
	assert.Equal(t, "contacts.*.email", tenant.FieldSensitivity[0].FieldPath)
	assert.Equal(t, privacy.SensitivityCritical, tenant.FieldSensitivity[0].SensitivityLevel)
	assert.True(t, tenant.ComplianceConfig.AllowReversible)
	assert.Equal(t, []string{"gdpr"}, tenant.ComplianceConfig.Frameworks)
	assert.True(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Equal(tenant.UpdatedAt))
	assert.Equal(t, "admin", tenant.UpdatedBy)

	_, err = privacy.Compile(tenant, nil)
	assert.NoError(t, err, "decoded tenant config should compile")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SENTINEL_SERVER_PORT", "9191")
	t.Setenv("SENTINEL_PRIVACY_PSEUDONYM_SEED", "from-env")

	cfg, err := Load(writeConfig(t, "server:\n  port: 8080\n"))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Privacy.PseudonymSeed)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, false},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, false},
		{"tenant without id", func(c *Config) { c.Privacy.Tenants = []privacy.DetectionConfig{{}} }, false},
		{"duplicate tenant", func(c *Config) {
			c.Privacy.Tenants = []privacy.DetectionConfig{{TenantID: "a"}, {TenantID: "a"}}
		}, false},
		{"bad timezone", func(c *Config) { c.Search.Timezone = "Mars/Olympus" }, false},
		{"zero rate", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }, false},
		{"rate limit disabled", func(c *Config) { c.RateLimit.Enabled = false; c.RateLimit.Burst = 0 }, true},
		{"bad etl output", func(c *Config) { c.ETL.Output = "csv" }, false},
		{"audit without url", func(c *Config) { c.Audit.Enabled = true; c.Audit.DatabaseURL = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	_, err := Load(writeConfig(t, "logging:\n  level: loud\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")
	loader := NewLoader(logger.NewNop())
	_, err := loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, loader.ConfigFileUsed())

	reloaded := make(chan *Config, 16)
	loader.Watch(func(cfg *Config) { reloaded <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o600))

	// a truncating write can surface as more than one event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.Server.Port == 9100 {
				return
			}
		case <-timeout:
			t.Fatal("config change was not picked up")
		}
	}
}
