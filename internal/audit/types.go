package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entry is one persisted redaction. Original is set only when the redaction
// was made with preserveForAudit.
type Entry struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	TenantID     string          `db:"tenant_id" json:"tenant_id"`
	RecordID     string          `db:"record_id" json:"record_id,omitempty"`
	RedactedAt   time.Time       `db:"redacted_at" json:"redacted_at"`
	RedactedBy   string          `db:"redacted_by" json:"redacted_by"`
	Reason       string          `db:"reason" json:"reason,omitempty"`
	Method       string          `db:"method" json:"method"`
	ModelName    string          `db:"model_name" json:"model_name,omitempty"`
	OriginalHash string          `db:"original_hash" json:"original_hash"`
	Original     *string         `db:"original" json:"original,omitempty"`
	Redacted     string          `db:"redacted" json:"redacted"`
	Redactions   json.RawMessage `db:"redactions" json:"redactions"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// ListOptions filters ListByTenant
type ListOptions struct {
	Since time.Time
	Limit int
}

// Stats represents audit table statistics
type Stats struct {
	TotalEntries     int64 `json:"total_entries"`
	PreservedEntries int64 `json:"preserved_entries"`
	Tenants          int64 `json:"tenants"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted int64         `json:"inserted"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
	Errors   []error       `json:"errors,omitempty"`
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}
