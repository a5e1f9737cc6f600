package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/raaihank/record-sentinel/internal/privacy"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS redaction_audit (
	id            UUID PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	record_id     TEXT NOT NULL DEFAULT '',
	redacted_at   TIMESTAMPTZ NOT NULL,
	redacted_by   TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	method        TEXT NOT NULL,
	model_name    TEXT NOT NULL DEFAULT '',
	original_hash TEXT NOT NULL,
	original      TEXT,
	redacted      TEXT NOT NULL,
	redactions    JSONB NOT NULL DEFAULT '[]',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_redaction_audit_tenant ON redaction_audit (tenant_id, redacted_at DESC);`

const insertColumns = 12

// Store persists redaction results in PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewStore connects to PostgreSQL and ensures the audit table exists
func NewStore(config Config, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := NewStoreWithDB(db, log)
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	store.logger.Info("Audit store initialized successfully",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return store, nil
}

// NewStoreWithDB wraps an open database handle
func NewStoreWithDB(db *sqlx.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log.WithComponent("audit")}
}

func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

// NewEntry builds the audit row for a text redaction. Original values, both
// the full text and per-redaction values, are dropped unless the redaction
// was made with preserveForAudit.
func NewEntry(tenantID, recordID string, result *privacy.RedactionResult) (*Entry, error) {
	var original *string
	if result.AuditInfo.PreserveForAudit {
		o := result.Original
		original = &o
	}
	return newEntry(tenantID, recordID, result.AuditInfo, original, result.Redacted, result.Redactions)
}

// NewRecordEntry builds the audit row for a record redaction; records are
// stored as JSON documents.
func NewRecordEntry(tenantID, recordID string, result *privacy.RecordRedactionResult) (*Entry, error) {
	redacted, err := json.Marshal(result.Redacted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal redacted record: %w", err)
	}
	var original *string
	if result.AuditInfo.PreserveForAudit {
		data, err := json.Marshal(result.Original)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal original record: %w", err)
		}
		o := string(data)
		original = &o
	}
	return newEntry(tenantID, recordID, result.AuditInfo, original, string(redacted), result.Redactions)
}

func newEntry(tenantID, recordID string, info privacy.AuditInfo, original *string, redacted string, redactions []privacy.Redaction) (*Entry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	kept := make([]privacy.Redaction, len(redactions))
	copy(kept, redactions)
	if !info.PreserveForAudit {
		for i := range kept {
			kept[i].OriginalValue = ""
		}
	}
	data, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal redactions: %w", err)
	}

	return &Entry{
		ID:           uuid.New(),
		TenantID:     tenantID,
		RecordID:     recordID,
		RedactedAt:   info.RedactedAt,
		RedactedBy:   info.RedactedBy,
		Reason:       info.Reason,
		Method:       info.Method,
		ModelName:    info.ModelName,
		OriginalHash: info.OriginalHash,
		Original:     original,
		Redacted:     redacted,
		Redactions:   data,
	}, nil
}

func (e *Entry) args() []interface{} {
	return []interface{}{
		e.ID,
		e.TenantID,
		e.RecordID,
		e.RedactedAt,
		e.RedactedBy,
		e.Reason,
		e.Method,
		e.ModelName,
		e.OriginalHash,
		e.Original,
		e.Redacted,
		string(e.Redactions),
	}
}

func valuesRow(i int) string {
	placeholders := make([]string, insertColumns)
	for c := range placeholders {
		placeholders[c] = fmt.Sprintf("$%d", i*insertColumns+c+1)
	}
	// redactions is the last column
	placeholders[insertColumns-1] += "::jsonb"
	return "(" + strings.Join(placeholders, ", ") + ")"
}

func buildBatchInsert(entries []*Entry) (string, []interface{}) {
	valueStrings := make([]string, 0, len(entries))
	valueArgs := make([]interface{}, 0, len(entries)*insertColumns)
	for i, e := range entries {
		valueStrings = append(valueStrings, valuesRow(i))
		valueArgs = append(valueArgs, e.args()...)
	}

	query := fmt.Sprintf(`
		INSERT INTO redaction_audit (id, tenant_id, record_id, redacted_at, redacted_by, reason,
			method, model_name, original_hash, original, redacted, redactions)
		VALUES %s
		ON CONFLICT (id) DO NOTHING`,
		strings.Join(valueStrings, ","))
	return query, valueArgs
}

// Insert adds one audit entry
func (s *Store) Insert(ctx context.Context, entry *Entry) error {
	query, args := buildBatchInsert([]*Entry{entry})
	query += " RETURNING created_at"

	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&entry.CreatedAt); err != nil {
		s.logger.Error("Failed to insert audit entry",
			zap.Error(err),
			zap.String("tenant_id", entry.TenantID))
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	s.logger.Debug("Audit entry inserted",
		zap.String("id", entry.ID.String()),
		zap.String("tenant_id", entry.TenantID))
	return nil
}

// BatchInsert adds multiple audit entries in one statement
func (s *Store) BatchInsert(ctx context.Context, entries []*Entry) (*BatchInsertResult, error) {
	if len(entries) == 0 {
		return &BatchInsertResult{}, nil
	}

	start := time.Now()
	result := &BatchInsertResult{}

	query, args := buildBatchInsert(entries)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		result.Failed = int64(len(entries))
		result.Errors = []error{err}
		s.logger.Error("Batch insert failed", zap.Error(err))
		return result, fmt.Errorf("batch insert failed: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Could not get rows affected", zap.Error(err))
		inserted = int64(len(entries))
	}

	result.Inserted = inserted
	result.Failed = int64(len(entries)) - inserted
	result.Duration = time.Since(start)

	s.logger.Info("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("failed", result.Failed),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func buildListQuery(tenantID string, opts ListOptions) (string, []interface{}) {
	where := "WHERE tenant_id = $1"
	args := []interface{}{tenantID}
	argIndex := 2

	if !opts.Since.IsZero() {
		where += fmt.Sprintf(" AND redacted_at >= $%d", argIndex)
		args = append(args, opts.Since)
		argIndex++
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, tenant_id, record_id, redacted_at, redacted_by, reason, method,
			model_name, original_hash, original, redacted, redactions, created_at
		FROM redaction_audit
		%s
		ORDER BY redacted_at DESC
		LIMIT $%d`, where, argIndex)
	return query, args
}

// ListByTenant returns a tenant's most recent audit entries
func (s *Store) ListByTenant(ctx context.Context, tenantID string, opts ListOptions) ([]*Entry, error) {
	query, args := buildListQuery(tenantID, opts)

	var entries []*Entry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func buildPurgeQuery(tenantID string, cutoff time.Time) (string, []interface{}) {
	return `DELETE FROM redaction_audit WHERE tenant_id = $1 AND redacted_at < $2`,
		[]interface{}{tenantID, cutoff}
}

// PurgeBefore deletes a tenant's audit entries redacted before cutoff
func (s *Store) PurgeBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	query, args := buildPurgeQuery(tenantID, cutoff)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged audit entries: %w", err)
	}

	s.logger.Info("Audit entries purged",
		zap.String("tenant_id", tenantID),
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", deleted))
	return deleted, nil
}

// Stats returns audit table statistics
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(original) AS preserved,
			COUNT(DISTINCT tenant_id) AS tenants
		FROM redaction_audit`

	if err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalEntries,
		&stats.PreservedEntries,
		&stats.Tenants,
	); err != nil {
		return nil, fmt.Errorf("failed to get audit stats: %w", err)
	}
	return stats, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
