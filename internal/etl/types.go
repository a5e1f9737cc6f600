package etl

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/raaihank/record-sentinel/internal/privacy"
)

// DataRecord represents a single record from the input dataset. Text is
// scanned as free text and Fields as a structured record; either may be empty.
type DataRecord struct {
	ID     string         `json:"id"`
	Text   string         `json:"text,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// parquetRecord is the Parquet input row layout
type parquetRecord struct {
	ID   string `parquet:"id"`
	Text string `parquet:"text"`
}

// OutputRecord is one redacted record as written to JSONL output
type OutputRecord struct {
	ID         string         `json:"id"`
	Text       string         `json:"text,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Detections int            `json:"detections"`
	ByType     map[string]int `json:"byType,omitempty"`
	Redactions int            `json:"redactions"`
	AuditID    string         `json:"auditId,omitempty"`
}

// ParquetRow is one redacted record as written to Parquet output. Fields are
// stored as a JSON document since their shape varies per record.
type ParquetRow struct {
	ID         string `parquet:"id"`
	Text       string `parquet:"text"`
	FieldsJSON string `parquet:"fields_json"`
	Detections int64  `parquet:"detections"`
	Types      string `parquet:"types"`
	Redactions int64  `parquet:"redactions"`
	AuditID    string `parquet:"audit_id"`
}

// ProcessingResult represents the result of processing a dataset
type ProcessingResult struct {
	TotalRecords    int64          `json:"total_records"`
	ProcessedOK     int64          `json:"processed_ok"`
	ProcessedFailed int64          `json:"processed_failed"`
	Skipped         int64          `json:"skipped"`
	RecordsWithPII  int64          `json:"records_with_pii"`
	Detections      int64          `json:"detections"`
	ByType          map[string]int `json:"by_type"`
	VaultedTokens   int64          `json:"vaulted_tokens"`
	AuditRows       int64          `json:"audit_rows"`
	Duration        time.Duration  `json:"duration"`
	RedactionTime   time.Duration  `json:"redaction_time"`
	VaultTime       time.Duration  `json:"vault_time"`
	DatabaseTime    time.Duration  `json:"database_time"`
	Errors          []string       `json:"errors,omitempty"`
}

// Config contains ETL pipeline configuration
type Config struct {
	BatchSize      int  `yaml:"batch_size" mapstructure:"batch_size"`           // 500
	WorkerCount    int  `yaml:"worker_count" mapstructure:"worker_count"`       // 1
	ValidateData   bool `yaml:"validate_data" mapstructure:"validate_data"`     // true
	MaxTextBytes   int  `yaml:"max_text_bytes" mapstructure:"max_text_bytes"`   // 1 MiB
	ProgressReport int  `yaml:"progress_report" mapstructure:"progress_report"` // 1000
	Output         FileFormat
	Options        privacy.RedactionOptions
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 500
	}
	if out.WorkerCount <= 0 {
		out.WorkerCount = 1
	}
	if out.MaxTextBytes <= 0 {
		out.MaxTextBytes = 1 << 20
	}
	if out.ProgressReport <= 0 {
		out.ProgressReport = 1000
	}
	if out.Output == "" {
		out.Output = FormatJSONL
	}
	return &out
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	RecordsRead    int64     `json:"records_read"`
	RecordsValid   int64     `json:"records_valid"`
	RecordsInvalid int64     `json:"records_invalid"`
	Redactions     int64     `json:"redactions"`
	VaultWrites    int64     `json:"vault_writes"`
	DatabaseWrites int64     `json:"database_writes"`
	CurrentBatch   int64     `json:"current_batch"`
	ProcessingRate float64   `json:"processing_rate"` // records per second
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".jsonl", ".json", ".ndjson":
		return FormatJSONL
	default:
		return FormatCSV // Default to CSV
	}
}

// ParseFileFormat accepts a format name as given on the command line
func ParseFileFormat(s string) (FileFormat, bool) {
	switch FileFormat(strings.ToLower(s)) {
	case FormatCSV:
		return FormatCSV, true
	case FormatParquet:
		return FormatParquet, true
	case FormatJSONL, "json":
		return FormatJSONL, true
	}
	return "", false
}
