package etl

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raaihank/record-sentinel/internal/audit"
	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/raaihank/record-sentinel/internal/metrics"
	"github.com/raaihank/record-sentinel/internal/privacy"
	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
)

// TokenVault stores reversible token mappings
type TokenVault interface {
	Store(ctx context.Context, tenantID string, mapping map[string]string, ttl time.Duration) error
}

// AuditWriter persists redaction audit rows in bulk
type AuditWriter interface {
	BatchInsert(ctx context.Context, entries []*audit.Entry) (*audit.BatchInsertResult, error)
}

// Pipeline redacts PII from dataset files with a single tenant policy
type Pipeline struct {
	policy   *privacy.Policy
	detector *privacy.Detector
	redactor *privacy.Redactor
	vault    TokenVault
	audit    AuditWriter
	config   *Config
	logger   *logger.Logger
	stats    *ProcessingStats
	mu       sync.RWMutex
}

// NewPipeline creates a new ETL pipeline. vault and auditWriter may be nil.
func NewPipeline(
	policy *privacy.Policy,
	vault TokenVault,
	auditWriter AuditWriter,
	config *Config,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		policy:   policy,
		detector: privacy.NewDetector(log),
		redactor: privacy.NewRedactor(log),
		vault:    vault,
		audit:    auditWriter,
		config:   config.withDefaults(),
		logger:   log.WithComponent("etl").WithTenant(policy.TenantID()),
		stats: &ProcessingStats{
			StartTime: time.Now(),
		},
	}
}

// ProcessFile redacts every record of inputPath and writes the result to outputPath
func (p *Pipeline) ProcessFile(ctx context.Context, inputPath, outputPath string) (*ProcessingResult, error) {
	p.logger.Info("Starting ETL pipeline",
		zap.String("input", inputPath),
		zap.String("output", outputPath),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount))

	start := time.Now()
	result := &ProcessingResult{ByType: map[string]int{}}

	format := DetectFileFormat(inputPath)
	p.logger.Info("Detected file format", zap.String("format", string(format)))

	p.resetStats()

	input, err := os.Open(inputPath)
	if err != nil {
		return result, fmt.Errorf("failed to open input file: %w", err)
	}
	defer input.Close()

	output, err := os.Create(outputPath)
	if err != nil {
		return result, fmt.Errorf("failed to create output file: %w", err)
	}
	defer output.Close()

	sink, err := newRecordWriter(p.config.Output, output)
	if err != nil {
		return result, err
	}

	switch format {
	case FormatCSV:
		err = p.processCSV(ctx, input, sink, result)
	case FormatParquet:
		err = p.processParquet(ctx, input, sink, result)
	case FormatJSONL:
		err = p.processJSONL(ctx, input, sink, result)
	default:
		err = fmt.Errorf("unsupported file format: %s", format)
	}
	if closeErr := sink.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to finish output: %w", closeErr)
	}
	if err != nil {
		return result, fmt.Errorf("%s processing failed: %w", format, err)
	}

	result.Duration = time.Since(start)

	p.logger.Info("ETL pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("records_with_pii", result.RecordsWithPII),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("redaction_time", result.RedactionTime),
		zap.Duration("database_time", result.DatabaseTime))
	p.logger.LogDetectionSummary(int(result.Detections), result.ByType)

	return result, nil
}

// processCSV reads CSV input with a header row. The id and text columns map
// onto the record, every other column becomes a field.
func (p *Pipeline) processCSV(ctx context.Context, r io.Reader, sink recordWriter, result *ProcessingResult) error {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}
	p.logger.Info("CSV header detected", zap.Strings("columns", header))

	row := 0
	return p.processBatches(ctx, func() ([]*DataRecord, error) {
		var batch []*DataRecord
		for len(batch) < p.config.BatchSize {
			values, err := reader.Read()
			if err == io.EOF {
				break
			}
			row++
			if err != nil {
				var parseErr *csv.ParseError
				if errors.As(err, &parseErr) {
					p.logger.Warn("Failed to read CSV record", zap.Int("row", row), zap.Error(err))
					p.skip(result, 1)
					continue
				}
				return nil, err
			}

			record := &DataRecord{ID: "row-" + strconv.Itoa(row)}
			for i, col := range header {
				switch col {
				case "id":
					if v := strings.TrimSpace(values[i]); v != "" {
						record.ID = v
					}
				case "text":
					record.Text = values[i]
				default:
					if record.Fields == nil {
						record.Fields = make(map[string]any, len(header))
					}
					record.Fields[col] = values[i]
				}
			}

			if p.validateRecord(record, result) {
				batch = append(batch, record)
			}
		}
		return batch, nil
	}, sink, result)
}

// processParquet reads Parquet input with id and text columns
func (p *Pipeline) processParquet(ctx context.Context, file *os.File, sink recordWriter, result *ProcessingResult) error {
	reader := parquet.NewReader(file)
	defer reader.Close()

	row := 0
	return p.processBatches(ctx, func() ([]*DataRecord, error) {
		var batch []*DataRecord
		for len(batch) < p.config.BatchSize {
			var rec parquetRecord
			err := reader.Read(&rec)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read Parquet record: %w", err)
			}
			row++

			record := &DataRecord{ID: rec.ID, Text: rec.Text}
			if record.ID == "" {
				record.ID = "row-" + strconv.Itoa(row)
			}
			if p.validateRecord(record, result) {
				batch = append(batch, record)
			}
		}
		return batch, nil
	}, sink, result)
}

// processJSONL reads one {id, text, fields} object per line
func (p *Pipeline) processJSONL(ctx context.Context, r io.Reader, sink recordWriter, result *ProcessingResult) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*p.config.MaxTextBytes)

	line := 0
	return p.processBatches(ctx, func() ([]*DataRecord, error) {
		var batch []*DataRecord
		for len(batch) < p.config.BatchSize && scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(strings.TrimSpace(string(raw))) == 0 {
				continue
			}

			var record DataRecord
			if err := json.Unmarshal(raw, &record); err != nil {
				p.logger.Warn("Failed to read JSON record", zap.Int("line", line), zap.Error(err))
				p.skip(result, 1)
				continue
			}
			if record.ID == "" {
				record.ID = "line-" + strconv.Itoa(line)
			}
			if p.validateRecord(&record, result) {
				batch = append(batch, &record)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return batch, nil
	}, sink, result)
}

// processBatches processes data in batches using the provided reader function
func (p *Pipeline) processBatches(ctx context.Context, readBatch func() ([]*DataRecord, error), sink recordWriter, result *ProcessingResult) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := readBatch()
		if err != nil {
			return fmt.Errorf("failed to read batch: %w", err)
		}
		if len(batch) == 0 {
			break // End of file
		}

		p.mu.Lock()
		p.stats.CurrentBatch++
		p.mu.Unlock()

		before := result.TotalRecords
		result.TotalRecords += int64(len(batch))

		outputs, err := p.processBatch(ctx, batch, result)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("Batch processing failed", zap.Error(err))
			result.ProcessedFailed += int64(len(batch))
			result.Errors = append(result.Errors, err.Error())
			metrics.RecordETLRecords("failed", len(batch))
			continue
		}

		if err := sink.Write(outputs); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		result.ProcessedOK += int64(len(batch))
		metrics.RecordETLRecords("ok", len(batch))

		// Progress reporting
		report := int64(p.config.ProgressReport)
		if before/report != result.TotalRecords/report {
			p.reportProgress(result)
		}
	}

	return nil
}

type recordOutcome struct {
	output  *OutputRecord
	mapping map[string]string
	entries []*audit.Entry
	byType  map[privacy.PIIType]int
	err     error
}

// processBatch redacts a batch across the worker pool and stores the
// reversible tokens and audit rows it produced
func (p *Pipeline) processBatch(ctx context.Context, batch []*DataRecord, result *ProcessingResult) ([]*OutputRecord, error) {
	redactionStart := time.Now()
	outcomes := make([]recordOutcome, len(batch))

	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := p.config.WorkerCount
	if workers > len(batch) {
		workers = len(batch)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = p.redactRecord(batch[i])
			}
		}()
	}

	var cancelled error
feed:
	for i := range batch {
		select {
		case jobs <- i:
		case <-ctx.Done():
			cancelled = ctx.Err()
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	if cancelled != nil {
		return nil, cancelled
	}
	result.RedactionTime += time.Since(redactionStart)

	outputs := make([]*OutputRecord, len(batch))
	mapping := map[string]string{}
	var entries []*audit.Entry
	var redactions int64
	for i, o := range outcomes {
		if o.err != nil {
			return nil, fmt.Errorf("record %s: %w", batch[i].ID, o.err)
		}
		outputs[i] = o.output
		for token, original := range o.mapping {
			mapping[token] = original
		}
		entries = append(entries, o.entries...)
		redactions += int64(o.output.Redactions)
	}

	if len(mapping) > 0 && p.vault != nil {
		vaultStart := time.Now()
		if err := p.vault.Store(ctx, p.policy.TenantID(), mapping, p.policy.Retention()); err != nil {
			return nil, fmt.Errorf("failed to store reversible tokens: %w", err)
		}
		result.VaultTime += time.Since(vaultStart)
		result.VaultedTokens += int64(len(mapping))
	}

	if len(entries) > 0 && p.audit != nil {
		dbStart := time.Now()
		inserted, err := p.audit.BatchInsert(ctx, entries)
		if err != nil {
			if p.policy.Config().ComplianceConfig.RequireAuditTrail {
				return nil, fmt.Errorf("audit batch insert failed: %w", err)
			}
			p.logger.Warn("Audit batch insert failed", zap.Error(err))
		} else {
			result.AuditRows += inserted.Inserted
			for i, o := range outcomes {
				if len(o.entries) > 0 {
					outputs[i].AuditID = o.entries[0].ID.String()
				}
			}
		}
		result.DatabaseTime += time.Since(dbStart)
	}

	for i, o := range outcomes {
		if outputs[i].Detections > 0 {
			result.RecordsWithPII++
		}
		result.Detections += int64(outputs[i].Detections)
		for t, n := range o.byType {
			result.ByType[string(t)] += n
		}
	}

	p.mu.Lock()
	p.stats.Redactions += redactions
	p.stats.VaultWrites += int64(len(mapping))
	p.stats.DatabaseWrites += int64(len(entries))
	p.mu.Unlock()

	p.logger.Debug("Batch processed successfully",
		zap.Int("batch_size", len(batch)),
		zap.Int64("redactions", redactions),
		zap.Int("tokens", len(mapping)),
		zap.Int("audit_rows", len(entries)))

	return outputs, nil
}

// redactRecord detects and redacts the text and fields of one record
func (p *Pipeline) redactRecord(rec *DataRecord) recordOutcome {
	out := &OutputRecord{ID: rec.ID}
	o := recordOutcome{output: out, byType: map[privacy.PIIType]int{}}
	opts := p.config.Options

	addMapping := func(m map[string]string) {
		if len(m) == 0 {
			return
		}
		if o.mapping == nil {
			o.mapping = make(map[string]string, len(m))
		}
		for k, v := range m {
			o.mapping[k] = v
		}
	}
	addDetections := func(d privacy.DetectionResult) {
		out.Detections += d.TotalCount
		for t, n := range d.ByType {
			o.byType[t] += n
		}
	}

	if rec.Text != "" {
		detections := p.detector.DetectText(rec.Text, p.policy)
		addDetections(detections)
		res := p.redactor.Redact(rec.Text, detections, p.policy, opts)
		out.Text = res.Redacted
		out.Redactions += len(res.Redactions)
		addMapping(res.ReversibleMapping)
		if p.audit != nil && len(res.Redactions) > 0 {
			entry, err := audit.NewEntry(p.policy.TenantID(), rec.ID, &res)
			if err != nil {
				o.err = err
				return o
			}
			o.entries = append(o.entries, entry)
		}
	}

	if len(rec.Fields) > 0 {
		detections := p.detector.DetectRecord(rec.Fields, p.policy)
		addDetections(detections)
		res := p.redactor.RedactRecord(rec.Fields, detections, p.policy, opts)
		out.Fields = res.Redacted
		out.Redactions += len(res.Redactions)
		addMapping(res.ReversibleMapping)
		if p.audit != nil && len(res.Redactions) > 0 {
			entry, err := audit.NewRecordEntry(p.policy.TenantID(), rec.ID, &res)
			if err != nil {
				o.err = err
				return o
			}
			o.entries = append(o.entries, entry)
		}
	}

	if len(o.byType) > 0 {
		out.ByType = make(map[string]int, len(o.byType))
		for t, n := range o.byType {
			out.ByType[string(t)] = n
		}
	}
	return o
}

// validateRecord validates a data record, counting rejected ones as skipped
func (p *Pipeline) validateRecord(record *DataRecord, result *ProcessingResult) bool {
	p.mu.Lock()
	p.stats.RecordsRead++
	p.mu.Unlock()

	if !p.config.ValidateData {
		p.markValid()
		return true
	}

	if strings.TrimSpace(record.Text) == "" && len(record.Fields) == 0 {
		p.logger.Debug("Invalid record: nothing to scan", zap.String("id", record.ID))
		p.skip(result, 1)
		return false
	}

	if len(record.Text) > p.config.MaxTextBytes {
		p.logger.Debug("Invalid record: text too long",
			zap.String("id", record.ID),
			zap.Int("length", len(record.Text)))
		p.skip(result, 1)
		return false
	}

	p.markValid()
	return true
}

func (p *Pipeline) markValid() {
	p.mu.Lock()
	p.stats.RecordsValid++
	p.mu.Unlock()
}

func (p *Pipeline) skip(result *ProcessingResult, n int) {
	result.Skipped += int64(n)
	p.mu.Lock()
	p.stats.RecordsInvalid += int64(n)
	p.mu.Unlock()
	metrics.RecordETLRecords("skipped", n)
}

// reportProgress logs current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	p.mu.Lock()
	elapsed := time.Since(p.stats.StartTime)
	if elapsed > 0 {
		p.stats.ProcessingRate = float64(result.TotalRecords) / elapsed.Seconds()
	}
	rate := p.stats.ProcessingRate
	p.mu.Unlock()

	p.logger.Info("Processing progress",
		zap.Int64("processed", result.TotalRecords),
		zap.Int64("successful", result.ProcessedOK),
		zap.Int64("failed", result.ProcessedFailed),
		zap.Int64("with_pii", result.RecordsWithPII),
		zap.Float64("rate_per_sec", rate),
		zap.Duration("elapsed", elapsed))
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = &ProcessingStats{
		StartTime: time.Now(),
	}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := *p.stats
	return &stats
}

// recordWriter is an output sink for redacted records
type recordWriter interface {
	Write(records []*OutputRecord) error
	Close() error
}

func newRecordWriter(format FileFormat, w io.Writer) (recordWriter, error) {
	switch format {
	case FormatJSONL:
		buf := bufio.NewWriter(w)
		return &jsonlWriter{buf: buf, enc: json.NewEncoder(buf)}, nil
	case FormatParquet:
		return &parquetWriter{w: parquet.NewGenericWriter[ParquetRow](w, parquet.Compression(&parquet.Snappy))}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

type jsonlWriter struct {
	buf *bufio.Writer
	enc *json.Encoder
}

func (j *jsonlWriter) Write(records []*OutputRecord) error {
	for _, r := range records {
		if err := j.enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func (j *jsonlWriter) Close() error {
	return j.buf.Flush()
}

type parquetWriter struct {
	w *parquet.GenericWriter[ParquetRow]
}

func (pw *parquetWriter) Write(records []*OutputRecord) error {
	rows := make([]ParquetRow, len(records))
	for i, r := range records {
		row, err := toParquetRow(r)
		if err != nil {
			return err
		}
		rows[i] = row
	}
	_, err := pw.w.Write(rows)
	return err
}

func (pw *parquetWriter) Close() error {
	return pw.w.Close()
}

func toParquetRow(r *OutputRecord) (ParquetRow, error) {
	row := ParquetRow{
		ID:         r.ID,
		Text:       r.Text,
		Detections: int64(r.Detections),
		Redactions: int64(r.Redactions),
		AuditID:    r.AuditID,
	}
	if len(r.Fields) > 0 {
		b, err := json.Marshal(r.Fields)
		if err != nil {
			return row, fmt.Errorf("failed to encode fields of %s: %w", r.ID, err)
		}
		row.FieldsJSON = string(b)
	}
	if len(r.ByType) > 0 {
		types := make([]string, 0, len(r.ByType))
		for t := range r.ByType {
			types = append(types, t)
		}
		sort.Strings(types)
		row.Types = strings.Join(types, ",")
	}
	return row, nil
}
