package privacy

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/raaihank/record-sentinel/internal/metrics"
	"go.uber.org/zap"
)

const (
	// MethodPatternRedaction is recorded in AuditInfo.Method
	MethodPatternRedaction = "pattern-redaction"
	// MethodBypassed marks spans left in place for analysis
	MethodBypassed = "bypassed-for-analysis"

	defaultRedactedBy = "system"
)

// Redactor applies redaction strategies to detected spans
type Redactor struct {
	logger *logger.Logger
	now    func() time.Time
}

// NewRedactor creates a redactor using the wall clock
func NewRedactor(log *logger.Logger) *Redactor {
	return &Redactor{
		logger: log.WithComponent("redactor"),
		now:    time.Now,
	}
}

// WithClock returns a copy of the redactor reading time from now
func (r *Redactor) WithClock(now func() time.Time) *Redactor {
	c := *r
	c.now = now
	return &c
}

// session is the per-call state shared across all spans of one redaction
type session struct {
	policy  *Policy
	opts    RedactionOptions
	pseudo  *pseudonymizer
	tokens  map[string]string
	mapping map[string]string
}

func (r *Redactor) newSession(p *Policy, opts RedactionOptions) *session {
	return &session{
		policy: p,
		opts:   opts,
		pseudo: newPseudonymizer(opts.PseudonymSeed),
		tokens: make(map[string]string),
	}
}

func (r *Redactor) auditInfo(original string, opts RedactionOptions) AuditInfo {
	by := opts.RedactedBy
	if by == "" {
		by = defaultRedactedBy
	}
	return AuditInfo{
		RedactedAt:       r.now().UTC(),
		RedactedBy:       by,
		Reason:           opts.Reason,
		Method:           MethodPatternRedaction,
		ModelName:        opts.CurrentModel,
		PreserveForAudit: opts.PreserveForAudit,
		OriginalHash:     HashOriginal(original),
	}
}

// Redact transforms original using the detections that belong to it
func (r *Redactor) Redact(original string, detections DetectionResult, p *Policy, opts RedactionOptions) RedactionResult {
	s := r.newSession(p, opts)
	redacted, entries := r.apply(original, "", detections.Detected, s)
	return RedactionResult{
		Original:          original,
		Redacted:          redacted,
		Redactions:        entries,
		AuditInfo:         r.auditInfo(original, opts),
		ReversibleMapping: s.mapping,
	}
}

// RedactRecord redacts every string leaf of record that carries detections.
// The input record is not modified.
func (r *Redactor) RedactRecord(record map[string]any, detections DetectionResult, p *Policy, opts RedactionOptions) RecordRedactionResult {
	s := r.newSession(p, opts)

	byPath := make(map[string][]DetectedPII)
	for _, d := range detections.Detected {
		byPath[d.FieldPath] = append(byPath[d.FieldPath], d)
	}

	var entries []Redaction
	redacted, _ := deepCopy(record, nil, func(path []string, leaf string) string {
		found := byPath[strings.Join(path, ".")]
		if len(found) == 0 {
			return leaf
		}
		out, e := r.apply(leaf, strings.Join(path, "."), found, s)
		entries = append(entries, e...)
		return out
	}).(map[string]any)

	if entries == nil {
		entries = []Redaction{}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].FieldPath != entries[j].FieldPath {
			return entries[i].FieldPath < entries[j].FieldPath
		}
		return entries[i].StartIndex < entries[j].StartIndex
	})
	return RecordRedactionResult{
		Original:          record,
		Redacted:          redacted,
		Redactions:        entries,
		AuditInfo:         r.auditInfo(canonicalRecord(record), opts),
		ReversibleMapping: s.mapping,
	}
}

// apply splices replacements into text from the last span to the first so
// earlier offsets stay valid. Entries come back in ascending start order.
func (r *Redactor) apply(text, fieldPath string, detections []DetectedPII, s *session) (string, []Redaction) {
	spans := make([]DetectedPII, 0, len(detections))
	for _, d := range detections {
		if d.FieldPath != fieldPath {
			continue
		}
		if d.StartIndex < 0 || d.EndIndex > len(text) || d.StartIndex >= d.EndIndex || text[d.StartIndex:d.EndIndex] != d.Value {
			r.logger.Warn("Detection does not match text, skipped",
				zap.String("type", string(d.Type)),
				zap.String("field_path", fieldPath),
				zap.Int("start", d.StartIndex),
			)
			continue
		}
		spans = append(spans, d)
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].StartIndex > spans[j].StartIndex })

	out := text
	limit := len(text) + 1
	entries := make([]Redaction, 0, len(spans))
	for _, d := range spans {
		if d.EndIndex > limit {
			continue
		}
		limit = d.StartIndex

		entry := s.redactOne(d)
		out = out[:d.StartIndex] + entry.RedactedValue + out[d.EndIndex:]
		entries = append(entries, entry)
		if entry.Method == MethodBypassed {
			metrics.RecordRedaction(MethodBypassed)
		} else {
			metrics.RecordRedaction(string(entry.Strategy))
		}
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return out, entries
}

func (s *session) redactOne(d DetectedPII) Redaction {
	entry := Redaction{
		Type:          d.Type,
		OriginalValue: d.Value,
		StartIndex:    d.StartIndex,
		EndIndex:      d.EndIndex,
		FieldPath:     d.FieldPath,
	}
	if s.opts.bypasses(d.Type) {
		entry.RedactedValue = d.Value
		entry.Method = MethodBypassed
		return entry
	}

	strategy := s.policy.strategyFor(d, s.opts)
	entry.Strategy = strategy
	entry.Method = "strategy:" + string(strategy)

	switch strategy {
	case StrategyRemoval:
		entry.RedactedValue = ""
	case StrategyMasking:
		entry.RedactedValue = Mask(d.Type, d.Value)
	case StrategyTokenization:
		key := string(d.Type) + "\x00" + d.Value
		token, ok := s.tokens[key]
		if !ok {
			token = NewToken()
			s.tokens[key] = token
		}
		entry.Token = token
		entry.RedactedValue = token
		if s.opts.AllowReversible && s.policy.AllowsReversible() {
			if s.mapping == nil {
				s.mapping = make(map[string]string)
			}
			s.mapping[token] = d.Value
		}
	case StrategyPseudonymization:
		entry.RedactedValue = s.pseudo.pseudonym(d.Type, d.Value)
	case StrategyGeneralization:
		entry.RedactedValue = Generalize(d.Type)
	default:
		entry.Strategy = StrategyMasking
		entry.Method = "strategy:" + string(StrategyMasking)
		entry.RedactedValue = Mask(d.Type, d.Value)
	}
	return entry
}

// Restore substitutes every token in text with its original value
func Restore(text string, mapping map[string]string) string {
	if len(mapping) == 0 {
		return text
	}
	tokens := make([]string, 0, len(mapping))
	for token := range mapping {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	pairs := make([]string, 0, 2*len(tokens))
	for _, token := range tokens {
		pairs = append(pairs, token, mapping[token])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// RestoreRecord restores tokens in every string leaf of a redacted record
func RestoreRecord(record map[string]any, mapping map[string]string) map[string]any {
	out, _ := deepCopy(record, nil, func(_ []string, leaf string) string {
		return Restore(leaf, mapping)
	}).(map[string]any)
	return out
}

// deepCopy copies maps and slices, passing string leaves through fn
func deepCopy(node any, path []string, fn func(path []string, leaf string) string) any {
	switch v := node.(type) {
	case string:
		return fn(path, v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = deepCopy(item, append(path[:len(path):len(path)], k), fn)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = deepCopy(item, append(path[:len(path):len(path)], k), fn)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item, append(path[:len(path):len(path)], strconv.Itoa(i)), fn)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item, append(path[:len(path):len(path)], strconv.Itoa(i)), fn)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item, append(path[:len(path):len(path)], strconv.Itoa(i)), fn)
		}
		return out
	default:
		return v
	}
}

// canonicalRecord flattens a record into sorted path=value lines for hashing
func canonicalRecord(record map[string]any) string {
	var lines []string
	deepCopy(record, nil, func(path []string, leaf string) string {
		lines = append(lines, strings.Join(path, ".")+"="+leaf)
		return leaf
	})
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
