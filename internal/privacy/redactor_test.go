package privacy

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/record-sentinel/internal/logger"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestRedactor() *Redactor {
	return NewRedactor(logger.NewNop()).WithClock(func() time.Time { return fixedNow })
}

// applyEntries rebuilds the redacted text from the original and the ascending entries
func applyEntries(original string, entries []Redaction) string {
	var b strings.Builder
	pos := 0
	for _, e := range entries {
		b.WriteString(original[pos:e.StartIndex])
		b.WriteString(e.RedactedValue)
		pos = e.EndIndex
	}
	b.WriteString(original[pos:])
	return b.String()
}

func TestRedactRecord_MaskingScenario(t *testing.T) {
	cfg := enabledConfig(SensitivityMedium, PIITypeEmail, PIITypeSSN, PIITypePhone)
	cfg.RedactionStrategy = StrategyTable{
		PIITypeEmail: StrategyMasking,
		PIITypeSSN:   StrategyMasking,
		PIITypePhone: StrategyMasking,
	}
	p := mustPolicy(t, cfg)

	record := map[string]any{
		"email": "jane@x.com",
		"ssn":   "123-45-6789",
		"note":  "call 555-123-4567",
	}
	snapshot := map[string]any{
		"email": "jane@x.com",
		"ssn":   "123-45-6789",
		"note":  "call 555-123-4567",
	}

	detections := NewDetector(logger.NewNop()).DetectRecord(record, p)
	require.Equal(t, 3, detections.TotalCount)

	result := newTestRedactor().RedactRecord(record, detections, p, RedactionOptions{})

	assert.Equal(t, "***-**-6789", result.Redacted["ssn"])
	assert.Equal(t, "j***@x.com", result.Redacted["email"])
	assert.Equal(t, "call ***-***-4567", result.Redacted["note"])
	assert.Equal(t, snapshot, result.Original)
	assert.Equal(t, snapshot, record, "input record must not be mutated")
	assert.Equal(t, fixedNow, result.AuditInfo.RedactedAt)
	assert.Equal(t, MethodPatternRedaction, result.AuditInfo.Method)
	assert.Equal(t, "system", result.AuditInfo.RedactedBy)
	assert.Len(t, result.AuditInfo.OriginalHash, 64)
	assert.Nil(t, result.ReversibleMapping)

	require.Len(t, result.Redactions, 3)
	assert.Equal(t, "email", result.Redactions[0].FieldPath)
	assert.Equal(t, "note", result.Redactions[1].FieldPath)
	assert.Equal(t, "ssn", result.Redactions[2].FieldPath)
	for _, e := range result.Redactions {
		assert.Equal(t, StrategyMasking, e.Strategy)
		assert.Equal(t, "strategy:masking", e.Method)
		assert.Empty(t, e.Token)
	}
}

func TestRedact_EntriesReconstructOutput(t *testing.T) {
	p := mustPolicy(t, enabledConfig(SensitivityHigh, AllPIITypes...))
	text := "Dear John Smith, mail jane@x.com, call 555-123-4567, ship to 42 Baker Street, card 4111111111111111."

	detections := NewDetector(logger.NewNop()).DetectText(text, p)
	require.True(t, detections.HasPII)

	result := newTestRedactor().Redact(text, detections, p, RedactionOptions{AllowReversible: true})
	assert.Equal(t, text, result.Original)
	assert.Equal(t, result.Redacted, applyEntries(text, result.Redactions))
	for i := 1; i < len(result.Redactions); i++ {
		assert.Less(t, result.Redactions[i-1].StartIndex, result.Redactions[i].StartIndex)
	}
	assert.NotContains(t, result.Redacted, "jane@x.com")
	assert.NotContains(t, result.Redacted, "4111111111111111")
	assert.Contains(t, result.Redacted, "a location")
}

func TestRedact_TokenizationRoundTrip(t *testing.T) {
	cfg := enabledConfig(SensitivityMedium, PIITypeEmail, PIITypeSSN)
	cfg.RedactionStrategy = StrategyTable{PIITypeEmail: StrategyTokenization, PIITypeSSN: StrategyTokenization}
	cfg.ComplianceConfig.AllowReversible = true
	p := mustPolicy(t, cfg)
	d := NewDetector(logger.NewNop())

	text := "mail jane@x.com, again jane@x.com, ssn 123-45-6789"
	detections := d.DetectText(text, p)
	require.Equal(t, 3, detections.TotalCount)

	t.Run("reversible", func(t *testing.T) {
		result := newTestRedactor().Redact(text, detections, p, RedactionOptions{AllowReversible: true})

		require.Len(t, result.Redactions, 3)
		assert.Equal(t, result.Redactions[0].Token, result.Redactions[1].Token, "same value reuses its token")
		assert.NotEqual(t, result.Redactions[0].Token, result.Redactions[2].Token)

		tokens := make(map[string]bool)
		for _, e := range result.Redactions {
			assert.Regexp(t, regexp.MustCompile(`^\[REDACTED:[0-9a-f-]{36}\]$`), e.Token)
			tokens[e.Token] = true
		}
		require.Len(t, result.ReversibleMapping, len(tokens))
		for token := range tokens {
			assert.Contains(t, result.ReversibleMapping, token)
		}

		assert.Equal(t, text, Restore(result.Redacted, result.ReversibleMapping))
	})

	t.Run("irreversible", func(t *testing.T) {
		result := newTestRedactor().Redact(text, detections, p, RedactionOptions{})
		assert.Nil(t, result.ReversibleMapping)
		for _, e := range result.Redactions {
			assert.NotEmpty(t, e.Token)
		}
		assert.NotContains(t, result.Redacted, "jane@x.com")
	})

	t.Run("no new detections after redaction", func(t *testing.T) {
		result := newTestRedactor().Redact(text, detections, p, RedactionOptions{AllowReversible: true})
		again := d.DetectText(result.Redacted, p)
		assert.False(t, again.HasPII, "detections: %+v", again.Detected)
	})
}

func TestRedact_TenantForbidsReversibleTokens(t *testing.T) {
	cfg := enabledConfig(SensitivityMedium, PIITypeEmail)
	cfg.RedactionStrategy = StrategyTable{PIITypeEmail: StrategyTokenization}
	cfg.ComplianceConfig.AllowReversible = false
	p := mustPolicy(t, cfg)

	text := "mail jane@x.com"
	detections := NewDetector(logger.NewNop()).DetectText(text, p)
	require.Equal(t, 1, detections.TotalCount)

	result := newTestRedactor().Redact(text, detections, p, RedactionOptions{AllowReversible: true})
	require.Len(t, result.Redactions, 1)
	assert.NotEmpty(t, result.Redactions[0].Token)
	assert.Equal(t, result.Redactions[0].Token, result.Redacted[5:])
	assert.Nil(t, result.ReversibleMapping)

	record := NewDetector(logger.NewNop()).DetectRecord(map[string]any{"email": "jane@x.com"}, p)
	recordResult := newTestRedactor().RedactRecord(map[string]any{"email": "jane@x.com"}, record, p, RedactionOptions{AllowReversible: true})
	assert.Nil(t, recordResult.ReversibleMapping)
}

func TestRedact_MaskedOutputIsNotRedetected(t *testing.T) {
	p := mustPolicy(t, enabledConfig(SensitivityMedium, PIITypeEmail, PIITypeSSN, PIITypePhone, PIITypeCreditCard))
	d := NewDetector(logger.NewNop())

	text := "jane@x.com 123-45-6789 555-123-4567 4111111111111111"
	first := newTestRedactor().Redact(text, d.DetectText(text, p), p, RedactionOptions{})
	require.Len(t, first.Redactions, 4)

	second := d.DetectText(first.Redacted, p)
	assert.False(t, second.HasPII, "detections: %+v", second.Detected)
}

func TestRedact_StrategyPrecedence(t *testing.T) {
	cfg := enabledConfig(SensitivityMedium, PIITypeEmail)
	cfg.RedactionStrategy = StrategyTable{PIITypeEmail: StrategyRemoval}
	cfg.FieldSensitivity = []FieldSensitivity{{FieldPath: "owner.email", RedactionStrategy: StrategyGeneralization}}
	p := mustPolicy(t, cfg)

	opts := RedactionOptions{
		CurrentModel:  "gpt-4",
		ModelSpecific: map[string]StrategyTable{"gpt-4": {PIITypeEmail: StrategyMasking}},
	}

	tests := []struct {
		name string
		d    DetectedPII
		opts RedactionOptions
		want RedactionStrategy
	}{
		{name: "field override wins", d: DetectedPII{Type: PIITypeEmail, FieldPath: "owner.email"}, opts: opts, want: StrategyGeneralization},
		{name: "model override beats tenant table", d: DetectedPII{Type: PIITypeEmail, FieldPath: "other"}, opts: opts, want: StrategyMasking},
		{name: "tenant table", d: DetectedPII{Type: PIITypeEmail}, opts: RedactionOptions{}, want: StrategyRemoval},
		{name: "other model ignored", d: DetectedPII{Type: PIITypeEmail}, opts: RedactionOptions{CurrentModel: "claude", ModelSpecific: opts.ModelSpecific}, want: StrategyRemoval},
		{name: "built-in default", d: DetectedPII{Type: PIITypeAddress}, opts: RedactionOptions{}, want: StrategyGeneralization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.StrategyFor(tt.d, tt.opts))
		})
	}
}

func TestRedact_Strategies(t *testing.T) {
	text := "mail jane@x.com now"
	d := NewDetector(logger.NewNop())

	tests := []struct {
		strategy RedactionStrategy
		want     *regexp.Regexp
	}{
		{strategy: StrategyRemoval, want: regexp.MustCompile(`^mail  now$`)},
		{strategy: StrategyMasking, want: regexp.MustCompile(`^mail j\*\*\*@x\.com now$`)},
		{strategy: StrategyTokenization, want: regexp.MustCompile(`^mail \[REDACTED:[0-9a-f-]{36}\] now$`)},
		{strategy: StrategyPseudonymization, want: regexp.MustCompile(`^mail EMAIL_[0-9a-f]{8} now$`)},
		{strategy: StrategyGeneralization, want: regexp.MustCompile(`^mail an email address now$`)},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			cfg := enabledConfig(SensitivityMedium, PIITypeEmail)
			cfg.RedactionStrategy = StrategyTable{PIITypeEmail: tt.strategy}
			p := mustPolicy(t, cfg)

			result := newTestRedactor().Redact(text, d.DetectText(text, p), p, RedactionOptions{})
			assert.Regexp(t, tt.want, result.Redacted)
			require.Len(t, result.Redactions, 1)
			assert.Equal(t, tt.strategy, result.Redactions[0].Strategy)
		})
	}
}

func TestRedact_Pseudonyms(t *testing.T) {
	cfg := enabledConfig(SensitivityMedium, PIITypeEmail)
	cfg.RedactionStrategy = StrategyTable{PIITypeEmail: StrategyPseudonymization}
	p := mustPolicy(t, cfg)
	d := NewDetector(logger.NewNop())

	text := "jane@x.com wrote to bob@y.org and jane@x.com"
	detections := d.DetectText(text, p)
	require.Equal(t, 3, detections.TotalCount)

	result := newTestRedactor().Redact(text, detections, p, RedactionOptions{})
	assert.Equal(t, result.Redactions[0].RedactedValue, result.Redactions[2].RedactedValue)
	assert.NotEqual(t, result.Redactions[0].RedactedValue, result.Redactions[1].RedactedValue)

	seeded := RedactionOptions{PseudonymSeed: "tenant-a-secret"}
	a := newTestRedactor().Redact(text, detections, p, seeded)
	b := newTestRedactor().Redact(text, detections, p, seeded)
	assert.Equal(t, a.Redacted, b.Redacted, "a supplied seed makes pseudonyms stable across calls")
	assert.Equal(t, Pseudonymize("tenant-a-secret", PIITypeEmail, "jane@x.com"), a.Redactions[0].RedactedValue)
}

func TestRedact_BypassForAnalysis(t *testing.T) {
	p := mustPolicy(t, enabledConfig(SensitivityMedium, PIITypeEmail, PIITypeSSN))
	text := "jane@x.com 123-45-6789"
	detections := NewDetector(logger.NewNop()).DetectText(text, p)

	result := newTestRedactor().Redact(text, detections, p, RedactionOptions{
		RequiredForAnalysis: []PIIType{PIITypeEmail},
		RedactedBy:          "analyst@corp",
		Reason:              "fraud review",
		CurrentModel:        "risk-model",
		PreserveForAudit:    true,
	})

	require.Len(t, result.Redactions, 2)
	assert.Equal(t, MethodBypassed, result.Redactions[0].Method)
	assert.Equal(t, "jane@x.com", result.Redactions[0].RedactedValue)
	assert.Empty(t, result.Redactions[0].Strategy)
	assert.Equal(t, "strategy:masking", result.Redactions[1].Method)
	assert.Equal(t, "jane@x.com ***-**-6789", result.Redacted)

	assert.Equal(t, "analyst@corp", result.AuditInfo.RedactedBy)
	assert.Equal(t, "fraud review", result.AuditInfo.Reason)
	assert.Equal(t, "risk-model", result.AuditInfo.ModelName)
	assert.True(t, result.AuditInfo.PreserveForAudit)
	assert.Equal(t, HashOriginal(text), result.AuditInfo.OriginalHash)
}

func TestRedact_SkipsStaleDetections(t *testing.T) {
	p := mustPolicy(t, enabledConfig(SensitivityMedium, PIITypeEmail))
	stale := NewDetectionResult([]DetectedPII{
		{Type: PIITypeEmail, Value: "jane@x.com", StartIndex: 0, EndIndex: 10},
		{Type: PIITypeEmail, Value: "bob@y.org", StartIndex: 50, EndIndex: 59},
	})

	result := newTestRedactor().Redact("jane@x.com", stale, p, RedactionOptions{})
	require.Len(t, result.Redactions, 1)
	assert.Equal(t, "j***@x.com", result.Redacted)
}

func TestRestoreRecord(t *testing.T) {
	cfg := enabledConfig(SensitivityMedium, PIITypeEmail)
	cfg.RedactionStrategy = StrategyTable{PIITypeEmail: StrategyTokenization}
	cfg.ComplianceConfig.AllowReversible = true
	p := mustPolicy(t, cfg)

	record := map[string]any{
		"owner":    map[string]any{"email": "jane@x.com"},
		"cc":       []any{"bob@y.org", "plain"},
		"priority": 2,
	}
	detections := NewDetector(logger.NewNop()).DetectRecord(record, p)
	require.Equal(t, 2, detections.TotalCount)

	result := newTestRedactor().RedactRecord(record, detections, p, RedactionOptions{AllowReversible: true})
	owner := result.Redacted["owner"].(map[string]any)
	assert.True(t, strings.HasPrefix(owner["email"].(string), "[REDACTED:"))
	assert.Equal(t, "plain", result.Redacted["cc"].([]any)[1])
	assert.Equal(t, 2, result.Redacted["priority"])

	assert.Equal(t, record, RestoreRecord(result.Redacted, result.ReversibleMapping))
}

func TestMask(t *testing.T) {
	tests := []struct {
		piiType PIIType
		value   string
		want    string
	}{
		{PIITypeSSN, "123-45-6789", "***-**-6789"},
		{PIITypeCreditCard, "4111 1111 1111 1111", "**** **** **** 1111"},
		{PIITypePhone, "(555) 123-4567", "(***) ***-4567"},
		{PIITypeEmail, "jane@x.com", "j***@x.com"},
		{PIITypeIPAddress, "10.0.0.1", "**.*.*.*"},
		{PIITypeName, "Jane", "J***"},
		{PIITypeSSN, "123", "***"},
	}
	for _, tt := range tests {
		t.Run(string(tt.piiType)+"/"+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, Mask(tt.piiType, tt.value))
		})
	}
}

func TestCheckCompliance(t *testing.T) {
	cfg := enabledConfig(SensitivityMedium, PIITypeSSN, PIITypeCreditCard)
	cfg.FieldSensitivity = []FieldSensitivity{
		{FieldPath: "ssn", RequiredTypes: []PIIType{PIITypeSSN}, ComplianceRelevant: true},
		{FieldPath: "payment.card", RequiredTypes: []PIIType{PIITypeCreditCard}, ComplianceRelevant: true},
	}
	cfg.ComplianceConfig = ComplianceConfig{Frameworks: []string{"PCI_DSS", "gdpr", "sox"}, RequireAuditTrail: true}
	p := mustPolicy(t, cfg)

	record := map[string]any{
		"ssn":     "not provided",
		"payment": map[string]any{"card": "4111111111111111"},
	}
	detections := NewDetector(logger.NewNop()).DetectRecord(record, p)
	report := CheckCompliance(detections, p)

	assert.False(t, report.Compliant)
	require.Len(t, report.Fields, 1)
	assert.Equal(t, "ssn", report.Fields[0].FieldPath)
	assert.Equal(t, []PIIType{PIITypeSSN}, report.Fields[0].Missing)
	assert.True(t, report.RequireAuditTrail)

	require.Len(t, report.Frameworks, 3)
	assert.Equal(t, "pci_dss", report.Frameworks[0].Framework)
	assert.Equal(t, 1, report.Frameworks[0].GovernedTypes[PIITypeCreditCard])
	assert.True(t, report.Frameworks[1].Known)
	assert.False(t, report.Frameworks[2].Known)
}
