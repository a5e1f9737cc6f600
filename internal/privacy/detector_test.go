package privacy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/record-sentinel/internal/logger"
)

func mustPolicy(t *testing.T, cfg DetectionConfig) *Policy {
	t.Helper()
	p, err := Compile(cfg, nil)
	require.NoError(t, err)
	return p
}

func enabledConfig(level SensitivityLevel, types ...PIIType) DetectionConfig {
	return DetectionConfig{
		TenantID:         "tenant-a",
		Enabled:          true,
		SensitivityLevel: level,
		DetectTypes:      types,
	}
}

func assertResultInvariants(t *testing.T, text string, r DetectionResult) {
	t.Helper()
	assert.Equal(t, len(r.Detected), r.TotalCount)
	assert.Equal(t, r.TotalCount > 0, r.HasPII)
	sum := 0
	for _, n := range r.ByType {
		sum += n
	}
	assert.Equal(t, r.TotalCount, sum)
	for _, d := range r.Detected {
		require.True(t, d.StartIndex >= 0 && d.StartIndex < d.EndIndex && d.EndIndex <= len(text))
		assert.Equal(t, text[d.StartIndex:d.EndIndex], d.Value)
	}
}

func TestDetectText_CreditCardLuhn(t *testing.T) {
	d := NewDetector(logger.NewNop())
	p := mustPolicy(t, enabledConfig(SensitivityMedium, PIITypeCreditCard))

	t.Run("valid checksum is flagged", func(t *testing.T) {
		r := d.DetectText("card 4111111111111111 on file", p)
		require.Equal(t, 1, r.TotalCount)
		assert.Equal(t, PIITypeCreditCard, r.Detected[0].Type)
		assert.Equal(t, "4111111111111111", r.Detected[0].Value)
		assert.InDelta(t, 0.98, r.Detected[0].Confidence, 1e-9)
	})

	t.Run("invalid checksum is ignored", func(t *testing.T) {
		r := d.DetectText("card 4111111111111112 on file", p)
		assert.False(t, r.HasPII)
		assert.Empty(t, r.Detected)
	})

	t.Run("separated digits", func(t *testing.T) {
		r := d.DetectText("card 4111 1111 1111 1111.", p)
		require.Equal(t, 1, r.TotalCount)
		assert.Equal(t, "4111 1111 1111 1111", r.Detected[0].Value)
	})
}

func TestDetectText_Invariants(t *testing.T) {
	d := NewDetector(logger.NewNop())
	p := mustPolicy(t, enabledConfig(SensitivityCritical, AllPIITypes...))

	texts := []string{
		"Contact jane.doe@example.com or call 555-123-4567.",
		"SSN 123-45-6789, card 4111 1111 1111 1111, server 192.168.1.10",
		"Mr. John Smith lives at 42 Baker Street and was born 04/12/1985",
		"ünïcödé prefix jane@x.com ✓ and 2001:db8::1",
		"",
	}
	for _, text := range texts {
		r := d.DetectText(text, p)
		assertResultInvariants(t, text, r)
		for i := 1; i < len(r.Detected); i++ {
			assert.LessOrEqual(t, r.Detected[i-1].EndIndex, r.Detected[i].StartIndex, "detections must not overlap")
		}
	}
}

func TestDetectText_BuiltinMatchers(t *testing.T) {
	d := NewDetector(logger.NewNop())
	p := mustPolicy(t, enabledConfig(SensitivityHigh, AllPIITypes...))

	tests := []struct {
		name  string
		input string
		want  PIIType
		value string
	}{
		{name: "email", input: "write to jane@x.com today", want: PIITypeEmail, value: "jane@x.com"},
		{name: "us phone", input: "call 555-123-4567", want: PIITypePhone, value: "555-123-4567"},
		{name: "international phone", input: "ring +44 20 7946 0958 now", want: PIITypePhone, value: "+44 20 7946 0958"},
		{name: "formatted ssn", input: "id 123-45-6789", want: PIITypeSSN, value: "123-45-6789"},
		{name: "unformatted ssn with context", input: "ssn: 123456789", want: PIITypeSSN, value: "123456789"},
		{name: "ipv4", input: "from 192.168.1.10 at noon", want: PIITypeIPAddress, value: "192.168.1.10"},
		{name: "ipv6", input: "from 2001:db8::1 at noon", want: PIITypeIPAddress, value: "2001:db8::1"},
		{name: "date of birth", input: "born on 04/12/1985", want: PIITypeDateOfBirth, value: "04/12/1985"},
		{name: "street address", input: "ship to 42 Baker Street please", want: PIITypeAddress, value: "42 Baker Street"},
		{name: "name after salutation", input: "Dear John Smith, thanks", want: PIITypeName, value: "John Smith"},
		{name: "iban", input: "pay GB82 WEST 1234 5698 7654 32 now", want: PIITypeBankAccount, value: "GB82 WEST 1234 5698 7654 32"},
		{name: "passport with context", input: "passport number 123456789", want: PIITypePassport, value: "123456789"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := d.DetectText(tt.input, p)
			require.Equal(t, 1, r.TotalCount, "detections: %+v", r.Detected)
			assert.Equal(t, tt.want, r.Detected[0].Type)
			assert.Equal(t, tt.value, r.Detected[0].Value)
			assert.Empty(t, r.Detected[0].FieldPath)
		})
	}
}

func TestDetectText_FalsePositives(t *testing.T) {
	d := NewDetector(logger.NewNop())
	p := mustPolicy(t, enabledConfig(SensitivityMedium, AllPIITypes...))

	for _, text := range []string{
		"order 123456789 shipped",
		"from 10.0.0.256 at noon",
		"the meeting is at 12:30:45",
		"version 1.2.3.4.5 released",
		"invalid area 000-12-3456",
	} {
		r := d.DetectText(text, p)
		assert.False(t, r.HasPII, "unexpected detections in %q: %+v", text, r.Detected)
	}
}

func TestDetect_DisabledOrEmptyTypes(t *testing.T) {
	d := NewDetector(logger.NewNop())

	disabled := enabledConfig(SensitivityMedium, PIITypeEmail)
	disabled.Enabled = false

	for name, cfg := range map[string]DetectionConfig{
		"disabled":    disabled,
		"empty types": enabledConfig(SensitivityMedium),
	} {
		t.Run(name, func(t *testing.T) {
			p := mustPolicy(t, cfg)
			r := d.Detect(map[string]any{"email": "jane@x.com"}, p)
			assert.False(t, r.HasPII)
			assert.Equal(t, 0, r.TotalCount)
			assert.NotNil(t, r.Detected)
		})
	}
}

func TestDetectRecord_FieldPaths(t *testing.T) {
	d := NewDetector(logger.NewNop())
	cfg := enabledConfig(SensitivityMedium, PIITypeEmail, PIITypeName)
	cfg.FieldSensitivity = []FieldSensitivity{
		{FieldPath: "contacts.*.greeting", SensitivityLevel: SensitivityHigh, RequiredTypes: []PIIType{PIITypeName}},
	}
	p := mustPolicy(t, cfg)

	record := map[string]any{
		"contacts": []any{
			map[string]any{
				"email":    "a@b.com",
				"greeting": "Dear John Smith",
			},
		},
		"count": 3,
		"notes": "no pii here",
	}

	r := d.DetectRecord(record, p)
	require.Equal(t, 2, r.TotalCount)
	assert.Equal(t, "contacts.0.email", r.Detected[0].FieldPath)
	assert.Equal(t, PIITypeEmail, r.Detected[0].Type)
	assert.Equal(t, "contacts.0.greeting", r.Detected[1].FieldPath)
	assert.Equal(t, PIITypeName, r.Detected[1].Type)
	assert.Equal(t, "John Smith", r.Detected[1].Value)

	t.Run("name stays below the tenant threshold elsewhere", func(t *testing.T) {
		r := d.DetectRecord(map[string]any{"bio": "Dear John Smith"}, p)
		assert.False(t, r.HasPII)
	})
}

func TestDetect_CustomPatterns(t *testing.T) {
	d := NewDetector(logger.NewNop())
	cfg := enabledConfig(SensitivityMedium, PIITypeEmail)
	cfg.CustomPatterns = []CustomPattern{{Name: "employee_id", Pattern: `EMP-\d{6}`, Sensitivity: SensitivityHigh}}
	p := mustPolicy(t, cfg)

	r := d.DetectText("badge EMP-123456 for jane@x.com", p)
	require.Equal(t, 2, r.TotalCount)
	assert.Equal(t, PIITypeCustom, r.Detected[0].Type)
	assert.Equal(t, "custom:employee_id", r.Detected[0].Matcher)
	assert.Equal(t, PIITypeEmail, r.Detected[1].Type)
}

func TestDetect_MatcherFailureIsIsolated(t *testing.T) {
	d := NewDetector(logger.NewNop())
	p := mustPolicy(t, enabledConfig(SensitivityMedium, PIITypeEmail))
	// a matcher without a compiled pattern panics when scanning
	p.matchers = append([]*Matcher{{Kind: MatcherCustom, Name: "custom:broken", Type: PIITypeCustom, Confidence: 0.9}}, p.matchers...)

	r := d.DetectText("jane@x.com", p)
	require.Equal(t, 1, r.TotalCount)
	assert.Equal(t, PIITypeEmail, r.Detected[0].Type)
}

func TestDetect_SkipsPlaceholders(t *testing.T) {
	d := NewDetector(logger.NewNop())
	cfg := enabledConfig(SensitivityCritical, AllPIITypes...)
	cfg.CustomPatterns = []CustomPattern{{Name: "hex", Pattern: `[0-9a-f]{8}`}}
	p := mustPolicy(t, cfg)

	r := d.DetectText("see [REDACTED:0f8fad5b-d9cb-469f-a165-70867728950e] for details", p)
	assert.False(t, r.HasPII, "detections: %+v", r.Detected)
}

func TestDetectText_KeywordProximity(t *testing.T) {
	d := NewDetector(logger.NewNop())

	t.Run("each number takes its own label", func(t *testing.T) {
		p := mustPolicy(t, enabledConfig(SensitivityMedium, PIITypePassport, PIITypeDriverLicense))
		r := d.DetectText("passport 123456789 driver license D1234567", p)
		require.Equal(t, 2, r.TotalCount, "detections: %+v", r.Detected)
		assert.Equal(t, PIITypePassport, r.Detected[0].Type)
		assert.Equal(t, "123456789", r.Detected[0].Value)
		assert.Equal(t, PIITypeDriverLicense, r.Detected[1].Type)
		assert.Equal(t, "D1234567", r.Detected[1].Value)
	})

	t.Run("label does not reach past another date", func(t *testing.T) {
		p := mustPolicy(t, enabledConfig(SensitivityMedium, PIITypeDateOfBirth))
		r := d.DetectText("born on 03/15/1985; meeting on 04/01/2024", p)
		require.Equal(t, 1, r.TotalCount, "detections: %+v", r.Detected)
		assert.Equal(t, "03/15/1985", r.Detected[0].Value)
	})

	t.Run("trailing label still counts", func(t *testing.T) {
		p := mustPolicy(t, enabledConfig(SensitivityMedium, PIITypeSSN))
		r := d.DetectText("123456789 is my ssn", p)
		require.Equal(t, 1, r.TotalCount, "detections: %+v", r.Detected)
		assert.Equal(t, "123456789", r.Detected[0].Value)
	})
}

func TestResolveOverlaps_PrefersClosestKeyword(t *testing.T) {
	kept := resolveOverlaps([]DetectedPII{
		{Type: PIITypeDriverLicense, StartIndex: 9, EndIndex: 18, Confidence: 0.7, keywordDistance: keywordBefore + 1},
		{Type: PIITypePassport, StartIndex: 9, EndIndex: 18, Confidence: 0.7, keywordDistance: 1},
	})
	require.Len(t, kept, 1)
	assert.Equal(t, PIITypePassport, kept[0].Type)
}

func TestResolveOverlaps(t *testing.T) {
	candidates := []DetectedPII{
		{Type: PIITypePhone, StartIndex: 0, EndIndex: 12, Confidence: 0.85},
		{Type: PIITypeCreditCard, StartIndex: 0, EndIndex: 16, Confidence: 0.98},
		{Type: PIITypeBankAccount, StartIndex: 4, EndIndex: 16, Confidence: 0.65},
		{Type: PIITypeEmail, StartIndex: 20, EndIndex: 30, Confidence: 0.95},
	}
	kept := resolveOverlaps(candidates)
	require.Len(t, kept, 2)
	assert.Equal(t, PIITypeCreditCard, kept[0].Type)
	assert.Equal(t, PIITypeEmail, kept[1].Type)
}

func TestCompile_ConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DetectionConfig)
		field   string
		wantErr error
	}{
		{
			name:   "unknown type",
			mutate: func(c *DetectionConfig) { c.DetectTypes = append(c.DetectTypes, "shoe_size") },
			field:  "detectTypes[1]",
		},
		{
			name:   "unknown sensitivity",
			mutate: func(c *DetectionConfig) { c.SensitivityLevel = "extreme" },
			field:  "sensitivityLevel",
		},
		{
			name: "invalid regex",
			mutate: func(c *DetectionConfig) {
				c.CustomPatterns = []CustomPattern{{Name: "bad", Pattern: `[`}}
			},
			field:   "customPatterns[0].pattern",
			wantErr: ErrInvalidPattern,
		},
		{
			name: "nested quantifier",
			mutate: func(c *DetectionConfig) {
				c.CustomPatterns = []CustomPattern{{Name: "slow", Pattern: `(a+)+b`}}
			},
			field:   "customPatterns[0].pattern",
			wantErr: ErrPatternTooComplex,
		},
		{
			name: "unknown field strategy",
			mutate: func(c *DetectionConfig) {
				c.FieldSensitivity = []FieldSensitivity{{FieldPath: "ssn", RedactionStrategy: "shred"}}
			},
			field: "fieldSensitivity[0].redactionStrategy",
		},
		{
			name: "unknown strategy in table",
			mutate: func(c *DetectionConfig) {
				c.RedactionStrategy = StrategyTable{PIITypeEmail: "shred"}
			},
			field: "redactionStrategy",
		},
		{
			name:   "negative retention",
			mutate: func(c *DetectionConfig) { c.ComplianceConfig.RetentionDays = -1 },
			field:  "complianceConfig.retentionDays",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := enabledConfig(SensitivityMedium, PIITypeEmail)
			tt.mutate(&cfg)
			_, err := Compile(cfg, nil)
			require.Error(t, err)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestPolicy_ComplianceSettings(t *testing.T) {
	cfg := enabledConfig(SensitivityMedium, PIITypeEmail)
	p := mustPolicy(t, cfg)
	assert.False(t, p.AllowsReversible())
	assert.Zero(t, p.Retention())

	cfg.ComplianceConfig = ComplianceConfig{AllowReversible: true, RetentionDays: 30}
	p = mustPolicy(t, cfg)
	assert.True(t, p.AllowsReversible())
	assert.Equal(t, 30*24*time.Hour, p.Retention())
}

func TestValidateCustomPattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr error
	}{
		{pattern: `EMP-\d{6}`},
		{pattern: `(?i)acct-[a-z]{2}\d+`},
		{pattern: ``, wantErr: ErrInvalidPattern},
		{pattern: `(unclosed`, wantErr: ErrInvalidPattern},
		{pattern: `a*`, wantErr: ErrInvalidPattern},
		{pattern: `(a+)+`, wantErr: ErrPatternTooComplex},
		{pattern: `(?:\d{2,}-)*x`, wantErr: ErrPatternTooComplex},
		{pattern: `\d{1,200}`, wantErr: ErrPatternTooComplex},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := ValidateCustomPattern(tt.pattern)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegistry_JurisdictionPatterns(t *testing.T) {
	reg, err := NewRegistry(WithJurisdictionPatterns(JurisdictionEU, PIITypeDriverLicense, `\bDL-[0-9]{7}\b`))
	require.NoError(t, err)

	cfg := enabledConfig(SensitivityMedium, PIITypeDriverLicense)
	cfg.Jurisdiction = JurisdictionEU
	p, err := Compile(cfg, reg)
	require.NoError(t, err)
	assert.Contains(t, p.MatcherNames(), "eu_driver_license_extra_0")

	r := NewDetector(logger.NewNop()).DetectText("driver licence DL-1234567 expired", p)
	require.True(t, r.HasPII)
	assert.Equal(t, PIITypeDriverLicense, r.Detected[0].Type)

	_, err = NewRegistry(WithJurisdictionPatterns(JurisdictionUS, PIITypeEmail, `x`))
	assert.Error(t, err)
}

func TestSensitivityLevel(t *testing.T) {
	assert.True(t, SensitivityCritical.AtLeast(SensitivityHigh))
	assert.False(t, SensitivityLow.AtLeast(SensitivityMedium))
	assert.Greater(t, SensitivityLow.MinConfidence(), SensitivityMedium.MinConfidence())
	assert.Greater(t, SensitivityMedium.MinConfidence(), SensitivityHigh.MinConfidence())

	l, err := ParseSensitivityLevel(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, SensitivityHigh, l)
	_, err = ParseSensitivityLevel("extreme")
	assert.Error(t, err)
}
