package privacy

import (
	"fmt"
	"strings"
	"time"
)

// ConfigError reports an invalid field in a detection configuration
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid detection config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type fieldRule struct {
	segments []string
	wildcard bool
	FieldSensitivity
}

func (r fieldRule) matches(segments []string) bool {
	if len(r.segments) != len(segments) {
		return false
	}
	for i, s := range r.segments {
		if s != "*" && s != segments[i] {
			return false
		}
	}
	return true
}

// Policy is a tenant configuration compiled for detection and redaction.
// It is immutable and safe to share between goroutines.
type Policy struct {
	config   DetectionConfig
	active   map[PIIType]bool
	matchers []*Matcher
	fields   []fieldRule
}

// Compile validates cfg and compiles its matchers against the registry.
// Configuration problems surface here, never during detection.
func Compile(cfg DetectionConfig, reg *Registry) (*Policy, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	if cfg.SensitivityLevel == "" {
		cfg.SensitivityLevel = SensitivityMedium
	}
	if !cfg.SensitivityLevel.Valid() {
		return nil, &ConfigError{Field: "sensitivityLevel", Err: fmt.Errorf("unknown level %q", cfg.SensitivityLevel)}
	}
	if cfg.ComplianceConfig.RetentionDays < 0 {
		return nil, &ConfigError{Field: "complianceConfig.retentionDays", Err: fmt.Errorf("negative retention %d", cfg.ComplianceConfig.RetentionDays)}
	}
	if err := cfg.RedactionStrategy.Validate(); err != nil {
		return nil, &ConfigError{Field: "redactionStrategy", Err: err}
	}

	p := &Policy{
		config: cfg,
		active: make(map[PIIType]bool),
	}

	types := append([]PIIType(nil), cfg.DetectTypes...)
	if cfg.IndustrySpecific != nil {
		types = append(types, cfg.IndustrySpecific.AdditionalTypes...)
	}
	for i, t := range types {
		if !t.Valid() {
			return nil, &ConfigError{Field: fmt.Sprintf("detectTypes[%d]", i), Err: fmt.Errorf("unknown PII type %q", t)}
		}
		p.active[t] = true
	}
	if len(cfg.CustomPatterns) > 0 && len(cfg.DetectTypes) > 0 {
		p.active[PIITypeCustom] = true
	}

	for _, t := range AllPIITypes {
		if p.active[t] {
			p.matchers = append(p.matchers, reg.Matchers(t, cfg.Jurisdiction)...)
		}
	}

	names := make(map[string]bool)
	for i, cp := range cfg.CustomPatterns {
		field := fmt.Sprintf("customPatterns[%d]", i)
		if strings.TrimSpace(cp.Name) == "" {
			return nil, &ConfigError{Field: field + ".name", Err: fmt.Errorf("name is required")}
		}
		if names[cp.Name] {
			return nil, &ConfigError{Field: field + ".name", Err: fmt.Errorf("duplicate name %q", cp.Name)}
		}
		names[cp.Name] = true
		if cp.Sensitivity != "" && !cp.Sensitivity.Valid() {
			return nil, &ConfigError{Field: field + ".sensitivity", Err: fmt.Errorf("unknown level %q", cp.Sensitivity)}
		}
		m, err := compileCustom(cp)
		if err != nil {
			return nil, &ConfigError{Field: field + ".pattern", Err: err}
		}
		p.matchers = append(p.matchers, m)
	}

	for i, fs := range cfg.FieldSensitivity {
		field := fmt.Sprintf("fieldSensitivity[%d]", i)
		if strings.TrimSpace(fs.FieldPath) == "" {
			return nil, &ConfigError{Field: field + ".fieldPath", Err: fmt.Errorf("field path is required")}
		}
		if fs.SensitivityLevel != "" && !fs.SensitivityLevel.Valid() {
			return nil, &ConfigError{Field: field + ".sensitivityLevel", Err: fmt.Errorf("unknown level %q", fs.SensitivityLevel)}
		}
		if fs.RedactionStrategy != "" && !fs.RedactionStrategy.Valid() {
			return nil, &ConfigError{Field: field + ".redactionStrategy", Err: fmt.Errorf("unknown strategy %q", fs.RedactionStrategy)}
		}
		for _, t := range fs.RequiredTypes {
			if !t.Valid() {
				return nil, &ConfigError{Field: field + ".requiredTypes", Err: fmt.Errorf("unknown PII type %q", t)}
			}
		}
		segments := strings.Split(fs.FieldPath, ".")
		rule := fieldRule{segments: segments, FieldSensitivity: fs}
		for _, s := range segments {
			if s == "*" {
				rule.wildcard = true
			}
		}
		p.fields = append(p.fields, rule)
	}

	return p, nil
}

// Config returns the configuration the policy was compiled from
func (p *Policy) Config() DetectionConfig {
	return p.config
}

// TenantID returns the owning tenant
func (p *Policy) TenantID() string {
	return p.config.TenantID
}

// Enabled reports whether detection runs at all for this policy
func (p *Policy) Enabled() bool {
	return p.config.Enabled && len(p.config.DetectTypes) > 0
}

// AllowsReversible reports whether token mappings may be kept for this tenant
func (p *Policy) AllowsReversible() bool {
	return p.config.ComplianceConfig.AllowReversible
}

// Retention is how long reversible tokens and audit rows are kept.
// Zero means the tenant sets no retention of its own.
func (p *Policy) Retention() time.Duration {
	return time.Duration(p.config.ComplianceConfig.RetentionDays) * 24 * time.Hour
}

// MatcherNames lists the compiled matchers in dispatch order
func (p *Policy) MatcherNames() []string {
	names := make([]string, 0, len(p.matchers))
	for _, m := range p.matchers {
		names = append(names, m.Name)
	}
	return names
}

// fieldRuleFor returns the field override for path, preferring exact paths over wildcards
func (p *Policy) fieldRuleFor(path string) (FieldSensitivity, bool) {
	if path == "" || len(p.fields) == 0 {
		return FieldSensitivity{}, false
	}
	segments := strings.Split(path, ".")
	var wildcard *fieldRule
	for i := range p.fields {
		r := &p.fields[i]
		if !r.matches(segments) {
			continue
		}
		if !r.wildcard {
			return r.FieldSensitivity, true
		}
		if wildcard == nil {
			wildcard = r
		}
	}
	if wildcard != nil {
		return wildcard.FieldSensitivity, true
	}
	return FieldSensitivity{}, false
}

// strategyFor resolves field override, then model override, then tenant table, then the built-in default
func (p *Policy) strategyFor(d DetectedPII, opts RedactionOptions) RedactionStrategy {
	if rule, ok := p.fieldRuleFor(d.FieldPath); ok && rule.RedactionStrategy != "" {
		return rule.RedactionStrategy
	}
	if opts.CurrentModel != "" {
		if table, ok := opts.ModelSpecific[opts.CurrentModel]; ok {
			if s, explicit := table.Resolve(d.Type); explicit && s.Valid() {
				return s
			}
		}
	}
	s, _ := p.config.RedactionStrategy.Resolve(d.Type)
	return s
}

// StrategyFor exposes the effective strategy for a detection
func (p *Policy) StrategyFor(d DetectedPII, opts RedactionOptions) RedactionStrategy {
	return p.strategyFor(d, opts)
}
