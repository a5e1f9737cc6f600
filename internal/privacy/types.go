package privacy

import (
	"fmt"
	"strings"
	"time"
)

// PIIType identifies the category of a detection
type PIIType string

const (
	PIITypeEmail         PIIType = "email"
	PIITypePhone         PIIType = "phone"
	PIITypeSSN           PIIType = "ssn"
	PIITypeCreditCard    PIIType = "credit_card"
	PIITypeAddress       PIIType = "address"
	PIITypeName          PIIType = "name"
	PIITypeIPAddress     PIIType = "ip_address"
	PIITypeDateOfBirth   PIIType = "date_of_birth"
	PIITypeDriverLicense PIIType = "driver_license"
	PIITypePassport      PIIType = "passport"
	PIITypeBankAccount   PIIType = "bank_account"
	PIITypeCustom        PIIType = "custom"
)

// AllPIITypes lists every PII type in a stable order.
var AllPIITypes = []PIIType{
	PIITypeEmail,
	PIITypePhone,
	PIITypeSSN,
	PIITypeCreditCard,
	PIITypeAddress,
	PIITypeName,
	PIITypeIPAddress,
	PIITypeDateOfBirth,
	PIITypeDriverLicense,
	PIITypePassport,
	PIITypeBankAccount,
	PIITypeCustom,
}

// Valid reports whether t is one of the known PII types
func (t PIIType) Valid() bool {
	_, ok := typeTable[t]
	return ok
}

// RedactionStrategy determines how a matched span is transformed
type RedactionStrategy string

const (
	StrategyRemoval          RedactionStrategy = "removal"
	StrategyMasking          RedactionStrategy = "masking"
	StrategyTokenization     RedactionStrategy = "tokenization"
	StrategyPseudonymization RedactionStrategy = "pseudonymization"
	StrategyGeneralization   RedactionStrategy = "generalization"
)

// Valid reports whether s is a known strategy
func (s RedactionStrategy) Valid() bool {
	switch s {
	case StrategyRemoval, StrategyMasking, StrategyTokenization, StrategyPseudonymization, StrategyGeneralization:
		return true
	}
	return false
}

// SensitivityLevel is an ordered classification: low < medium < high < critical
type SensitivityLevel string

const (
	SensitivityLow      SensitivityLevel = "low"
	SensitivityMedium   SensitivityLevel = "medium"
	SensitivityHigh     SensitivityLevel = "high"
	SensitivityCritical SensitivityLevel = "critical"
)

// Rank returns the ordinal of the level, or -1 when unknown.
func (l SensitivityLevel) Rank() int {
	switch l {
	case SensitivityLow:
		return 0
	case SensitivityMedium:
		return 1
	case SensitivityHigh:
		return 2
	case SensitivityCritical:
		return 3
	}
	return -1
}

// Valid reports whether the level is known
func (l SensitivityLevel) Valid() bool {
	return l.Rank() >= 0
}

// AtLeast reports whether l is ordered at or above other
func (l SensitivityLevel) AtLeast(other SensitivityLevel) bool {
	return l.Rank() >= other.Rank()
}

// MinConfidence is the lowest matcher confidence reported at this level.
// Higher sensitivity means the detector accepts noisier matches.
func (l SensitivityLevel) MinConfidence() float64 {
	switch l {
	case SensitivityLow:
		return 0.85
	case SensitivityHigh:
		return 0.55
	case SensitivityCritical:
		return 0
	default:
		return 0.65
	}
}

// ParseSensitivityLevel parses a level name case-insensitively
func ParseSensitivityLevel(s string) (SensitivityLevel, error) {
	l := SensitivityLevel(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown sensitivity level: %q", s)
	}
	return l, nil
}

// DetectedPII is a single match in scanned text.
// StartIndex/EndIndex are half-open byte offsets into the scanned string.
type DetectedPII struct {
	Type       PIIType `json:"type"`
	Value      string  `json:"value"`
	StartIndex int     `json:"startIndex"`
	EndIndex   int     `json:"endIndex"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context,omitempty"`
	FieldPath  string  `json:"fieldPath,omitempty"`
	Matcher    string  `json:"matcher,omitempty"`

	// bytes between the span and the keyword that labels it
	keywordDistance int
}

// DetectionResult aggregates the detections of a single scan
type DetectionResult struct {
	Detected   []DetectedPII   `json:"detected"`
	TotalCount int             `json:"totalCount"`
	ByType     map[PIIType]int `json:"byType"`
	HasPII     bool            `json:"hasPII"`
}

// NewDetectionResult builds a result whose counters agree with detected.
func NewDetectionResult(detected []DetectedPII) DetectionResult {
	if detected == nil {
		detected = []DetectedPII{}
	}
	byType := make(map[PIIType]int)
	for _, d := range detected {
		byType[d.Type]++
	}
	return DetectionResult{
		Detected:   detected,
		TotalCount: len(detected),
		ByType:     byType,
		HasPII:     len(detected) > 0,
	}
}

// ForField returns the detections whose FieldPath equals path
func (r DetectionResult) ForField(path string) []DetectedPII {
	var out []DetectedPII
	for _, d := range r.Detected {
		if d.FieldPath == path {
			out = append(out, d)
		}
	}
	return out
}

// FieldSensitivity overrides tenant-wide settings for one field path
type FieldSensitivity struct {
	FieldPath          string            `json:"fieldPath" mapstructure:"field_path"`
	SensitivityLevel   SensitivityLevel  `json:"sensitivityLevel" mapstructure:"sensitivity_level"`
	RequiredTypes      []PIIType         `json:"requiredTypes,omitempty" mapstructure:"required_types"`
	RedactionStrategy  RedactionStrategy `json:"redactionStrategy,omitempty" mapstructure:"redaction_strategy"`
	ComplianceRelevant bool              `json:"complianceRelevant" mapstructure:"compliance_relevant"`
}

// CustomPattern is a tenant supplied regex matcher
type CustomPattern struct {
	Name        string           `json:"name" mapstructure:"name"`
	Pattern     string           `json:"pattern" mapstructure:"pattern"`
	Sensitivity SensitivityLevel `json:"sensitivity" mapstructure:"sensitivity"`
}

// IndustrySpecific adds industry driven detection requirements
type IndustrySpecific struct {
	Industry               string    `json:"industry" mapstructure:"industry"`
	AdditionalTypes        []PIIType `json:"additionalTypes,omitempty" mapstructure:"additional_types"`
	ComplianceRequirements []string  `json:"complianceRequirements,omitempty" mapstructure:"compliance_requirements"`
}

// ComplianceConfig holds tenant compliance settings
type ComplianceConfig struct {
	Frameworks        []string `json:"frameworks,omitempty" mapstructure:"frameworks"`
	RequireAuditTrail bool     `json:"requireAuditTrail" mapstructure:"require_audit_trail"`
	RetentionDays     int      `json:"retentionDays" mapstructure:"retention_days"`
	AllowReversible   bool     `json:"allowReversible" mapstructure:"allow_reversible"`
}

// StrategyTable maps every PII type to exactly one strategy.
// Lookups for types absent from the table fall back to the built-in default.
type StrategyTable map[PIIType]RedactionStrategy

// Resolve returns the strategy configured for t and whether it was explicit.
func (s StrategyTable) Resolve(t PIIType) (RedactionStrategy, bool) {
	if st, ok := s[t]; ok && st != "" {
		return st, true
	}
	return DefaultStrategy(t), false
}

// Validate rejects unknown types or strategies
func (s StrategyTable) Validate() error {
	for t, st := range s {
		if !t.Valid() {
			return fmt.Errorf("unknown PII type %q", t)
		}
		if !st.Valid() {
			return fmt.Errorf("unknown redaction strategy %q for %s", st, t)
		}
	}
	return nil
}

// DetectionConfig is the per-tenant PII detection and redaction configuration
type DetectionConfig struct {
	TenantID          string             `json:"tenantId" mapstructure:"tenant_id"`
	Enabled           bool               `json:"enabled" mapstructure:"enabled"`
	SensitivityLevel  SensitivityLevel   `json:"sensitivityLevel" mapstructure:"sensitivity_level"`
	DetectTypes       []PIIType          `json:"detectTypes" mapstructure:"detect_types"`
	RedactionStrategy StrategyTable      `json:"redactionStrategy,omitempty" mapstructure:"redaction_strategy"`
	CustomPatterns    []CustomPattern    `json:"customPatterns,omitempty" mapstructure:"custom_patterns"`
	IndustrySpecific  *IndustrySpecific  `json:"industrySpecific,omitempty" mapstructure:"industry_specific"`
	FieldSensitivity  []FieldSensitivity `json:"fieldSensitivity,omitempty" mapstructure:"field_sensitivity"`
	ComplianceConfig  ComplianceConfig   `json:"complianceConfig" mapstructure:"compliance_config"`
	Jurisdiction      Jurisdiction       `json:"jurisdiction,omitempty" mapstructure:"jurisdiction"`
	UpdatedAt         time.Time          `json:"updatedAt" mapstructure:"updated_at"`
	UpdatedBy         string             `json:"updatedBy" mapstructure:"updated_by"`
}

// Redaction records a single transformed span
type Redaction struct {
	Type          PIIType           `json:"type"`
	OriginalValue string            `json:"originalValue"`
	RedactedValue string            `json:"redactedValue"`
	Strategy      RedactionStrategy `json:"strategy,omitempty"`
	Method        string            `json:"method"`
	StartIndex    int               `json:"startIndex"`
	EndIndex      int               `json:"endIndex"`
	FieldPath     string            `json:"fieldPath,omitempty"`
	Token         string            `json:"token,omitempty"`
}

// AuditInfo describes who redacted what, when and how
type AuditInfo struct {
	RedactedAt       time.Time `json:"redactedAt"`
	RedactedBy       string    `json:"redactedBy"`
	Reason           string    `json:"reason,omitempty"`
	Method           string    `json:"method"`
	ModelName        string    `json:"modelName,omitempty"`
	PreserveForAudit bool      `json:"preserveForAudit"`
	OriginalHash     string    `json:"originalHash"`
}

// RedactionResult is the output of the redaction engine for one text
type RedactionResult struct {
	Original          string            `json:"original"`
	Redacted          string            `json:"redacted"`
	Redactions        []Redaction       `json:"redactions"`
	AuditInfo         AuditInfo         `json:"auditInfo"`
	ReversibleMapping map[string]string `json:"reversibleMapping,omitempty"`
}

// RecordRedactionResult is the output of the redaction engine for a structured record
type RecordRedactionResult struct {
	Original          map[string]any    `json:"original"`
	Redacted          map[string]any    `json:"redacted"`
	Redactions        []Redaction       `json:"redactions"`
	AuditInfo         AuditInfo         `json:"auditInfo"`
	ReversibleMapping map[string]string `json:"reversibleMapping,omitempty"`
}

// RedactionOptions carries the per-call, context aware redaction options
type RedactionOptions struct {
	CurrentModel        string                   `json:"currentModel,omitempty"`
	ModelSpecific       map[string]StrategyTable `json:"modelSpecific,omitempty"`
	AllowReversible     bool                     `json:"allowReversible"`
	PreserveForAudit    bool                     `json:"preserveForAudit"`
	RequiredForAnalysis []PIIType                `json:"requiredForAnalysis,omitempty"`
	RedactedBy          string                   `json:"redactedBy,omitempty"`
	Reason              string                   `json:"reason,omitempty"`
	// PseudonymSeed makes pseudonyms stable across calls when set.
	PseudonymSeed string `json:"-"`
}

func (o RedactionOptions) bypasses(t PIIType) bool {
	for _, r := range o.RequiredForAnalysis {
		if r == t {
			return true
		}
	}
	return false
}
