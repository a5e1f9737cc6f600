package privacy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Jurisdiction selects the region specific formats for identity documents and accounts
type Jurisdiction string

const (
	JurisdictionUS Jurisdiction = "US"
	JurisdictionUK Jurisdiction = "UK"
	JurisdictionEU Jurisdiction = "EU"
)

func (j Jurisdiction) normalize() Jurisdiction {
	switch Jurisdiction(strings.ToUpper(string(j))) {
	case JurisdictionUK:
		return JurisdictionUK
	case JurisdictionEU:
		return JurisdictionEU
	default:
		return JurisdictionUS
	}
}

// MaskPolicy controls how the masking strategy renders a value
type MaskPolicy int

const (
	// MaskKeepFirst keeps the first character of the value.
	MaskKeepFirst MaskPolicy = iota
	// MaskKeepLast4 keeps the last four alphanumerics and any separators.
	MaskKeepLast4
	// MaskEmail keeps the first character of the local part and the domain.
	MaskEmail
	// MaskFull replaces every alphanumeric and keeps separators.
	MaskFull
)

// TypeInfo is the table driven metadata for a PII type
type TypeInfo struct {
	Type               PIIType
	Label              string
	DefaultSensitivity SensitivityLevel
	ComplianceRelevant bool
	DefaultStrategy    RedactionStrategy
	Generalization     string
	PseudonymLabel     string
	Mask               MaskPolicy
}

var typeTable = map[PIIType]TypeInfo{
	PIITypeEmail: {
		Label: "Email address", DefaultSensitivity: SensitivityMedium, ComplianceRelevant: true,
		DefaultStrategy: StrategyMasking, Generalization: "an email address", PseudonymLabel: "EMAIL", Mask: MaskEmail,
	},
	PIITypePhone: {
		Label: "Phone number", DefaultSensitivity: SensitivityMedium, ComplianceRelevant: true,
		DefaultStrategy: StrategyMasking, Generalization: "a phone number", PseudonymLabel: "PHONE", Mask: MaskKeepLast4,
	},
	PIITypeSSN: {
		Label: "Social security number", DefaultSensitivity: SensitivityCritical, ComplianceRelevant: true,
		DefaultStrategy: StrategyMasking, Generalization: "a national identifier", PseudonymLabel: "SSN", Mask: MaskKeepLast4,
	},
	PIITypeCreditCard: {
		Label: "Payment card number", DefaultSensitivity: SensitivityCritical, ComplianceRelevant: true,
		DefaultStrategy: StrategyMasking, Generalization: "a payment card", PseudonymLabel: "CARD", Mask: MaskKeepLast4,
	},
	PIITypeAddress: {
		Label: "Street address", DefaultSensitivity: SensitivityHigh, ComplianceRelevant: true,
		DefaultStrategy: StrategyGeneralization, Generalization: "a location", PseudonymLabel: "LOCATION", Mask: MaskKeepFirst,
	},
	PIITypeName: {
		Label: "Person name", DefaultSensitivity: SensitivityMedium, ComplianceRelevant: true,
		DefaultStrategy: StrategyPseudonymization, Generalization: "a person", PseudonymLabel: "PERSON", Mask: MaskKeepFirst,
	},
	PIITypeIPAddress: {
		Label: "IP address", DefaultSensitivity: SensitivityLow, ComplianceRelevant: true,
		DefaultStrategy: StrategyMasking, Generalization: "a network address", PseudonymLabel: "HOST", Mask: MaskFull,
	},
	PIITypeDateOfBirth: {
		Label: "Date of birth", DefaultSensitivity: SensitivityHigh, ComplianceRelevant: true,
		DefaultStrategy: StrategyGeneralization, Generalization: "a date", PseudonymLabel: "DATE", Mask: MaskFull,
	},
	PIITypeDriverLicense: {
		Label: "Driver license number", DefaultSensitivity: SensitivityHigh, ComplianceRelevant: true,
		DefaultStrategy: StrategyMasking, Generalization: "a government ID", PseudonymLabel: "LICENSE", Mask: MaskKeepLast4,
	},
	PIITypePassport: {
		Label: "Passport number", DefaultSensitivity: SensitivityHigh, ComplianceRelevant: true,
		DefaultStrategy: StrategyMasking, Generalization: "a travel document", PseudonymLabel: "PASSPORT", Mask: MaskKeepLast4,
	},
	PIITypeBankAccount: {
		Label: "Bank account number", DefaultSensitivity: SensitivityCritical, ComplianceRelevant: true,
		DefaultStrategy: StrategyMasking, Generalization: "a financial account", PseudonymLabel: "ACCOUNT", Mask: MaskKeepLast4,
	},
	PIITypeCustom: {
		Label: "Custom pattern", DefaultSensitivity: SensitivityMedium, ComplianceRelevant: false,
		DefaultStrategy: StrategyTokenization, Generalization: "sensitive data", PseudonymLabel: "DATA", Mask: MaskKeepFirst,
	},
}

// Info returns the metadata for a PII type. Unknown types get the custom entry.
func Info(t PIIType) TypeInfo {
	info, ok := typeTable[t]
	if !ok {
		info = typeTable[PIITypeCustom]
	}
	info.Type = t
	return info
}

// DefaultStrategy returns the built-in strategy for a PII type
func DefaultStrategy(t PIIType) RedactionStrategy {
	return Info(t).DefaultStrategy
}

// Registry holds the compiled built-in matchers, keyed by PII type and jurisdiction.
// It is immutable once built and safe for concurrent use.
type Registry struct {
	common map[PIIType][]*Matcher
	byJur  map[Jurisdiction]map[PIIType][]*Matcher
}

// RegistryOption customizes a registry under construction
type RegistryOption func(*Registry) error

// WithJurisdictionPatterns adds regexes for a jurisdiction dependent type.
// The new matchers require the same context keywords as the built-in ones.
func WithJurisdictionPatterns(j Jurisdiction, t PIIType, patterns ...string) RegistryOption {
	return func(r *Registry) error {
		keywords, ok := jurisdictionContext[t]
		if !ok {
			return fmt.Errorf("type %s has no jurisdiction specific patterns", t)
		}
		j = j.normalize()
		for i, p := range patterns {
			if err := ValidateCustomPattern(p); err != nil {
				return fmt.Errorf("jurisdiction pattern %d for %s: %w", i, t, err)
			}
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("jurisdiction pattern %d for %s: %w", i, t, err)
			}
			m := &Matcher{
				Kind:       MatcherBuiltin,
				Name:       fmt.Sprintf("%s_%s_extra_%d", strings.ToLower(string(j)), t, i),
				Type:       t,
				Confidence: jurisdictionConfidence,
				pattern:    re,
				context:    keywords,
				validate:   hasDigit,
			}
			r.addJurisdiction(j, m)
		}
		return nil
	}
}

// NewRegistry builds a registry with every built-in matcher
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		common: make(map[PIIType][]*Matcher),
		byJur:  make(map[Jurisdiction]map[PIIType][]*Matcher),
	}
	for _, m := range builtinMatchers() {
		r.common[m.Type] = append(r.common[m.Type], m)
	}
	for j, ms := range jurisdictionMatchers() {
		for _, m := range ms {
			r.addJurisdiction(j, m)
		}
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

var defaultRegistry = mustRegistry()

func mustRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultRegistry returns the shared registry of built-in matchers
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func (r *Registry) addJurisdiction(j Jurisdiction, m *Matcher) {
	if r.byJur[j] == nil {
		r.byJur[j] = make(map[PIIType][]*Matcher)
	}
	r.byJur[j][m.Type] = append(r.byJur[j][m.Type], m)
}

// Matchers returns the matchers for a type in the given jurisdiction
func (r *Registry) Matchers(t PIIType, j Jurisdiction) []*Matcher {
	out := append([]*Matcher(nil), r.common[t]...)
	if jm, ok := r.byJur[j.normalize()]; ok {
		out = append(out, jm[t]...)
	}
	return out
}

// Types returns every type that has at least one built-in matcher
func (r *Registry) Types() []PIIType {
	seen := make(map[PIIType]bool)
	for t := range r.common {
		seen[t] = true
	}
	for _, jm := range r.byJur {
		for t := range jm {
			seen[t] = true
		}
	}
	types := make([]PIIType, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
