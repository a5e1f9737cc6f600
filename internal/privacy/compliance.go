package privacy

import (
	"sort"
	"strings"
)

// frameworkTypes lists the PII types each compliance framework governs
var frameworkTypes = map[string][]PIIType{
	"gdpr": {
		PIITypeEmail, PIITypePhone, PIITypeName, PIITypeAddress, PIITypeIPAddress,
		PIITypeDateOfBirth, PIITypeDriverLicense, PIITypePassport, PIITypeBankAccount,
		PIITypeSSN, PIITypeCreditCard,
	},
	"ccpa": {
		PIITypeEmail, PIITypePhone, PIITypeName, PIITypeAddress, PIITypeIPAddress,
		PIITypeDriverLicense, PIITypePassport, PIITypeSSN, PIITypeBankAccount, PIITypeCreditCard,
	},
	"hipaa": {
		PIITypeName, PIITypeAddress, PIITypeDateOfBirth, PIITypePhone, PIITypeEmail,
		PIITypeSSN, PIITypeIPAddress, PIITypeDriverLicense, PIITypeBankAccount,
	},
	"pci_dss": {
		PIITypeCreditCard,
	},
}

// FieldCompliance lists required types that were not detected in a field
type FieldCompliance struct {
	FieldPath string    `json:"fieldPath"`
	Missing   []PIIType `json:"missing"`
}

// FrameworkFinding lists the detected types a framework governs
type FrameworkFinding struct {
	Framework     string          `json:"framework"`
	Known         bool            `json:"known"`
	GovernedTypes map[PIIType]int `json:"governedTypes"`
}

// ComplianceReport is the outcome of a compliance check over one detection result
type ComplianceReport struct {
	Compliant         bool               `json:"compliant"`
	Fields            []FieldCompliance  `json:"fields"`
	Frameworks        []FrameworkFinding `json:"frameworks"`
	RequireAuditTrail bool               `json:"requireAuditTrail"`
}

// CheckCompliance checks compliance relevant fields for their required types
// and summarises which detections each configured framework governs
func CheckCompliance(result DetectionResult, p *Policy) ComplianceReport {
	cfg := p.Config()
	report := ComplianceReport{
		Compliant:         true,
		Fields:            []FieldCompliance{},
		Frameworks:        []FrameworkFinding{},
		RequireAuditTrail: cfg.ComplianceConfig.RequireAuditTrail,
	}

	seen := make(map[string]map[PIIType]bool)
	for _, d := range result.Detected {
		if seen[d.FieldPath] == nil {
			seen[d.FieldPath] = make(map[PIIType]bool)
		}
		seen[d.FieldPath][d.Type] = true
	}

	for _, rule := range p.fields {
		if !rule.ComplianceRelevant || len(rule.RequiredTypes) == 0 {
			continue
		}
		var paths []string
		for path := range seen {
			if path != "" && rule.matches(strings.Split(path, ".")) {
				paths = append(paths, path)
			}
		}
		if len(paths) == 0 && !rule.wildcard {
			paths = []string{rule.FieldPath}
		}
		sort.Strings(paths)
		if len(paths) == 0 {
			report.Fields = append(report.Fields, FieldCompliance{FieldPath: rule.FieldPath, Missing: rule.RequiredTypes})
			report.Compliant = false
			continue
		}
		for _, path := range paths {
			var missing []PIIType
			for _, t := range rule.RequiredTypes {
				if !seen[path][t] {
					missing = append(missing, t)
				}
			}
			if len(missing) > 0 {
				report.Fields = append(report.Fields, FieldCompliance{FieldPath: path, Missing: missing})
				report.Compliant = false
			}
		}
	}

	frameworks := append([]string(nil), cfg.ComplianceConfig.Frameworks...)
	if cfg.IndustrySpecific != nil {
		frameworks = append(frameworks, cfg.IndustrySpecific.ComplianceRequirements...)
	}
	done := make(map[string]bool)
	for _, name := range frameworks {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || done[key] {
			continue
		}
		done[key] = true
		governed, known := frameworkTypes[key]
		finding := FrameworkFinding{Framework: key, Known: known, GovernedTypes: make(map[PIIType]int)}
		for _, t := range governed {
			if n := result.ByType[t]; n > 0 {
				finding.GovernedTypes[t] = n
			}
		}
		report.Frameworks = append(report.Frameworks, finding)
	}
	return report
}
