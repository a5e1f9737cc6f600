package privacy

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/raaihank/record-sentinel/internal/metrics"
	"go.uber.org/zap"
)

// placeholderPattern matches tokens emitted by earlier tokenization passes
var placeholderPattern = regexp.MustCompile(`\[REDACTED(?::[^\]]*)?\]`)

// Detector scans text and structured records for PII
type Detector struct {
	logger *logger.Logger
}

// NewDetector creates a new PII detector instance
func NewDetector(log *logger.Logger) *Detector {
	log = log.WithComponent("detector")
	log.Info("Privacy detector initialized",
		zap.Int("builtin_types", len(DefaultRegistry().Types())),
	)
	return &Detector{logger: log}
}

// Detect scans a string, a record, or a list of records
func (d *Detector) Detect(input any, p *Policy) DetectionResult {
	switch v := input.(type) {
	case string:
		return d.DetectText(v, p)
	case map[string]any:
		return d.DetectRecord(v, p)
	default:
		if !p.Enabled() {
			return NewDetectionResult(nil)
		}
		var found []DetectedPII
		d.walk(v, nil, p, &found)
		return d.finish(found, p)
	}
}

// DetectText scans flat text. Detections carry no field path.
func (d *Detector) DetectText(text string, p *Policy) DetectionResult {
	if !p.Enabled() {
		return NewDetectionResult(nil)
	}
	return d.finish(d.scan(text, "", p), p)
}

// DetectRecord walks a record depth-first and scans every string leaf
func (d *Detector) DetectRecord(record map[string]any, p *Policy) DetectionResult {
	if !p.Enabled() {
		return NewDetectionResult(nil)
	}
	var found []DetectedPII
	d.walk(record, nil, p, &found)
	return d.finish(found, p)
}

func (d *Detector) finish(found []DetectedPII, p *Policy) DetectionResult {
	result := NewDetectionResult(found)
	for t, n := range result.ByType {
		metrics.RecordDetection(string(t), n)
	}
	if result.HasPII {
		d.logger.WithTenant(p.TenantID()).LogDetectionSummary(result.TotalCount, countsByType(result.ByType))
	}
	return result
}

func countsByType(byType map[PIIType]int) map[string]int {
	out := make(map[string]int, len(byType))
	for t, n := range byType {
		out[string(t)] = n
	}
	return out
}

func (d *Detector) walk(node any, path []string, p *Policy, found *[]DetectedPII) {
	switch v := node.(type) {
	case string:
		*found = append(*found, d.scan(v, strings.Join(path, "."), p)...)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.walk(v[k], append(path, k), p, found)
		}
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.walk(v[k], append(path, k), p, found)
		}
	case []any:
		for i, item := range v {
			d.walk(item, append(path, strconv.Itoa(i)), p, found)
		}
	case []map[string]any:
		for i, item := range v {
			d.walk(item, append(path, strconv.Itoa(i)), p, found)
		}
	case []string:
		for i, item := range v {
			d.walk(item, append(path, strconv.Itoa(i)), p, found)
		}
	}
}

// scan runs the active matchers over one string and resolves overlaps
func (d *Detector) scan(text, fieldPath string, p *Policy) []DetectedPII {
	if text == "" {
		return nil
	}

	level := p.config.SensitivityLevel
	var required map[PIIType]bool
	if rule, ok := p.fieldRuleFor(fieldPath); ok {
		if rule.SensitivityLevel != "" {
			level = rule.SensitivityLevel
		}
		if len(rule.RequiredTypes) > 0 {
			required = make(map[PIIType]bool, len(rule.RequiredTypes))
			for _, t := range rule.RequiredTypes {
				required[t] = true
			}
		}
	}
	minConfidence := level.MinConfidence()
	placeholders := placeholderPattern.FindAllStringIndex(text, -1)

	var candidates []DetectedPII
	for _, m := range p.matchers {
		if required != nil && !required[m.Type] {
			continue
		}
		matches, err := d.run(m, text)
		if err != nil {
			d.logger.Warn("Matcher skipped",
				zap.String("matcher", m.Name),
				zap.String("kind", m.Kind.String()),
				zap.Error(err),
			)
			metrics.RecordMatcherFailure(m.Name)
			continue
		}
		for _, c := range matches {
			if c.Confidence < minConfidence || insidePlaceholder(c, placeholders) {
				continue
			}
			c.FieldPath = fieldPath
			candidates = append(candidates, c)
		}
	}
	return resolveOverlaps(candidates)
}

// run dispatches a matcher and converts a panic into an error so one bad
// matcher cannot abort the whole scan
func (d *Detector) run(m *Matcher, text string) (found []DetectedPII, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("matcher panicked: %v", r)
		}
	}()

	switch m.Kind {
	case MatcherBuiltin:
		return m.scan(text, -1), nil
	case MatcherCustom:
		return m.scan(text, maxCustomMatches), nil
	default:
		return nil, fmt.Errorf("unknown matcher kind %d", m.Kind)
	}
}

func insidePlaceholder(c DetectedPII, placeholders [][]int) bool {
	for _, ph := range placeholders {
		if c.StartIndex < ph[1] && ph[0] < c.EndIndex {
			return true
		}
	}
	return false
}

// resolveOverlaps keeps the highest confidence match of every overlapping
// cluster, preferring the closest keyword, then longer spans and then earlier
// starts on ties
func resolveOverlaps(candidates []DetectedPII) []DetectedPII {
	if len(candidates) < 2 {
		return candidates
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.keywordDistance != b.keywordDistance {
			return a.keywordDistance < b.keywordDistance
		}
		if la, lb := a.EndIndex-a.StartIndex, b.EndIndex-b.StartIndex; la != lb {
			return la > lb
		}
		return a.StartIndex < b.StartIndex
	})

	kept := make([]DetectedPII, 0, len(candidates))
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if c.StartIndex < k.EndIndex && k.StartIndex < c.EndIndex {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].StartIndex < kept[j].StartIndex })
	return kept
}
