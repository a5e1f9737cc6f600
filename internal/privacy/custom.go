package privacy

import (
	"errors"
	"fmt"
	"regexp"
	"regexp/syntax"
)

var (
	// ErrInvalidPattern is returned for custom patterns that do not compile or match the empty string
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrPatternTooComplex is returned for custom patterns rejected by the complexity check
	ErrPatternTooComplex = errors.New("pattern too complex")
)

const (
	maxPatternLength = 512
	maxRepeatCount   = 100
	customConfidence = 0.9
)

// ValidateCustomPattern rejects patterns that fail to parse, can match the
// empty string, or exceed the complexity limits (length, repeat counts,
// quantifiers nested inside quantifiers).
func ValidateCustomPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if len(pattern) > maxPatternLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrPatternTooComplex, maxPatternLength)
	}

	tree, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if err := checkComplexity(tree, false); err != nil {
		return err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if re.MatchString("") {
		return fmt.Errorf("%w: matches the empty string", ErrInvalidPattern)
	}
	return nil
}

func isRepeat(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		return true
	case syntax.OpRepeat:
		return re.Max == -1 || re.Max > 1
	}
	return false
}

func checkComplexity(re *syntax.Regexp, insideRepeat bool) error {
	if re.Op == syntax.OpRepeat && (re.Min > maxRepeatCount || re.Max > maxRepeatCount) {
		return fmt.Errorf("%w: repeat count above %d", ErrPatternTooComplex, maxRepeatCount)
	}
	repeat := isRepeat(re)
	if repeat && insideRepeat {
		return fmt.Errorf("%w: nested quantifiers", ErrPatternTooComplex)
	}
	for _, sub := range re.Sub {
		if err := checkComplexity(sub, insideRepeat || repeat); err != nil {
			return err
		}
	}
	return nil
}

// compileCustom turns a validated tenant pattern into a matcher
func compileCustom(p CustomPattern) (*Matcher, error) {
	if err := ValidateCustomPattern(p.Pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	sensitivity := p.Sensitivity
	if sensitivity == "" {
		sensitivity = SensitivityMedium
	}
	return &Matcher{
		Kind:        MatcherCustom,
		Name:        "custom:" + p.Name,
		Type:        PIITypeCustom,
		Confidence:  customConfidence,
		Sensitivity: sensitivity,
		pattern:     re,
	}, nil
}
