package privacy

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MatcherKind discriminates built-in matchers from tenant compiled ones
type MatcherKind int

const (
	MatcherBuiltin MatcherKind = iota
	MatcherCustom
)

func (k MatcherKind) String() string {
	switch k {
	case MatcherBuiltin:
		return "builtin"
	case MatcherCustom:
		return "custom"
	}
	return "unknown"
}

const (
	contextRadius = 20
	// keyword windows for context dependent matchers
	keywordBefore = 48
	keywordAfter  = 24

	jurisdictionConfidence = 0.7
	maxCustomMatches       = 1000
)

// Matcher finds candidate spans for a single PII type
type Matcher struct {
	Kind        MatcherKind
	Name        string
	Type        PIIType
	Confidence  float64
	Sensitivity SensitivityLevel

	pattern  *regexp.Regexp
	group    int
	context  []string
	edges    func(text string, start, end int) bool
	validate func(value string) (bool, float64)
}

// scan returns at most limit detections, or all of them when limit is negative
func (m *Matcher) scan(text string, limit int) []DetectedPII {
	var out []DetectedPII
	for _, loc := range m.pattern.FindAllStringSubmatchIndex(text, limit) {
		start, end := loc[0], loc[1]
		if m.group > 0 && len(loc) > 2*m.group+1 && loc[2*m.group] >= 0 {
			start, end = loc[2*m.group], loc[2*m.group+1]
		}
		if start >= end {
			continue
		}
		if m.edges != nil && !m.edges(text, start, end) {
			continue
		}
		distance := 0
		if len(m.context) > 0 {
			d, ok := m.keywordDistance(text, start, end)
			if !ok {
				continue
			}
			distance = d
		}
		value := text[start:end]
		confidence := m.Confidence
		if m.validate != nil {
			ok, c := m.validate(value)
			if !ok {
				continue
			}
			if c > 0 {
				confidence = c
			}
		}
		out = append(out, DetectedPII{
			Type:       m.Type,
			Value:      value,
			StartIndex: start,
			EndIndex:   end,
			Confidence: confidence,
			Context:    surrounding(text, start, end),
			Matcher:    m.Name,

			keywordDistance: distance,
		})
	}
	return out
}

var (
	emailPattern   = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneUSPattern = regexp.MustCompile(`(?:\+?1[ .\-]?)?(?:\(\d{3}\) ?|\d{3}[ .\-])\d{3}[ .\-]\d{4}`)
	phoneIntl      = regexp.MustCompile(`\+\d{1,3}(?:[ .\-]?\(?\d{1,4}\)?){2,5}`)
	ssnPattern     = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	ssnLenient     = regexp.MustCompile(`\b\d{9}\b`)
	cardPattern    = regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`)
	ipv4Pattern    = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	ipv6Candidate  = regexp.MustCompile(`(?i)[0-9a-f]{0,4}(?::[0-9a-f]{0,4}){2,7}`)
	datePattern    = regexp.MustCompile(`(?i)\b(?:\d{1,2}[/\-.]\d{1,2}[/\-.](?:19|20)\d{2}|(?:19|20)\d{2}-\d{2}-\d{2}|(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.? \d{1,2},? (?:19|20)\d{2}|\d{1,2} (?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]* (?:19|20)\d{2})\b`)
	addressPattern = regexp.MustCompile(`\b\d{1,6}(?: [A-Z][A-Za-z0-9'.\-]*){1,4} (?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Way|Place|Pl|Terrace|Ter|Parkway|Pkwy|Circle|Cir|Highway|Hwy)\b\.?(?:,? (?:Apt|Suite|Unit|#) ?[A-Za-z0-9\-]+)?`)
	namePattern    = regexp.MustCompile(`(?:\b(?:Mr|Mrs|Ms|Miss|Mx|Dr|Prof)\.? |\b(?i:name|contact|dear|attn|patient|customer|employee)\s*:?\s+)([A-Z][a-z]+(?: [A-Z][a-z]+){0,2})`)
	ibanPattern    = regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`)
)

var (
	ssnKeywords      = []string{"ssn", "social security", "soc sec", "ss#"}
	birthKeywords    = []string{"born", "birth", "dob", "d.o.b"}
	licenseKeywords  = []string{"driver", "licen", "dl#", "dl no", "dl:"}
	passportKeywords = []string{"passport"}
	accountKeywords  = []string{"account", "acct", "a/c", "routing", "bank"}
)

var jurisdictionContext = map[PIIType][]string{
	PIITypeDriverLicense: licenseKeywords,
	PIITypePassport:      passportKeywords,
	PIITypeBankAccount:   accountKeywords,
}

func builtinMatchers() []*Matcher {
	return []*Matcher{
		{Name: "email", Type: PIITypeEmail, Confidence: 0.95, pattern: emailPattern},
		{Name: "phone_us", Type: PIITypePhone, Confidence: 0.85, pattern: phoneUSPattern, edges: alnumEdges, validate: validatePhone},
		{Name: "phone_intl", Type: PIITypePhone, Confidence: 0.85, pattern: phoneIntl, edges: alnumEdges, validate: validatePhone},
		{Name: "ssn", Type: PIITypeSSN, Confidence: 0.95, pattern: ssnPattern, edges: dashEdges, validate: validateSSN},
		{Name: "ssn_unformatted", Type: PIITypeSSN, Confidence: 0.75, pattern: ssnLenient, context: ssnKeywords, validate: validateSSN},
		{Name: "credit_card", Type: PIITypeCreditCard, Confidence: 0.98, pattern: cardPattern, validate: validateCard},
		{Name: "ipv4", Type: PIITypeIPAddress, Confidence: 0.9, pattern: ipv4Pattern, edges: dottedEdges, validate: validateIPv4},
		{Name: "ipv6", Type: PIITypeIPAddress, Confidence: 0.85, pattern: ipv6Candidate, edges: alnumEdges, validate: validateIPv6},
		{Name: "date_of_birth", Type: PIITypeDateOfBirth, Confidence: 0.85, pattern: datePattern, context: birthKeywords},
		{Name: "street_address", Type: PIITypeAddress, Confidence: 0.7, pattern: addressPattern},
		{Name: "name_heuristic", Type: PIITypeName, Confidence: 0.6, pattern: namePattern, group: 1},
		{Name: "iban", Type: PIITypeBankAccount, Confidence: 0.9, pattern: ibanPattern, validate: validateIBAN},
	}
}

func jurisdictionMatchers() map[Jurisdiction][]*Matcher {
	ctx := func(j Jurisdiction, t PIIType, suffix, pattern string, confidence float64, keywords []string) *Matcher {
		return &Matcher{
			Name:       fmt.Sprintf("%s_%s_%s", strings.ToLower(string(j)), t, suffix),
			Type:       t,
			Confidence: confidence,
			pattern:    regexp.MustCompile(pattern),
			context:    keywords,
			validate:   hasDigit,
		}
	}
	return map[Jurisdiction][]*Matcher{
		JurisdictionUS: {
			ctx(JurisdictionUS, PIITypeDriverLicense, "alnum", `\b[A-Z]{0,2}\d{5,9}\b`, 0.7, licenseKeywords),
			ctx(JurisdictionUS, PIITypePassport, "number", `\b[A-Z]?\d{8,9}\b`, 0.7, passportKeywords),
			ctx(JurisdictionUS, PIITypeBankAccount, "digits", `\b\d{8,17}\b`, 0.65, accountKeywords),
		},
		JurisdictionUK: {
			ctx(JurisdictionUK, PIITypeDriverLicense, "dvla", `\b[A-Z9]{5}\d{6}[A-Z9]{2}\d[A-Z]{2}\b`, 0.8, nil),
			ctx(JurisdictionUK, PIITypePassport, "number", `\b\d{9}\b`, 0.7, passportKeywords),
			ctx(JurisdictionUK, PIITypeBankAccount, "sort_code", `\b\d{2}-\d{2}-\d{2}[ ,]+\d{8}\b`, 0.8, nil),
			ctx(JurisdictionUK, PIITypeBankAccount, "digits", `\b\d{8}\b`, 0.65, accountKeywords),
		},
		JurisdictionEU: {
			ctx(JurisdictionEU, PIITypeDriverLicense, "alnum", `\b[A-Z0-9]{6,13}\b`, 0.7, licenseKeywords),
			ctx(JurisdictionEU, PIITypePassport, "alnum", `\b[A-Z]{1,2}[A-Z0-9]{6,8}\b`, 0.7, passportKeywords),
			ctx(JurisdictionEU, PIITypeBankAccount, "digits", `\b\d{8,12}\b`, 0.65, accountKeywords),
		},
	}
}

// surrounding returns up to contextRadius bytes each side of the span, on rune boundaries
func surrounding(text string, start, end int) string {
	from := start - contextRadius
	if from < 0 {
		from = 0
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	to := end + contextRadius
	if to > len(text) {
		to = len(text)
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	return text[from:to]
}

// keywordDistance finds the closest context keyword that labels the span.
// A keyword only labels the span when no other match of the same pattern
// sits between them. Keywords after the span rank behind any keyword before it.
func (m *Matcher) keywordDistance(text string, start, end int) (int, bool) {
	from := start - keywordBefore
	if from < 0 {
		from = 0
	}
	to := end + keywordAfter
	if to > len(text) {
		to = len(text)
	}
	before := strings.ToLower(text[from:start])
	after := strings.ToLower(text[end:to])

	best, found := 0, false
	for _, k := range m.context {
		if i := strings.LastIndex(before, k); i >= 0 {
			gap := text[from+i+len(k) : start]
			if d := len(gap); !m.pattern.MatchString(gap) && (!found || d < best) {
				best, found = d, true
			}
		}
		if i := strings.Index(after, k); i >= 0 {
			gap := text[end : end+i]
			if d := keywordBefore + i; !m.pattern.MatchString(gap) && (!found || d < best) {
				best, found = d, true
			}
		}
	}
	return best, found
}

func isAlnum(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func alnumEdges(text string, start, end int) bool {
	if start > 0 && (isAlnum(text[start-1]) || text[start-1] == '+') {
		return false
	}
	if end < len(text) && isAlnum(text[end]) {
		return false
	}
	return true
}

// dashEdges rejects 3-2-4 groups embedded in longer dashed digit runs
func dashEdges(text string, start, end int) bool {
	if start > 1 && text[start-1] == '-' && isDigit(text[start-2]) {
		return false
	}
	if end+1 < len(text) && text[end] == '-' && isDigit(text[end+1]) {
		return false
	}
	return true
}

// dottedEdges rejects dotted quads that are part of longer dotted sequences
func dottedEdges(text string, start, end int) bool {
	if start > 1 && text[start-1] == '.' && isDigit(text[start-2]) {
		return false
	}
	if end+1 < len(text) && text[end] == '.' && isDigit(text[end+1]) {
		return false
	}
	return true
}

func digitsOnly(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if isDigit(s[i]) {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func hasDigit(v string) (bool, float64) {
	return strings.IndexAny(v, "0123456789") >= 0, 0
}

func validatePhone(v string) (bool, float64) {
	n := len(digitsOnly(v))
	return n >= 10 && n <= 15, 0
}

func validateSSN(v string) (bool, float64) {
	d := digitsOnly(v)
	if len(d) != 9 {
		return false, 0
	}
	area, group, serial := d[:3], d[3:5], d[5:]
	if area == "000" || area == "666" || area[0] == '9' || group == "00" || serial == "0000" {
		return false, 0
	}
	return true, 0
}

// luhnValid checks the mod-10 checksum of an all-digit string
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

func cardNetwork(digits string) string {
	prefix := func(n int) int {
		if len(digits) < n {
			return -1
		}
		v, _ := strconv.Atoi(digits[:n])
		return v
	}
	switch {
	case digits[0] == '4':
		return "visa"
	case prefix(2) >= 51 && prefix(2) <= 55, prefix(4) >= 2221 && prefix(4) <= 2720:
		return "mastercard"
	case prefix(2) == 34 || prefix(2) == 37:
		return "amex"
	case prefix(4) == 6011, prefix(2) == 65, prefix(3) >= 644 && prefix(3) <= 649:
		return "discover"
	case prefix(3) >= 300 && prefix(3) <= 305, prefix(2) == 36, prefix(2) == 38:
		return "diners"
	case prefix(4) >= 3528 && prefix(4) <= 3589:
		return "jcb"
	case prefix(2) == 62:
		return "unionpay"
	}
	return ""
}

func validateCard(v string) (bool, float64) {
	d := digitsOnly(v)
	if len(d) < 13 || len(d) > 19 || !luhnValid(d) {
		return false, 0
	}
	if cardNetwork(d) == "" {
		return true, 0.8
	}
	return true, 0
}

func validateIPv4(v string) (bool, float64) {
	for _, part := range strings.Split(v, ".") {
		if len(part) > 1 && part[0] == '0' {
			return false, 0
		}
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return false, 0
		}
	}
	return true, 0
}

func validateIPv6(v string) (bool, float64) {
	if strings.Count(v, ":") < 2 || strings.Trim(v, ":") == "" {
		return false, 0
	}
	addr, err := netip.ParseAddr(v)
	if err != nil || !addr.Is6() {
		return false, 0
	}
	return true, 0
}

// validateIBAN applies the ISO 13616 mod-97 check
func validateIBAN(v string) (bool, float64) {
	s := strings.ReplaceAll(v, " ", "")
	if len(s) < 15 || len(s) > 34 {
		return false, 0
	}
	s = s[4:] + s[:4]
	rem := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			rem = (rem*100 + int(c-'A'+10)) % 97
		default:
			return false, 0
		}
	}
	return rem == 1, 0
}
