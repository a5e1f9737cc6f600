package privacy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const maskChar = '*'

var tokenPattern = regexp.MustCompile(`\[REDACTED:[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\]`)

// NewToken returns an opaque tokenization placeholder
func NewToken() string {
	return "[REDACTED:" + uuid.NewString() + "]"
}

// FindTokens returns the distinct tokenization placeholders in text in order of appearance
func FindTokens(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range tokenPattern.FindAllString(text, -1) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Mask renders value according to the type's mask policy
func Mask(t PIIType, value string) string {
	switch Info(t).Mask {
	case MaskKeepLast4:
		return maskKeepLast(value, 4)
	case MaskEmail:
		return maskEmail(value)
	case MaskFull:
		return maskKeepLast(value, 0)
	default:
		return maskKeepFirst(value)
	}
}

// maskKeepLast masks every alphanumeric except the last keep ones and leaves separators
func maskKeepLast(value string, keep int) string {
	alnum := 0
	for i := 0; i < len(value); i++ {
		if isAlnum(value[i]) {
			alnum++
		}
	}
	if alnum <= keep {
		keep = 0
	}
	b := []byte(value)
	seen := 0
	for i := range b {
		if !isAlnum(b[i]) {
			continue
		}
		seen++
		if seen <= alnum-keep {
			b[i] = maskChar
		}
	}
	return string(b)
}

func maskKeepFirst(value string) string {
	runes := []rune(value)
	if len(runes) <= 1 {
		return strings.Repeat(string(maskChar), len(runes))
	}
	return string(runes[0]) + strings.Repeat(string(maskChar), len(runes)-1)
}

func maskEmail(value string) string {
	at := strings.LastIndexByte(value, '@')
	if at <= 0 {
		return maskKeepFirst(value)
	}
	return value[:1] + strings.Repeat(string(maskChar), 3) + value[at:]
}

// Generalize returns the category label for a type
func Generalize(t PIIType) string {
	return Info(t).Generalization
}

// pseudonymizer derives stable pseudonyms from a keyed hash
type pseudonymizer struct {
	key []byte
}

// newPseudonymizer uses seed when set, otherwise a random per-call key
func newPseudonymizer(seed string) *pseudonymizer {
	if seed != "" {
		return &pseudonymizer{key: []byte(seed)}
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		// crypto/rand does not fail on supported platforms
		key = []byte(uuid.NewString())
	}
	return &pseudonymizer{key: key}
}

func (p *pseudonymizer) pseudonym(t PIIType, value string) string {
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(string(t) + "|" + value))
	return Info(t).PseudonymLabel + "_" + hex.EncodeToString(mac.Sum(nil)[:4])
}

// Pseudonymize returns the pseudonym for value under a fixed seed
func Pseudonymize(seed string, t PIIType, value string) string {
	return newPseudonymizer(seed).pseudonym(t, value)
}

// HashOriginal returns the hex sha256 digest recorded in audit info
func HashOriginal(original string) string {
	sum := sha256.Sum256([]byte(original))
	return hex.EncodeToString(sum[:])
}
