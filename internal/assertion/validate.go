package assertion

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf16"
)

// MaxMemoLength is the longest memo accepted, in UTF-16 code units.
const MaxMemoLength = 150

// keyLength is the base64 length of a 32-byte key without its padding.
const keyLength = 43

var (
	keyPattern     = regexp.MustCompile(`^[A-Za-z0-9/+]{43}=$`)
	nonKeyChars    = regexp.MustCompile(`[^A-Za-z0-9/+]`)
	trailingZeroes = regexp.MustCompile(`0+=?$`)
)

// ValidationError is a local input error raised before anything is signed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("assertion: invalid %s: %s", e.Field, e.Reason)
}

// ValidateKey checks that key is a base64-encoded 32-byte public key.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return &ValidationError{Field: "to", Reason: "expected 43 base64 characters followed by '='"}
	}
	return nil
}

// ValidateMemo checks that memo holds between 1 and MaxMemoLength UTF-16
// code units. Characters outside the BMP count twice.
func ValidateMemo(memo string) error {
	n := len(utf16.Encode([]rune(memo)))
	switch {
	case n == 0:
		return &ValidationError{Field: "memo", Reason: "must not be empty"}
	case n > MaxMemoLength:
		return &ValidationError{Field: "memo", Reason: fmt.Sprintf("%d code units exceeds %d", n, MaxMemoLength)}
	}
	return nil
}

// NormalizeKey turns free-form input into key shape: characters outside the
// base64 alphabet are dropped and the result is padded with '0' to 43
// characters plus '='. Inputs that are already keys are returned unchanged.
func NormalizeKey(input string) string {
	if keyPattern.MatchString(input) {
		return input
	}
	cleaned := nonKeyChars.ReplaceAllString(input, "")
	if len(cleaned) < keyLength {
		cleaned += strings.Repeat("0", keyLength-len(cleaned))
	}
	return cleaned + "="
}

// ShortenHex abbreviates a 64-character hex identifier.
func ShortenHex(value string) string {
	if len(value) <= 60 {
		if len(value) <= 5 {
			return value
		}
		return value[:5] + "..."
	}
	return value[:5] + "..." + value[60:]
}

// ShortenKey abbreviates a key for display. Vanity keys padded with zeroes
// lose their padding; the all-zero key collapses to "0".
func ShortenKey(value string) string {
	if strings.HasPrefix(value, strings.Repeat("0", keyLength)) {
		return value[:1]
	}
	trimmed := trailingZeroes.ReplaceAllString(value, "")
	if len(trimmed) > 25 {
		trimmed = trimmed[:25]
	}
	return trimmed
}

// IsObserverKey reports whether key is a real key rather than a zero-padded label.
func IsObserverKey(key string) bool {
	return !strings.HasSuffix(key, "00=")
}
