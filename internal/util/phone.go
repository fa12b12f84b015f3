package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

const defaultCountryCode = "+91"

// NormalizePhone canonicalizes a phone number to E.164. Separators are
// stripped; a bare 10-digit national number gets the default country code.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	hasPlus := false

	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r == '+' && i == 0:
			hasPlus = true
			b.WriteRune(r)
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separator, drop it
		default:
			return "", fmt.Errorf("phone number contains invalid character %q", r)
		}
	}

	normalized := b.String()
	digits := strings.TrimPrefix(normalized, "+")

	switch {
	case len(digits) == 0:
		return "", fmt.Errorf("phone number is empty")
	case !hasPlus && len(digits) == 10:
		return defaultCountryCode + digits, nil
	case hasPlus && len(digits) >= 8 && len(digits) <= 15:
		return normalized, nil
	default:
		return "", fmt.Errorf("phone number has unexpected length %d", len(digits))
	}
}

// SHA256Hex returns the hex digest of the input. Used wherever an opaque
// stable key is needed in place of a sensitive value.
func SHA256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// HashPhone returns the lookup key for a phone number so the plaintext
// never lands in an index.
func HashPhone(phone string) string {
	return SHA256Hex(phone)
}

// MaskPhone hides all but the last four digits for log output.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
