// Package normalize turns raw phone-number cells into canonical digit-only
// identifiers and classifies records that cannot be canonicalized.
package normalize

import (
	"strings"
	"unicode"
)

// Reason classifies why a record was rejected.
type Reason string

const (
	ReasonInvalidFormat Reason = "invalid_format"
	ReasonInvalidLength Reason = "invalid_length"
)

const (
	DefaultMinDigits = 8
	DefaultMaxDigits = 15
)

// Bounds is the inclusive digit-count range a canonical number must satisfy.
type Bounds struct {
	Min int
	Max int
}

func (b Bounds) withDefaults() Bounds {
	if b.Min <= 0 {
		b.Min = DefaultMinDigits
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxDigits
	}
	return b
}

// Digits strips a raw cell down to its ASCII digits: leading BOM, leading
// '+', spaces, hyphens, dots and parentheses are all removed.
func Digits(raw string) string {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "\ufeff")
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "+")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize canonicalizes one raw record. It returns the digit-only form and
// an empty Reason on success. Normalize is idempotent: a valid canonical
// string maps to itself.
func Normalize(raw string, bounds Bounds) (string, Reason) {
	bounds = bounds.withDefaults()
	digits := Digits(raw)
	if digits == "" {
		return "", ReasonInvalidFormat
	}
	if len(digits) < bounds.Min || len(digits) > bounds.Max {
		return digits, ReasonInvalidLength
	}
	return digits, ""
}

// IsHeader reports whether a first-row cell looks like a column header
// rather than a phone number (e.g. "phone_number"). Header rows are skipped
// without producing an output record.
func IsHeader(cell string) bool {
	cell = strings.TrimPrefix(strings.TrimSpace(cell), "\ufeff")
	if cell == "" {
		return false
	}
	lower := strings.ToLower(cell)
	if strings.Contains(lower, "phone") {
		return true
	}
	for _, r := range lower {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
