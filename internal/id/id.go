// Package id implements the canonical identifier shape used at every
// boundary (API, database, disk config, logs): a lowercase 36-char
// dashed-hex string, grouped 8-4-4-4-12.
package id

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/lucasnoah/gitswarm/internal/errs"
)

var canonicalRE = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

var legacyHexRE = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Generate returns a new canonical 36-char dashed identifier.
func Generate() string {
	return uuid.New().String()
}

// IsValid reports whether s is already in canonical form.
func IsValid(s string) bool {
	return canonicalRE.MatchString(s)
}

// Normalize accepts either the canonical 36-char dashed form or a legacy
// 32-char unbroken lowercase hex form, returning the canonical form. Any
// other shape is rejected with errs.KindInvalidInput and an "invalid_id"
// detail.
func Normalize(s string) (string, error) {
	if canonicalRE.MatchString(s) {
		return s, nil
	}
	if legacyHexRE.MatchString(s) {
		var b strings.Builder
		b.Grow(36)
		b.WriteString(s[0:8])
		b.WriteByte('-')
		b.WriteString(s[8:12])
		b.WriteByte('-')
		b.WriteString(s[12:16])
		b.WriteByte('-')
		b.WriteString(s[16:20])
		b.WriteByte('-')
		b.WriteString(s[20:32])
		return b.String(), nil
	}
	return "", errs.New(errs.KindInvalidInput, "invalid_id").WithDetail("value", s)
}
