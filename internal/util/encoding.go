package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD so that visually identical credentials hash alike.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// NormalizeBytes is Normalize for byte slices. The input is not modified.
func NormalizeBytes(b []byte) []byte {
	return norm.NFKD.Bytes(b)
}

// NormalizeID canonicalises a principal or role identifier for lookups.
func NormalizeID(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}
