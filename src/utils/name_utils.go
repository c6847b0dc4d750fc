package utils

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName produces the comparison form of an organisation name:
// NFKC-normalized, case-folded, with runs of whitespace collapsed.
func NormalizeName(name string) string {
	n := norm.NFKC.String(name)
	n = cases.Fold().String(n)
	return strings.Join(strings.Fields(n), " ")
}
