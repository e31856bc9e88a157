// Package normalize converts raw source records into the source-agnostic
// normalized shape and derives the canonical grouping key that collapses
// trivial spelling and formatting variants of the same subject.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// formSuffixes lists dosage-form and packaging words that appear as name
// suffixes in drug and billing records. Stripping them keeps "LISINOPRIL"
// and "LISINOPRIL TABLETS" in the same canonical group while leaving the
// active-ingredient part of the name intact.
var formSuffixes = []string{
	" TABLETS", " TABLET", " TABS", " TAB",
	" CAPSULES", " CAPSULE", " CAPS", " CAP",
	" INJECTION", " INJECTABLE",
	" ORAL SOLUTION", " ORAL SUSPENSION", " SOLUTION", " SUSPENSION",
	" SYRUP", " ELIXIR",
	" CREAM", " OINTMENT", " GEL", " LOTION",
	" PATCH", " SPRAY", " DROPS",
	" ER", " XR", " SR", " DR",
	" KIT", " PACK",
}

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// deaccent strips combining marks so "PÉNICILLINE" and "PENICILLINE"
// derive the same key.
var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// CanonicalKey derives the grouping key for a subject:
//  1. trim and uppercase
//  2. strip diacritics
//  3. strip a trailing dosage-form suffix
//  4. strip punctuation ("&" becomes "AND", "-" becomes space)
//  5. collapse runs of spaces
//
// The derivation is idempotent: CanonicalKey(CanonicalKey(x)) == CanonicalKey(x).
func CanonicalKey(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		return ""
	}

	s = strings.ToUpper(s)

	if folded, _, err := transform.String(deaccent, s); err == nil {
		s = folded
	}

	for _, suffix := range formSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}

	s = strings.NewReplacer(
		",", "",
		".", "",
		"'", "",
		"\"", "",
		"(", " ",
		")", " ",
		"/", " ",
		"&", "AND",
		"-", " ",
	).Replace(s)

	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
