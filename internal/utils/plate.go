package utils

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	minPlateLen = 6
	maxPlateLen = 7
)

var (
	// BBBB11
	plateLettersFirst = regexp.MustCompile(`^[A-Z]{4}[0-9]{2}$`)
	// BB1111
	plateDigitsFirst = regexp.MustCompile(`^[A-Z]{2}[0-9]{4}$`)
)

// NormalizePlate keeps letters and digits only and upper-cases the result.
func NormalizePlate(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return strings.ToUpper(b.String())
}

// NormalizeFragments joins OCR fragments of a single region and normalizes
// them as one plate string.
func NormalizeFragments(fragments []string) string {
	if len(fragments) == 0 {
		return ""
	}
	return NormalizePlate(strings.Join(fragments, " "))
}

// IsValidPlate reports whether a normalized string has one of the two
// accepted plate shapes.
func IsValidPlate(plate string) bool {
	if len(plate) < minPlateLen || len(plate) > maxPlateLen {
		return false
	}
	return plateLettersFirst.MatchString(plate) || plateDigitsFirst.MatchString(plate)
}
