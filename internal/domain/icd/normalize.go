package icd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrInvalidCodeFormat is returned by Normalize for input that cannot be a
// diagnosis code.
var ErrInvalidCodeFormat = errors.New("invalid code format")

// ErrUnsupportedSystem is returned for a system name other than icd10, icd9
// or auto.
var ErrUnsupportedSystem = errors.New("unsupported system")

const (
	// MinCodeLength is the category level length shared by both systems.
	MinCodeLength = 3
	// MaxCodeLength is the longest ICD-10-CM code (7 characters).
	MaxCodeLength = 7
)

var (
	canonicalPattern = regexp.MustCompile(`^[A-Z0-9]+$`)
	// ICD-9 supplementary classifications: E800-E999 external causes and
	// V01-V91 factors influencing health status.
	icd9EPattern = regexp.MustCompile(`^E[89][0-9]{2}[0-9]?$`)
	icd9VPattern = regexp.MustCompile(`^V[0-9]{2}[0-9]{0,2}$`)
)

// Normalized is the cleaned form of a user entered code.
type Normalized struct {
	Input        string `json:"input"`
	Canonical    string `json:"canonical"`
	System       System `json:"system"`
	FamilyIntent bool   `json:"familyIntent"`
	// Hinted is true when System came from the caller instead of detection.
	Hinted bool `json:"hinted"`
}

// Normalize cleans raw into canonical form. hint is one of "", "auto",
// "icd10", or "icd9"; any other value is rejected.
func Normalize(raw, hint string) (Normalized, error) {
	sys, ok := ParseSystem(hint)
	if !ok {
		return Normalized{}, fmt.Errorf("%w %q", ErrUnsupportedSystem, hint)
	}

	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, raw)

	n := Normalized{Input: raw}
	switch {
	case strings.HasSuffix(s, ".X"):
		s = strings.TrimSuffix(s, ".X")
		n.FamilyIntent = true
	case strings.HasSuffix(s, "X"):
		s = strings.TrimSuffix(s, "X")
		n.FamilyIntent = true
	}

	s = strings.ReplaceAll(s, ".", "")
	if len(s) < MinCodeLength || len(s) > MaxCodeLength || !canonicalPattern.MatchString(s) {
		return Normalized{}, fmt.Errorf("%w: %q", ErrInvalidCodeFormat, raw)
	}
	n.Canonical = s

	if sys != Unknown {
		n.System = sys
		n.Hinted = true
	} else {
		n.System = DetectSystem(s)
	}
	return n, nil
}

// DetectSystem guesses the system of a canonical code. Letter-led codes are
// ICD-10 unless they look like ICD-9 E/V supplementary codes; everything
// else is ICD-9.
func DetectSystem(canonical string) System {
	if canonical == "" {
		return Unknown
	}
	if icd9EPattern.MatchString(canonical) || icd9VPattern.MatchString(canonical) {
		return ICD9
	}
	if c := canonical[0]; c >= 'A' && c <= 'Z' {
		return ICD10
	}
	return ICD9
}

// Canonicalize strips separators and whitespace without validating.
func Canonicalize(code string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, code)
}

// FormatCode reinserts the decimal point for display.
func FormatCode(sys System, code string) string {
	c := Canonicalize(code)
	if sys == ICD9 && strings.HasPrefix(c, "E") {
		if len(c) > 4 {
			return c[:4] + "." + c[4:]
		}
		return c
	}
	if len(c) <= 3 {
		return c
	}
	return c[:3] + "." + c[3:]
}
