package icd

import "strings"

// System identifies a diagnosis coding system.
type System string

const (
	ICD10   System = "icd10"
	ICD9    System = "icd9"
	Unknown System = "unknown"
)

// ParseSystem maps a caller supplied system string onto a System. The empty
// string and "auto" map to Unknown so callers can treat both as "detect".
func ParseSystem(s string) (System, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "icd10", "icd-10", "icd10cm", "icd-10-cm":
		return ICD10, true
	case "icd9", "icd-9", "icd9cm", "icd-9-cm":
		return ICD9, true
	case "", "auto":
		return Unknown, true
	}
	return Unknown, false
}

// Label returns the human readable name of the system.
func (s System) Label() string {
	switch s {
	case ICD10:
		return "ICD-10-CM"
	case ICD9:
		return "ICD-9-CM"
	}
	return "unknown"
}

// Other returns the cross-walk target for the system.
func (s System) Other() System {
	switch s {
	case ICD10:
		return ICD9
	case ICD9:
		return ICD10
	}
	return Unknown
}

// Code is a catalog entry. Value is canonical (no separators).
type Code struct {
	System      System `json:"system"`
	Value       string `json:"code"`
	Display     string `json:"display"`
	Description string `json:"description,omitempty"`
}

// CodeRef names a code in a system without catalog data.
type CodeRef struct {
	System System `json:"system"`
	Code   string `json:"code"`
}

// Mapping is one directed GEM edge.
type Mapping struct {
	SourceSystem      System `json:"sourceSystem"`
	SourceCode        string `json:"sourceCode"`
	TargetSystem      System `json:"targetSystem"`
	TargetCode        string `json:"targetCode"`
	TargetDisplay     string `json:"targetDisplay"`
	TargetDescription string `json:"targetDescription,omitempty"`
	Approximate       bool   `json:"approximate"`
	NoMap             bool   `json:"noMap"`
	Combination       bool   `json:"combination"`
	Scenario          int    `json:"scenario"`
	ChoiceList        int    `json:"choiceList"`
}

// CharlsonEntry is a row of the per-system Charlson table.
type CharlsonEntry struct {
	System    System `json:"system"`
	Code      string `json:"code"`
	Condition string `json:"condition"`
	Score     int    `json:"score"`
}

// CharlsonMatch is the Charlson entry that applies to an input code, either
// verbatim or through the longest listed prefix.
type CharlsonMatch struct {
	Code        string `json:"code"`
	System      System `json:"system"`
	MatchedCode string `json:"matchedCode"`
	Condition   string `json:"condition"`
	Score       int    `json:"score"`
	MatchType   string `json:"matchType"`
}

const (
	MatchExact  = "exact"
	MatchPrefix = "prefix"
)

// ElixhauserMapping joins an ICD-10 code to an Elixhauser category.
type ElixhauserMapping struct {
	ICD10Code           string `json:"icd10Code"`
	CategoryCode        string `json:"categoryCode"`
	CategoryName        string `json:"categoryName"`
	CategoryDescription string `json:"categoryDescription"`
}

// ICD9Elixhauser is the denormalized ICD-9 Elixhauser row; category names
// are stored inline.
type ICD9Elixhauser struct {
	Code          string   `json:"code"`
	Description   string   `json:"description,omitempty"`
	Comorbidities []string `json:"comorbidities"`
}

// HCCMapping assigns an ICD-10 code to an HCC category.
type HCCMapping struct {
	ICD10Code      string  `json:"icd10Code"`
	Description    string  `json:"description,omitempty"`
	HCCCategory    string  `json:"hccCategory"`
	HCCDescription string  `json:"hccDescription,omitempty"`
	RAFScore       float64 `json:"rafScore"`
}

// ConditionSummary is one distinct Charlson condition in a system.
type ConditionSummary struct {
	System      System   `json:"system"`
	Condition   string   `json:"condition"`
	Score       int      `json:"score"`
	SampleCodes []string `json:"sampleCodes,omitempty"`
}

// Status tags every result the core returns. Only infrastructure failures
// are reported as Go errors.
type Status string

const (
	StatusExact             Status = "exact"
	StatusFamily            Status = "family"
	StatusNotFound          Status = "not_found"
	StatusInvalidCodeFormat Status = "invalid_code_format"
	StatusConverted         Status = "converted"
	StatusNoConversionFound Status = "no_conversion_found"
)

// Display limits for family results.
const (
	ConversionFamilyLimit = 100
	DisplayFamilyLimit    = 50
)
