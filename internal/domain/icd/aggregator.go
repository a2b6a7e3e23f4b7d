package icd

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Comorbidity is the combined Charlson, Elixhauser and HCC view of a code
// set.
type Comorbidity struct {
	Charlson   CharlsonSummary        `json:"charlson"`
	Elixhauser ElixhauserSummary      `json:"elixhauser"`
	HCC        map[string]*HCCMapping `json:"hcc"`
	// Unresolved lists inputs that did not resolve to any catalog code.
	Unresolved []string `json:"unresolved,omitempty"`
	// Failed lists inputs whose lookup failed and were left out.
	Failed []string `json:"failed,omitempty"`
}

// CharlsonSummary is the Charlson index over a code set. Each condition is
// counted once.
type CharlsonSummary struct {
	TotalScore int                  `json:"totalScore"`
	Conditions []*CharlsonCondition `json:"conditions"`
}

// CharlsonCondition is one condition with every input code that hit it.
type CharlsonCondition struct {
	Condition string   `json:"condition"`
	Score     int      `json:"score"`
	Codes     []string `json:"codes"`
}

// ElixhauserSummary is the union of Elixhauser categories over a code set.
type ElixhauserSummary struct {
	Categories      []*ElixhauserCategory `json:"categories"`
	TotalCategories int                   `json:"totalCategories"`
}

// ElixhauserCategory is a category together with the input codes in it.
// Code is empty for categories known only by their ICD-9 name.
type ElixhauserCategory struct {
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	ICDCodes    []string `json:"icdCodes"`
}

// Aggregator computes comorbidity indices over resolved codes.
type Aggregator struct {
	charlson   CharlsonRepository
	elixhauser ElixhauserRepository
	hcc        HCCRepository
}

// NewAggregator creates an aggregator.
func NewAggregator(charlson CharlsonRepository, elixhauser ElixhauserRepository, hcc HCCRepository) *Aggregator {
	return &Aggregator{charlson: charlson, elixhauser: elixhauser, hcc: hcc}
}

// Aggregate computes all three indices. An empty input yields empty
// summaries.
func (a *Aggregator) Aggregate(ctx context.Context, refs []CodeRef) (*Comorbidity, error) {
	icd10, icd9 := splitRefs(refs)

	charlson, err := a.Charlson(ctx, icd10, icd9)
	if err != nil {
		return nil, err
	}
	elix, err := a.Elixhauser(ctx, icd10, icd9)
	if err != nil {
		return nil, err
	}
	hcc, err := a.HCC(ctx, icd10)
	if err != nil {
		return nil, err
	}
	return &Comorbidity{Charlson: charlson, Elixhauser: elix, HCC: hcc}, nil
}

// Charlson matches every code against its system's table and combines the
// matches by condition.
func (a *Aggregator) Charlson(ctx context.Context, icd10, icd9 []string) (CharlsonSummary, error) {
	var matches []*CharlsonMatch
	for _, q := range []struct {
		sys   System
		codes []string
	}{{ICD10, icd10}, {ICD9, icd9}} {
		if len(q.codes) == 0 {
			continue
		}
		found, err := a.charlson.Match(ctx, q.sys, q.codes)
		if err != nil {
			return CharlsonSummary{}, fmt.Errorf("aggregate charlson: %w", err)
		}
		for _, code := range q.codes {
			if m, ok := found[code]; ok {
				matches = append(matches, m)
			}
		}
	}
	return CombineCharlson(matches), nil
}

// CombineCharlson groups matches by condition. A condition keeps the highest
// score seen and collects every code that reached it.
func CombineCharlson(matches []*CharlsonMatch) CharlsonSummary {
	byCondition := make(map[string]*CharlsonCondition)
	for _, m := range matches {
		c, ok := byCondition[m.Condition]
		if !ok {
			c = &CharlsonCondition{Condition: m.Condition, Score: m.Score}
			byCondition[m.Condition] = c
		}
		if m.Score > c.Score {
			c.Score = m.Score
		}
		c.Codes = appendUnique(c.Codes, m.Code)
	}

	out := CharlsonSummary{Conditions: make([]*CharlsonCondition, 0, len(byCondition))}
	for _, c := range byCondition {
		sort.Strings(c.Codes)
		out.TotalScore += c.Score
		out.Conditions = append(out.Conditions, c)
	}
	sort.Slice(out.Conditions, func(i, j int) bool {
		ci, cj := out.Conditions[i], out.Conditions[j]
		if ci.Score != cj.Score {
			return ci.Score > cj.Score
		}
		return ci.Condition < cj.Condition
	})
	return out
}

// Elixhauser unions the categories of ICD-10 codes (joined rows) and ICD-9
// codes (inline names).
func (a *Aggregator) Elixhauser(ctx context.Context, icd10, icd9 []string) (ElixhauserSummary, error) {
	rows10, err := a.elixhauser.ListICD10(ctx, icd10)
	if err != nil {
		return ElixhauserSummary{}, fmt.Errorf("aggregate elixhauser: %w", err)
	}
	rows9, err := a.elixhauser.ListICD9(ctx, icd9)
	if err != nil {
		return ElixhauserSummary{}, fmt.Errorf("aggregate elixhauser: %w", err)
	}
	return CombineElixhauser(rows10, rows9), nil
}

// CombineElixhauser merges both Elixhauser layouts. ICD-9 names attach to an
// ICD-10 category of the same name when one is present.
func CombineElixhauser(icd10 []*ElixhauserMapping, icd9 []*ICD9Elixhauser) ElixhauserSummary {
	byKey := make(map[string]*ElixhauserCategory)
	byName := make(map[string]*ElixhauserCategory)

	// ICD-10 rows go first so the merge does not depend on input order.
	for _, m := range icd10 {
		c, ok := byKey[m.CategoryCode]
		if !ok {
			c = &ElixhauserCategory{
				Code:        m.CategoryCode,
				Name:        m.CategoryName,
				Description: m.CategoryDescription,
			}
			byKey[m.CategoryCode] = c
			byName[strings.ToLower(m.CategoryName)] = c
		}
		c.ICDCodes = appendUnique(c.ICDCodes, m.ICD10Code)
	}
	for _, e := range icd9 {
		for _, name := range e.Comorbidities {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			key := strings.ToLower(name)
			c, ok := byName[key]
			if !ok {
				c = &ElixhauserCategory{Name: name}
				byName[key] = c
				byKey["name:"+key] = c
			}
			c.ICDCodes = appendUnique(c.ICDCodes, e.Code)
		}
	}

	out := ElixhauserSummary{Categories: make([]*ElixhauserCategory, 0, len(byKey))}
	for _, c := range byKey {
		sort.Strings(c.ICDCodes)
		out.Categories = append(out.Categories, c)
	}
	sort.Slice(out.Categories, func(i, j int) bool {
		ci, cj := out.Categories[i], out.Categories[j]
		if ci.Name != cj.Name {
			return ci.Name < cj.Name
		}
		return ci.Code < cj.Code
	})
	out.TotalCategories = len(out.Categories)
	return out
}

// HCC returns the first HCC row per ICD-10 code. Codes without a category
// are absent.
func (a *Aggregator) HCC(ctx context.Context, icd10 []string) (map[string]*HCCMapping, error) {
	out := make(map[string]*HCCMapping)
	rows, err := a.hcc.ListByCodes(ctx, icd10)
	if err != nil {
		return nil, fmt.Errorf("aggregate hcc: %w", err)
	}
	for _, m := range rows {
		if _, ok := out[m.ICD10Code]; !ok {
			out[m.ICD10Code] = m
		}
	}
	return out, nil
}

// splitRefs partitions refs by system, dropping duplicates. Unknown-system
// refs are ignored.
func splitRefs(refs []CodeRef) (icd10, icd9 []string) {
	seen := make(map[CodeRef]struct{}, len(refs))
	for _, r := range refs {
		r.Code = Canonicalize(r.Code)
		if r.Code == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		switch r.System {
		case ICD10:
			icd10 = append(icd10, r.Code)
		case ICD9:
			icd9 = append(icd9, r.Code)
		}
	}
	return icd10, icd9
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
