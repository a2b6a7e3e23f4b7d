package icd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// =========== Mock Repositories ===========

type mockCatalogRepo struct {
	// stored code -> entry; ICD-9 rows keep whatever punctuation they were
	// loaded with.
	store  map[System]map[string]*Code
	failOn map[string]bool
}

var _ CatalogRepository = (*mockCatalogRepo)(nil)

func newMockCatalogRepo() *mockCatalogRepo {
	m := &mockCatalogRepo{
		store: map[System]map[string]*Code{
			ICD10: {},
			ICD9:  {},
		},
		failOn: map[string]bool{},
	}
	add := func(sys System, code, desc string) {
		m.store[sys][code] = &Code{System: sys, Value: code, Description: desc}
	}
	add(ICD10, "E1010", "Type 1 diabetes mellitus with ketoacidosis without coma")
	add(ICD10, "E1011", "Type 1 diabetes mellitus with ketoacidosis with coma")
	add(ICD10, "E1021", "Type 1 diabetes mellitus with diabetic nephropathy")
	add(ICD10, "E109", "Type 1 diabetes mellitus without complications")
	add(ICD10, "E119", "Type 2 diabetes mellitus without complications")
	add(ICD10, "I10", "Essential (primary) hypertension")
	add(ICD10, "I509", "Heart failure, unspecified")
	add(ICD10, "I5020", "Unspecified systolic (congestive) heart failure")
	add(ICD10, "V1011XA", "Pedal cyclist injured in collision with pedestrian, initial encounter")

	add(ICD9, "250.00", "Diabetes mellitus without mention of complication, type II")
	add(ICD9, "25001", "Diabetes mellitus without mention of complication, type I")
	add(ICD9, "25011", "Diabetes with ketoacidosis, type I")
	add(ICD9, "4019", "")
	add(ICD9, "4280", "Congestive heart failure, unspecified")
	add(ICD9, "4289", "Heart failure, unspecified")
	add(ICD9, "42820", "Systolic heart failure, unspecified")
	add(ICD9, "V1011", "Personal history of malignant neoplasm of tongue")
	add(ICD9, "E880.0", "Accidental fall on or from escalator")
	return m
}

func (m *mockCatalogRepo) GetCode(_ context.Context, sys System, code string) (*Code, error) {
	if m.failOn[Canonicalize(code)] {
		return nil, fmt.Errorf("connection reset")
	}
	c, ok := m.store[sys][code]
	if !ok {
		return nil, fmt.Errorf("%s code %s: %w", sys, code, ErrNotFound)
	}
	return finishCode(sys, &Code{Value: c.Value, Description: c.Description}), nil
}

func (m *mockCatalogRepo) SearchPrefix(_ context.Context, sys System, prefix string, limit int) ([]*Code, error) {
	var results []*Code
	for _, c := range m.sorted(sys) {
		if strings.HasPrefix(c.Value, prefix) {
			results = append(results, c)
			if len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

func (m *mockCatalogRepo) CountPrefix(_ context.Context, sys System, prefix string) (int, error) {
	n := 0
	for _, c := range m.sorted(sys) {
		if strings.HasPrefix(c.Value, prefix) {
			n++
		}
	}
	return n, nil
}

// sorted returns fresh canonical copies ordered by code.
func (m *mockCatalogRepo) sorted(sys System) []*Code {
	var out []*Code
	for _, c := range m.store[sys] {
		out = append(out, finishCode(sys, &Code{Value: c.Value, Description: c.Description}))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

type mockMappingRepo struct {
	rows map[System][]*Mapping
}

func newMockMappingRepo() *mockMappingRepo {
	m := &mockMappingRepo{rows: map[System][]*Mapping{}}
	add := func(from System, src, dst string, approximate bool) *Mapping {
		row := &Mapping{
			SourceSystem:  from,
			SourceCode:    src,
			TargetSystem:  from.Other(),
			TargetCode:    dst,
			TargetDisplay: FormatCode(from.Other(), dst),
			Approximate:   approximate,
		}
		m.rows[from] = append(m.rows[from], row)
		return row
	}
	add(ICD10, "E1010", "25011", true)
	// Inserted out of order; the converter owns the final ordering.
	add(ICD10, "E1011", "25033", true)
	add(ICD10, "E1011", "25031", false)
	c := add(ICD10, "E1021", "58381", true)
	c.Combination, c.Scenario, c.ChoiceList = true, 1, 2
	c = add(ICD10, "E1021", "25041", true)
	c.Combination, c.Scenario, c.ChoiceList = true, 1, 1
	add(ICD10, "E109", "25001", false)
	add(ICD10, "I10", "4019", false)
	add(ICD10, "I509", "4289", false)
	add(ICD10, "I5020", "42820", false)

	add(ICD9, "4019", "I10", false)
	add(ICD9, "25011", "E1010", true)
	add(ICD9, "25001", "E109", true)
	add(ICD9, "4280", "I509", false)
	add(ICD9, "4289", "I509", false)
	add(ICD9, "42820", "I5020", false)
	return m
}

func (m *mockMappingRepo) ListBySources(_ context.Context, from System, codes []string) ([]*Mapping, error) {
	want := make(map[string]bool, len(codes))
	for _, c := range codes {
		want[c] = true
	}
	var results []*Mapping
	for _, row := range m.rows[from] {
		if want[row.SourceCode] {
			cp := *row
			results = append(results, &cp)
		}
	}
	return results, nil
}

type mockCharlsonRepo struct {
	entries map[System][]*CharlsonEntry
}

func newMockCharlsonRepo() *mockCharlsonRepo {
	m := &mockCharlsonRepo{entries: map[System][]*CharlsonEntry{}}
	add := func(sys System, code, condition string, score int) {
		m.entries[sys] = append(m.entries[sys], &CharlsonEntry{System: sys, Code: code, Condition: condition, Score: score})
	}
	add(ICD10, "E10", "Diabetes with complications", 1)
	add(ICD10, "E101", "Diabetes with complications", 2)
	add(ICD10, "E109", "Diabetes without complications", 1)
	add(ICD10, "I50", "Congestive heart failure", 1)

	add(ICD9, "2500", "Diabetes without complications", 1)
	add(ICD9, "2501", "Diabetes with complications", 2)
	add(ICD9, "428", "Congestive heart failure", 1)
	add(ICD9, "V43.4", "Peripheral vascular disease", 1)
	return m
}

func (m *mockCharlsonRepo) Match(_ context.Context, sys System, codes []string) (map[string]*CharlsonMatch, error) {
	out := make(map[string]*CharlsonMatch)
	for _, code := range codes {
		var best *CharlsonEntry
		for _, e := range m.entries[sys] {
			root := Canonicalize(e.Code)
			if !strings.HasPrefix(code, root) {
				continue
			}
			if best == nil || len(root) > len(Canonicalize(best.Code)) {
				best = e
			}
		}
		if best == nil {
			continue
		}
		match := &CharlsonMatch{
			Code:        code,
			System:      sys,
			MatchedCode: best.Code,
			Condition:   best.Condition,
			Score:       best.Score,
			MatchType:   MatchPrefix,
		}
		if Canonicalize(best.Code) == code {
			match.MatchType = MatchExact
		}
		out[code] = match
	}
	return out, nil
}

func (m *mockCharlsonRepo) ListConditions(_ context.Context, sys System) ([]*ConditionSummary, error) {
	type key struct {
		condition string
		score     int
	}
	groups := map[key]*ConditionSummary{}
	for _, e := range m.entries[sys] {
		k := key{e.Condition, e.Score}
		g, ok := groups[k]
		if !ok {
			g = &ConditionSummary{System: sys, Condition: e.Condition, Score: e.Score}
			groups[k] = g
		}
		g.SampleCodes = append(g.SampleCodes, e.Code)
	}
	var out []*ConditionSummary
	for _, g := range groups {
		sort.Strings(g.SampleCodes)
		if len(g.SampleCodes) > 3 {
			g.SampleCodes = g.SampleCodes[:3]
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Condition < out[j].Condition
	})
	return out, nil
}

type mockElixhauserRepo struct {
	icd10 []*ElixhauserMapping
	icd9  []*ICD9Elixhauser
}

func newMockElixhauserRepo() *mockElixhauserRepo {
	cat := map[string][2]string{
		"DIAB_CX":   {"Diabetes, complicated", "Diabetes with chronic complications"},
		"DIAB_UNCX": {"Diabetes, uncomplicated", "Diabetes without chronic complications"},
		"CHF":       {"Congestive heart failure", "Heart failure"},
		"HTN_UNCX":  {"Hypertension, uncomplicated", "Hypertension without complications"},
		"RENLFL":    {"Renal failure", "Chronic kidney disease"},
	}
	m := &mockElixhauserRepo{}
	add := func(code, category string) {
		c := cat[category]
		m.icd10 = append(m.icd10, &ElixhauserMapping{ICD10Code: code, CategoryCode: category, CategoryName: c[0], CategoryDescription: c[1]})
	}
	add("E1010", "DIAB_CX")
	add("E1021", "DIAB_CX")
	add("E1021", "RENLFL")
	add("E109", "DIAB_UNCX")
	add("I509", "CHF")
	add("I10", "HTN_UNCX")

	m.icd9 = []*ICD9Elixhauser{
		{Code: "25011", Description: "Diabetes with ketoacidosis", Comorbidities: []string{"Diabetes, complicated"}},
		{Code: "4280", Description: "Congestive heart failure", Comorbidities: []string{"Congestive heart failure"}},
		{Code: "4019", Comorbidities: []string{"Hypertension, uncomplicated"}},
		{Code: "29181", Description: "Alcohol withdrawal", Comorbidities: []string{"Alcohol abuse", " "}},
	}
	return m
}

func (m *mockElixhauserRepo) ListICD10(_ context.Context, codes []string) ([]*ElixhauserMapping, error) {
	want := toSet(codes)
	var out []*ElixhauserMapping
	for _, r := range m.icd10 {
		if want[r.ICD10Code] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockElixhauserRepo) ListICD9(_ context.Context, codes []string) ([]*ICD9Elixhauser, error) {
	want := toSet(codes)
	var out []*ICD9Elixhauser
	for _, r := range m.icd9 {
		if want[r.Code] {
			out = append(out, r)
		}
	}
	return out, nil
}

type mockHCCRepo struct {
	rows []*HCCMapping
}

func newMockHCCRepo() *mockHCCRepo {
	return &mockHCCRepo{rows: []*HCCMapping{
		{ICD10Code: "E1010", HCCCategory: "HCC17", HCCDescription: "Diabetes with Acute Complications", RAFScore: 0.302},
		{ICD10Code: "E1010", HCCCategory: "HCC18", HCCDescription: "Diabetes with Chronic Complications", RAFScore: 0.302},
		{ICD10Code: "E1021", HCCCategory: "HCC18", HCCDescription: "Diabetes with Chronic Complications", RAFScore: 0.302},
		{ICD10Code: "I509", HCCCategory: "HCC85", HCCDescription: "Congestive Heart Failure", RAFScore: 0.331},
	}}
}

func (m *mockHCCRepo) ListByCodes(_ context.Context, codes []string) ([]*HCCMapping, error) {
	want := toSet(codes)
	var out []*HCCMapping
	for _, r := range m.rows {
		if want[r.ICD10Code] {
			out = append(out, r)
		}
	}
	return out, nil
}

func toSet(codes []string) map[string]bool {
	out := make(map[string]bool, len(codes))
	for _, c := range codes {
		out[c] = true
	}
	return out
}

type mockCache struct {
	mu    sync.Mutex
	store map[string][]byte
	hits  int
}

func newMockCache() *mockCache {
	return &mockCache{store: map[string][]byte{}}
}

func (m *mockCache) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.store[key]
	if !ok {
		return false, nil
	}
	m.hits++
	return true, json.Unmarshal(b, dst)
}

func (m *mockCache) Set(_ context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.store[key] = b
	m.mu.Unlock()
	return nil
}

type testStore struct {
	*Store
	catalog *mockCatalogRepo
}

func newTestStore() *testStore {
	catalog := newMockCatalogRepo()
	return &testStore{
		Store: &Store{
			Catalog:    catalog,
			Mappings:   newMockMappingRepo(),
			Charlson:   newMockCharlsonRepo(),
			Elixhauser: newMockElixhauserRepo(),
			HCC:        newMockHCCRepo(),
		},
		catalog: catalog,
	}
}

func newTestService() *Service {
	return NewService(newTestStore().Store, nil, zerolog.Nop())
}
