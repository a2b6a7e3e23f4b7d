package icd

import (
	"context"
	"fmt"
	"sort"
)

// ConversionResult holds every mapping row for a resolved code or family.
type ConversionResult struct {
	Status            Status         `json:"status"`
	Input             string         `json:"input"`
	SourceCode        string         `json:"sourceCode"`
	SourceDisplay     string         `json:"sourceDisplay"`
	SourceDescription string         `json:"sourceDescription,omitempty"`
	SourceSystem      System         `json:"sourceSystem"`
	TargetSystem      System         `json:"targetSystem"`
	IsFamily          bool           `json:"isFamily"`
	Conversions       []*Mapping     `json:"conversions"`
	TotalCount        int            `json:"totalCount"`
	Family            *FamilySummary `json:"family,omitempty"`
}

// FamilySummary condenses a family conversion into the 3-character target
// families it lands in.
type FamilySummary struct {
	SourceFamilyCount   int      `json:"sourceFamilyCount"`
	TargetFamilies      []string `json:"targetFamilies"`
	TargetFamiliesCount int      `json:"targetFamiliesCount"`
}

// TargetCodes returns the distinct target codes in conversion order,
// leaving out no-map placeholders.
func (c *ConversionResult) TargetCodes() []string {
	seen := make(map[string]struct{}, len(c.Conversions))
	var out []string
	for _, m := range c.Conversions {
		if m.NoMap {
			continue
		}
		if _, ok := seen[m.TargetCode]; ok {
			continue
		}
		seen[m.TargetCode] = struct{}{}
		out = append(out, m.TargetCode)
	}
	return out
}

// Converter cross-walks resolved codes through the GEM tables.
type Converter struct {
	mappings MappingRepository
}

// NewConverter creates a converter.
func NewConverter(mappings MappingRepository) *Converter {
	return &Converter{mappings: mappings}
}

// Convert maps res into the other system. res must be an exact or family
// resolution.
func (c *Converter) Convert(ctx context.Context, res *Resolution) (*ConversionResult, error) {
	out := &ConversionResult{
		Input:             res.Input,
		SourceCode:        res.Code,
		SourceDisplay:     res.Display,
		SourceDescription: res.Description,
		SourceSystem:      res.System,
		TargetSystem:      res.System.Other(),
		IsFamily:          res.IsFamily,
		Conversions:       []*Mapping{},
	}
	if !res.Found() {
		out.Status = res.Status
		return out, nil
	}

	sources := res.Codes()
	rows, err := c.mappings.ListBySources(ctx, res.System, sources)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", res.Code, err)
	}

	bySource := make(map[string][]*Mapping, len(sources))
	for _, m := range rows {
		bySource[m.SourceCode] = append(bySource[m.SourceCode], m)
	}
	for _, src := range sources {
		group := bySource[src]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Approximate != group[j].Approximate {
				return !group[i].Approximate
			}
			return group[i].TargetCode < group[j].TargetCode
		})
		out.Conversions = append(out.Conversions, group...)
	}
	out.TotalCount = len(out.Conversions)

	if res.IsFamily {
		out.Family = summarizeFamily(len(sources), out.Conversions)
	}
	if out.TotalCount == 0 {
		out.Status = StatusNoConversionFound
	} else {
		out.Status = StatusConverted
	}
	return out, nil
}

func summarizeFamily(sourceCount int, conversions []*Mapping) *FamilySummary {
	seen := make(map[string]struct{})
	families := []string{}
	for _, m := range conversions {
		if m.NoMap || len(m.TargetCode) < 3 {
			continue
		}
		f := m.TargetCode[:3]
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		families = append(families, f)
	}
	sort.Strings(families)
	return &FamilySummary{
		SourceFamilyCount:   sourceCount,
		TargetFamilies:      families,
		TargetFamiliesCount: len(families),
	}
}
