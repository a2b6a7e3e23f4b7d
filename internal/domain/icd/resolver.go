package icd

import (
	"context"
	"errors"
	"fmt"
)

// Resolution is the outcome of resolving one code. Status is exact, family,
// not_found, or invalid_code_format.
type Resolution struct {
	Status      Status `json:"status"`
	Input       string `json:"input"`
	Code        string `json:"code"`
	Display     string `json:"display"`
	System      System `json:"system"`
	SystemLabel string `json:"systemLabel"`
	Description string `json:"description,omitempty"`
	IsFamily    bool   `json:"isFamily"`
	// FamilyIntent is true when the caller asked for the whole family.
	FamilyIntent bool    `json:"familyIntent,omitempty"`
	Members      []*Code `json:"members,omitempty"`
	// TotalCount is the uncapped family size.
	TotalCount int `json:"totalCount,omitempty"`
	// Source is "catalog" or "charlson".
	Source string `json:"source,omitempty"`
	// Ambiguous is set in auto mode when the code also resolves in the
	// system the detector preferred.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// Found reports whether the resolution matched anything.
func (r *Resolution) Found() bool {
	return r.Status == StatusExact || r.Status == StatusFamily
}

// Codes returns the canonical codes the resolution stands for.
func (r *Resolution) Codes() []string {
	switch r.Status {
	case StatusExact:
		return []string{r.Code}
	case StatusFamily:
		out := make([]string, 0, len(r.Members))
		for _, m := range r.Members {
			out = append(out, m.Value)
		}
		return out
	}
	return nil
}

// Refs returns the resolved codes tagged with their system.
func (r *Resolution) Refs() []CodeRef {
	codes := r.Codes()
	out := make([]CodeRef, 0, len(codes))
	for _, c := range codes {
		out = append(out, CodeRef{System: r.System, Code: c})
	}
	return out
}

// Resolver finds exact or family matches in the reference catalog.
type Resolver struct {
	catalog  CatalogRepository
	charlson CharlsonRepository
}

// NewResolver creates a resolver.
func NewResolver(catalog CatalogRepository, charlson CharlsonRepository) *Resolver {
	return &Resolver{catalog: catalog, charlson: charlson}
}

// Resolve resolves a normalized code. When n carries no caller hint ICD-10
// is tried before ICD-9. limit caps family members.
func (r *Resolver) Resolve(ctx context.Context, n Normalized, limit int) (*Resolution, error) {
	if !n.Hinted {
		return r.resolveAuto(ctx, n, limit)
	}
	return r.resolveIn(ctx, n.System, n, limit)
}

func (r *Resolver) resolveAuto(ctx context.Context, n Normalized, limit int) (*Resolution, error) {
	order := []System{ICD10, ICD9}
	if c := n.Canonical[0]; c >= '0' && c <= '9' {
		// ICD-10 codes always start with a letter.
		order = []System{ICD9}
	}
	for _, sys := range order {
		res, err := r.resolveIn(ctx, sys, n, limit)
		if err != nil {
			return nil, err
		}
		if !res.Found() {
			continue
		}
		if sys == ICD10 && n.System == ICD9 {
			alt, err := r.resolveIn(ctx, ICD9, n, limit)
			if err != nil {
				return nil, err
			}
			res.Ambiguous = alt.Found()
		}
		return res, nil
	}
	return notFound(n, n.System), nil
}

func (r *Resolver) resolveIn(ctx context.Context, sys System, n Normalized, limit int) (*Resolution, error) {
	if !n.FamilyIntent {
		res, err := r.exact(ctx, sys, n)
		if err != nil || res != nil {
			return res, err
		}
	}
	return r.family(ctx, sys, n, limit)
}

// exact returns nil, nil on a miss.
func (r *Resolver) exact(ctx context.Context, sys System, n Normalized) (*Resolution, error) {
	candidates := []string{n.Canonical}
	if sys == ICD9 {
		if dotted := FormatCode(ICD9, n.Canonical); dotted != n.Canonical {
			candidates = append(candidates, dotted)
		}
	}
	for _, cand := range candidates {
		c, err := r.catalog.GetCode(ctx, sys, cand)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", n.Canonical, err)
		}
		return &Resolution{
			Status:      StatusExact,
			Input:       n.Input,
			Code:        c.Value,
			Display:     c.Display,
			System:      sys,
			SystemLabel: sys.Label(),
			Description: describe(sys, c.Description),
			Source:      "catalog",
		}, nil
	}

	if sys != ICD9 || r.charlson == nil {
		return nil, nil
	}
	// Some ICD-9 roots are only listed in the Charlson table.
	matches, err := r.charlson.Match(ctx, ICD9, []string{n.Canonical})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", n.Canonical, err)
	}
	m, ok := matches[n.Canonical]
	if !ok || m.MatchType != MatchExact {
		return nil, nil
	}
	return &Resolution{
		Status:      StatusExact,
		Input:       n.Input,
		Code:        n.Canonical,
		Display:     FormatCode(ICD9, n.Canonical),
		System:      ICD9,
		SystemLabel: ICD9.Label(),
		Description: m.Condition + " (Charlson condition)",
		Source:      "charlson",
	}, nil
}

func (r *Resolver) family(ctx context.Context, sys System, n Normalized, limit int) (*Resolution, error) {
	if limit <= 0 {
		limit = DisplayFamilyLimit
	}
	members, err := r.catalog.SearchPrefix(ctx, sys, n.Canonical, limit)
	if err != nil {
		return nil, fmt.Errorf("resolve family %s: %w", n.Canonical, err)
	}
	if len(members) == 0 {
		return notFound(n, sys), nil
	}
	total := len(members)
	if total >= limit {
		if total, err = r.catalog.CountPrefix(ctx, sys, n.Canonical); err != nil {
			return nil, fmt.Errorf("resolve family %s: %w", n.Canonical, err)
		}
	}
	for _, m := range members {
		if m.Description == "" && sys == ICD9 {
			m.Description = describe(ICD9, "")
		}
	}
	desc := fmt.Sprintf("Family code %s - %d codes found", FormatCode(sys, n.Canonical), total)
	return &Resolution{
		Status:       StatusFamily,
		Input:        n.Input,
		Code:         n.Canonical,
		Display:      FormatCode(sys, n.Canonical),
		System:       sys,
		SystemLabel:  sys.Label(),
		Description:  desc,
		IsFamily:     true,
		FamilyIntent: n.FamilyIntent,
		Members:      members,
		TotalCount:   total,
		Source:       "catalog",
	}, nil
}

func notFound(n Normalized, sys System) *Resolution {
	return &Resolution{
		Status:       StatusNotFound,
		Input:        n.Input,
		Code:         n.Canonical,
		Display:      FormatCode(sys, n.Canonical),
		System:       sys,
		SystemLabel:  sys.Label(),
		FamilyIntent: n.FamilyIntent,
	}
}

func describe(sys System, d string) string {
	if d == "" && sys == ICD9 {
		return "No description available"
	}
	return d
}
