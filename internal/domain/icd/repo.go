package icd

import (
	"context"
	"errors"
)

// ErrNotFound is returned by repositories when a single-row lookup matches
// nothing.
var ErrNotFound = errors.New("not found")

// CatalogRepository provides access to the ICD-10 and ICD-9 code catalogs.
type CatalogRepository interface {
	GetCode(ctx context.Context, sys System, code string) (*Code, error)
	SearchPrefix(ctx context.Context, sys System, prefix string, limit int) ([]*Code, error)
	CountPrefix(ctx context.Context, sys System, prefix string) (int, error)
}

// MappingRepository provides access to the GEM cross-walk tables.
type MappingRepository interface {
	// ListBySources returns every mapping row whose source is one of codes,
	// ordered by source code, approximate, target code.
	ListBySources(ctx context.Context, from System, codes []string) ([]*Mapping, error)
}

// CharlsonRepository provides access to the per-system Charlson tables.
type CharlsonRepository interface {
	// Match returns, per input code, the entry listed verbatim or else the
	// entry with the longest code that prefixes it. Codes with no match are
	// absent from the map.
	Match(ctx context.Context, sys System, codes []string) (map[string]*CharlsonMatch, error)
	ListConditions(ctx context.Context, sys System) ([]*ConditionSummary, error)
}

// ElixhauserRepository provides access to both Elixhauser layouts.
type ElixhauserRepository interface {
	ListICD10(ctx context.Context, codes []string) ([]*ElixhauserMapping, error)
	ListICD9(ctx context.Context, codes []string) ([]*ICD9Elixhauser, error)
}

// HCCRepository provides access to HCC mappings.
type HCCRepository interface {
	// ListByCodes returns mapping rows by code in insertion order; the first
	// row for a code wins.
	ListByCodes(ctx context.Context, codes []string) ([]*HCCMapping, error)
}

// Store bundles the read-only reference repositories.
type Store struct {
	Catalog    CatalogRepository
	Mappings   MappingRepository
	Charlson   CharlsonRepository
	Elixhauser ElixhauserRepository
	HCC        HCCRepository
}
