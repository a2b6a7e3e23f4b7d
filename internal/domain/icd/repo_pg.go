package icd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// tableSet names the reference tables of one system. Identifiers only ever
// come from tablesFor; caller input is always bound as a parameter.
type tableSet struct {
	catalog  string
	charlson string
	mapping  string
	source   string
	target   string
	// codeExpr compares catalog codes in canonical form. ICD-9 rows were
	// loaded with mixed punctuation.
	codeExpr string
}

func (t tableSet) codeOf(alias string) string {
	if t.codeExpr == "code" {
		return alias + ".code"
	}
	return "replace(" + alias + ".code, '.', '')"
}

func tablesFor(sys System) (tableSet, error) {
	switch sys {
	case ICD10:
		return tableSet{
			catalog:  "icd10_codes",
			charlson: "charlson_icd10",
			mapping:  "icd10_to_icd9_mapping",
			source:   "icd10_code",
			target:   "icd9_code",
			codeExpr: "code",
		}, nil
	case ICD9:
		return tableSet{
			catalog:  "icd9_codes",
			charlson: "charlson_icd9",
			mapping:  "icd9_to_icd10_mapping",
			source:   "icd9_code",
			target:   "icd10_code",
			codeExpr: "replace(code, '.', '')",
		}, nil
	}
	return tableSet{}, fmt.Errorf("unsupported system %q", sys)
}

// NewStorePG builds the reference store over a pgx pool.
func NewStorePG(pool *pgxpool.Pool) *Store {
	return &Store{
		Catalog:    NewCatalogRepoPG(pool),
		Mappings:   NewMappingRepoPG(pool),
		Charlson:   NewCharlsonRepoPG(pool),
		Elixhauser: NewElixhauserRepoPG(pool),
		HCC:        NewHCCRepoPG(pool),
	}
}

// =========== Catalog Repository ===========

type catalogRepoPG struct{ db queryable }

func NewCatalogRepoPG(pool *pgxpool.Pool) CatalogRepository { return &catalogRepoPG{db: pool} }

func (r *catalogRepoPG) GetCode(ctx context.Context, sys System, code string) (*Code, error) {
	t, err := tablesFor(sys)
	if err != nil {
		return nil, err
	}
	var c Code
	err = r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT code, COALESCE(description,'') FROM %s WHERE code = $1`, t.catalog), code).
		Scan(&c.Value, &c.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s code %s: %w", sys, code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s code get: %w", sys, err)
	}
	return finishCode(sys, &c), nil
}

func (r *catalogRepoPG) SearchPrefix(ctx context.Context, sys System, prefix string, limit int) ([]*Code, error) {
	t, err := tablesFor(sys)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DisplayFamilyLimit
	}
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT code, COALESCE(description,'') FROM %s
		 WHERE %s LIKE $1 || '%%'
		 ORDER BY %s LIMIT $2`, t.catalog, t.codeExpr, t.codeExpr), prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("%s prefix search: %w", sys, err)
	}
	return scanCodes(sys, rows)
}

func (r *catalogRepoPG) CountPrefix(ctx context.Context, sys System, prefix string) (int, error) {
	t, err := tablesFor(sys)
	if err != nil {
		return 0, err
	}
	var n int
	err = r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s LIKE $1 || '%%'`, t.catalog, t.codeExpr), prefix).
		Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%s prefix count: %w", sys, err)
	}
	return n, nil
}

func scanCodes(sys System, rows pgx.Rows) ([]*Code, error) {
	defer rows.Close()
	var results []*Code
	for rows.Next() {
		var c Code
		if err := rows.Scan(&c.Value, &c.Description); err != nil {
			return nil, err
		}
		results = append(results, finishCode(sys, &c))
	}
	return results, rows.Err()
}

func finishCode(sys System, c *Code) *Code {
	c.System = sys
	c.Value = Canonicalize(c.Value)
	c.Display = FormatCode(sys, c.Value)
	return c
}

// =========== Mapping Repository ===========

type mappingRepoPG struct{ db queryable }

func NewMappingRepoPG(pool *pgxpool.Pool) MappingRepository { return &mappingRepoPG{db: pool} }

func (r *mappingRepoPG) ListBySources(ctx context.Context, from System, codes []string) ([]*Mapping, error) {
	src, err := tablesFor(from)
	if err != nil {
		return nil, err
	}
	dst, err := tablesFor(from.Other())
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, nil
	}
	// LEFT JOIN keeps mapping rows whose target is missing from the catalog.
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT m.%[1]s, m.%[2]s, COALESCE(t.description,''),
		        COALESCE(m.approximate,false), COALESCE(m.no_map,false), COALESCE(m.combination,false),
		        COALESCE(m.scenario,0), COALESCE(m.choice_list,0)
		 FROM %[3]s m
		 LEFT JOIN %[4]s t ON %[5]s = m.%[2]s
		 WHERE m.%[1]s = ANY($1)
		 ORDER BY m.%[1]s, m.approximate, m.%[2]s`,
			src.source, src.target, src.mapping, dst.catalog, dst.codeOf("t")), codes)
	if err != nil {
		return nil, fmt.Errorf("%s mapping list: %w", from, err)
	}
	defer rows.Close()

	var results []*Mapping
	for rows.Next() {
		m := Mapping{SourceSystem: from, TargetSystem: from.Other()}
		if err := rows.Scan(&m.SourceCode, &m.TargetCode, &m.TargetDescription,
			&m.Approximate, &m.NoMap, &m.Combination, &m.Scenario, &m.ChoiceList); err != nil {
			return nil, err
		}
		m.TargetDisplay = FormatCode(m.TargetSystem, m.TargetCode)
		results = append(results, &m)
	}
	return results, rows.Err()
}

// =========== Charlson Repository ===========

type charlsonRepoPG struct{ db queryable }

func NewCharlsonRepoPG(pool *pgxpool.Pool) CharlsonRepository { return &charlsonRepoPG{db: pool} }

func (r *charlsonRepoPG) Match(ctx context.Context, sys System, codes []string) (map[string]*CharlsonMatch, error) {
	t, err := tablesFor(sys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*CharlsonMatch, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	// A verbatim entry is the longest possible prefix, so one ordering
	// covers both the exact and the family-root case.
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT ON (q.code) q.code, c.code, c.condition, c.score
		 FROM unnest($1::text[]) AS q(code)
		 JOIN %s c ON q.code LIKE replace(c.code, '.', '') || '%%'
		 ORDER BY q.code, length(replace(c.code, '.', '')) DESC, c.code`, t.charlson), codes)
	if err != nil {
		return nil, fmt.Errorf("%s charlson match: %w", sys, err)
	}
	defer rows.Close()
	for rows.Next() {
		m := CharlsonMatch{System: sys}
		if err := rows.Scan(&m.Code, &m.MatchedCode, &m.Condition, &m.Score); err != nil {
			return nil, err
		}
		m.MatchType = MatchPrefix
		if Canonicalize(m.MatchedCode) == m.Code {
			m.MatchType = MatchExact
		}
		out[m.Code] = &m
	}
	return out, rows.Err()
}

func (r *charlsonRepoPG) ListConditions(ctx context.Context, sys System) ([]*ConditionSummary, error) {
	t, err := tablesFor(sys)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT condition, score, (array_agg(code ORDER BY code))[1:3]
		 FROM %s
		 GROUP BY condition, score
		 ORDER BY score DESC, condition ASC`, t.charlson))
	if err != nil {
		return nil, fmt.Errorf("%s charlson conditions: %w", sys, err)
	}
	defer rows.Close()
	var results []*ConditionSummary
	for rows.Next() {
		c := ConditionSummary{System: sys}
		if err := rows.Scan(&c.Condition, &c.Score, &c.SampleCodes); err != nil {
			return nil, err
		}
		results = append(results, &c)
	}
	return results, rows.Err()
}

// =========== Elixhauser Repository ===========

type elixhauserRepoPG struct{ db queryable }

func NewElixhauserRepoPG(pool *pgxpool.Pool) ElixhauserRepository {
	return &elixhauserRepoPG{db: pool}
}

func (r *elixhauserRepoPG) ListICD10(ctx context.Context, codes []string) ([]*ElixhauserMapping, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT em.icd10_code, ec.code, ec.name, COALESCE(ec.description,'')
		 FROM elixhauser_mappings em
		 JOIN elixhauser_categories ec ON em.category_code = ec.code
		 WHERE em.icd10_code = ANY($1)
		 ORDER BY em.icd10_code, ec.name`, codes)
	if err != nil {
		return nil, fmt.Errorf("elixhauser icd10 list: %w", err)
	}
	defer rows.Close()
	var results []*ElixhauserMapping
	for rows.Next() {
		var m ElixhauserMapping
		if err := rows.Scan(&m.ICD10Code, &m.CategoryCode, &m.CategoryName, &m.CategoryDescription); err != nil {
			return nil, err
		}
		results = append(results, &m)
	}
	return results, rows.Err()
}

func (r *elixhauserRepoPG) ListICD9(ctx context.Context, codes []string) ([]*ICD9Elixhauser, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT replace(code, '.', ''), COALESCE(description,''), COALESCE(comorbidities, '{}')
		 FROM elixhauser_icd9
		 WHERE replace(code, '.', '') = ANY($1)
		 ORDER BY id`, codes)
	if err != nil {
		return nil, fmt.Errorf("elixhauser icd9 list: %w", err)
	}
	defer rows.Close()
	var results []*ICD9Elixhauser
	for rows.Next() {
		var e ICD9Elixhauser
		if err := rows.Scan(&e.Code, &e.Description, &e.Comorbidities); err != nil {
			return nil, err
		}
		results = append(results, &e)
	}
	return results, rows.Err()
}

// =========== HCC Repository ===========

type hccRepoPG struct{ db queryable }

func NewHCCRepoPG(pool *pgxpool.Pool) HCCRepository { return &hccRepoPG{db: pool} }

func (r *hccRepoPG) ListByCodes(ctx context.Context, codes []string) ([]*HCCMapping, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT icd10_code, COALESCE(description,''), COALESCE(hcc_category,''),
		        COALESCE(hcc_description,''), COALESCE(raf_score,0)::float8
		 FROM hcc_mappings
		 WHERE icd10_code = ANY($1)
		 ORDER BY icd10_code, id`, codes)
	if err != nil {
		return nil, fmt.Errorf("hcc list: %w", err)
	}
	defer rows.Close()
	var results []*HCCMapping
	for rows.Next() {
		var m HCCMapping
		if err := rows.Scan(&m.ICD10Code, &m.Description, &m.HCCCategory, &m.HCCDescription, &m.RAFScore); err != nil {
			return nil, err
		}
		results = append(results, &m)
	}
	return results, rows.Err()
}
