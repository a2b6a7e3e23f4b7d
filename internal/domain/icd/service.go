package icd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Cache stores JSON-encodable results by key. Get reports a miss with
// false and a nil error.
type Cache interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, v interface{}) error
}

// batchConcurrency bounds the per-code fan-out of ProcessBatch.
const batchConcurrency = 8

// Service runs the normalize, resolve, convert and aggregate pipeline.
type Service struct {
	resolver   *Resolver
	converter  *Converter
	aggregator *Aggregator
	cache      Cache
	log        zerolog.Logger
}

// NewService creates a new pipeline service. cache may be nil.
func NewService(store *Store, cache Cache, log zerolog.Logger) *Service {
	return &Service{
		resolver:   NewResolver(store.Catalog, store.Charlson),
		converter:  NewConverter(store.Mappings),
		aggregator: NewAggregator(store.Charlson, store.Elixhauser, store.HCC),
		cache:      cache,
		log:        log,
	}
}

// -- Resolve --

// Resolve normalizes raw and resolves it to an exact code or a family.
// Malformed input yields an invalid_code_format resolution.
func (s *Service) Resolve(ctx context.Context, raw, system string, limit int) (*Resolution, error) {
	n, err := Normalize(raw, system)
	if errors.Is(err, ErrInvalidCodeFormat) {
		return invalidResolution(raw), nil
	}
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, n, clampLimit(limit, DisplayFamilyLimit))
}

// ResolveFamily lists the codes sharing prefix, skipping exact lookup.
func (s *Service) ResolveFamily(ctx context.Context, prefix, system string, limit int) (*Resolution, error) {
	n, err := Normalize(prefix, system)
	if errors.Is(err, ErrInvalidCodeFormat) {
		return invalidResolution(prefix), nil
	}
	if err != nil {
		return nil, err
	}
	n.FamilyIntent = true
	return s.resolve(ctx, n, clampLimit(limit, DisplayFamilyLimit))
}

func (s *Service) resolve(ctx context.Context, n Normalized, limit int) (*Resolution, error) {
	key := fmt.Sprintf("resolve:%s:%t:%s:%t:%d", n.System, n.Hinted, n.Canonical, n.FamilyIntent, limit)
	var cached Resolution
	if s.cacheGet(ctx, key, &cached) {
		cached.Input = n.Input
		return &cached, nil
	}
	res, err := s.resolver.Resolve(ctx, n, limit)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, res)
	return res, nil
}

// -- Convert --

// Convert resolves raw in the from system and maps it into to. An empty to
// means the other system.
func (s *Service) Convert(ctx context.Context, raw, from, to string) (*ConversionResult, error) {
	target, ok := ParseSystem(to)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedSystem, to)
	}
	n, err := Normalize(raw, from)
	if errors.Is(err, ErrInvalidCodeFormat) {
		return &ConversionResult{Status: StatusInvalidCodeFormat, Input: raw, Conversions: []*Mapping{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if n.Hinted && target != Unknown && target == n.System {
		return nil, fmt.Errorf("%w: source and target are both %s", ErrUnsupportedSystem, target)
	}

	res, err := s.resolve(ctx, n, ConversionFamilyLimit)
	if err != nil {
		return nil, err
	}
	if target != Unknown && res.Found() && target != res.System.Other() {
		// Auto detection landed in the requested target system.
		return nil, fmt.Errorf("%w: %s resolved as %s", ErrUnsupportedSystem, raw, res.System)
	}
	return s.convert(ctx, res)
}

func (s *Service) convert(ctx context.Context, res *Resolution) (*ConversionResult, error) {
	if !res.Found() {
		return s.converter.Convert(ctx, res)
	}
	key := fmt.Sprintf("convert:%s:%s:%t:%d", res.System, res.Code, res.IsFamily, len(res.Members))
	var cached ConversionResult
	if s.cacheGet(ctx, key, &cached) {
		cached.Input = res.Input
		return &cached, nil
	}
	conv, err := s.converter.Convert(ctx, res)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, conv)
	return conv, nil
}

// -- Comorbidities --

// CodeInput is a raw code with an optional system hint.
type CodeInput struct {
	Code   string `json:"code"`
	System string `json:"system,omitempty"`
}

// Aggregate resolves every input and computes comorbidities over the union
// of resolved codes. Inputs that fail to resolve are listed in Unresolved;
// inputs whose lookup errors are logged, listed in Failed and skipped.
func (s *Service) Aggregate(ctx context.Context, inputs []CodeInput) (*Comorbidity, error) {
	var refs []CodeRef
	var unresolved, failed []string
	for _, in := range inputs {
		n, err := Normalize(in.Code, in.System)
		if errors.Is(err, ErrInvalidCodeFormat) {
			unresolved = append(unresolved, in.Code)
			continue
		}
		if err != nil {
			return nil, err
		}
		res, err := s.resolve(ctx, n, ConversionFamilyLimit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn().Err(err).Str("code", in.Code).Msg("aggregate code failed")
			failed = append(failed, in.Code)
			continue
		}
		if !res.Found() {
			unresolved = append(unresolved, in.Code)
			continue
		}
		refs = append(refs, res.Refs()...)
	}
	out, err := s.aggregator.Aggregate(ctx, refs)
	if err != nil {
		return nil, err
	}
	out.Unresolved = unresolved
	out.Failed = failed
	return out, nil
}

// CodeDetail is a single-code comorbidity lookup. Only the index that was
// asked for is populated.
type CodeDetail struct {
	Status     Status                `json:"status"`
	Input      string                `json:"input"`
	Code       string                `json:"code"`
	Display    string                `json:"display"`
	System     System                `json:"system"`
	Charlson   *CharlsonMatch        `json:"charlson,omitempty"`
	Elixhauser []*ElixhauserCategory `json:"elixhauser,omitempty"`
	HCC        *HCCMapping           `json:"hcc"`
}

// Found reports whether the index had an entry for the code.
func (d *CodeDetail) Found() bool { return d.Status == StatusExact }

func (s *Service) detail(raw, system string) (*CodeDetail, bool, error) {
	n, err := Normalize(raw, system)
	if errors.Is(err, ErrInvalidCodeFormat) {
		return &CodeDetail{Status: StatusInvalidCodeFormat, Input: raw}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &CodeDetail{
		Status:  StatusNotFound,
		Input:   raw,
		Code:    n.Canonical,
		Display: FormatCode(n.System, n.Canonical),
		System:  n.System,
	}, true, nil
}

// CharlsonDetail returns the Charlson entry that applies to one code,
// either verbatim or through its longest listed prefix.
func (s *Service) CharlsonDetail(ctx context.Context, raw, system string) (*CodeDetail, error) {
	d, ok, err := s.detail(raw, system)
	if !ok {
		return d, err
	}
	matches, err := s.aggregator.charlson.Match(ctx, d.System, []string{d.Code})
	if err != nil {
		return nil, fmt.Errorf("charlson detail: %w", err)
	}
	if m, found := matches[d.Code]; found {
		d.Status = StatusExact
		d.Charlson = m
	}
	return d, nil
}

// ElixhauserDetail returns the Elixhauser categories of one code.
func (s *Service) ElixhauserDetail(ctx context.Context, raw, system string) (*CodeDetail, error) {
	d, ok, err := s.detail(raw, system)
	if !ok {
		return d, err
	}
	var icd10, icd9 []string
	if d.System == ICD9 {
		icd9 = []string{d.Code}
	} else {
		icd10 = []string{d.Code}
	}
	sum, err := s.aggregator.Elixhauser(ctx, icd10, icd9)
	if err != nil {
		return nil, err
	}
	if sum.TotalCategories > 0 {
		d.Status = StatusExact
		d.Elixhauser = sum.Categories
	}
	return d, nil
}

// HCCDetail returns the HCC category of one ICD-10 code. HCC is nil when
// the code has none.
func (s *Service) HCCDetail(ctx context.Context, raw string) (*CodeDetail, error) {
	d, ok, err := s.detail(raw, string(ICD10))
	if !ok {
		return d, err
	}
	hcc, err := s.aggregator.HCC(ctx, []string{d.Code})
	if err != nil {
		return nil, err
	}
	if m, found := hcc[d.Code]; found {
		d.Status = StatusExact
		d.HCC = m
	}
	return d, nil
}

// ConditionCatalog lists the distinct Charlson conditions of both systems.
type ConditionCatalog struct {
	ICD10 []*ConditionSummary `json:"icd10"`
	ICD9  []*ConditionSummary `json:"icd9"`
}

// CharlsonConditions returns the Charlson condition catalog.
func (s *Service) CharlsonConditions(ctx context.Context) (*ConditionCatalog, error) {
	var out ConditionCatalog
	if !s.cacheGet(ctx, "charlson:conditions", &out) {
		icd10, err := s.aggregator.charlson.ListConditions(ctx, ICD10)
		if err != nil {
			return nil, err
		}
		icd9, err := s.aggregator.charlson.ListConditions(ctx, ICD9)
		if err != nil {
			return nil, err
		}
		out = ConditionCatalog{ICD10: icd10, ICD9: icd9}
		s.cacheSet(ctx, "charlson:conditions", out)
	}
	if out.ICD10 == nil {
		out.ICD10 = []*ConditionSummary{}
	}
	if out.ICD9 == nil {
		out.ICD9 = []*ConditionSummary{}
	}
	return &out, nil
}

// -- Annotate --

// Annotation is the full pipeline output for one code.
type Annotation struct {
	Resolution  *Resolution       `json:"resolution"`
	Conversion  *ConversionResult `json:"conversion,omitempty"`
	Comorbidity *Comorbidity      `json:"comorbidity,omitempty"`
}

// Annotate resolves, converts and scores a single code.
func (s *Service) Annotate(ctx context.Context, raw, system string) (*Annotation, error) {
	n, err := Normalize(raw, system)
	if errors.Is(err, ErrInvalidCodeFormat) {
		return &Annotation{Resolution: invalidResolution(raw)}, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := s.resolve(ctx, n, ConversionFamilyLimit)
	if err != nil {
		return nil, err
	}
	out := &Annotation{Resolution: res}
	if !res.Found() {
		return out, nil
	}
	if out.Conversion, err = s.convert(ctx, res); err != nil {
		return nil, err
	}
	if out.Comorbidity, err = s.aggregator.Aggregate(ctx, res.Refs()); err != nil {
		return nil, err
	}
	return out, nil
}

// -- Batch --

// StatusError marks a batch code whose lookup failed on infrastructure.
const StatusError Status = "error"

// CodeReport is the per-code outcome of batch processing.
type CodeReport struct {
	Input          string           `json:"input"`
	Status         Status           `json:"status"`
	Code           string           `json:"code,omitempty"`
	Display        string           `json:"display,omitempty"`
	System         System           `json:"system,omitempty"`
	Description    string           `json:"description,omitempty"`
	IsFamily       bool             `json:"isFamily,omitempty"`
	FamilySize     int              `json:"familySize,omitempty"`
	Conversions    []*Mapping       `json:"conversions,omitempty"`
	TargetFamilies []string         `json:"targetFamilies,omitempty"`
	Charlson       *CharlsonSummary `json:"charlson,omitempty"`
	// Elixhauser and HCC cover the code and its conversion targets.
	Elixhauser *ElixhauserSummary     `json:"elixhauser,omitempty"`
	HCC        map[string]*HCCMapping `json:"hcc,omitempty"`
	Error      string                 `json:"error,omitempty"`

	// resolved and target codes feed the batch-wide aggregate.
	refs []CodeRef
}

// Converted reports whether the code produced at least one mapping.
func (r *CodeReport) Converted() bool { return r.Status == StatusConverted }

// Refs returns the resolved and converted codes behind the report.
func (r *CodeReport) Refs() []CodeRef { return r.refs }

// ProcessCode runs one raw code through the whole pipeline. Domain outcomes
// are reported in Status; the error is reserved for infrastructure failure.
func (s *Service) ProcessCode(ctx context.Context, raw, system string) (*CodeReport, error) {
	rep := &CodeReport{Input: raw}
	n, err := Normalize(raw, system)
	if errors.Is(err, ErrInvalidCodeFormat) {
		rep.Status = StatusInvalidCodeFormat
		return rep, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := s.resolve(ctx, n, ConversionFamilyLimit)
	if err != nil {
		return nil, err
	}
	rep.Code, rep.Display, rep.System = res.Code, res.Display, res.System
	rep.Description, rep.IsFamily = res.Description, res.IsFamily
	if !res.Found() {
		rep.Status = res.Status
		return rep, nil
	}
	rep.FamilySize = res.TotalCount
	rep.refs = res.Refs()

	conv, err := s.convert(ctx, res)
	if err != nil {
		return nil, err
	}
	rep.Status = conv.Status
	rep.Conversions = conv.Conversions
	if conv.Family != nil {
		rep.TargetFamilies = conv.Family.TargetFamilies
	}
	for _, t := range conv.TargetCodes() {
		rep.refs = append(rep.refs, CodeRef{System: conv.TargetSystem, Code: t})
	}

	icd10, icd9 := splitRefs(rep.refs)
	scores, err := s.aggregator.Charlson(ctx, icd10, icd9)
	if err != nil {
		return nil, err
	}
	rep.Charlson = &scores
	elix, err := s.aggregator.Elixhauser(ctx, icd10, icd9)
	if err != nil {
		return nil, err
	}
	rep.Elixhauser = &elix
	if rep.HCC, err = s.aggregator.HCC(ctx, icd10); err != nil {
		return nil, err
	}
	return rep, nil
}

// BatchSummary counts batch outcomes.
type BatchSummary struct {
	TotalInputCodes       int `json:"totalInputCodes"`
	SuccessfulConversions int `json:"successfulConversions"`
	FailedConversions     int `json:"failedConversions"`
}

// BatchResult is the synchronous batch response.
type BatchResult struct {
	Results    []*CodeReport          `json:"results"`
	AllICD10   []string               `json:"allIcd10Codes"`
	AllICD9    []string               `json:"allIcd9Codes"`
	Charlson   CharlsonSummary        `json:"charlson"`
	Elixhauser ElixhauserSummary      `json:"elixhauser"`
	HCC        map[string]*HCCMapping `json:"hcc"`
	Summary    BatchSummary           `json:"summary"`
}

// ProcessBatch processes codes independently and aggregates Charlson,
// Elixhauser and HCC over every resolved and converted code. A failing code is
// reported with StatusError and does not stop the others.
func (s *Service) ProcessBatch(ctx context.Context, codes []string, system string) (*BatchResult, error) {
	if _, ok := ParseSystem(system); !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedSystem, system)
	}
	reports := make([]*CodeReport, len(codes))

	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, raw := range codes {
		i, raw := i, raw
		g.Go(func() error {
			rep, err := s.ProcessCode(ctx, raw, system)
			if err != nil {
				s.log.Warn().Err(err).Str("code", raw).Msg("batch code failed")
				rep = &CodeReport{Input: raw, Status: StatusError, Error: err.Error()}
			}
			reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &BatchResult{Results: reports, AllICD10: []string{}, AllICD9: []string{}}
	var refs []CodeRef
	for _, rep := range reports {
		refs = append(refs, rep.refs...)
		if rep.Converted() {
			out.Summary.SuccessfulConversions++
		} else {
			out.Summary.FailedConversions++
		}
	}
	out.Summary.TotalInputCodes = len(codes)

	icd10, icd9 := splitRefs(refs)
	out.AllICD10 = append(out.AllICD10, icd10...)
	out.AllICD9 = append(out.AllICD9, icd9...)

	var err error
	if out.Charlson, err = s.aggregator.Charlson(ctx, icd10, icd9); err != nil {
		return nil, err
	}
	if out.Elixhauser, err = s.aggregator.Elixhauser(ctx, icd10, icd9); err != nil {
		return nil, err
	}
	if out.HCC, err = s.aggregator.HCC(ctx, icd10); err != nil {
		return nil, err
	}
	return out, nil
}

// -- helpers --

func (s *Service) cacheGet(ctx context.Context, key string, dst interface{}) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.Get(ctx, key, dst)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache get failed")
		return false
	}
	return hit
}

func (s *Service) cacheSet(ctx context.Context, key string, v interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, v); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func invalidResolution(raw string) *Resolution {
	return &Resolution{
		Status:      StatusInvalidCodeFormat,
		Input:       raw,
		Code:        Canonicalize(raw),
		System:      Unknown,
		SystemLabel: Unknown.Label(),
	}
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > ConversionFamilyLimit {
		return ConversionFamilyLimit
	}
	return limit
}
