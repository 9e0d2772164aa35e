package mapping

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
)

// ErrNoSourceFields is returned when a suggestion run has nothing to map.
var ErrNoSourceFields = errors.New("no source fields to map")

// EngineConfig holds pattern defaults.
type EngineConfig struct {
	TopN int
	// MinConfidence is the default pattern threshold; nil means
	// DefaultMinConfidence and zero keeps every candidate.
	MinConfidence *float64
}

// Engine ties the strategies to the mapping, schema and raw stores.
type Engine struct {
	mappings store.MappingStore
	schemas  store.SchemaStore
	raw      store.RawStore
	semantic *SemanticMatcher
	cfg      EngineConfig
	logger   *slog.Logger
}

// NewEngine creates an Engine. semantic may be nil, in which case semantic
// suggestions are always empty.
func NewEngine(mappings store.MappingStore, schemas store.SchemaStore, raw store.RawStore, semantic *SemanticMatcher, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.MinConfidence == nil {
		d := DefaultMinConfidence
		cfg.MinConfidence = &d
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{mappings: mappings, schemas: schemas, raw: raw, semantic: semantic, cfg: cfg, logger: logger}
}

// SuggestResult reports a suggestion run. Candidates holds everything the
// strategy produced; Inserted and Skipped describe the store write.
type SuggestResult struct {
	Strategy   model.Strategy       `json:"strategy"`
	Candidates []model.FieldMapping `json:"candidates"`
	Inserted   int                  `json:"inserted"`
	Skipped    int                  `json:"skipped"`
}

// Summary is a one-line description for operators.
func (r SuggestResult) Summary() string {
	return fmt.Sprintf("%s: %d candidates, %d new, %d already present", r.Strategy, len(r.Candidates), r.Inserted, r.Skipped)
}

// SuggestRequest selects the source fields and target entity of a run. When
// SourceFields is empty the fields observed in RawStore are used, narrowed to
// FileName or Tenant when set.
type SuggestRequest struct {
	TargetEntity  string   `json:"target_entity"`
	SourceFields  []string `json:"source_fields,omitempty"`
	FileName      string   `json:"file_name,omitempty"`
	Tenant        string   `json:"tenant,omitempty"`
	Scope         string   `json:"scope,omitempty"`
	TopN          int      `json:"top_n,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	TemplateID    string   `json:"template_id,omitempty"`
	// DryRun returns candidates without storing them.
	DryRun bool `json:"dry_run,omitempty"`
}

// SuggestManual loads a mapping table and stores it pre-approved.
func (e *Engine) SuggestManual(ctx context.Context, r io.Reader, defaultEntity, scope string) (SuggestResult, error) {
	mappings, err := ParseManualTable(r, defaultEntity, scope)
	if err != nil {
		return SuggestResult{}, err
	}
	return e.store(ctx, model.StrategyManual, mappings, false)
}

// ImportManual stores already-built mappings as pre-approved MANUAL entries.
func (e *Engine) ImportManual(ctx context.Context, mappings []model.FieldMapping) (SuggestResult, error) {
	out := make([]model.FieldMapping, 0, len(mappings))
	for _, m := range mappings {
		mm, err := manualMapping(m)
		if err != nil {
			return SuggestResult{}, fmt.Errorf("%s -> %s.%s: %w", m.SourceField, m.TargetEntity, m.TargetField, err)
		}
		out = append(out, mm)
	}
	return e.store(ctx, model.StrategyManual, out, false)
}

// SuggestPattern scores source fields against the target schema by name.
func (e *Engine) SuggestPattern(ctx context.Context, req SuggestRequest) (SuggestResult, error) {
	schema, fields, err := e.prepare(ctx, req)
	if err != nil {
		return SuggestResult{}, err
	}
	norm, err := e.normalizer(ctx)
	if err != nil {
		return SuggestResult{}, err
	}
	topN, minConf := req.TopN, req.MinConfidence
	if topN <= 0 {
		topN = e.cfg.TopN
	}
	if minConf == nil {
		minConf = e.cfg.MinConfidence
	}
	if *minConf < 0 || *minConf > 1 {
		return SuggestResult{}, fmt.Errorf("min_confidence %.2f must be between 0 and 1", *minConf)
	}
	cands := NewPatternMatcher(norm).Suggest(PatternRequest{
		SourceFields:  fields,
		Schema:        schema,
		Scope:         req.Scope,
		TopN:          topN,
		MinConfidence: minConf,
	})
	return e.store(ctx, model.StrategyPattern, cands, req.DryRun)
}

// SuggestSemantic asks the semantic service for one-to-one mappings.
func (e *Engine) SuggestSemantic(ctx context.Context, req SuggestRequest) (SuggestResult, error) {
	schema, fields, err := e.prepare(ctx, req)
	if err != nil {
		return SuggestResult{}, err
	}
	tpl, err := e.Template(ctx, req.TemplateID)
	if err != nil {
		return SuggestResult{}, err
	}
	if e.semantic == nil {
		e.logger.Warn("semantic mapping not configured", "target_entity", schema.Entity)
		return SuggestResult{Strategy: model.StrategySemantic}, nil
	}
	cands := e.semantic.Suggest(ctx, SemanticRequest{
		SourceFields: fields,
		Schema:       schema,
		Scope:        req.Scope,
		Template:     tpl,
	})
	return e.store(ctx, model.StrategySemantic, cands, req.DryRun)
}

// Template resolves a prompt template id; empty or "default" yields the
// built-in template.
func (e *Engine) Template(ctx context.Context, id string) (model.PromptTemplate, error) {
	if id == "" || id == DefaultPromptID {
		return DefaultPrompt, nil
	}
	tpl, err := e.mappings.GetPromptTemplate(ctx, id)
	if err != nil {
		return model.PromptTemplate{}, fmt.Errorf("prompt template %q: %w", id, err)
	}
	return tpl, nil
}

// Templates lists the built-in template followed by the stored ones.
func (e *Engine) Templates(ctx context.Context) ([]model.PromptTemplate, error) {
	stored, err := e.mappings.ListPromptTemplates(ctx)
	if err != nil {
		return nil, err
	}
	out := []model.PromptTemplate{DefaultPrompt}
	for _, t := range stored {
		if t.ID != DefaultPromptID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Approve marks one mapping approved.
func (e *Engine) Approve(ctx context.Context, id string) (model.FieldMapping, error) {
	m, err := e.mappings.ApproveMapping(ctx, id)
	if err != nil {
		return model.FieldMapping{}, fmt.Errorf("approve mapping %s: %w", id, err)
	}
	e.logger.Info("mapping approved", "id", id, "source_field", m.SourceField, "target", m.TargetEntity+"."+m.TargetField)
	return m, nil
}

// ApproveBulk approves every pending mapping of targetEntity with confidence
// of at least minConfidence.
func (e *Engine) ApproveBulk(ctx context.Context, targetEntity string, minConfidence float64) (int, error) {
	if strings.TrimSpace(targetEntity) == "" {
		return 0, fmt.Errorf("approve mappings: target entity is required")
	}
	if minConfidence < 0 || minConfidence > 1 {
		return 0, fmt.Errorf("approve mappings: min confidence %v out of range [0,1]", minConfidence)
	}
	n, err := e.mappings.ApproveMappings(ctx, targetEntity, minConfidence)
	if err != nil {
		return 0, err
	}
	e.logger.Info("mappings approved", "target_entity", strings.ToUpper(targetEntity), "min_confidence", minConfidence, "count", n)
	return n, nil
}

// Snapshot loads the schema and approved mappings of targetEntity.
func (e *Engine) Snapshot(ctx context.Context, targetEntity, sourceEntity string) (*Snapshot, error) {
	schema, err := e.schemas.GetSchema(ctx, targetEntity)
	if err != nil {
		return nil, fmt.Errorf("target schema %s: %w", targetEntity, err)
	}
	return LoadSnapshot(ctx, e.mappings, schema, sourceEntity)
}

// SourceFields returns the distinct raw field names observed for fileName, or
// for every file of tenant, or for all files, in first-seen order.
func (e *Engine) SourceFields(ctx context.Context, fileName, tenant string) ([]string, error) {
	byFile, err := e.raw.FileFieldNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("observed field names: %w", err)
	}
	files := make([]string, 0, len(byFile))
	for f := range byFile {
		switch {
		case fileName != "" && f != fileName:
			continue
		case tenant != "" && !strings.EqualFold(model.TenantFromPath(f), tenant):
			continue
		}
		files = append(files, f)
	}
	sort.Strings(files)

	seen := make(map[string]bool)
	var out []string
	for _, f := range files {
		for _, name := range byFile[f] {
			key := strings.ToUpper(name)
			if !seen[key] {
				seen[key] = true
				out = append(out, name)
			}
		}
	}
	return out, nil
}

func (e *Engine) prepare(ctx context.Context, req SuggestRequest) (model.TargetSchema, []string, error) {
	schema, err := e.schemas.GetSchema(ctx, req.TargetEntity)
	if err != nil {
		return model.TargetSchema{}, nil, fmt.Errorf("target schema %s: %w", req.TargetEntity, err)
	}
	fields := req.SourceFields
	if len(fields) == 0 {
		if fields, err = e.SourceFields(ctx, req.FileName, req.Tenant); err != nil {
			return model.TargetSchema{}, nil, err
		}
	}
	if len(fields) == 0 {
		return model.TargetSchema{}, nil, ErrNoSourceFields
	}
	return schema, fields, nil
}

func (e *Engine) normalizer(ctx context.Context) (*Normalizer, error) {
	known, err := e.mappings.ListKnownMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("known mappings: %w", err)
	}
	return NewNormalizer(DefaultSynonyms, known), nil
}

func (e *Engine) store(ctx context.Context, strategy model.Strategy, cands []model.FieldMapping, dryRun bool) (SuggestResult, error) {
	res := SuggestResult{Strategy: strategy, Candidates: cands}
	if dryRun || len(cands) == 0 {
		return res, nil
	}
	ins, err := e.mappings.InsertMappings(ctx, cands)
	if err != nil {
		return SuggestResult{}, fmt.Errorf("store %s mappings: %w", strings.ToLower(string(strategy)), err)
	}
	res.Inserted, res.Skipped = ins.Inserted, ins.Skipped
	e.logger.Info("mapping candidates stored", "strategy", strategy, "candidates", len(cands), "inserted", ins.Inserted, "skipped", ins.Skipped)
	return res, nil
}
