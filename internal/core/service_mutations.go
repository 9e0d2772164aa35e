package core

// service_mutations.go holds the operator controls that change state. Every
// exported method writes an audit entry; the unexported variants are what the
// scheduler runs, so periodic ticks do not flood the audit log.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/catalog"
	"github.com/JonMunkholm/ingestflow/internal/ingest"
	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/JonMunkholm/ingestflow/internal/transform"
	"github.com/google/uuid"
)

// ---- File lifecycle ----

// Discover registers new landing files as PENDING.
func (s *Service) Discover(ctx context.Context) (Result, error) {
	res, err := s.discover(ctx)
	s.audit(ctx, model.AuditDiscover, "landing", res.Count, res.Summary, err)
	return res, err
}

func (s *Service) discover(ctx context.Context) (Result, error) {
	res, err := s.discoverer.Discover(ctx)
	return Result{
		Summary: fmt.Sprintf("%d listed, %d registered, %d ignored", res.Listed, res.Registered, len(res.Ignored)),
		Count:   res.Registered,
		Details: res,
	}, err
}

// Process parses claimed PENDING files into the raw store. With drain set it
// keeps claiming until nothing is pending.
func (s *Service) Process(ctx context.Context, drain bool) (Result, error) {
	res, err := s.process(ctx, drain)
	s.audit(ctx, model.AuditProcess, "pending", res.Count, res.Summary, err)
	return res, err
}

func (s *Service) process(ctx context.Context, drain bool) (Result, error) {
	var (
		sum ingest.ProcessSummary
		err error
	)
	if drain {
		sum, err = s.worker.Drain(ctx)
	} else {
		sum, err = s.worker.ProcessPending(ctx)
	}
	return Result{
		Summary: fmt.Sprintf("%d claimed, %d succeeded, %d failed, %d rows", sum.Claimed, sum.Succeeded, sum.Failed, sum.RowsInserted),
		Count:   sum.Claimed,
		Details: sum,
	}, err
}

// Move relocates processed files to the completed and error areas.
func (s *Service) Move(ctx context.Context) (Result, error) {
	res, err := s.move(ctx)
	s.audit(ctx, model.AuditMove, "processed", res.Count, res.Summary, err)
	return res, err
}

func (s *Service) move(ctx context.Context) (Result, error) {
	sum, err := s.mover.MoveAll(ctx)
	return Result{
		Summary: fmt.Sprintf("%d moved to completed, %d moved to error", sum.Completed, sum.Errored),
		Count:   sum.Total(),
		Details: sum,
	}, err
}

// Archive moves files older than olderThan from the completed and error areas
// into the archive. Zero uses the configured retention.
func (s *Service) Archive(ctx context.Context, olderThan time.Duration) (Result, error) {
	if olderThan <= 0 {
		olderThan = s.cfg.Retention
	}
	res, err := s.archive(ctx, olderThan)
	s.audit(ctx, model.AuditArchive, "older than "+olderThan.String(), res.Count, res.Summary, err)
	return res, err
}

func (s *Service) archive(ctx context.Context, olderThan time.Duration) (Result, error) {
	n, err := s.mover.ArchiveOlderThan(ctx, olderThan)
	return Result{
		Summary: fmt.Sprintf("%d files archived", n),
		Count:   n,
	}, err
}

// Reprocess moves a file back to landing and resets its record to PENDING.
func (s *Service) Reprocess(ctx context.Context, fileName string) (model.FileRecord, error) {
	rec, err := s.mover.Reprocess(ctx, fileName)
	summary := "queued for reprocessing"
	if err == nil {
		summary = fmt.Sprintf("queued for reprocessing, retry %d", rec.RetryCount)
	}
	s.audit(ctx, model.AuditReprocess, fileName, 1, summary, err)
	return rec, err
}

// ResetStuck returns files that have been PROCESSING for longer than the
// configured limit to PENDING.
func (s *Service) ResetStuck(ctx context.Context) (Result, error) {
	cutoff := s.now().Add(-s.cfg.StuckAfter)
	n, err := s.store.ResetStuck(ctx, cutoff)
	res := Result{
		Summary: fmt.Sprintf("%d stuck files reset to PENDING", n),
		Count:   n,
	}
	s.audit(ctx, model.AuditReprocess, "stuck", n, res.Summary, err)
	return res, err
}

// ---- Mappings ----

// SuggestMappings runs the pattern or semantic strategy.
func (s *Service) SuggestMappings(ctx context.Context, strategy model.Strategy, req mapping.SuggestRequest) (mapping.SuggestResult, error) {
	var (
		res mapping.SuggestResult
		err error
	)
	switch model.Strategy(strings.ToUpper(string(strategy))) {
	case model.StrategyPattern, "":
		res, err = s.mappings.SuggestPattern(ctx, req)
	case model.StrategySemantic:
		res, err = s.mappings.SuggestSemantic(ctx, req)
	default:
		return res, fmt.Errorf("unknown mapping strategy %q (use PATTERN or SEMANTIC; MANUAL mappings are imported)", strategy)
	}
	if !req.DryRun {
		s.audit(ctx, model.AuditSuggestMappings, req.TargetEntity, res.Inserted, res.Summary(), err)
	}
	return res, err
}

// ImportMappingTable loads a manual mapping table; its entries are stored
// approved.
func (s *Service) ImportMappingTable(ctx context.Context, r io.Reader, defaultEntity, scope string) (mapping.SuggestResult, error) {
	res, err := s.mappings.SuggestManual(ctx, r, defaultEntity, scope)
	s.audit(ctx, model.AuditSuggestMappings, defaultEntity, res.Inserted, res.Summary(), err)
	return res, err
}

// ApproveMapping approves one mapping by id.
func (s *Service) ApproveMapping(ctx context.Context, id string) (model.FieldMapping, error) {
	m, err := s.mappings.Approve(ctx, id)
	summary := "approved"
	if err == nil {
		summary = fmt.Sprintf("%s -> %s.%s approved", m.SourceField, m.TargetEntity, m.TargetField)
	}
	s.audit(ctx, model.AuditApproveMapping, id, 1, summary, err)
	return m, err
}

// ApproveMappings approves every unapproved mapping of a target entity with
// confidence at or above minConfidence.
func (s *Service) ApproveMappings(ctx context.Context, targetEntity string, minConfidence float64) (Result, error) {
	n, err := s.mappings.ApproveBulk(ctx, targetEntity, minConfidence)
	res := Result{
		Summary: fmt.Sprintf("%d mappings approved at confidence >= %.2f", n, minConfidence),
		Count:   n,
	}
	s.audit(ctx, model.AuditApproveMappings, strings.ToUpper(targetEntity), n, res.Summary, err)
	return res, err
}

// DeleteMapping removes a mapping.
func (s *Service) DeleteMapping(ctx context.Context, id string) error {
	err := s.store.DeleteMapping(ctx, id)
	s.audit(ctx, model.AuditApproveMapping, id, 1, "mapping deleted", err)
	return err
}

// SaveSynonyms upserts token synonyms used by the pattern strategy.
func (s *Service) SaveSynonyms(ctx context.Context, known []model.KnownMapping) error {
	err := s.store.UpsertKnownMappings(ctx, known)
	s.audit(ctx, model.AuditSchemaChange, "synonyms", len(known), fmt.Sprintf("%d synonyms saved", len(known)), err)
	return err
}

// SavePromptTemplate upserts a semantic prompt template.
func (s *Service) SavePromptTemplate(ctx context.Context, tpl model.PromptTemplate) error {
	if strings.TrimSpace(tpl.ID) == "" || strings.TrimSpace(tpl.Text) == "" {
		return fmt.Errorf("prompt template: id and text are required")
	}
	err := s.store.UpsertPromptTemplate(ctx, tpl)
	s.audit(ctx, model.AuditSchemaChange, "prompt:"+tpl.ID, 1, "prompt template saved", err)
	return err
}

// ---- Schemas and tenants ----

// SaveSchema creates or replaces a target entity. Standard metadata columns
// are appended when withStandard is set.
func (s *Service) SaveSchema(ctx context.Context, sch model.TargetSchema, withStandard bool) (model.TargetSchema, error) {
	if err := sch.Normalize(); err != nil {
		return model.TargetSchema{}, err
	}
	if withStandard {
		sch = sch.WithStandardColumns()
	}
	if err := sch.Validate(); err != nil {
		return model.TargetSchema{}, err
	}
	saved, err := s.store.SaveSchema(ctx, sch)
	s.audit(ctx, model.AuditSchemaChange, sch.Entity, len(sch.Columns),
		fmt.Sprintf("schema saved with %d columns", len(sch.Columns)), err)
	return saved, err
}

// AddColumn appends a column to an existing target entity.
func (s *Service) AddColumn(ctx context.Context, entity string, col model.Column) (model.TargetSchema, error) {
	sch, err := s.store.GetSchema(ctx, entity)
	if err != nil {
		return model.TargetSchema{}, fmt.Errorf("target schema %s: %w", entity, err)
	}
	if _, exists := sch.Column(col.Name); exists {
		return model.TargetSchema{}, fmt.Errorf("target schema %s: duplicate column %q", sch.Entity, strings.ToUpper(col.Name))
	}
	sch.Columns = append(sch.Columns, col)
	if err := sch.Normalize(); err != nil {
		return model.TargetSchema{}, err
	}
	if err := sch.Validate(); err != nil {
		return model.TargetSchema{}, err
	}
	saved, err := s.store.SaveSchema(ctx, sch)
	s.audit(ctx, model.AuditSchemaChange, sch.Entity, 1, "column "+strings.ToUpper(col.Name)+" added", err)
	return saved, err
}

// DropSchema removes a target entity, and its table when dropTable is set.
func (s *Service) DropSchema(ctx context.Context, entity string, dropTable bool) error {
	err := s.store.DropSchema(ctx, entity, dropTable)
	summary := "schema dropped"
	if dropTable {
		summary = "schema and table dropped"
	}
	s.audit(ctx, model.AuditSchemaChange, strings.ToUpper(entity), 1, summary, err)
	return err
}

// SaveTenant upserts a tenant.
func (s *Service) SaveTenant(ctx context.Context, t model.Tenant) error {
	t.Code = strings.TrimSpace(t.Code)
	if t.Code == "" {
		return fmt.Errorf("tenant: code is required")
	}
	err := s.store.UpsertTenant(ctx, t)
	s.audit(ctx, model.AuditSchemaChange, "tenant:"+t.Code, 1, fmt.Sprintf("tenant saved (active=%t)", t.Active), err)
	return err
}

// ---- Rules ----

// SaveRule validates and upserts a rule. A rule that does not compile (bad
// predicate, unknown operation, missing reference table) is refused, and so is
// one naming a column its declared target schema lacks.
func (s *Service) SaveRule(ctx context.Context, rule model.TransformationRule) (model.TransformationRule, error) {
	if strings.TrimSpace(rule.ID) == "" {
		rule.ID = uuid.NewString()
	}
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return model.TransformationRule{}, err
	}
	sch, err := s.store.GetSchema(ctx, rule.TargetEntity)
	switch {
	case err == nil:
		err = s.rules.ValidateFor(rule, sch)
	case errors.Is(err, store.ErrNotFound):
		err = s.rules.Validate(rule)
	default:
		return model.TransformationRule{}, err
	}
	if err != nil {
		return model.TransformationRule{}, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	saved, err := s.store.UpsertRule(ctx, rule)
	s.audit(ctx, model.AuditRuleChange, rule.ID, 1, fmt.Sprintf("%s rule saved for %s", rule.Category, rule.TargetEntity), err)
	return saved, err
}

// SetRuleActive enables or disables a rule.
func (s *Service) SetRuleActive(ctx context.Context, id string, active bool) error {
	err := s.store.SetRuleActive(ctx, id, active)
	s.audit(ctx, model.AuditRuleChange, id, 1, fmt.Sprintf("active=%t", active), err)
	return err
}

// DeleteRule removes a rule.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	err := s.store.DeleteRule(ctx, id)
	s.audit(ctx, model.AuditRuleChange, id, 1, "rule deleted", err)
	return err
}

// ---- Catalog ----

// ApplyCatalog upserts a parsed catalog file.
func (s *Service) ApplyCatalog(ctx context.Context, c *catalog.Catalog) (catalog.Result, error) {
	res, err := c.Apply(ctx, s.store, s.mappings, s.rules)
	s.audit(ctx, model.AuditCatalogApply, "catalog", res.Total(), res.Summary(), err)
	return res, err
}

// ---- Transform ----

// TransformRequest selects a transform run. Nil ApplyRules and Incremental
// default to true.
type TransformRequest struct {
	TargetEntity string `json:"target_entity"`
	SourceEntity string `json:"source_entity,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	ApplyRules   *bool  `json:"apply_rules,omitempty"`
	Incremental  *bool  `json:"incremental,omitempty"`
	// AllPending repeats batches until the backlog is empty.
	AllPending bool `json:"all_pending,omitempty"`
}

func (r TransformRequest) batch() transform.BatchRequest {
	return transform.BatchRequest{
		SourceEntity: r.SourceEntity,
		TargetEntity: r.TargetEntity,
		BatchSize:    r.BatchSize,
		Incremental:  r.Incremental == nil || *r.Incremental,
		SkipRules:    r.ApplyRules != nil && !*r.ApplyRules,
	}
}

// RunTransform runs one batch, or drains the backlog when AllPending is set.
func (s *Service) RunTransform(ctx context.Context, req TransformRequest) (Result, error) {
	var (
		res Result
		err error
	)
	if req.AllPending {
		var d transform.DrainResult
		d, err = s.transform.RunAllPending(ctx, req.batch())
		res = Result{
			Summary: fmt.Sprintf("%d batches, %d read, %d inserted, %d updated, %d rejected, %d quarantined",
				len(d.Batches), d.RecordsRead, d.Inserted, d.Updated, d.Rejected, d.Quarantined),
			Count:   d.RecordsRead,
			Details: d,
		}
		if d.Truncated {
			res.Summary += " (backlog remains)"
		}
	} else {
		var b model.Batch
		b, err = s.transform.RunBatch(ctx, req.batch())
		res = Result{
			Summary: fmt.Sprintf("batch %s: %d read, %d inserted, %d updated, %d rejected, %d quarantined",
				b.Status, b.RecordsRead, b.RecordsInserted, b.RecordsUpdated, b.RecordsRejected, b.RecordsQuarantine),
			Count: b.RecordsRead,
		}
		if b.ID != "" {
			res.Details = b
		}
	}
	s.audit(ctx, model.AuditRunTransform, strings.ToUpper(req.TargetEntity), res.Count, res.Summary, err)
	return res, err
}

// ---- Job control ----

// SuspendJob stops scheduled ticks of a job.
func (s *Service) SuspendJob(ctx context.Context, name string) error {
	return s.jobControl(ctx, name, "suspended", func(sched *Scheduler) error { return sched.Suspend(name) })
}

// ResumeJob re-enables scheduled ticks of a job.
func (s *Service) ResumeJob(ctx context.Context, name string) error {
	return s.jobControl(ctx, name, "resumed", func(sched *Scheduler) error { return sched.Resume(name) })
}

// RunJob runs a job now and waits for it.
func (s *Service) RunJob(ctx context.Context, name string) (JobStatus, error) {
	var st JobStatus
	err := s.jobControl(ctx, name, "run now", func(sched *Scheduler) error {
		var err error
		st, err = sched.RunNow(ctx, name)
		return err
	})
	return st, err
}

func (s *Service) jobControl(ctx context.Context, name, what string, fn func(*Scheduler) error) error {
	sched, err := s.jobs()
	if err == nil {
		err = fn(sched)
	}
	s.audit(ctx, model.AuditJobControl, strings.ToLower(name), 1, what, err)
	return err
}

// errIsSkippable reports errors that an unattended sweep treats as "nothing to do".
func errIsSkippable(err error) bool {
	return errors.Is(err, transform.ErrNoApprovedMappings) || errors.Is(err, transform.ErrBatchInProgress)
}
