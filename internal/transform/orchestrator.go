// Package transform folds raw records into target entities in bounded,
// watermarked batches.
//
// A batch moves RUNNING -> SUCCESS | FAILED. Its record is written when it
// starts and again when it ends, whatever the outcome. The watermark only
// advances inside the commit of a successful batch, so a failed batch can be
// retried over exactly the same range.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/rules"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrNoApprovedMappings means the target entity has nothing to project. It is
	// a configuration error and is not retried.
	ErrNoApprovedMappings = errors.New("no approved mappings")

	// ErrBatchInProgress is returned when another batch holds the pair's lock.
	ErrBatchInProgress = errors.New("a batch is already running for this source and target")
)

// Orchestrator defaults.
const (
	DefaultBatchSize     = 10000
	DefaultMaxIterations = 100
	DefaultLockTTL       = 30 * time.Minute
)

// Config bounds batch runs.
type Config struct {
	BatchSize     int           // raw records per batch
	MaxIterations int           // batches per RunAllPending call
	LockTTL       time.Duration // lifetime of a pair lock if the holder dies
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	return c
}

// Store is the persistence the orchestrator needs.
type Store interface {
	store.RawStore
	store.MappingStore
	store.RuleStore
	store.SchemaStore
	store.TransformStore
}

// BatchRequest selects one bounded run.
type BatchRequest struct {
	SourceEntity string `json:"source_entity"`
	TargetEntity string `json:"target_entity"`
	BatchSize    int    `json:"batch_size"`
	// Incremental reads after the stored watermark; otherwise from position 0.
	Incremental bool `json:"incremental"`
	SkipRules   bool `json:"skip_rules"`
}

// Orchestrator runs transformation batches.
type Orchestrator struct {
	store  Store
	engine *rules.Engine
	locker Locker
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an orchestrator. A nil locker means an in-process LocalLocker.
func New(st Store, engine *rules.Engine, locker Locker, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = rules.NewEngine(nil, logger)
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Orchestrator{
		store:  st,
		engine: engine,
		locker: locker,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Engine returns the rules engine used for batches.
func (o *Orchestrator) Engine() *rules.Engine { return o.engine }

func (o *Orchestrator) normalize(req BatchRequest) BatchRequest {
	req.SourceEntity = strings.ToUpper(strings.TrimSpace(req.SourceEntity))
	if req.SourceEntity == "" {
		req.SourceEntity = model.RawSourceEntity
	}
	req.TargetEntity = strings.ToUpper(strings.TrimSpace(req.TargetEntity))
	if req.BatchSize <= 0 {
		req.BatchSize = o.cfg.BatchSize
	}
	return req
}

func lockKey(source, target string) string {
	return "transform:" + source + ":" + target
}

// RunBatch runs one batch for the pair. The returned Batch is the final audit
// record; on error its status is FAILED and ErrorMessage is set. Lock
// contention returns ErrBatchInProgress without creating a batch record.
func (o *Orchestrator) RunBatch(ctx context.Context, req BatchRequest) (model.Batch, error) {
	req = o.normalize(req)
	if req.TargetEntity == "" {
		return model.Batch{}, fmt.Errorf("target entity is required")
	}

	unlock, ok, err := o.locker.TryLock(ctx, lockKey(req.SourceEntity, req.TargetEntity), o.cfg.LockTTL)
	if err != nil {
		return model.Batch{}, err
	}
	if !ok {
		return model.Batch{}, fmt.Errorf("%s -> %s: %w", req.SourceEntity, req.TargetEntity, ErrBatchInProgress)
	}
	defer unlock()

	b := model.Batch{
		ID:           uuid.NewString(),
		SourceEntity: req.SourceEntity,
		TargetEntity: req.TargetEntity,
		Status:       model.BatchRunning,
		StartedAt:    o.now(),
	}
	if err := o.store.StartBatch(ctx, b); err != nil {
		return b, fmt.Errorf("record batch start: %w", err)
	}
	logger := o.logger.With("batch_id", b.ID, "source_entity", b.SourceEntity, "target_entity", b.TargetEntity)

	runErr := o.run(ctx, &b, req, logger)

	end := o.now()
	b.EndedAt = &end
	b.DurationMs = end.Sub(b.StartedAt).Milliseconds()
	if runErr != nil {
		b.Status = model.BatchFailed
		b.ErrorMessage = runErr.Error()
	} else {
		b.Status = model.BatchSuccess
	}

	// The final record must be written even when ctx was cancelled mid-batch.
	if err := o.store.FinishBatch(context.WithoutCancel(ctx), b); err != nil {
		logger.Error("failed to record batch outcome", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("record batch outcome: %w", err)
		}
	}

	if runErr != nil {
		logger.Error("batch failed", "error", runErr, "duration_ms", b.DurationMs)
		return b, runErr
	}
	logger.Info("batch complete",
		"records_read", b.RecordsRead,
		"inserted", b.RecordsInserted,
		"updated", b.RecordsUpdated,
		"rejected", b.RecordsRejected,
		"quarantined", b.RecordsQuarantine,
		"rules_applied", b.RulesApplied,
		"watermark", b.EndPosition,
		"duration_ms", b.DurationMs,
	)
	return b, nil
}

func (o *Orchestrator) run(ctx context.Context, b *model.Batch, req BatchRequest, logger *slog.Logger) error {
	schema, err := o.store.GetSchema(ctx, req.TargetEntity)
	if err != nil {
		return fmt.Errorf("target entity %s: %w", req.TargetEntity, err)
	}

	snap, err := mapping.LoadSnapshot(ctx, o.store, schema, req.SourceEntity)
	if err != nil {
		return err
	}
	if snap.Len() == 0 {
		return fmt.Errorf("%w for %s", ErrNoApprovedMappings, req.TargetEntity)
	}
	for _, reason := range snap.Ignored {
		logger.Warn("approved mapping ignored", "reason", reason)
	}

	var ruleSet []model.TransformationRule
	if !req.SkipRules {
		ruleSet, err = o.store.ListRules(ctx, req.TargetEntity, true)
		if err != nil {
			return fmt.Errorf("load rules for %s: %w", req.TargetEntity, err)
		}
	}

	wm, _, err := o.store.GetWatermark(ctx, req.SourceEntity, req.TargetEntity)
	if err != nil {
		return err
	}
	after := int64(0)
	if req.Incremental {
		after = wm.LastPosition
	}
	b.StartPosition = after
	b.EndPosition = after

	records, err := o.store.ReadAfter(ctx, after, req.BatchSize)
	if err != nil {
		return fmt.Errorf("read raw records: %w", err)
	}
	b.RecordsRead = len(records)
	if len(records) == 0 {
		logger.Debug("no new records", "watermark", after)
		return nil
	}

	staged := make([]*rules.Row, 0, len(records))
	warned := 0
	for _, rec := range records {
		values, warnings := snap.Project(rec)
		if len(warnings) > 0 {
			warned++
			logger.Debug("projection warnings", "file", rec.FileName, "row", rec.RowNumber, "warnings", warnings)
		}
		staged = append(staged, &rules.Row{Values: values, Source: rec})
	}
	if warned > 0 {
		logger.Warn("some rows had unconvertible values", "rows", warned)
	}

	set := rules.NewStagingSet(b.ID, schema, staged)
	if len(ruleSet) > 0 {
		if _, err := o.engine.Run(ctx, set, ruleSet); err != nil {
			return fmt.Errorf("apply rules: %w", err)
		}
		if err := o.store.RecordMetrics(ctx, set.Metrics); err != nil {
			return fmt.Errorf("record quality metrics: %w", err)
		}
	}
	b.RulesApplied = set.RulesApplied
	b.RecordsRejected = set.Rejected
	b.RecordsQuarantine = len(set.Quarantine)
	b.RecordsProcessed = len(set.Rows)

	last := records[len(records)-1].Position
	res, err := o.store.CommitBatch(ctx, store.Commit{
		Schema:     schema,
		Rows:       set.Values(),
		Quarantine: set.Quarantine,
		Watermark: model.Watermark{
			SourceEntity:          req.SourceEntity,
			TargetEntity:          req.TargetEntity,
			LastPosition:          last,
			RecordsProcessedTotal: wm.RecordsProcessedTotal + int64(len(records)),
			LastBatchID:           b.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	b.RecordsInserted = res.Inserted
	b.RecordsUpdated = res.Updated
	b.EndPosition = max(last, after)
	return nil
}

// DrainResult aggregates a RunAllPending call.
type DrainResult struct {
	Batches     []model.Batch `json:"batches"`
	RecordsRead int           `json:"records_read"`
	Inserted    int           `json:"inserted"`
	Updated     int           `json:"updated"`
	Rejected    int           `json:"rejected"`
	Quarantined int           `json:"quarantined"`
	// Truncated is set when the iteration cap stopped the loop before the
	// backlog was empty.
	Truncated bool `json:"truncated"`
}

// RunAllPending repeats incremental batches until one reads no records, an
// error occurs or MaxIterations batches have run.
func (o *Orchestrator) RunAllPending(ctx context.Context, req BatchRequest) (DrainResult, error) {
	req.Incremental = true
	var res DrainResult
	for i := 0; i < o.cfg.MaxIterations; i++ {
		b, err := o.RunBatch(ctx, req)
		if b.ID != "" {
			res.Batches = append(res.Batches, b)
		}
		res.RecordsRead += b.RecordsRead
		res.Inserted += b.RecordsInserted
		res.Updated += b.RecordsUpdated
		res.Rejected += b.RecordsRejected
		res.Quarantined += b.RecordsQuarantine
		if err != nil {
			return res, err
		}
		if b.RecordsRead == 0 {
			return res, nil
		}
	}
	res.Truncated = true
	o.logger.Warn("transform backlog not drained",
		"target_entity", req.TargetEntity, "iterations", o.cfg.MaxIterations, "records_read", res.RecordsRead)
	return res, nil
}
