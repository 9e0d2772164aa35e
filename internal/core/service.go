package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/ingest"
	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/profile"
	"github.com/JonMunkholm/ingestflow/internal/rules"
	"github.com/JonMunkholm/ingestflow/internal/storage"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/JonMunkholm/ingestflow/internal/transform"
)

// DefaultStuckAfter is how long a file may stay PROCESSING before ResetStuck
// considers it abandoned.
const DefaultStuckAfter = time.Hour

// DefaultSampleSize bounds profiles and previews.
const DefaultSampleSize = 1000

// Result is the outcome of an operator control.
type Result struct {
	Summary string `json:"summary"`
	Count   int    `json:"count"`
	Details any    `json:"details,omitempty"`
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	Store store.Store
	Files storage.Storage

	// Semantic is optional; without it semantic suggestions are always empty.
	Semantic *mapping.SemanticMatcher

	// Locker is optional; the default serializes batches within this process.
	Locker transform.Locker

	Logger *slog.Logger
}

// Config tunes the pipeline stages.
type Config struct {
	Extensions      []string
	Worker          ingest.WorkerConfig
	Retention       time.Duration
	StuckAfter      time.Duration
	SampleSize      int
	Mapping         mapping.EngineConfig
	Transform       transform.Config
	ReferenceTables map[string]map[string]string
}

// Service is the single entry point for operator controls. Web handlers, the
// scheduler and tests all go through it.
type Service struct {
	store store.Store
	files storage.Storage

	discoverer *ingest.Discoverer
	worker     *ingest.Worker
	mover      *ingest.Mover
	profiler   *profile.Profiler
	mappings   *mapping.Engine
	rules      *rules.Engine
	transform  *transform.Orchestrator
	scheduler  *Scheduler

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the pipeline stages onto one store and one storage.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Store == nil || deps.Files == nil {
		return nil, fmt.Errorf("store and file storage are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = ingest.DefaultRetention
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultStuckAfter
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}

	st := deps.Store
	worker := ingest.NewWorker(st, st, deps.Files, cfg.Worker, logger.With("component", "worker"))
	worker.Describe = DescribeFileError

	ruleEngine := rules.NewEngine(cfg.ReferenceTables, logger.With("component", "rules"))

	return &Service{
		store:      st,
		files:      deps.Files,
		discoverer: ingest.NewDiscoverer(st, st, deps.Files, cfg.Extensions, logger.With("component", "discoverer")),
		worker:     worker,
		mover:      ingest.NewMover(st, deps.Files, logger.With("component", "mover")),
		profiler:   profile.New(st),
		mappings:   mapping.NewEngine(st, st, st, deps.Semantic, cfg.Mapping, logger.With("component", "mapping")),
		rules:      ruleEngine,
		transform:  transform.New(st, ruleEngine, deps.Locker, cfg.Transform, logger.With("component", "transform")),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Store returns the underlying store.
func (s *Service) Store() store.Store { return s.store }

// Mappings returns the mapping engine.
func (s *Service) Mappings() *mapping.Engine { return s.mappings }

// RuleEngine returns the rules engine shared by batches and catalog validation.
func (s *Service) RuleEngine() *rules.Engine { return s.rules }

// Schedules holds the cron spec of each job. An empty spec registers the job
// as manual-only.
type Schedules struct {
	Discover  string
	Process   string
	Move      string
	Archive   string
	Transform string

	// TransformTargets are the entities drained by the transform job. Empty
	// means every declared schema.
	TransformTargets []string
}

// Job names.
const (
	JobDiscover  = "discover"
	JobProcess   = "process"
	JobMove      = "move"
	JobArchive   = "archive"
	JobTransform = "transform"
)

// RegisterJobs adds the pipeline jobs to sched. The Service keeps sched for job
// control operations.
func (s *Service) RegisterJobs(sched *Scheduler, sc Schedules) error {
	jobs := []struct {
		name string
		spec string
		fn   JobFunc
	}{
		{JobDiscover, sc.Discover, func(ctx context.Context) (string, error) {
			res, err := s.discover(ctx)
			return res.Summary, err
		}},
		{JobProcess, sc.Process, func(ctx context.Context) (string, error) {
			res, err := s.process(ctx, true)
			return res.Summary, err
		}},
		{JobMove, sc.Move, func(ctx context.Context) (string, error) {
			res, err := s.move(ctx)
			return res.Summary, err
		}},
		{JobArchive, sc.Archive, func(ctx context.Context) (string, error) {
			res, err := s.archive(ctx, s.cfg.Retention)
			return res.Summary, err
		}},
		{JobTransform, sc.Transform, func(ctx context.Context) (string, error) {
			return s.transformSweep(ctx, sc.TransformTargets)
		}},
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	s.scheduler = sched
	return nil
}

// transformSweep drains every target. Targets without approved mappings and
// targets with a batch already running are skipped.
func (s *Service) transformSweep(ctx context.Context, targets []string) (string, error) {
	if len(targets) == 0 {
		schemas, err := s.store.ListSchemas(ctx)
		if err != nil {
			return "", err
		}
		for _, sch := range schemas {
			targets = append(targets, sch.Entity)
		}
	}

	var (
		parts []string
		errs  []error
	)
	for _, target := range targets {
		res, err := s.transform.RunAllPending(ctx, transform.BatchRequest{TargetEntity: target})
		switch {
		case errIsSkippable(err):
			s.logger.Debug("transform target skipped", "target_entity", target, "reason", err)
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
		if res.RecordsRead > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d read", strings.ToUpper(target), res.RecordsRead))
		}
	}
	summary := "no new records"
	if len(parts) > 0 {
		summary = strings.Join(parts, ", ")
	}
	return summary, errors.Join(errs...)
}

func (s *Service) jobs() (*Scheduler, error) {
	if s.scheduler == nil {
		return nil, fmt.Errorf("%w: no scheduler is attached", ErrUnknownJob)
	}
	return s.scheduler, nil
}
