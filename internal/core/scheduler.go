package core

// scheduler.go runs the pipeline stages as independent cron jobs.
//
// Each stage (discover, process, move, archive, transform) is registered under a
// name with a cron spec. A job never overlaps itself: a tick that arrives while
// the previous run is still going is skipped. Jobs share a JobLimiter with
// operator-triggered runs. Suspended jobs keep their schedule but skip ticks
// until resumed; RunNow still runs them.
//
// The scheduler logs each run with duration_ms and keeps the last outcome for
// the job listing. A failing run is logged and never stops the scheduler.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrUnknownJob is returned for a name that was never added.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobRunning is returned by RunNow while the job is already running.
	ErrJobRunning = errors.New("job is already running")
)

// JobFunc is one unit of scheduled work. The summary is logged and shown in the
// job listing.
type JobFunc func(ctx context.Context) (summary string, err error)

// JobStatus describes a job for listings.
type JobStatus struct {
	Name           string     `json:"name"`
	Schedule       string     `json:"schedule"`
	Suspended      bool       `json:"suspended"`
	Running        bool       `json:"running"`
	Runs           int        `json:"runs"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	LastDurationMs int64      `json:"last_duration_ms"`
	LastSummary    string     `json:"last_summary,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

type scheduledJob struct {
	name  string
	spec  string
	fn    JobFunc
	entry cron.EntryID

	mu           sync.Mutex
	running      bool
	suspended    bool
	runs         int
	lastRun      time.Time
	lastDuration time.Duration
	lastSummary  string
	lastError    string
}

func (j *scheduledJob) begin() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return false
	}
	j.running = true
	return true
}

func (j *scheduledJob) finish(start time.Time, d time.Duration, summary string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = false
	j.runs++
	j.lastRun = start
	j.lastDuration = d
	j.lastSummary = summary
	j.lastError = ""
	if err != nil {
		j.lastError = err.Error()
	}
}

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	cron    *cron.Cron
	limiter *JobLimiter
	logger  *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*scheduledJob
	order   []string
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler. Specs use the standard five cron
// fields with an optional leading seconds field, or descriptors such as
// "@every 5m" and "@daily". A nil limiter gets the default size.
func NewScheduler(limiter *JobLimiter, logger *slog.Logger) *Scheduler {
	if limiter == nil {
		limiter = NewJobLimiter(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		limiter: limiter,
		logger:  logger,
		jobs:    make(map[string]*scheduledJob),
		baseCtx: context.Background(),
	}
}

// Limiter returns the limiter shared by scheduled and manual runs.
func (s *Scheduler) Limiter() *JobLimiter { return s.limiter }

// Add registers a job. An empty spec registers a manual-only job that runs only
// through RunNow.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	name = strings.ToLower(strings.TrimSpace(name))
	spec = strings.TrimSpace(spec)
	if name == "" || fn == nil {
		return fmt.Errorf("job name and function are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s is already registered", name)
	}

	j := &scheduledJob{name: name, spec: spec, fn: fn}
	if spec != "" {
		id, err := s.cron.AddFunc(spec, func() { s.tick(j) })
		if err != nil {
			return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
		}
		j.entry = id
	}
	s.jobs[name] = j
	s.order = append(s.order, name)
	return nil
}

// Start begins firing scheduled ticks. Runs started by ticks use a context
// derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop halts new ticks and waits for running ticks to finish or ctx to expire.
// Running jobs are not interrupted until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
	}()

	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out, cancelling running jobs")
		return ctx.Err()
	}
}

func (s *Scheduler) lookup(name string) (*scheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return j, nil
}

func (s *Scheduler) tick(j *scheduledJob) {
	j.mu.Lock()
	suspended := j.suspended
	j.mu.Unlock()
	if suspended {
		s.logger.Debug("job suspended, skipping tick", "job", j.name)
		return
	}

	if !s.limiter.TryAcquire(j.name) {
		s.logger.Warn("job limit reached, skipping tick", "job", j.name, "max_concurrent", s.limiter.MaxConcurrent())
		return
	}
	defer s.limiter.Release(j.name)

	s.mu.RLock()
	ctx := s.baseCtx
	s.mu.RUnlock()

	if _, err := s.run(ctx, j, "schedule"); errors.Is(err, ErrJobRunning) {
		s.logger.Info("previous run still active, skipping tick", "job", j.name)
	}
}

func (s *Scheduler) run(ctx context.Context, j *scheduledJob, trigger string) (string, error) {
	if !j.begin() {
		return "", fmt.Errorf("%s: %w", j.name, ErrJobRunning)
	}

	start := time.Now()
	summary, err := call(ctx, j)
	d := time.Since(start)
	j.finish(start, d, summary, err)

	if err != nil {
		s.logger.Error("job failed",
			"job", j.name,
			"trigger", trigger,
			"error", err,
			"duration_ms", d.Milliseconds(),
		)
		return summary, err
	}
	s.logger.Info("job complete",
		"job", j.name,
		"trigger", trigger,
		"summary", summary,
		"duration_ms", d.Milliseconds(),
	)
	return summary, nil
}

func call(ctx context.Context, j *scheduledJob) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	return j.fn(ctx)
}

// RunNow runs a job immediately in the caller's goroutine and returns its
// status afterwards. It waits for a limiter slot and fails with ErrJobRunning
// if the job is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) (JobStatus, error) {
	j, err := s.lookup(name)
	if err != nil {
		return JobStatus{}, err
	}
	if err := s.limiter.Acquire(ctx, j.name); err != nil {
		return s.status(j), err
	}
	defer s.limiter.Release(j.name)

	_, err = s.run(ctx, j, "manual")
	return s.status(j), err
}

// Suspend stops ticks for the job until Resume.
func (s *Scheduler) Suspend(name string) error {
	return s.setSuspended(name, true)
}

// Resume re-enables ticks for a suspended job.
func (s *Scheduler) Resume(name string) error {
	return s.setSuspended(name, false)
}

func (s *Scheduler) setSuspended(name string, v bool) error {
	j, err := s.lookup(name)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.suspended = v
	j.mu.Unlock()
	s.logger.Info("job control", "job", j.name, "suspended", v)
	return nil
}

// Job returns the status of one job.
func (s *Scheduler) Job(name string) (JobStatus, error) {
	j, err := s.lookup(name)
	if err != nil {
		return JobStatus{}, err
	}
	return s.status(j), nil
}

// Jobs lists every job in registration order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	jobs := make([]*scheduledJob, 0, len(s.order))
	for _, name := range s.order {
		jobs = append(jobs, s.jobs[name])
	}
	s.mu.RUnlock()

	out := make([]JobStatus, len(jobs))
	for i, j := range jobs {
		out[i] = s.status(j)
	}
	return out
}

func (s *Scheduler) status(j *scheduledJob) JobStatus {
	j.mu.Lock()
	st := JobStatus{
		Name:           j.name,
		Schedule:       j.spec,
		Suspended:      j.suspended,
		Running:        j.running,
		Runs:           j.runs,
		LastDurationMs: j.lastDuration.Milliseconds(),
		LastSummary:    j.lastSummary,
		LastError:      j.lastError,
	}
	if !j.lastRun.IsZero() {
		t := j.lastRun
		st.LastRun = &t
	}
	j.mu.Unlock()

	if j.entry != 0 && !st.Suspended {
		if next := s.cron.Entry(j.entry).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	return st
}
