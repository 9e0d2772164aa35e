package core

// job_limiter.go bounds how many pipeline jobs run at once.
//
// Scheduled ticks and operator-triggered runs share one semaphore, so a burst of
// "run now" requests cannot starve the database or the landing filesystem.
// Scheduled ticks use TryAcquire and skip when full; operator calls wait up to
// maxWait before failing with ErrTooManyJobs.

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTooManyJobs is returned when every job slot is occupied and the wait
// timeout expires.
var ErrTooManyJobs = errors.New("too many jobs running, please try again later")

// DefaultMaxConcurrentJobs is the default limit for parallel jobs.
const DefaultMaxConcurrentJobs = 4

// DefaultMaxJobWait is how long an operator call waits for a slot.
const DefaultMaxJobWait = 10 * time.Second

// JobLimiter is a counting semaphore that also remembers which jobs hold a slot.
type JobLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active map[string]int
}

// NewJobLimiter allows at most maxConcurrent jobs.
func NewJobLimiter(maxConcurrent int, maxWait time.Duration) *JobLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentJobs
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxJobWait
	}
	return &JobLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
		active:    make(map[string]int),
	}
}

// Acquire waits for a slot for job. The caller must Release(job) afterwards.
func (l *JobLimiter) Acquire(ctx context.Context, job string) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.track(job, 1)
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyJobs
	}
}

// TryAcquire takes a slot without blocking.
func (l *JobLimiter) TryAcquire(job string) bool {
	select {
	case l.semaphore <- struct{}{}:
		l.track(job, 1)
		return true
	default:
		return false
	}
}

// Release returns the slot taken for job.
func (l *JobLimiter) Release(job string) {
	l.track(job, -1)
	<-l.semaphore
}

func (l *JobLimiter) track(job string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[job] += delta
	if l.active[job] <= 0 {
		delete(l.active, job)
	}
}

// ActiveCount returns the number of held slots.
func (l *JobLimiter) ActiveCount() int {
	return len(l.semaphore)
}

// MaxConcurrent returns the slot count.
func (l *JobLimiter) MaxConcurrent() int {
	return cap(l.semaphore)
}

// Available returns the number of free slots.
func (l *JobLimiter) Available() int {
	return cap(l.semaphore) - len(l.semaphore)
}

// WaitForDrain blocks until no job holds a slot or ctx is done. Used on shutdown.
func (l *JobLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// JobLimiterStatus is a snapshot of the limiter.
type JobLimiterStatus struct {
	Active        int      `json:"active"`
	Available     int      `json:"available"`
	MaxConcurrent int      `json:"max_concurrent"`
	Running       []string `json:"running"`
}

// Status returns the current limiter state.
func (l *JobLimiter) Status() JobLimiterStatus {
	l.mu.RLock()
	running := make([]string, 0, len(l.active))
	for name := range l.active {
		running = append(running, name)
	}
	l.mu.RUnlock()
	sort.Strings(running)

	return JobLimiterStatus{
		Active:        len(l.semaphore),
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
		Running:       running,
	}
}
