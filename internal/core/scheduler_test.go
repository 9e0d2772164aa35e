package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerAdd(t *testing.T) {
	s := NewScheduler(nil, quietLogger())
	noop := func(context.Context) (string, error) { return "", nil }

	require.NoError(t, s.Add("Discover", "@every 5m", noop))
	require.NoError(t, s.Add("reprocess", "", noop))

	err := s.Add("discover", "@every 1m", noop)
	assert.ErrorContains(t, err, "already registered")

	err = s.Add("move", "every five minutes", noop)
	assert.ErrorContains(t, err, "invalid schedule")

	assert.Error(t, s.Add("", "@daily", noop))
	assert.Error(t, s.Add("x", "@daily", nil))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "discover", jobs[0].Name)
	assert.Equal(t, "@every 5m", jobs[0].Schedule)
	assert.Equal(t, "reprocess", jobs[1].Name)
	assert.Nil(t, jobs[1].NextRun, "manual-only jobs have no next run")
}

func TestSchedulerRunNow(t *testing.T) {
	s := NewScheduler(nil, quietLogger())
	require.NoError(t, s.Add("process", "", func(context.Context) (string, error) {
		return "3 files", nil
	}))
	require.NoError(t, s.Add("move", "", func(context.Context) (string, error) {
		return "", errors.New("disk full")
	}))

	st, err := s.RunNow(context.Background(), "PROCESS")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, "3 files", st.LastSummary)
	assert.NotNil(t, st.LastRun)
	assert.False(t, st.Running)

	st, err = s.RunNow(context.Background(), "move")
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, "disk full", st.LastError)

	_, err = s.RunNow(context.Background(), "reindex")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler(nil, quietLogger())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Add("transform", "", func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "done", nil
	}))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "transform")
		errCh <- err
	}()
	<-started

	st, err := s.Job("transform")
	require.NoError(t, err)
	assert.True(t, st.Running)

	_, err = s.RunNow(context.Background(), "transform")
	assert.ErrorIs(t, err, ErrJobRunning)

	close(release)
	require.NoError(t, <-errCh)

	st, err = s.Job("transform")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Runs)
}

func TestSchedulerSuspendResume(t *testing.T) {
	s := NewScheduler(nil, quietLogger())
	var runs atomic.Int32
	require.NoError(t, s.Add("archive", "@daily", func(context.Context) (string, error) {
		runs.Add(1)
		return "", nil
	}))
	j, err := s.lookup("archive")
	require.NoError(t, err)

	require.NoError(t, s.Suspend("archive"))
	s.tick(j)
	assert.Equal(t, int32(0), runs.Load(), "suspended job skips ticks")

	st, _ := s.Job("archive")
	assert.True(t, st.Suspended)
	assert.Nil(t, st.NextRun)

	_, err = s.RunNow(context.Background(), "archive")
	require.NoError(t, err)
	assert.Equal(t, int32(1), runs.Load(), "run now ignores suspension")

	require.NoError(t, s.Resume("archive"))
	s.tick(j)
	assert.Equal(t, int32(2), runs.Load())

	assert.ErrorIs(t, s.Suspend("nope"), ErrUnknownJob)
}

func TestSchedulerTickRespectsLimiter(t *testing.T) {
	limiter := NewJobLimiter(1, 50*time.Millisecond)
	s := NewScheduler(limiter, quietLogger())
	var runs atomic.Int32
	require.NoError(t, s.Add("discover", "@hourly", func(context.Context) (string, error) {
		runs.Add(1)
		return "", nil
	}))
	j, _ := s.lookup("discover")

	require.True(t, limiter.TryAcquire("other"))
	s.tick(j)
	assert.Equal(t, int32(0), runs.Load())

	_, err := s.RunNow(context.Background(), "discover")
	assert.ErrorIs(t, err, ErrTooManyJobs)

	limiter.Release("other")
	s.tick(j)
	assert.Equal(t, int32(1), runs.Load())
}

func TestSchedulerRecoversPanics(t *testing.T) {
	s := NewScheduler(nil, quietLogger())
	require.NoError(t, s.Add("move", "", func(context.Context) (string, error) {
		panic("boom")
	}))

	st, err := s.RunNow(context.Background(), "move")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked: boom")
	assert.False(t, st.Running)
}

func TestSchedulerFiresOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	s := NewScheduler(nil, quietLogger())
	fired := make(chan struct{}, 1)
	require.NoError(t, s.Add("discover", "* * * * * *", func(context.Context) (string, error) {
		select {
		case fired <- struct{}{}:
		default:
		}
		return "", nil
	}))

	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
	}()

	st, err := s.Job("discover")
	require.NoError(t, err)
	require.NotNil(t, st.NextRun)

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}
