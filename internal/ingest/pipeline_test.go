package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/storage"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/JonMunkholm/ingestflow/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	store   *memstore.Store
	storage *storage.Local
	disc    *Discoverer
	worker  *Worker
	mover   *Mover
}

func newEnv(t *testing.T, cfg WorkerConfig) *env {
	t.Helper()
	st, err := storage.NewLocal(t.TempDir(), storage.Dirs{})
	require.NoError(t, err)
	ms := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &env{
		store:   ms,
		storage: st,
		disc:    NewDiscoverer(ms, ms, st, []string{"csv", "xlsx", "xls"}, logger),
		worker:  NewWorker(ms, ms, st, cfg, logger),
		mover:   NewMover(ms, st, logger),
	}
}

func (e *env) land(t *testing.T, name, data string) {
	t.Helper()
	require.NoError(t, e.storage.Put(context.Background(), storage.Landing, name, strings.NewReader(data)))
}

func csvWithRows(n int) string {
	var b strings.Builder
	b.WriteString("CLAIM_ID,AMOUNT,EMAIL\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "CL-%03d,%d.50,user%d@example.com\n", i, i, i)
	}
	return b.String()
}

// ---- discovery ----

func TestDiscoverRegistersOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{})
	e.land(t, "acme/claims_001.csv", csvWithRows(1))
	e.land(t, "acme/notes.txt", "x")

	res, err := e.disc.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Listed)
	assert.Equal(t, 1, res.Registered)
	assert.Equal(t, []string{"acme/notes.txt"}, res.Ignored)

	rec, err := e.store.Get(ctx, "acme/claims_001.csv")
	require.NoError(t, err)
	assert.Equal(t, model.FilePending, rec.Status)
	assert.Equal(t, model.FormatCSV, rec.Format)
	assert.Equal(t, "acme", rec.Tenant)

	res, err = e.disc.Discover(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Registered)
}

func TestDiscoverFiltersInactiveTenants(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{})
	require.NoError(t, e.store.UpsertTenant(ctx, model.Tenant{Code: "ACME", Name: "Acme", Active: true}))
	require.NoError(t, e.store.UpsertTenant(ctx, model.Tenant{Code: "OLD", Name: "Old", Active: false}))
	e.land(t, "acme/a.csv", "id\n1\n")
	e.land(t, "old/b.csv", "id\n1\n")
	e.land(t, "root.csv", "id\n1\n")

	res, err := e.disc.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Registered)
	assert.ElementsMatch(t, []string{"old/b.csv", "root.csv"}, res.Ignored)
}

func TestDiscoverEmptyLanding(t *testing.T) {
	e := newEnv(t, WorkerConfig{})
	res, err := e.disc.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DiscoverResult{}, res)
}

// ---- processing ----

func TestProcessClaimsFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{ChunkSize: 7})
	e.land(t, "claims_001.csv", csvWithRows(100))
	_, err := e.disc.Discover(ctx)
	require.NoError(t, err)

	sum, err := e.worker.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Claimed)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 100, sum.RowsInserted)

	rec, err := e.store.Get(ctx, "claims_001.csv")
	require.NoError(t, err)
	assert.Equal(t, model.FileSuccess, rec.Status)
	require.NotNil(t, rec.ProcessResult)
	assert.Equal(t, 100, rec.ProcessResult.RowsRead)
	assert.Equal(t, 100, rec.ProcessResult.RowsInserted)

	raw, err := e.store.ReadAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, raw, 100)
	assert.Equal(t, 2, raw[0].RowNumber)
	assert.Equal(t, 101, raw[99].RowNumber)
	assert.Equal(t, []string{"CLAIM_ID", "AMOUNT", "EMAIL"}, raw[0].Fields.Names())
}

func TestProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{})
	e.land(t, "acme/a.csv", csvWithRows(10))
	_, err := e.disc.Discover(ctx)
	require.NoError(t, err)
	_, err = e.worker.ProcessPending(ctx)
	require.NoError(t, err)

	// Process the same record again as if it had been reset by hand.
	out := e.worker.Process(ctx, model.FileRecord{FileName: "acme/a.csv", Format: model.FormatCSV})
	assert.Equal(t, 10, out.Result.RowsSkipped)
	assert.Zero(t, out.Result.RowsInserted)

	n, err := e.store.CountRaw(ctx, "acme/a.csv")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestProcessIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{Workers: 2})
	e.land(t, "good.csv", csvWithRows(3))
	e.land(t, "empty.csv", "")
	e.land(t, "header.csv", "id,name\n")
	e.land(t, "legacy.xls", "\xd0\xcf\x11\xe0")
	_, err := e.disc.Discover(ctx)
	require.NoError(t, err)

	sum, err := e.worker.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Claimed)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 3, sum.Failed)

	want := map[string]string{
		"empty.csv":  "file is empty",
		"header.csv": "file has no data rows",
		"legacy.xls": "unsupported legacy spreadsheet format",
	}
	for name, msg := range want {
		rec, err := e.store.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, model.FileFailed, rec.Status, name)
		assert.Contains(t, rec.ErrorMessage, msg, name)
	}
}

func TestProcessRejectsLargeFiles(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{MaxFileSize: 10})
	e.land(t, "big.csv", csvWithRows(5))
	_, err := e.disc.Discover(ctx)
	require.NoError(t, err)

	e.worker.Describe = func(err error) string { return "[custom] " + err.Error() }
	_, err = e.worker.ProcessPending(ctx)
	require.NoError(t, err)

	rec, err := e.store.Get(ctx, "big.csv")
	require.NoError(t, err)
	assert.Equal(t, model.FileFailed, rec.Status)
	assert.True(t, strings.HasPrefix(rec.ErrorMessage, "[custom] file too large"), rec.ErrorMessage)
}

func TestDrainProcessesEverything(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{ClaimBatch: 2})
	for i := 0; i < 5; i++ {
		e.land(t, fmt.Sprintf("f%d.csv", i), csvWithRows(2))
	}
	_, err := e.disc.Discover(ctx)
	require.NoError(t, err)

	sum, err := e.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Succeeded)
	assert.Equal(t, 10, sum.RowsInserted)
}

// ---- moving, archiving, reprocessing ----

func TestMoveAllByStatus(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{})
	e.land(t, "acme/good.csv", csvWithRows(2))
	e.land(t, "acme/bad.csv", "")
	_, _ = e.disc.Discover(ctx)
	_, _ = e.worker.ProcessPending(ctx)

	sum, err := e.mover.MoveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, MoveSummary{Completed: 1, Errored: 1}, sum)

	_, err = e.storage.Stat(ctx, storage.Completed, "acme/good.csv")
	assert.NoError(t, err)
	_, err = e.storage.Stat(ctx, storage.Error, "acme/bad.csv")
	assert.NoError(t, err)
	_, err = e.storage.Stat(ctx, storage.Landing, "acme/good.csv")
	assert.ErrorIs(t, err, storage.ErrNotExist)

	rec, err := e.store.Get(ctx, "acme/good.csv")
	require.NoError(t, err)
	assert.NotNil(t, rec.MovedAt)

	sum, err = e.mover.MoveAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Total(), "files are never moved twice")
}

func TestMoveFinishesInterruptedMove(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{})
	e.land(t, "a.csv", csvWithRows(1))
	_, _ = e.disc.Discover(ctx)
	_, _ = e.worker.ProcessPending(ctx)

	// The copy happened but moved_at was never stamped.
	require.NoError(t, e.storage.Move(ctx, storage.Landing, storage.Completed, "a.csv"))

	n, err := e.mover.Move(ctx, model.FileSuccess, storage.Completed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMoveRejectsNonTerminalStatus(t *testing.T) {
	e := newEnv(t, WorkerConfig{})
	_, err := e.mover.Move(context.Background(), model.FilePending, storage.Completed)
	assert.Error(t, err)
}

func TestArchiveOlderThan(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{})
	require.NoError(t, e.storage.Put(ctx, storage.Completed, "acme/old.csv", strings.NewReader("x")))
	require.NoError(t, e.storage.Put(ctx, storage.Error, "acme/bad.csv", strings.NewReader("x")))
	require.NoError(t, e.storage.Put(ctx, storage.Completed, "acme/new.csv", strings.NewReader("x")))

	old := time.Now().Add(-40 * 24 * time.Hour)
	for _, p := range []string{
		filepath.Join(e.storage.Dir(storage.Completed), "acme", "old.csv"),
		filepath.Join(e.storage.Dir(storage.Error), "acme", "bad.csv"),
	} {
		require.NoError(t, os.Chtimes(p, old, old))
	}

	n, err := e.mover.ArchiveOlderThan(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	objs, err := e.storage.List(ctx, storage.Archive)
	require.NoError(t, err)
	assert.Len(t, objs, 2)
	_, err = e.storage.Stat(ctx, storage.Completed, "acme/new.csv")
	assert.NoError(t, err)
}

func TestReprocessFailedFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{})
	e.land(t, "bad.csv", "id\n")
	_, _ = e.disc.Discover(ctx)
	_, _ = e.worker.ProcessPending(ctx)
	_, err := e.mover.MoveAll(ctx)
	require.NoError(t, err)

	rec, err := e.store.Get(ctx, "bad.csv")
	require.NoError(t, err)
	require.Equal(t, model.FileFailed, rec.Status)

	// Fix the data in the error area, then reprocess.
	require.NoError(t, e.storage.Put(ctx, storage.Error, "bad.csv", strings.NewReader("id\n1\n")))
	rec, err = e.mover.Reprocess(ctx, "bad.csv")
	require.NoError(t, err)
	assert.Equal(t, model.FilePending, rec.Status)
	assert.Nil(t, rec.MovedAt)
	assert.Equal(t, 1, rec.RetryCount)

	_, err = e.storage.Stat(ctx, storage.Landing, "bad.csv")
	require.NoError(t, err)

	sum, err := e.worker.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	rec, err = e.store.Get(ctx, "bad.csv")
	require.NoError(t, err)
	assert.Equal(t, model.FileSuccess, rec.Status)
}

func TestReprocessRefusesProcessing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{})
	e.land(t, "a.csv", "id\n1\n")
	_, _ = e.disc.Discover(ctx)
	_, err := e.store.ClaimPending(ctx, 1)
	require.NoError(t, err)

	_, err = e.mover.Reprocess(ctx, "a.csv")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestReprocessMissingFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WorkerConfig{})
	e.land(t, "a.csv", "")
	_, _ = e.disc.Discover(ctx)
	_, _ = e.worker.ProcessPending(ctx)
	_, _ = e.mover.MoveAll(ctx)
	require.NoError(t, os.Remove(filepath.Join(e.storage.Dir(storage.Error), "a.csv")))

	_, err := e.mover.Reprocess(ctx, "a.csv")
	assert.ErrorIs(t, err, ErrFileMissing)

	_, err = e.mover.Reprocess(ctx, "unknown.csv")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
