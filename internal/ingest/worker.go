package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/storage"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"golang.org/x/sync/errgroup"
)

// Worker defaults.
const (
	DefaultClaimBatch  = 10
	DefaultWorkers     = 4
	DefaultChunkSize   = 1000
	DefaultMaxFileSize = 100 << 20
)

// WorkerConfig bounds one processing run.
type WorkerConfig struct {
	ClaimBatch  int   // files claimed per run
	Workers     int   // files parsed in parallel
	ChunkSize   int   // rows per raw insert
	MaxFileSize int64 // bytes; larger files fail
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = DefaultClaimBatch
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	return c
}

// FileOutcome is the result of processing one claimed file.
type FileOutcome struct {
	FileName string              `json:"file_name"`
	Status   model.FileStatus    `json:"status"`
	Result   model.ProcessResult `json:"result"`
	Error    string              `json:"error,omitempty"`
}

// ProcessSummary aggregates one run over a claimed batch.
type ProcessSummary struct {
	Claimed      int           `json:"claimed"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	RowsInserted int           `json:"rows_inserted"`
	Files        []FileOutcome `json:"files"`
}

// Worker claims PENDING files, parses them into the raw store and records the
// outcome on each FileRecord. A failing file never affects the others.
type Worker struct {
	files   store.FileRegistry
	raw     store.RawStore
	storage storage.Storage
	parser  *Parser
	cfg     WorkerConfig
	logger  *slog.Logger
	now     func() time.Time

	// Describe renders the error persisted on a failed FileRecord.
	Describe func(error) string
}

// NewWorker creates a worker.
func NewWorker(files store.FileRegistry, raw store.RawStore, st storage.Storage, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		files:    files,
		raw:      raw,
		storage:  st,
		parser:   &Parser{},
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		Describe: func(err error) string { return err.Error() },
	}
}

// ProcessPending claims up to ClaimBatch files and processes them with bounded
// parallelism. The returned error is only set when claiming itself fails.
func (w *Worker) ProcessPending(ctx context.Context) (ProcessSummary, error) {
	var summary ProcessSummary

	claimed, err := w.files.ClaimPending(ctx, w.cfg.ClaimBatch)
	if err != nil {
		return summary, fmt.Errorf("claim pending files: %w", err)
	}
	summary.Claimed = len(claimed)
	if len(claimed) == 0 {
		return summary, nil
	}

	outcomes := make([]FileOutcome, len(claimed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for i, rec := range claimed {
		g.Go(func() error {
			outcomes[i] = w.Process(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch o.Status {
		case model.FileSuccess:
			summary.Succeeded++
		case model.FileFailed:
			summary.Failed++
		}
		summary.RowsInserted += o.Result.RowsInserted
	}
	summary.Files = outcomes
	return summary, nil
}

// Process parses one claimed file and finalizes its record. rec must already be
// PROCESSING.
func (w *Worker) Process(ctx context.Context, rec model.FileRecord) FileOutcome {
	start := w.now()
	logger := w.logger.With("file", rec.FileName)
	out := FileOutcome{FileName: rec.FileName}

	result, err := w.parseFile(ctx, rec)
	result.DurationMs = w.now().Sub(start).Milliseconds()
	out.Result = result

	if err != nil {
		msg := w.Describe(err)
		out.Status = model.FileFailed
		out.Error = msg
		logger.Error("file processing failed", "error", err, "rows_inserted", result.RowsInserted, "duration_ms", result.DurationMs)
		if ferr := w.files.Fail(context.WithoutCancel(ctx), rec.FileName, msg, &result); ferr != nil {
			logger.Error("failed to record file failure", "error", ferr)
		}
		return out
	}

	out.Status = model.FileSuccess
	if cerr := w.files.Complete(context.WithoutCancel(ctx), rec.FileName, result); cerr != nil {
		logger.Error("failed to record file success", "error", cerr)
		out.Status = model.FileProcessing
		out.Error = cerr.Error()
		return out
	}
	logger.Info("file processed",
		"rows_read", result.RowsRead,
		"rows_inserted", result.RowsInserted,
		"rows_skipped", result.RowsSkipped,
		"duration_ms", result.DurationMs,
	)
	return out
}

// parseFile streams the landed file into the raw store in chunks. A panic in the
// decoder is converted into an error for this file only.
func (w *Worker) parseFile(ctx context.Context, rec model.FileRecord) (result model.ProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while parsing file", "file", rec.FileName, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic while parsing: %v", r)
		}
	}()

	obj, err := w.storage.Stat(ctx, storage.Landing, rec.FileName)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return result, fmt.Errorf("%w: %s", ErrFileMissing, rec.FileName)
		}
		return result, err
	}
	if obj.Size > w.cfg.MaxFileSize {
		return result, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, obj.Size, w.cfg.MaxFileSize)
	}

	f, err := w.storage.Open(ctx, storage.Landing, rec.FileName)
	if err != nil {
		return result, err
	}
	defer f.Close()
	counter := newCountingReader(f, obj.Size)

	tenant := rec.Tenant
	if tenant == "" {
		tenant = model.TenantFromPath(rec.FileName)
	}

	chunk := make([]model.RawRecord, 0, w.cfg.ChunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		res, err := w.raw.InsertRaw(ctx, chunk)
		if err != nil {
			return fmt.Errorf("insert rows %d-%d: %w", chunk[0].RowNumber, chunk[len(chunk)-1].RowNumber, err)
		}
		result.RowsInserted += res.Inserted
		result.RowsSkipped += res.Skipped
		chunk = chunk[:0]
		w.logger.Debug("chunk stored", "file", rec.FileName, "progress", counter.Progress())
		return nil
	}

	stats, err := w.parser.Parse(ctx, rec.FileName, rec.Format, counter, func(row Row) error {
		chunk = append(chunk, model.RawRecord{
			FileName:  rec.FileName,
			RowNumber: row.Number,
			Fields:    row.Fields,
			OriginTag: tenant,
			ByteSize:  row.Bytes,
		})
		if len(chunk) >= w.cfg.ChunkSize {
			return flush()
		}
		return nil
	})
	result.RowsRead = stats.RowsRead
	result.Warnings = stats.Warnings
	if err != nil {
		return result, err
	}
	if err := flush(); err != nil {
		return result, err
	}
	return result, nil
}

// Drain runs ProcessPending until no PENDING file is left or ctx is done.
func (w *Worker) Drain(ctx context.Context) (ProcessSummary, error) {
	var total ProcessSummary
	for ctx.Err() == nil {
		s, err := w.ProcessPending(ctx)
		total.Claimed += s.Claimed
		total.Succeeded += s.Succeeded
		total.Failed += s.Failed
		total.RowsInserted += s.RowsInserted
		total.Files = append(total.Files, s.Files...)
		if err != nil {
			return total, err
		}
		if s.Claimed == 0 {
			break
		}
	}
	return total, nil
}
