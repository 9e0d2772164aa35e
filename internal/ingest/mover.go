package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/storage"
	"github.com/JonMunkholm/ingestflow/internal/store"
)

// DefaultRetention is how long files stay in the completed and error areas.
const DefaultRetention = 30 * 24 * time.Hour

// MoveSummary counts files relocated by MoveAll.
type MoveSummary struct {
	Completed int `json:"completed"`
	Errored   int `json:"errored"`
}

// Total returns the number of files moved.
func (s MoveSummary) Total() int { return s.Completed + s.Errored }

// Mover relocates processed files out of the landing area, archives old files
// and brings files back for reprocessing.
type Mover struct {
	files   store.FileRegistry
	storage storage.Storage
	logger  *slog.Logger
	now     func() time.Time
}

// NewMover creates a mover.
func NewMover(files store.FileRegistry, st storage.Storage, logger *slog.Logger) *Mover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mover{files: files, storage: st, logger: logger, now: time.Now}
}

// AreaFor returns the destination area for a terminal status.
func AreaFor(status model.FileStatus) (storage.Area, bool) {
	switch status {
	case model.FileSuccess:
		return storage.Completed, true
	case model.FileFailed:
		return storage.Error, true
	}
	return "", false
}

// MoveAll moves SUCCESS files to the completed area and FAILED files to the
// error area.
func (m *Mover) MoveAll(ctx context.Context) (MoveSummary, error) {
	var sum MoveSummary
	n, err1 := m.Move(ctx, model.FileSuccess, storage.Completed)
	sum.Completed = n
	n, err2 := m.Move(ctx, model.FileFailed, storage.Error)
	sum.Errored = n
	return sum, errors.Join(err1, err2)
}

// Move relocates every file with the given status and no moved_at stamp to the
// target area, then stamps moved_at. Per-file failures are logged and joined
// into the returned error; the remaining files are still moved.
func (m *Mover) Move(ctx context.Context, status model.FileStatus, to storage.Area) (int, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("move: status %s is not terminal", status)
	}
	recs, err := m.files.ListUnmoved(ctx, status, 0)
	if err != nil {
		return 0, fmt.Errorf("list unmoved %s files: %w", status, err)
	}

	moved := 0
	var errs []error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := m.moveOne(ctx, rec, to)
		if err != nil {
			m.logger.Error("failed to move file", "file", rec.FileName, "to", to, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", rec.FileName, err))
			continue
		}
		if ok {
			moved++
		}
	}
	if moved > 0 {
		m.logger.Info("files moved", "status", status, "to", to, "count", moved)
	}
	return moved, errors.Join(errs...)
}

// moveOne copies then deletes the physical file and stamps moved_at. A file that
// already sits in the destination (a prior run stopped before stamping) is only
// stamped.
func (m *Mover) moveOne(ctx context.Context, rec model.FileRecord, to storage.Area) (bool, error) {
	err := m.storage.Move(ctx, storage.Landing, to, rec.FileName)
	if errors.Is(err, storage.ErrNotExist) {
		if _, serr := m.storage.Stat(ctx, to, rec.FileName); serr != nil {
			return false, fmt.Errorf("%w: %s", ErrFileMissing, rec.FileName)
		}
		err = nil
	}
	if err != nil {
		return false, err
	}
	ok, err := m.files.MarkMoved(ctx, rec.FileName, rec.Status, m.now())
	if err != nil {
		return false, fmt.Errorf("stamp moved_at: %w", err)
	}
	if !ok {
		m.logger.Debug("file already stamped by another mover", "file", rec.FileName)
	}
	return ok, nil
}

// ArchiveOlderThan moves files that have been in the completed or error area
// longer than age into the archive area. It reads storage only and never touches
// the registry.
func (m *Mover) ArchiveOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if age <= 0 {
		age = DefaultRetention
	}
	cutoff := m.now().Add(-age)

	archived := 0
	var errs []error
	for _, area := range []storage.Area{storage.Completed, storage.Error} {
		objs, err := m.storage.List(ctx, area)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", area, err))
			continue
		}
		for _, obj := range objs {
			if !obj.ModTime.Before(cutoff) {
				continue
			}
			if err := m.storage.Move(ctx, area, storage.Archive, obj.Name); err != nil {
				m.logger.Error("failed to archive file", "file", obj.Name, "from", area, "error", err)
				errs = append(errs, fmt.Errorf("%s/%s: %w", area, obj.Name, err))
				continue
			}
			archived++
		}
	}
	if archived > 0 {
		m.logger.Info("files archived", "count", archived, "older_than", age.String())
	}
	return archived, errors.Join(errs...)
}

// reprocessSearch is the order in which areas are searched for a file to reprocess.
var reprocessSearch = []storage.Area{storage.Error, storage.Archive, storage.Completed}

// Reprocess moves a file back into the landing area and resets its record to
// PENDING with moved_at cleared. A file that is currently PROCESSING is refused
// with store.ErrConflict.
func (m *Mover) Reprocess(ctx context.Context, fileName string) (model.FileRecord, error) {
	rec, err := m.files.Get(ctx, fileName)
	if err != nil {
		return model.FileRecord{}, err
	}
	if rec.Status == model.FileProcessing {
		return model.FileRecord{}, fmt.Errorf("%s is being processed: %w", fileName, store.ErrConflict)
	}

	if _, err := m.storage.Stat(ctx, storage.Landing, fileName); err != nil {
		if !errors.Is(err, storage.ErrNotExist) {
			return model.FileRecord{}, err
		}
		if err := m.restore(ctx, fileName); err != nil {
			return model.FileRecord{}, err
		}
	}

	rec, err = m.files.ResetForReprocess(ctx, fileName)
	if err != nil {
		return model.FileRecord{}, err
	}
	m.logger.Info("file queued for reprocessing", "file", fileName, "retry_count", rec.RetryCount)
	return rec, nil
}

func (m *Mover) restore(ctx context.Context, fileName string) error {
	for _, area := range reprocessSearch {
		if _, err := m.storage.Stat(ctx, area, fileName); err != nil {
			if errors.Is(err, storage.ErrNotExist) {
				continue
			}
			return err
		}
		if err := m.storage.Move(ctx, area, storage.Landing, fileName); err != nil {
			return fmt.Errorf("restore %s from %s: %w", fileName, area, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrFileMissing, fileName)
}
