package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const fileColumns = `file_name, tenant, format, size_bytes, status, discovered_at,
	processing_started_at, processed_at, moved_at, retry_count, error_message, process_result`

func scanFile(row pgx.Row) (model.FileRecord, error) {
	var (
		rec       model.FileRecord
		format    string
		status    string
		started   pgtype.Timestamptz
		processed pgtype.Timestamptz
		moved     pgtype.Timestamptz
		result    []byte
	)
	err := row.Scan(
		&rec.FileName, &rec.Tenant, &format, &rec.SizeBytes, &status, &rec.DiscoveredAt,
		&started, &processed, &moved, &rec.RetryCount, &rec.ErrorMessage, &result,
	)
	if err != nil {
		return model.FileRecord{}, err
	}
	rec.Format = model.FileFormat(format)
	rec.Status = model.FileStatus(status)
	rec.ProcessingStartedAt = fromTimestamptz(started)
	rec.ProcessedAt = fromTimestamptz(processed)
	rec.MovedAt = fromTimestamptz(moved)
	if len(result) > 0 {
		var pr model.ProcessResult
		if err := json.Unmarshal(result, &pr); err != nil {
			return model.FileRecord{}, fmt.Errorf("decode process_result for %s: %w", rec.FileName, err)
		}
		rec.ProcessResult = &pr
	}
	return rec, nil
}

func collectFiles(rows pgx.Rows) ([]model.FileRecord, error) {
	defer rows.Close()
	var out []model.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) RegisterDiscovered(ctx context.Context, files []model.FileRecord) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}

	// A conflicting row is only touched when it failed and has already left the
	// landing area; every other state keeps its record.
	const q = `
INSERT INTO ingest_files (file_name, tenant, format, size_bytes, status, discovered_at)
VALUES ($1, $2, $3, $4, 'PENDING', COALESCE($5, now()))
ON CONFLICT (file_name) DO UPDATE
   SET status = 'PENDING',
       size_bytes = EXCLUDED.size_bytes,
       moved_at = NULL,
       processing_started_at = NULL,
       processed_at = NULL,
       error_message = '',
       process_result = NULL,
       retry_count = ingest_files.retry_count + 1
 WHERE ingest_files.status = 'FAILED' AND ingest_files.moved_at IS NOT NULL`

	batch := &pgx.Batch{}
	for _, f := range files {
		batch.Queue(q, f.FileName, f.Tenant, string(f.Format), f.SizeBytes, toTimestamptz(f.DiscoveredAt))
	}

	n := 0
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for _, f := range files {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("register %s: %w", f.FileName, err)
			}
			n += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ClaimPending(ctx context.Context, n int) ([]model.FileRecord, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE ingest_files
   SET status = 'PROCESSING', processing_started_at = now()
 WHERE file_name IN (
       SELECT file_name FROM ingest_files
        WHERE status = 'PENDING'
        ORDER BY discovered_at, file_name
        LIMIT NULLIF($1::int, 0)
          FOR UPDATE SKIP LOCKED)
RETURNING `+fileColumns, limitArg(n))
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	out, err := collectFiles(rows)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].FileName < out[j].FileName
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out, nil
}

// finish moves a PROCESSING record to a terminal status, distinguishing a missing
// record from one in the wrong state.
func (s *Store) finish(ctx context.Context, fileName string, status model.FileStatus, message string, result *model.ProcessResult) error {
	var payload []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode process_result: %w", err)
		}
		payload = b
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE ingest_files
   SET status = $2, processed_at = now(), error_message = $3,
       process_result = COALESCE($4::jsonb, process_result)
 WHERE file_name = $1 AND status = 'PROCESSING'`,
		fileName, string(status), message, payload)
	if err != nil {
		return fmt.Errorf("finish %s: %w", fileName, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, fileName); err != nil {
		return err
	}
	return store.ErrConflict
}

func (s *Store) Complete(ctx context.Context, fileName string, result model.ProcessResult) error {
	return s.finish(ctx, fileName, model.FileSuccess, "", &result)
}

func (s *Store) Fail(ctx context.Context, fileName, message string, result *model.ProcessResult) error {
	return s.finish(ctx, fileName, model.FileFailed, message, result)
}

func (s *Store) ListUnmoved(ctx context.Context, status model.FileStatus, limit int) ([]model.FileRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+fileColumns+`
  FROM ingest_files
 WHERE status = $1 AND moved_at IS NULL
 ORDER BY discovered_at, file_name
 LIMIT NULLIF($2::int, 0)`, string(status), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list unmoved: %w", err)
	}
	return collectFiles(rows)
}

func (s *Store) MarkMoved(ctx context.Context, fileName string, status model.FileStatus, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE ingest_files SET moved_at = $3
 WHERE file_name = $1 AND status = $2 AND moved_at IS NULL`,
		fileName, string(status), at)
	if err != nil {
		return false, fmt.Errorf("mark moved %s: %w", fileName, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, fileName); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ResetForReprocess(ctx context.Context, fileName string) (model.FileRecord, error) {
	rec, err := scanFile(s.pool.QueryRow(ctx, `
UPDATE ingest_files
   SET status = 'PENDING', moved_at = NULL, processing_started_at = NULL,
       processed_at = NULL, error_message = '', process_result = NULL,
       retry_count = retry_count + 1
 WHERE file_name = $1 AND status <> 'PROCESSING'
RETURNING `+fileColumns, fileName))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.FileRecord{}, fmt.Errorf("reset %s: %w", fileName, err)
	}
	if _, err := s.Get(ctx, fileName); err != nil {
		return model.FileRecord{}, err
	}
	return model.FileRecord{}, store.ErrConflict
}

func (s *Store) ResetStuck(ctx context.Context, startedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE ingest_files
   SET status = 'PENDING', processing_started_at = NULL, retry_count = retry_count + 1
 WHERE status = 'PROCESSING' AND processing_started_at < $1`, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("reset stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Get(ctx context.Context, fileName string) (model.FileRecord, error) {
	rec, err := scanFile(s.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM ingest_files WHERE file_name = $1`, fileName))
	if err != nil {
		return model.FileRecord{}, notFound(err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, filter model.FileFilter) ([]model.FileRecord, error) {
	statuses := make([]string, len(filter.Status))
	for i, st := range filter.Status {
		statuses[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+fileColumns+`
  FROM ingest_files
 WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
   AND ($2::text = '' OR tenant = $2)
 ORDER BY discovered_at, file_name
 LIMIT NULLIF($3::int, 0) OFFSET $4`,
		statuses, filter.Tenant, limitArg(filter.Limit), max(filter.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return collectFiles(rows)
}

func (s *Store) Stats(ctx context.Context) (model.FileStats, error) {
	var st model.FileStats
	err := s.pool.QueryRow(ctx, `
SELECT count(*),
       count(*) FILTER (WHERE status = 'PENDING'),
       count(*) FILTER (WHERE status = 'PROCESSING'),
       count(*) FILTER (WHERE status = 'SUCCESS'),
       count(*) FILTER (WHERE status = 'FAILED'),
       count(*) FILTER (WHERE status IN ('SUCCESS', 'FAILED') AND moved_at IS NULL)
  FROM ingest_files`).Scan(&st.Total, &st.Pending, &st.Processing, &st.Success, &st.Failed, &st.Unmoved)
	if err != nil {
		return model.FileStats{}, fmt.Errorf("file stats: %w", err)
	}
	return st, nil
}
