package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/jackc/pgx/v5"
)

// rawInsertLock serializes raw inserts so that positions become visible in order.
// Without it a reader could advance a watermark past a position whose transaction
// has not committed yet.
const rawInsertLock = 0x7261770a

const rawColumns = `position, file_name, row_number, fields, ingested_at, origin_tag, byte_size`

func (s *Store) InsertRaw(ctx context.Context, records []model.RawRecord) (store.InsertResult, error) {
	if len(records) == 0 {
		return store.InsertResult{}, nil
	}

	now := time.Now()
	rows := make([][]any, 0, len(records))
	for i, r := range records {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return store.InsertResult{}, fmt.Errorf("encode %s row %d: %w", r.FileName, r.RowNumber, err)
		}
		ingested := r.IngestedAt
		if ingested.IsZero() {
			ingested = now
		}
		rows = append(rows, []any{int32(i), r.FileName, int32(r.RowNumber), string(fields), ingested, r.OriginTag, int32(r.ByteSize)})
	}

	var inserted int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(rawInsertLock)); err != nil {
			return fmt.Errorf("lock raw inserts: %w", err)
		}
		if _, err := tx.Exec(ctx, `
CREATE TEMP TABLE IF NOT EXISTS stg_raw_records (
    ord INT, file_name TEXT, row_number INT, fields TEXT,
    ingested_at TIMESTAMPTZ, origin_tag TEXT, byte_size INT
) ON COMMIT DROP`); err != nil {
			return fmt.Errorf("create raw staging: %w", err)
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"stg_raw_records"},
			[]string{"ord", "file_name", "row_number", "fields", "ingested_at", "origin_tag", "byte_size"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("copy raw staging: %w", err)
		}
		tag, err := tx.Exec(ctx, `
INSERT INTO raw_records (file_name, row_number, fields, ingested_at, origin_tag, byte_size)
SELECT file_name, row_number, fields::json, ingested_at, origin_tag, byte_size
  FROM stg_raw_records
 ORDER BY ord
ON CONFLICT (file_name, row_number) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("insert raw records: %w", err)
		}
		inserted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return store.InsertResult{}, err
	}
	return store.InsertResult{Inserted: int(inserted), Skipped: len(records) - int(inserted)}, nil
}

func scanRaw(rows pgx.Rows) ([]model.RawRecord, error) {
	defer rows.Close()
	var out []model.RawRecord
	for rows.Next() {
		var (
			r      model.RawRecord
			fields []byte
		)
		if err := rows.Scan(&r.Position, &r.FileName, &r.RowNumber, &fields, &r.IngestedAt, &r.OriginTag, &r.ByteSize); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return nil, fmt.Errorf("decode fields at position %d: %w", r.Position, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ReadAfter(ctx context.Context, after int64, limit int) ([]model.RawRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+rawColumns+`
  FROM raw_records
 WHERE position > $1
 ORDER BY position
 LIMIT NULLIF($2::int, 0)`, after, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("read raw after %d: %w", after, err)
	}
	return scanRaw(rows)
}

func (s *Store) Sample(ctx context.Context, filter model.RawFilter) ([]model.RawRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+rawColumns+`
  FROM raw_records
 WHERE ($1::text = '' OR file_name = $1)
   AND ($2::text = '' OR origin_tag = $2)
 ORDER BY position DESC
 LIMIT NULLIF($3::int, 0)`, filter.FileName, filter.Tenant, limitArg(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("sample raw: %w", err)
	}
	return scanRaw(rows)
}

func (s *Store) CountRaw(ctx context.Context, fileName string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT count(*) FROM raw_records WHERE ($1::text = '' OR file_name = $1)`, fileName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count raw: %w", err)
	}
	return n, nil
}

func (s *Store) FileFieldNames(ctx context.Context) (map[string][]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT r.file_name, k.key
  FROM raw_records r
 CROSS JOIN LATERAL json_object_keys(r.fields) WITH ORDINALITY AS k(key, ord)
 GROUP BY r.file_name, k.key
 ORDER BY r.file_name, min(r.position), min(k.ord)`)
	if err != nil {
		return nil, fmt.Errorf("file field names: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var file, key string
		if err := rows.Scan(&file, &key); err != nil {
			return nil, err
		}
		out[file] = append(out[file], key)
	}
	return out, rows.Err()
}
