package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/convert"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// ---- Watermarks ----

func (s *Store) GetWatermark(ctx context.Context, sourceEntity, targetEntity string) (model.Watermark, bool, error) {
	var wm model.Watermark
	err := s.pool.QueryRow(ctx, `
SELECT source_entity, target_entity, last_position, records_processed_total, last_batch_id, updated_at
  FROM watermarks WHERE source_entity = $1 AND target_entity = $2`,
		strings.ToUpper(sourceEntity), strings.ToUpper(targetEntity)).
		Scan(&wm.SourceEntity, &wm.TargetEntity, &wm.LastPosition, &wm.RecordsProcessedTotal, &wm.LastBatchID, &wm.UpdatedAt)
	if err != nil {
		if notFound(err) == store.ErrNotFound {
			return model.Watermark{}, false, nil
		}
		return model.Watermark{}, false, fmt.Errorf("get watermark: %w", err)
	}
	return wm, true, nil
}

func (s *Store) ListWatermarks(ctx context.Context) ([]model.Watermark, error) {
	rows, err := s.pool.Query(ctx, `
SELECT source_entity, target_entity, last_position, records_processed_total, last_batch_id, updated_at
  FROM watermarks ORDER BY target_entity, source_entity`)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer rows.Close()

	var out []model.Watermark
	for rows.Next() {
		var wm model.Watermark
		if err := rows.Scan(&wm.SourceEntity, &wm.TargetEntity, &wm.LastPosition, &wm.RecordsProcessedTotal, &wm.LastBatchID, &wm.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, wm)
	}
	return out, rows.Err()
}

// ---- Commit ----

// CommitBatch stages the rows with COPY, upserts them on the key column and writes
// quarantine records and the watermark, all in one transaction.
func (s *Store) CommitBatch(ctx context.Context, c store.Commit) (store.UpsertResult, error) {
	sch := c.Schema
	key := sch.KeyColumn()
	if key == "" {
		return store.UpsertResult{}, fmt.Errorf("commit %s: schema has no columns", sch.Entity)
	}

	rows, folded := store.CollapseByKey(c.Rows, key)
	res := store.UpsertResult{Updated: folded}

	now := time.Now()
	names := make([]string, len(sch.Columns))
	for i, col := range sch.Columns {
		names[i] = strings.ToLower(col.Name)
	}

	copyRows := make([][]any, 0, len(rows))
	for _, r := range rows {
		vals := make([]any, len(sch.Columns))
		for i, col := range sch.Columns {
			v := r[col.Name]
			if col.Name == "CREATED_AT" || col.Name == "UPDATED_AT" {
				v = now
			}
			pv, err := pgValue(col.DataType, v)
			if err != nil {
				return store.UpsertResult{}, fmt.Errorf("commit %s: column %s: %w", sch.Entity, col.Name, err)
			}
			vals[i] = pv
		}
		copyRows = append(copyRows, vals)
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if len(copyRows) > 0 {
			inserted, updated, err := upsertTarget(ctx, tx, sch, names, copyRows)
			if err != nil {
				return err
			}
			res.Inserted += inserted
			res.Updated += updated
		}
		if err := insertQuarantine(ctx, tx, c.Quarantine, now); err != nil {
			return err
		}
		wm := c.Watermark
		if _, err := tx.Exec(ctx, `
INSERT INTO watermarks (source_entity, target_entity, last_position, records_processed_total, last_batch_id, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (source_entity, target_entity) DO UPDATE
   SET last_position = GREATEST(watermarks.last_position, EXCLUDED.last_position),
       records_processed_total = EXCLUDED.records_processed_total,
       last_batch_id = EXCLUDED.last_batch_id,
       updated_at = now()`,
			strings.ToUpper(wm.SourceEntity), strings.ToUpper(wm.TargetEntity), wm.LastPosition,
			wm.RecordsProcessedTotal, wm.LastBatchID); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.UpsertResult{}, err
	}
	return res, nil
}

// upsertTarget matches staged rows to the target table on the key column
// without relying on a unique constraint: existing keys are updated, the rest
// inserted. The table lock serializes commits of different sources into the
// same target; readers are not blocked.
func upsertTarget(ctx context.Context, tx pgx.Tx, sch model.TargetSchema, names []string, rows [][]any) (int, int, error) {
	table := targetTable(sch.Entity)
	if _, err := tx.Exec(ctx, fmt.Sprintf("LOCK TABLE %s IN SHARE ROW EXCLUSIVE MODE", table)); err != nil {
		return 0, 0, fmt.Errorf("lock %s: %w", sch.Entity, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE stg_target (LIKE %s) ON COMMIT DROP", table)); err != nil {
		return 0, 0, fmt.Errorf("create target staging: %w", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"stg_target"}, names, pgx.CopyFromRows(rows)); err != nil {
		return 0, 0, fmt.Errorf("copy target staging: %w", err)
	}

	update, insert := upsertStatements(table, names)
	var updated int
	if err := tx.QueryRow(ctx, update).Scan(&updated); err != nil {
		return 0, 0, fmt.Errorf("update %s: %w", sch.Entity, err)
	}
	tag, err := tx.Exec(ctx, insert)
	if err != nil {
		return 0, 0, fmt.Errorf("insert %s: %w", sch.Entity, err)
	}
	return int(tag.RowsAffected()), updated, nil
}

// upsertStatements builds the keyed update and insert of upsertTarget. names[0]
// is the key column. The update returns the number of staged keys it matched.
func upsertStatements(table string, names []string) (update, insert string) {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteColumn(n)
	}
	keyCol := quoted[0]
	match := fmt.Sprintf("t.%s = s.%s", keyCol, keyCol)

	var sets []string
	for i, n := range names {
		if i == 0 || n == "created_at" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = s.%s", quoted[i], quoted[i]))
	}
	if len(sets) == 0 {
		update = fmt.Sprintf(`
SELECT count(*) FROM stg_target s WHERE EXISTS (SELECT 1 FROM %s t WHERE %s)`, table, match)
	} else {
		update = fmt.Sprintf(`
WITH matched AS (
  UPDATE %s t SET %s FROM stg_target s WHERE %s RETURNING s.%s
)
SELECT count(DISTINCT %s) FROM matched`, table, strings.Join(sets, ", "), match, keyCol, keyCol)
	}

	cols := strings.Join(quoted, ", ")
	sel := make([]string, len(quoted))
	for i, q := range quoted {
		sel[i] = "s." + q
	}
	insert = fmt.Sprintf(`
INSERT INTO %s (%s)
SELECT %s FROM stg_target s
 WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s)`, table, cols, strings.Join(sel, ", "), table, match)
	return update, insert
}

func insertQuarantine(ctx context.Context, tx pgx.Tx, records []model.QuarantineRecord, now time.Time) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(records))
	for _, q := range records {
		original, err := json.Marshal(q.OriginalRecord)
		if err != nil {
			return fmt.Errorf("encode quarantined record: %w", err)
		}
		at := q.QuarantinedAt
		if at.IsZero() {
			at = now
		}
		ruleIDs := q.FailedRuleIDs
		if ruleIDs == nil {
			ruleIDs = []string{}
		}
		rows = append(rows, []any{
			newUUID(q.ID), q.BatchID, q.TargetEntity, q.SourceFile, q.SourcePosition,
			string(original), ruleIDs, q.ErrorDetail, at, q.Resolved,
		})
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"quarantine_records"},
		[]string{"id", "batch_id", "target_entity", "source_file", "source_position",
			"original_record", "failed_rule_ids", "error_detail", "quarantined_at", "resolved"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert quarantine: %w", err)
	}
	return nil
}

// newUUID parses id or generates a fresh one when id is empty or malformed.
func newUUID(id string) pgtype.UUID {
	u, err := uuid.Parse(id)
	if err != nil {
		u = uuid.New()
	}
	return pgtype.UUID{Bytes: u, Valid: true}
}

// pgValue converts a projected value into the pgx representation of the column type.
func pgValue(dt model.DataType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch dt {
	case model.TypeNumber:
		switch t := v.(type) {
		case float64:
			return t, nil
		case int64:
			return t, nil
		case int:
			return int64(t), nil
		}
		s, _ := convert.Text(v)
		n, ok := convert.NormalizeNumber(s)
		if !ok {
			return nil, fmt.Errorf("cannot convert %q to NUMBER", s)
		}
		var num pgtype.Numeric
		if err := num.Scan(n); err != nil {
			return nil, err
		}
		return num, nil
	case model.TypeInteger:
		switch t := v.(type) {
		case int64:
			return t, nil
		case int:
			return int64(t), nil
		case float64:
			if t == math.Trunc(t) {
				return int64(t), nil
			}
		}
		s, _ := convert.Text(v)
		i, ok := convert.ParseInteger(s)
		if !ok {
			return nil, fmt.Errorf("cannot convert %q to INTEGER", s)
		}
		return i, nil
	case model.TypeDate:
		if t, ok := v.(time.Time); ok {
			return pgtype.Date{Time: t, Valid: true}, nil
		}
		s, _ := convert.Text(v)
		t, ok := convert.ParseDate(s)
		if !ok {
			return nil, fmt.Errorf("cannot convert %q to DATE", s)
		}
		return pgtype.Date{Time: t, Valid: true}, nil
	case model.TypeTimestamp:
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
		s, _ := convert.Text(v)
		t, ok := convert.ParseTimestamp(s)
		if !ok {
			return nil, fmt.Errorf("cannot convert %q to TIMESTAMP", s)
		}
		return t, nil
	case model.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		s, _ := convert.Text(v)
		b, ok := convert.ParseBool(s)
		if !ok {
			return nil, fmt.Errorf("cannot convert %q to BOOLEAN", s)
		}
		return b, nil
	default:
		s, _ := convert.Text(v)
		return s, nil
	}
}

// ---- Batches ----

const batchColumns = `id, source_entity, target_entity, status, records_read, records_processed,
	records_rejected, records_quarantined, records_inserted, records_updated, rules_applied,
	start_position, end_position, started_at, ended_at, duration_ms, error_message`

func batchArgs(b model.Batch) []any {
	return []any{
		b.ID, b.SourceEntity, b.TargetEntity, string(b.Status), b.RecordsRead, b.RecordsProcessed,
		b.RecordsRejected, b.RecordsQuarantine, b.RecordsInserted, b.RecordsUpdated, b.RulesApplied,
		b.StartPosition, b.EndPosition, b.StartedAt, toTimestamptzPtr(b.EndedAt), b.DurationMs, b.ErrorMessage,
	}
}

func scanBatch(row pgx.Row) (model.Batch, error) {
	var (
		b      model.Batch
		status string
		ended  pgtype.Timestamptz
	)
	err := row.Scan(&b.ID, &b.SourceEntity, &b.TargetEntity, &status, &b.RecordsRead, &b.RecordsProcessed,
		&b.RecordsRejected, &b.RecordsQuarantine, &b.RecordsInserted, &b.RecordsUpdated, &b.RulesApplied,
		&b.StartPosition, &b.EndPosition, &b.StartedAt, &ended, &b.DurationMs, &b.ErrorMessage)
	if err != nil {
		return model.Batch{}, err
	}
	b.Status = model.BatchStatus(status)
	b.EndedAt = fromTimestamptz(ended)
	return b, nil
}

const upsertBatchSQL = `
INSERT INTO transform_batches (` + batchColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (id) DO UPDATE
   SET status = EXCLUDED.status, records_read = EXCLUDED.records_read,
       records_processed = EXCLUDED.records_processed, records_rejected = EXCLUDED.records_rejected,
       records_quarantined = EXCLUDED.records_quarantined, records_inserted = EXCLUDED.records_inserted,
       records_updated = EXCLUDED.records_updated, rules_applied = EXCLUDED.rules_applied,
       end_position = EXCLUDED.end_position, ended_at = EXCLUDED.ended_at,
       duration_ms = EXCLUDED.duration_ms, error_message = EXCLUDED.error_message`

func (s *Store) StartBatch(ctx context.Context, b model.Batch) error {
	if _, err := s.pool.Exec(ctx, upsertBatchSQL, batchArgs(b)...); err != nil {
		return fmt.Errorf("start batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) FinishBatch(ctx context.Context, b model.Batch) error {
	if _, err := s.pool.Exec(ctx, upsertBatchSQL, batchArgs(b)...); err != nil {
		return fmt.Errorf("finish batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (model.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM transform_batches WHERE id = $1`, id))
	if err != nil {
		return model.Batch{}, notFound(err)
	}
	return b, nil
}

func (s *Store) ListBatches(ctx context.Context, targetEntity string, limit int) ([]model.Batch, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+batchColumns+`
  FROM transform_batches
 WHERE ($1::text = '' OR target_entity = $1)
 ORDER BY started_at DESC
 LIMIT NULLIF($2::int, 0)`, strings.ToUpper(targetEntity), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---- Metrics ----

func (s *Store) RecordMetrics(ctx context.Context, metrics []model.QualityMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([][]any, 0, len(metrics))
	for _, m := range metrics {
		at := m.RecordedAt
		if at.IsZero() {
			at = now
		}
		rows = append(rows, []any{
			newUUID(m.ID), m.BatchID, m.RuleID, string(m.Category), m.TargetEntity, m.MeasuredValue,
			int32(m.RowsEvaluated), int32(m.RowsAffected), string(m.Status), m.Error, at,
		})
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"quality_metrics"},
		[]string{"id", "batch_id", "rule_id", "category", "target_entity", "measured_value",
			"rows_evaluated", "rows_affected", "status", "error", "recorded_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("record metrics: %w", err)
	}
	return nil
}

func (s *Store) ListMetrics(ctx context.Context, batchID string) ([]model.QualityMetric, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, batch_id, rule_id, category, target_entity, measured_value, rows_evaluated,
       rows_affected, status, error, recorded_at
  FROM quality_metrics
 WHERE ($1::text = '' OR batch_id = $1)
 ORDER BY recorded_at, rule_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []model.QualityMetric
	for rows.Next() {
		var (
			m        model.QualityMetric
			id       pgtype.UUID
			category string
			status   string
		)
		if err := rows.Scan(&id, &m.BatchID, &m.RuleID, &category, &m.TargetEntity, &m.MeasuredValue,
			&m.RowsEvaluated, &m.RowsAffected, &status, &m.Error, &m.RecordedAt); err != nil {
			return nil, err
		}
		m.ID = uuid.UUID(id.Bytes).String()
		m.Category = model.RuleCategory(category)
		m.Status = model.MetricStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- Quarantine and target reads ----

func (s *Store) ListQuarantine(ctx context.Context, targetEntity string, limit int) ([]model.QuarantineRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, batch_id, target_entity, source_file, source_position, original_record,
       failed_rule_ids, error_detail, quarantined_at, resolved
  FROM quarantine_records
 WHERE ($1::text = '' OR target_entity = $1)
 ORDER BY quarantined_at, source_position
 LIMIT NULLIF($2::int, 0)`, strings.ToUpper(targetEntity), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	var out []model.QuarantineRecord
	for rows.Next() {
		var (
			q        model.QuarantineRecord
			id       pgtype.UUID
			original []byte
		)
		if err := rows.Scan(&id, &q.BatchID, &q.TargetEntity, &q.SourceFile, &q.SourcePosition, &original,
			&q.FailedRuleIDs, &q.ErrorDetail, &q.QuarantinedAt, &q.Resolved); err != nil {
			return nil, err
		}
		q.ID = uuid.UUID(id.Bytes).String()
		if err := json.Unmarshal(original, &q.OriginalRecord); err != nil {
			return nil, fmt.Errorf("decode quarantined record %s: %w", q.ID, err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) TargetRows(ctx context.Context, entity string, limit int) ([]model.TargetRow, error) {
	sch, err := s.GetSchema(ctx, entity)
	if err != nil {
		return nil, err
	}

	quoted := make([]string, len(sch.Columns))
	for i, c := range sch.Columns {
		quoted[i] = quoteColumn(c.Name)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY %s LIMIT NULLIF($1::int, 0)",
		strings.Join(quoted, ", "), targetTable(sch.Entity), quoted[0]), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sch.Entity, err)
	}
	defer rows.Close()

	var out []model.TargetRow
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(model.TargetRow, len(vals))
		for i, v := range vals {
			row[sch.Columns[i].Name] = fromPgValue(v)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func fromPgValue(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case int32:
		return int64(t)
	default:
		return v
	}
}
