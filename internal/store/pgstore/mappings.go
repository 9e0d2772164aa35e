package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const mappingColumns = `id, source_field, source_entity, target_entity, target_field, scope, strategy,
	confidence, transform_expression, reasoning, approved, created_at, approved_at`

func scanMapping(row pgx.Row) (model.FieldMapping, error) {
	var (
		m          model.FieldMapping
		id         pgtype.UUID
		strategy   string
		approvedAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &m.SourceField, &m.SourceEntity, &m.TargetEntity, &m.TargetField, &m.Scope, &strategy,
		&m.Confidence, &m.TransformExpression, &m.Reasoning, &m.Approved, &m.CreatedAt, &approvedAt)
	if err != nil {
		return model.FieldMapping{}, err
	}
	m.ID = uuid.UUID(id.Bytes).String()
	m.Strategy = model.Strategy(strategy)
	m.ApprovedAt = fromTimestamptz(approvedAt)
	return m, nil
}

func (s *Store) InsertMappings(ctx context.Context, mappings []model.FieldMapping) (store.InsertResult, error) {
	var res store.InsertResult
	if len(mappings) == 0 {
		return res, nil
	}

	batch := &pgx.Batch{}
	now := time.Now()
	for i := range mappings {
		m := mappings[i]
		m.Normalize()
		if err := m.Validate(); err != nil {
			return res, err
		}
		id := uuid.New()
		if m.ID != "" {
			parsed, err := uuid.Parse(m.ID)
			if err != nil {
				return res, fmt.Errorf("mapping id %q: %w", m.ID, err)
			}
			id = parsed
		}
		approvedAt := m.ApprovedAt
		if m.Approved && approvedAt == nil {
			approvedAt = &now
		}
		batch.Queue(`
INSERT INTO field_mappings (`+mappingColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT DO NOTHING`,
			pgtype.UUID{Bytes: id, Valid: true}, m.SourceField, m.SourceEntity, m.TargetEntity, m.TargetField, m.Scope, string(m.Strategy),
			m.Confidence, m.TransformExpression, m.Reasoning, m.Approved, now, toTimestamptzPtr(approvedAt))
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for range mappings {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("insert mapping: %w", err)
			}
			if tag.RowsAffected() == 1 {
				res.Inserted++
			} else {
				res.Skipped++
			}
		}
		return br.Close()
	})
	if err != nil {
		return store.InsertResult{}, err
	}
	return res, nil
}

func (s *Store) ApproveMapping(ctx context.Context, id string) (model.FieldMapping, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return model.FieldMapping{}, store.ErrNotFound
	}
	m, err := scanMapping(s.pool.QueryRow(ctx, `
UPDATE field_mappings
   SET approved = TRUE, approved_at = COALESCE(approved_at, now())
 WHERE id = $1
RETURNING `+mappingColumns, pgtype.UUID{Bytes: uid, Valid: true}))
	if err != nil {
		return model.FieldMapping{}, notFound(err)
	}
	return m, nil
}

func (s *Store) ApproveMappings(ctx context.Context, targetEntity string, minConfidence float64) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE field_mappings
   SET approved = TRUE, approved_at = now()
 WHERE NOT approved AND target_entity = $1 AND confidence >= $2`,
		strings.ToUpper(targetEntity), minConfidence)
	if err != nil {
		return 0, fmt.Errorf("approve mappings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteMapping(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return store.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM field_mappings WHERE id = $1`, pgtype.UUID{Bytes: uid, Valid: true})
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListMappings(ctx context.Context, filter model.MappingFilter) ([]model.FieldMapping, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+mappingColumns+`
  FROM field_mappings
 WHERE ($1::text = '' OR target_entity = $1)
   AND ($2::text IS NULL OR scope = $2)
   AND ($3::text = '' OR strategy = $3)
   AND ($4::boolean IS NULL OR approved = $4)
 ORDER BY created_at, id`,
		strings.ToUpper(filter.TargetEntity), filter.Scope, string(filter.Strategy), filter.Approved)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []model.FieldMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListKnownMappings(ctx context.Context) ([]model.KnownMapping, error) {
	rows, err := s.pool.Query(ctx, `SELECT token, canonical FROM known_mappings ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("list known mappings: %w", err)
	}
	defer rows.Close()

	var out []model.KnownMapping
	for rows.Next() {
		var k model.KnownMapping
		if err := rows.Scan(&k.Token, &k.Canonical); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) UpsertKnownMappings(ctx context.Context, known []model.KnownMapping) error {
	if len(known) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, k := range known {
		batch.Queue(`
INSERT INTO known_mappings (token, canonical) VALUES ($1, $2)
ON CONFLICT (token) DO UPDATE SET canonical = EXCLUDED.canonical`,
			strings.ToUpper(strings.TrimSpace(k.Token)), strings.ToUpper(strings.TrimSpace(k.Canonical)))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert known mappings: %w", err)
	}
	return nil
}

func (s *Store) GetPromptTemplate(ctx context.Context, id string) (model.PromptTemplate, error) {
	var t model.PromptTemplate
	err := s.pool.QueryRow(ctx, `SELECT id, name, description, text FROM prompt_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Description, &t.Text)
	if err != nil {
		return model.PromptTemplate{}, notFound(err)
	}
	return t, nil
}

func (s *Store) ListPromptTemplates(ctx context.Context) ([]model.PromptTemplate, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, text FROM prompt_templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list prompt templates: %w", err)
	}
	defer rows.Close()

	var out []model.PromptTemplate
	for rows.Next() {
		var t model.PromptTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Text); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpsertPromptTemplate(ctx context.Context, tpl model.PromptTemplate) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO prompt_templates (id, name, description, text) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
   SET name = EXCLUDED.name, description = EXCLUDED.description, text = EXCLUDED.text`,
		tpl.ID, tpl.Name, tpl.Description, tpl.Text)
	if err != nil {
		return fmt.Errorf("upsert prompt template %s: %w", tpl.ID, err)
	}
	return nil
}
