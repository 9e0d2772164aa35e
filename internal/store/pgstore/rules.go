package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const ruleColumns = `id, name, category, target_entity, target_field, logic, parameters,
	priority, error_action, scope, active, created_at`

func scanRule(row pgx.Row) (model.TransformationRule, error) {
	var (
		r        model.TransformationRule
		category string
		action   string
		params   []byte
	)
	err := row.Scan(&r.ID, &r.Name, &category, &r.TargetEntity, &r.TargetField, &r.Logic, &params,
		&r.Priority, &action, &r.Scope, &r.Active, &r.CreatedAt)
	if err != nil {
		return model.TransformationRule{}, err
	}
	r.Category = model.RuleCategory(category)
	r.ErrorAction = model.ErrorAction(action)
	if len(params) > 0 {
		r.Parameters = params
	}
	return r, nil
}

func (s *Store) UpsertRule(ctx context.Context, rule model.TransformationRule) (model.TransformationRule, error) {
	rule.Normalize()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := rule.Validate(); err != nil {
		return model.TransformationRule{}, err
	}

	var params []byte
	if len(rule.Parameters) > 0 {
		params = rule.Parameters
	}
	out, err := scanRule(s.pool.QueryRow(ctx, `
INSERT INTO transformation_rules (id, name, category, target_entity, target_field, logic, parameters,
                                  priority, error_action, scope, active)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE
   SET name = EXCLUDED.name, category = EXCLUDED.category, target_entity = EXCLUDED.target_entity,
       target_field = EXCLUDED.target_field, logic = EXCLUDED.logic, parameters = EXCLUDED.parameters,
       priority = EXCLUDED.priority, error_action = EXCLUDED.error_action, scope = EXCLUDED.scope,
       active = EXCLUDED.active
RETURNING `+ruleColumns,
		rule.ID, rule.Name, string(rule.Category), rule.TargetEntity, rule.TargetField, rule.Logic, params,
		rule.Priority, string(rule.ErrorAction), rule.Scope, rule.Active))
	if err != nil {
		return model.TransformationRule{}, fmt.Errorf("upsert rule %s: %w", rule.ID, err)
	}
	return out, nil
}

func (s *Store) SetRuleActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE transformation_rules SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set rule active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transformation_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context, targetEntity string, activeOnly bool) ([]model.TransformationRule, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+ruleColumns+`
  FROM transformation_rules
 WHERE ($1::text = '' OR target_entity = $1)
   AND (NOT $2::boolean OR active)
 ORDER BY CASE category
            WHEN 'QUALITY' THEN 0
            WHEN 'BUSINESS' THEN 1
            WHEN 'STANDARDIZATION' THEN 2
            WHEN 'DEDUP' THEN 3
            ELSE 4
          END, priority, id`,
		strings.ToUpper(targetEntity), activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []model.TransformationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
