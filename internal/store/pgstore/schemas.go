package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/jackc/pgx/v5"
)

// targetTable returns the quoted physical table of an entity.
func targetTable(entity string) string {
	return pgx.Identifier{"target", strings.ToLower(entity)}.Sanitize()
}

func quoteColumn(name string) string {
	return pgx.Identifier{strings.ToLower(name)}.Sanitize()
}

func sqlType(dt model.DataType) string {
	switch dt {
	case model.TypeNumber:
		return "NUMERIC"
	case model.TypeInteger:
		return "BIGINT"
	case model.TypeDate:
		return "DATE"
	case model.TypeTimestamp:
		return "TIMESTAMPTZ"
	case model.TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func columnDDL(c model.Column, withConstraints bool) string {
	var b strings.Builder
	b.WriteString(quoteColumn(c.Name))
	b.WriteByte(' ')
	b.WriteString(sqlType(c.DataType))
	if c.Default != "" {
		b.WriteString(" DEFAULT '")
		b.WriteString(strings.ReplaceAll(c.Default, "'", "''"))
		b.WriteString("'")
	}
	if withConstraints && !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

func scanSchema(row pgx.Row) (model.TargetSchema, error) {
	var (
		sch     model.TargetSchema
		columns []byte
	)
	if err := row.Scan(&sch.Entity, &sch.Description, &columns, &sch.Version, &sch.UpdatedAt); err != nil {
		return model.TargetSchema{}, err
	}
	if err := json.Unmarshal(columns, &sch.Columns); err != nil {
		return model.TargetSchema{}, fmt.Errorf("decode columns of %s: %w", sch.Entity, err)
	}
	return sch, nil
}

func (s *Store) GetSchema(ctx context.Context, entity string) (model.TargetSchema, error) {
	sch, err := scanSchema(s.pool.QueryRow(ctx, `
SELECT entity, description, columns, version, updated_at FROM target_schemas WHERE entity = $1`,
		strings.ToUpper(entity)))
	if err != nil {
		return model.TargetSchema{}, notFound(err)
	}
	return sch, nil
}

func (s *Store) ListSchemas(ctx context.Context) ([]model.TargetSchema, error) {
	rows, err := s.pool.Query(ctx, `
SELECT entity, description, columns, version, updated_at FROM target_schemas ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	var out []model.TargetSchema
	for rows.Next() {
		sch, err := scanSchema(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// SaveSchema records the metadata and creates the physical table, adding any new
// columns to an existing one. Columns are never dropped or retyped here; NOT NULL
// is only applied when the table is first created. No key constraint is created:
// CommitBatch matches rows on the key column itself.
func (s *Store) SaveSchema(ctx context.Context, schema model.TargetSchema) (model.TargetSchema, error) {
	if err := schema.Normalize(); err != nil {
		return model.TargetSchema{}, err
	}
	if err := schema.Validate(); err != nil {
		return model.TargetSchema{}, err
	}
	columns, err := json.Marshal(schema.Columns)
	if err != nil {
		return model.TargetSchema{}, fmt.Errorf("encode columns: %w", err)
	}

	var saved model.TargetSchema
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		saved, err = scanSchema(tx.QueryRow(ctx, `
INSERT INTO target_schemas (entity, description, columns, version, updated_at)
VALUES ($1, $2, $3::jsonb, 1, now())
ON CONFLICT (entity) DO UPDATE
   SET description = EXCLUDED.description, columns = EXCLUDED.columns,
       version = target_schemas.version + 1, updated_at = now()
RETURNING entity, description, columns, version, updated_at`,
			schema.Entity, schema.Description, columns))
		if err != nil {
			return fmt.Errorf("save schema %s: %w", schema.Entity, err)
		}

		table := targetTable(schema.Entity)
		defs := make([]string, len(schema.Columns))
		for i, c := range schema.Columns {
			defs[i] = columnDDL(c, true)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		for _, c := range schema.Columns {
			if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", table, columnDDL(c, false))); err != nil {
				return fmt.Errorf("add column %s.%s: %w", schema.Entity, c.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return model.TargetSchema{}, err
	}
	return saved, nil
}

func (s *Store) DropSchema(ctx context.Context, entity string, dropTable bool) error {
	entity = strings.ToUpper(entity)
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM target_schemas WHERE entity = $1`, entity)
		if err != nil {
			return fmt.Errorf("drop schema %s: %w", entity, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		if dropTable {
			if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+targetTable(entity)); err != nil {
				return fmt.Errorf("drop table %s: %w", entity, err)
			}
		}
		return nil
	})
}

func (s *Store) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT code, name, description, active, created_at FROM tenants ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.Code, &t.Name, &t.Description, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpsertTenant(ctx context.Context, tenant model.Tenant) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO tenants (code, name, description, active) VALUES ($1, $2, $3, $4)
ON CONFLICT (code) DO UPDATE
   SET name = EXCLUDED.name, description = EXCLUDED.description, active = EXCLUDED.active`,
		tenant.Code, tenant.Name, tenant.Description, tenant.Active)
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", tenant.Code, err)
	}
	return nil
}
