package mapping

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/JonMunkholm/ingestflow/internal/store"
)

type binding struct {
	mapping model.FieldMapping
	expr    *Expression
}

// Snapshot is the immutable set of approved mappings for one target entity,
// resolved once per batch. Tenant mappings shadow global ones per target column.
type Snapshot struct {
	Schema       model.TargetSchema
	SourceEntity string
	LoadedAt     time.Time
	// Ignored lists approved mappings that could not be bound, with the reason.
	Ignored []string

	global  map[string][]binding
	tenants map[string]map[string][]binding
	count   int
}

// LoadSnapshot reads the approved mappings of schema.Entity.
func LoadSnapshot(ctx context.Context, ms store.MappingStore, schema model.TargetSchema, sourceEntity string) (*Snapshot, error) {
	approved := true
	mappings, err := ms.ListMappings(ctx, model.MappingFilter{TargetEntity: schema.Entity, Approved: &approved})
	if err != nil {
		return nil, fmt.Errorf("load approved mappings for %s: %w", schema.Entity, err)
	}
	return NewSnapshot(schema, sourceEntity, mappings)
}

// NewSnapshot binds mappings to schema. Unapproved mappings and mappings for other
// entities are skipped; a mapping whose expression does not parse is an error.
func NewSnapshot(schema model.TargetSchema, sourceEntity string, mappings []model.FieldMapping) (*Snapshot, error) {
	if sourceEntity == "" {
		sourceEntity = model.RawSourceEntity
	}
	s := &Snapshot{
		Schema:       schema,
		SourceEntity: strings.ToUpper(sourceEntity),
		LoadedAt:     time.Now(),
		global:       make(map[string][]binding),
		tenants:      make(map[string]map[string][]binding),
	}
	for _, m := range mappings {
		m.Normalize()
		if !m.Approved || m.TargetEntity != strings.ToUpper(schema.Entity) || m.SourceEntity != s.SourceEntity {
			continue
		}
		col, ok := schema.Column(m.TargetField)
		if !ok {
			s.Ignored = append(s.Ignored, fmt.Sprintf("%s -> %s: column not in schema", m.SourceField, m.TargetField))
			continue
		}
		expr, err := ParseExpression(m.TransformExpression)
		if err != nil {
			return nil, fmt.Errorf("mapping %s -> %s.%s: %w", m.SourceField, m.TargetEntity, m.TargetField, err)
		}
		b := binding{mapping: m, expr: expr}
		if m.Scope == model.GlobalScope {
			s.global[col.Name] = append(s.global[col.Name], b)
		} else {
			tenant := strings.ToUpper(m.Scope)
			if s.tenants[tenant] == nil {
				s.tenants[tenant] = make(map[string][]binding)
			}
			s.tenants[tenant][col.Name] = append(s.tenants[tenant][col.Name], b)
		}
		s.count++
	}

	sortBindings := func(m map[string][]binding) {
		for _, bs := range m {
			sort.SliceStable(bs, func(i, j int) bool { return bs[i].mapping.Confidence > bs[j].mapping.Confidence })
		}
	}
	sortBindings(s.global)
	for _, m := range s.tenants {
		sortBindings(m)
	}
	return s, nil
}

// Len returns the number of bound mappings.
func (s *Snapshot) Len() int { return s.count }

// bindings returns the mappings that feed column for a record of tenant.
func (s *Snapshot) bindings(tenant, column string) []binding {
	if t := s.tenants[strings.ToUpper(tenant)]; t != nil {
		if bs := t[column]; len(bs) > 0 {
			return bs
		}
	}
	return s.global[column]
}

// MappedColumns returns the target columns with at least one mapping for tenant.
func (s *Snapshot) MappedColumns(tenant string) []string {
	var out []string
	for _, c := range s.Schema.Columns {
		if len(s.bindings(tenant, c.Name)) > 0 {
			out = append(out, c.Name)
		}
	}
	return out
}

// SourceFields returns the source fields consumed for tenant.
func (s *Snapshot) SourceFields(tenant string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range s.Schema.Columns {
		for _, b := range s.bindings(tenant, c.Name) {
			key := strings.ToUpper(b.mapping.SourceField)
			if !seen[key] {
				seen[key] = true
				out = append(out, b.mapping.SourceField)
			}
		}
	}
	return out
}

// Project builds the staging row for rec. When several mappings feed one column
// the highest-confidence non-null value wins. Values are coerced to the column
// type; a value that cannot be converted becomes null and is reported in the
// returned warnings. SOURCE_FILE_NAME and INGESTION_TIMESTAMP are filled from
// the record when declared and not mapped explicitly.
func (s *Snapshot) Project(rec model.RawRecord) (model.TargetRow, []string) {
	row := make(model.TargetRow, len(s.Schema.Columns))
	var warnings []string

	for _, col := range s.Schema.Columns {
		bs := s.bindings(rec.OriginTag, col.Name)
		var value any
		for _, b := range bs {
			raw, _ := rec.Fields.Get(b.mapping.SourceField)
			v, err := b.expr.Apply(raw, rec.Fields)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("%s: %v", col.Name, err))
				continue
			}
			if v == nil {
				continue
			}
			cv, err := Coerce(col.DataType, v)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("%s: %v", col.Name, err))
				continue
			}
			if cv != nil {
				value = cv
				break
			}
		}

		if len(bs) == 0 {
			switch col.Name {
			case model.SourceFileColumn:
				value = rec.FileName
			case model.IngestionTimestampColumn:
				if !rec.IngestedAt.IsZero() {
					value = rec.IngestedAt
				}
			}
		}
		if value == nil && col.Default != "" {
			if dv, err := Coerce(col.DataType, col.Default); err == nil {
				value = dv
			}
		}
		row[col.Name] = value
	}
	return row, warnings
}
