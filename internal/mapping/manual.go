package mapping

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/model"
)

// manualColumns are the recognized headers of a manual mapping table.
var manualColumns = []string{"source_field", "source_entity", "target_entity", "target_field", "scope", "transform_expression"}

// ParseManualTable reads a CSV mapping table. Required headers are source_field
// and target_field; target_entity is required unless defaultEntity is set.
// Every row becomes a pre-approved MANUAL mapping with confidence 1.0.
func ParseManualTable(r io.Reader, defaultEntity, defaultScope string) ([]model.FieldMapping, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("mapping table is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping table header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, req := range []string{"source_field", "target_field"} {
		if _, ok := idx[req]; !ok {
			return nil, fmt.Errorf("mapping table: missing column %s (expected %s)", req, strings.Join(manualColumns, ", "))
		}
	}
	if _, ok := idx["target_entity"]; !ok && defaultEntity == "" {
		return nil, fmt.Errorf("mapping table: missing column target_entity")
	}

	get := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []model.FieldMapping
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("mapping table line %d: %w", line, err)
		}
		m := model.FieldMapping{
			SourceField:         get(rec, "source_field"),
			SourceEntity:        get(rec, "source_entity"),
			TargetEntity:        get(rec, "target_entity"),
			TargetField:         get(rec, "target_field"),
			Scope:               get(rec, "scope"),
			TransformExpression: get(rec, "transform_expression"),
		}
		if m.SourceField == "" && m.TargetField == "" {
			continue
		}
		if m.TargetEntity == "" {
			m.TargetEntity = defaultEntity
		}
		if m.Scope == "" {
			m.Scope = defaultScope
		}
		m, err = manualMapping(m)
		if err != nil {
			return nil, fmt.Errorf("mapping table line %d: %w", line, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// manualMapping marks m as an approved MANUAL mapping and validates it.
func manualMapping(m model.FieldMapping) (model.FieldMapping, error) {
	m.Strategy = model.StrategyManual
	m.Confidence = 1.0
	m.Approved = true
	m.Normalize()
	if err := m.Validate(); err != nil {
		return m, err
	}
	if _, err := ParseExpression(m.TransformExpression); err != nil {
		return m, err
	}
	return m, nil
}
