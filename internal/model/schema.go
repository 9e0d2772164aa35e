package model

import (
	"fmt"
	"strings"
	"time"
)

// DataType is the declared type of a target column.
type DataType string

const (
	TypeText      DataType = "TEXT"
	TypeNumber    DataType = "NUMBER"
	TypeInteger   DataType = "INTEGER"
	TypeDate      DataType = "DATE"
	TypeTimestamp DataType = "TIMESTAMP"
	TypeBoolean   DataType = "BOOLEAN"
)

// ParseDataType accepts the common warehouse spellings (VARCHAR(50), NUMBER(10,2),
// TIMESTAMP_NTZ, ...) and reduces them to a DataType.
func ParseDataType(s string) (DataType, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "", "TEXT", "VARCHAR", "STRING", "CHAR":
		return TypeText, nil
	case "NUMBER", "NUMERIC", "DECIMAL", "FLOAT", "DOUBLE":
		return TypeNumber, nil
	case "INT", "INTEGER", "BIGINT":
		return TypeInteger, nil
	case "DATE":
		return TypeDate, nil
	case "TIMESTAMP", "TIMESTAMP_NTZ", "TIMESTAMP_TZ", "DATETIME":
		return TypeTimestamp, nil
	case "BOOLEAN", "BOOL":
		return TypeBoolean, nil
	}
	return "", fmt.Errorf("unsupported data type %q", s)
}

// Column is one declared target column.
type Column struct {
	Name        string   `json:"name" yaml:"name"`
	DataType    DataType `json:"data_type" yaml:"data_type"`
	Nullable    bool     `json:"nullable" yaml:"nullable"`
	Default     string   `json:"default,omitempty" yaml:"default"`
	Description string   `json:"description,omitempty" yaml:"description"`
}

// TargetSchema is the ordered column list of a target entity. The first column is
// the upsert match key.
type TargetSchema struct {
	Entity      string    `json:"entity" yaml:"entity"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Columns     []Column  `json:"columns" yaml:"columns"`
	Version     int       `json:"version" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// StandardColumns are appended by the schema designer when absent.
var StandardColumns = []Column{
	{Name: SourceFileColumn, DataType: TypeText, Nullable: true, Description: "Original source file name"},
	{Name: IngestionTimestampColumn, DataType: TypeTimestamp, Nullable: true, Description: "Timestamp when record was ingested"},
	{Name: "CREATED_AT", DataType: TypeTimestamp, Nullable: true, Description: "Record creation timestamp"},
	{Name: "UPDATED_AT", DataType: TypeTimestamp, Nullable: true, Description: "Record last update timestamp"},
}

// Normalize upper-cases names and resolves type spellings.
func (s *TargetSchema) Normalize() error {
	s.Entity = strings.ToUpper(strings.TrimSpace(s.Entity))
	for i := range s.Columns {
		c := &s.Columns[i]
		c.Name = strings.ToUpper(strings.TrimSpace(c.Name))
		dt, err := ParseDataType(string(c.DataType))
		if err != nil {
			return fmt.Errorf("%s.%s: %w", s.Entity, c.Name, err)
		}
		c.DataType = dt
	}
	return nil
}

// Validate checks names and duplicates.
func (s TargetSchema) Validate() error {
	if s.Entity == "" {
		return fmt.Errorf("target schema: entity is required")
	}
	if !isIdentifier(s.Entity) {
		return fmt.Errorf("target schema: invalid entity name %q", s.Entity)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("target schema %s: at least one column is required", s.Entity)
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if !isIdentifier(c.Name) {
			return fmt.Errorf("target schema %s: invalid column name %q", s.Entity, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("target schema %s: duplicate column %q", s.Entity, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// KeyColumn returns the upsert match column.
func (s TargetSchema) KeyColumn() string {
	if len(s.Columns) == 0 {
		return ""
	}
	return s.Columns[0].Name
}

// Column returns the named column.
func (s TargetSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the declared column names in order.
func (s TargetSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// WithStandardColumns returns a copy with the standard metadata columns appended.
func (s TargetSchema) WithStandardColumns() TargetSchema {
	out := s
	out.Columns = append([]Column(nil), s.Columns...)
	for _, std := range StandardColumns {
		if _, ok := out.Column(std.Name); !ok {
			out.Columns = append(out.Columns, std)
		}
	}
	return out
}

func isIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Tenant is a registered provider whose files land under their own folder.
type Tenant struct {
	Code        string    `json:"code" yaml:"code"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Active      bool      `json:"active" yaml:"active"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
}

// TargetRow is one row of a target entity keyed by declared column name.
type TargetRow map[string]any
