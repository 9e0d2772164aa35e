package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SourceFileColumn is the canonical target column that carries the originating file name.
const SourceFileColumn = "SOURCE_FILE_NAME"

// IngestionTimestampColumn is filled from RawRecord.IngestedAt when declared by a target.
const IngestionTimestampColumn = "INGESTION_TIMESTAMP"

// RawSourceEntity is the default source entity name for raw records.
const RawSourceEntity = "RAW_RECORDS"

// Field is one named scalar of a parsed row. Value is nil, string, float64 or bool.
type Field struct {
	Name  string
	Value any
}

// Fields is an ordered field map. Order follows the source header.
type Fields []Field

// Get returns the value for name, matching exactly first and then case-insensitively.
func (f Fields) Get(name string) (any, bool) {
	for _, fld := range f {
		if fld.Name == name {
			return fld.Value, true
		}
	}
	for _, fld := range f {
		if strings.EqualFold(fld.Name, name) {
			return fld.Value, true
		}
	}
	return nil, false
}

// Names returns the field names in order.
func (f Fields) Names() []string {
	names := make([]string, len(f))
	for i, fld := range f {
		names[i] = fld.Name
	}
	return names
}

// Map returns an unordered copy keyed by field name.
func (f Fields) Map() map[string]any {
	m := make(map[string]any, len(f))
	for _, fld := range f {
		m[fld.Name] = fld.Value
	}
	return m
}

// MarshalJSON writes the fields as a JSON object preserving order.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fld := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(fld.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(fld.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", fld.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object of scalars keeping key order.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*f = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("fields: expected object, got %v", tok)
	}

	var out Fields
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("fields: expected key, got %v", keyTok)
		}
		var val any
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("fields: value for %q: %w", key, err)
		}
		switch val.(type) {
		case nil, string, float64, bool:
		default:
			return fmt.Errorf("fields: value for %q is not a scalar", key)
		}
		out = append(out, Field{Name: key, Value: val})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*f = out
	return nil
}

// RawRecord is one parsed data row. Position is the store-assigned, monotonically
// increasing sequence used for watermarking; (FileName, RowNumber) is unique.
type RawRecord struct {
	Position   int64     `json:"position"`
	FileName   string    `json:"file_name"`
	RowNumber  int       `json:"row_number"`
	Fields     Fields    `json:"fields"`
	IngestedAt time.Time `json:"ingested_at"`
	OriginTag  string    `json:"origin_tag,omitempty"`
	ByteSize   int       `json:"byte_size"`
}

// RawFilter narrows raw record reads.
type RawFilter struct {
	FileName string
	Tenant   string
	Limit    int
}
