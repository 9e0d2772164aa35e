package model

import (
	"fmt"
	"strings"
	"time"
)

// Strategy names the mapping generator that produced a FieldMapping.
type Strategy string

const (
	StrategyManual   Strategy = "MANUAL"
	StrategyPattern  Strategy = "PATTERN"
	StrategySemantic Strategy = "SEMANTIC"
)

// GlobalScope is the scope value of mappings and rules that apply to every tenant.
const GlobalScope = ""

// FieldMapping maps one source field onto one target column.
// Uniqueness: (SourceField, SourceEntity, TargetEntity, TargetField, Scope).
type FieldMapping struct {
	ID                  string     `json:"id"`
	SourceField         string     `json:"source_field"`
	SourceEntity        string     `json:"source_entity"`
	TargetEntity        string     `json:"target_entity"`
	TargetField         string     `json:"target_field"`
	Scope               string     `json:"scope,omitempty"`
	Strategy            Strategy   `json:"strategy"`
	Confidence          float64    `json:"confidence"`
	TransformExpression string     `json:"transform_expression,omitempty"`
	Reasoning           string     `json:"reasoning,omitempty"`
	Approved            bool       `json:"approved"`
	CreatedAt           time.Time  `json:"created_at"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`
}

// Key returns the uniqueness key of the mapping.
func (m FieldMapping) Key() string {
	return strings.Join([]string{
		strings.ToUpper(m.SourceField),
		strings.ToUpper(m.SourceEntity),
		strings.ToUpper(m.TargetEntity),
		strings.ToUpper(m.TargetField),
		strings.ToUpper(m.Scope),
	}, "\x00")
}

// Normalize fills defaults and canonicalizes entity and column casing.
func (m *FieldMapping) Normalize() {
	m.SourceField = strings.TrimSpace(m.SourceField)
	if m.SourceEntity == "" {
		m.SourceEntity = RawSourceEntity
	}
	m.SourceEntity = strings.ToUpper(strings.TrimSpace(m.SourceEntity))
	m.TargetEntity = strings.ToUpper(strings.TrimSpace(m.TargetEntity))
	m.TargetField = strings.ToUpper(strings.TrimSpace(m.TargetField))
	m.Scope = strings.TrimSpace(m.Scope)
}

// Validate reports missing required attributes.
func (m FieldMapping) Validate() error {
	switch {
	case m.SourceField == "":
		return fmt.Errorf("mapping: source_field is required")
	case m.TargetEntity == "":
		return fmt.Errorf("mapping: target_entity is required")
	case m.TargetField == "":
		return fmt.Errorf("mapping: target_field is required")
	case m.Confidence < 0 || m.Confidence > 1:
		return fmt.Errorf("mapping: confidence %v out of range [0,1]", m.Confidence)
	}
	return nil
}

// MappingFilter narrows mapping listings.
type MappingFilter struct {
	TargetEntity string
	Scope        *string
	Strategy     Strategy
	Approved     *bool
}

// KnownMapping is a reference pair of equivalent field name tokens, e.g. CUST -> CUSTOMER.
type KnownMapping struct {
	Token     string `json:"token" yaml:"token"`
	Canonical string `json:"canonical" yaml:"canonical"`
}

// PromptTemplate is a named semantic-mapping prompt. Text contains the
// {source_fields} and {target_columns} placeholders.
type PromptTemplate struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Text        string `json:"text" yaml:"text"`
}
