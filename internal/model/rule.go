package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RuleCategory groups rules; categories always execute in CategoryOrder.
type RuleCategory string

const (
	CategoryQuality         RuleCategory = "QUALITY"
	CategoryBusiness        RuleCategory = "BUSINESS"
	CategoryStandardization RuleCategory = "STANDARDIZATION"
	CategoryDedup           RuleCategory = "DEDUP"
)

// CategoryOrder is the fixed execution order of rule categories.
var CategoryOrder = []RuleCategory{
	CategoryQuality,
	CategoryBusiness,
	CategoryStandardization,
	CategoryDedup,
}

// ParseCategory accepts both the short names and the long rule type names
// (DATA_QUALITY, BUSINESS_LOGIC, DEDUPLICATION).
func ParseCategory(s string) (RuleCategory, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "QUALITY", "DATA_QUALITY":
		return CategoryQuality, nil
	case "BUSINESS", "BUSINESS_LOGIC":
		return CategoryBusiness, nil
	case "STANDARDIZATION":
		return CategoryStandardization, nil
	case "DEDUP", "DEDUPLICATION":
		return CategoryDedup, nil
	}
	return "", fmt.Errorf("unknown rule category %q", s)
}

// Rank returns the position of c in CategoryOrder, or len(CategoryOrder) if unknown.
func (c RuleCategory) Rank() int {
	for i, cat := range CategoryOrder {
		if cat == c {
			return i
		}
	}
	return len(CategoryOrder)
}

// ErrorAction decides what happens to rows that violate a rule.
type ErrorAction string

const (
	ActionLog        ErrorAction = "LOG"
	ActionReject     ErrorAction = "REJECT"
	ActionQuarantine ErrorAction = "QUARANTINE"
)

// ParseErrorAction parses an error action, defaulting to LOG for "".
func ParseErrorAction(s string) (ErrorAction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "LOG":
		return ActionLog, nil
	case "REJECT":
		return ActionReject, nil
	case "QUARANTINE":
		return ActionQuarantine, nil
	}
	return "", fmt.Errorf("unknown error action %q", s)
}

// TransformationRule is one configured rule. Logic holds a predicate expression for
// QUALITY rules and the operation name for the other categories; Parameters holds
// the operation arguments as a JSON object.
type TransformationRule struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name,omitempty" yaml:"name"`
	Category     RuleCategory    `json:"category" yaml:"category"`
	TargetEntity string          `json:"target_entity" yaml:"target_entity"`
	TargetField  string          `json:"target_field,omitempty" yaml:"target_field"`
	Logic        string          `json:"logic,omitempty" yaml:"logic"`
	Parameters   json.RawMessage `json:"parameters,omitempty" yaml:"-"`
	Priority     int             `json:"priority" yaml:"priority"`
	ErrorAction  ErrorAction     `json:"error_action" yaml:"error_action"`
	Scope        string          `json:"scope,omitempty" yaml:"scope"`
	Active       bool            `json:"active" yaml:"active"`
	CreatedAt    time.Time       `json:"created_at" yaml:"-"`
}

// Normalize canonicalizes casing and defaults.
func (r *TransformationRule) Normalize() {
	r.TargetEntity = strings.ToUpper(strings.TrimSpace(r.TargetEntity))
	r.TargetField = strings.ToUpper(strings.TrimSpace(r.TargetField))
	r.Scope = strings.TrimSpace(r.Scope)
	if r.ErrorAction == "" {
		r.ErrorAction = ActionLog
	}
}

// Validate checks the structural attributes of the rule.
func (r TransformationRule) Validate() error {
	if r.TargetEntity == "" {
		return fmt.Errorf("rule %s: target_entity is required", r.ID)
	}
	if r.Category.Rank() == len(CategoryOrder) {
		return fmt.Errorf("rule %s: unknown category %q", r.ID, r.Category)
	}
	if _, err := ParseErrorAction(string(r.ErrorAction)); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if len(r.Parameters) > 0 && !json.Valid(r.Parameters) {
		return fmt.Errorf("rule %s: parameters are not valid JSON", r.ID)
	}
	return nil
}

// MetricStatus is the outcome recorded for one rule execution.
type MetricStatus string

const (
	MetricPass    MetricStatus = "PASS"
	MetricWarning MetricStatus = "WARNING"
	MetricFail    MetricStatus = "FAIL"
)

// QualityMetric is written once per rule execution. A rule that errored is
// recorded as FAIL with Error set.
type QualityMetric struct {
	ID            string       `json:"id"`
	BatchID       string       `json:"batch_id"`
	RuleID        string       `json:"rule_id"`
	Category      RuleCategory `json:"category"`
	TargetEntity  string       `json:"target_entity"`
	MeasuredValue float64      `json:"measured_value"`
	RowsEvaluated int          `json:"rows_evaluated"`
	RowsAffected  int          `json:"rows_affected"`
	Status        MetricStatus `json:"status"`
	Error         string       `json:"error,omitempty"`
	RecordedAt    time.Time    `json:"recorded_at"`
}
