// Package rules executes TransformationRules over a batch staging set.
//
// Categories run in the fixed order QUALITY, BUSINESS, STANDARDIZATION, DEDUP;
// within a category rules run by ascending priority. Every rule execution
// records one QualityMetric. A rule that fails to compile or names a column the
// target schema lacks is recorded as a FAIL metric without touching any row, as
// is a rule that errors or panics; the next rule runs either way.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/google/uuid"
)

// ErrUnknownColumn reports a rule that reads or writes a column the target
// schema does not declare.
var ErrUnknownColumn = errors.New("rule references unknown column")

// Row is one staged target row together with the raw record it came from.
type Row struct {
	Values model.TargetRow
	Source model.RawRecord
}

// StagingSet is the mutable working set of one batch.
type StagingSet struct {
	BatchID string
	Schema  model.TargetSchema
	Rows    []*Row

	Quarantine []model.QuarantineRecord
	Metrics    []model.QualityMetric
	// Rejected counts rows removed by REJECT actions and dedup resolution.
	Rejected     int
	RulesApplied int
}

// NewStagingSet wraps projected rows.
func NewStagingSet(batchID string, schema model.TargetSchema, rows []*Row) *StagingSet {
	return &StagingSet{BatchID: batchID, Schema: schema, Rows: rows}
}

// Values returns the staged target rows in order.
func (s *StagingSet) Values() []model.TargetRow {
	out := make([]model.TargetRow, len(s.Rows))
	for i, r := range s.Rows {
		out[i] = r.Values
	}
	return out
}

// CategoryResult summarizes one category run.
type CategoryResult struct {
	Category     model.RuleCategory `json:"category"`
	Rules        int                `json:"rules"`
	Violations   int                `json:"violations"`
	RowsAffected int                `json:"rows_affected"`
	Failed       int                `json:"failed"`
}

// Engine compiles and runs rules.
type Engine struct {
	tables map[string]map[string]string
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine. tables holds named reference tables for LOOKUP
// rules, keyed case-insensitively.
func NewEngine(tables map[string]map[string]string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	t := make(map[string]map[string]string, len(tables))
	for name, entries := range tables {
		t[strings.ToUpper(name)] = entries
	}
	return &Engine{tables: t, logger: logger, now: time.Now}
}

// SetReferenceTable replaces or adds a LOOKUP reference table.
func (e *Engine) SetReferenceTable(name string, entries map[string]string) {
	e.tables[strings.ToUpper(name)] = entries
}

// compiled is a rule ready to run.
type compiled struct {
	rule  model.TransformationRule
	pred  *Predicate
	op    valueOp
	dedup *dedupSpec
}

// Validate compiles rule without running it.
func (e *Engine) Validate(rule model.TransformationRule) error {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return err
	}
	_, err := e.compile(rule)
	return err
}

// ValidateFor compiles rule and checks every column it names against schema.
func (e *Engine) ValidateFor(rule model.TransformationRule, schema model.TargetSchema) error {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return err
	}
	c, err := e.compile(rule)
	if err != nil {
		return err
	}
	return c.checkColumns(schema)
}

// columns lists the schema columns the rule reads or writes. A dedup rule
// without key columns uses the schema key and names none.
func (c *compiled) columns() []string {
	switch c.rule.Category {
	case model.CategoryQuality:
		return c.pred.Columns()
	case model.CategoryDedup:
		return c.dedup.columns
	case model.CategoryBusiness, model.CategoryStandardization:
		return []string{strings.ToUpper(c.rule.TargetField)}
	}
	return nil
}

func (c *compiled) checkColumns(schema model.TargetSchema) error {
	var missing []string
	for _, col := range c.columns() {
		if _, ok := schema.Column(col); !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s not in %s", ErrUnknownColumn, strings.Join(missing, ", "), schema.Entity)
	}
	return nil
}

func (e *Engine) compile(rule model.TransformationRule) (*compiled, error) {
	c := &compiled{rule: rule}
	var err error
	switch rule.Category {
	case model.CategoryQuality:
		c.pred, err = ParsePredicate(rule.Logic, rule.TargetField)
	case model.CategoryBusiness:
		if rule.TargetField == "" {
			return nil, fmt.Errorf("business rule requires target_field")
		}
		c.op, err = compileBusiness(rule, e.tables)
	case model.CategoryStandardization:
		if rule.TargetField == "" {
			return nil, fmt.Errorf("standardization rule requires target_field")
		}
		c.op, err = compileStandardization(rule)
	case model.CategoryDedup:
		c.dedup, err = compileDedup(rule)
	default:
		err = fmt.Errorf("unknown category %q", rule.Category)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Order sorts rules into execution order: category, then priority, then id.
func Order(rules []model.TransformationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Category.Rank() != b.Category.Rank() {
			return a.Category.Rank() < b.Category.Rank()
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

// Run applies every active rule of the set's entity, category by category.
// It returns early only when ctx is cancelled between rules.
func (e *Engine) Run(ctx context.Context, set *StagingSet, rules []model.TransformationRule) ([]CategoryResult, error) {
	var applicable []model.TransformationRule
	for _, r := range rules {
		r.Normalize()
		if r.Active && strings.EqualFold(r.TargetEntity, set.Schema.Entity) {
			applicable = append(applicable, r)
		}
	}
	Order(applicable)

	results := make([]CategoryResult, 0, len(model.CategoryOrder))
	for _, cat := range model.CategoryOrder {
		var inCat []model.TransformationRule
		for _, r := range applicable {
			if r.Category == cat {
				inCat = append(inCat, r)
			}
		}
		res, err := e.ApplyCategory(ctx, cat, set, inCat)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// ApplyCategory runs the rules of one category in priority order.
func (e *Engine) ApplyCategory(ctx context.Context, cat model.RuleCategory, set *StagingSet, rules []model.TransformationRule) (CategoryResult, error) {
	res := CategoryResult{Category: cat}
	sorted := append([]model.TransformationRule(nil), rules...)
	Order(sorted)
	for _, r := range sorted {
		if r.Category != cat {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m := e.applyRule(set, r)
		res.Rules++
		res.RowsAffected += m.RowsAffected
		if m.Error != "" {
			res.Failed++
		}
		if r.Category == model.CategoryQuality || r.Category == model.CategoryDedup {
			res.Violations += int(m.MeasuredValue)
		}
	}
	return res, nil
}

// applyRule runs one rule in isolation and records its metric.
func (e *Engine) applyRule(set *StagingSet, rule model.TransformationRule) (metric model.QualityMetric) {
	start := e.now()
	metric = model.QualityMetric{
		ID:           uuid.NewString(),
		BatchID:      set.BatchID,
		RuleID:       rule.ID,
		Category:     rule.Category,
		TargetEntity: set.Schema.Entity,
	}
	defer func() {
		if p := recover(); p != nil {
			metric.Status = model.MetricFail
			metric.Error = fmt.Sprintf("panic: %v", p)
		}
		metric.RecordedAt = e.now()
		set.Metrics = append(set.Metrics, metric)
		set.RulesApplied++

		log := e.logger.With("rule_id", rule.ID, "category", rule.Category, "batch_id", set.BatchID)
		if metric.Error != "" {
			log.Error("rule failed", "error", metric.Error)
			return
		}
		log.Debug("rule applied",
			"status", metric.Status,
			"measured", metric.MeasuredValue,
			"rows_affected", metric.RowsAffected,
			"duration_ms", e.now().Sub(start).Milliseconds(),
		)
	}()

	c, err := e.compile(rule)
	if err == nil {
		err = c.checkColumns(set.Schema)
	}
	if err != nil {
		metric.Status = model.MetricFail
		metric.Error = err.Error()
		return metric
	}
	rows := set.inScope(rule.Scope)
	metric.RowsEvaluated = len(rows)

	switch rule.Category {
	case model.CategoryQuality:
		e.runQuality(set, c, rows, &metric)
	case model.CategoryBusiness, model.CategoryStandardization:
		err = e.runValueOp(set, c, rows, &metric)
	case model.CategoryDedup:
		e.runDedup(set, c, rows, &metric)
	}
	if err != nil {
		metric.Status = model.MetricFail
		metric.Error = err.Error()
	}
	return metric
}

func (e *Engine) runQuality(set *StagingSet, c *compiled, rows []*Row, metric *model.QualityMetric) {
	violators := make(map[*Row]string)
	for _, r := range rows {
		if !c.pred.Holds(r.Values) {
			violators[r] = fmt.Sprintf("rule %s violated: %s", c.rule.ID, c.pred)
		}
	}
	metric.MeasuredValue = float64(len(violators))
	metric.RowsAffected = set.dispose(c.rule, violators, e.now())
	metric.Status = violationStatus(c.rule.ErrorAction, len(violators))
}

// runValueOp assigns the operation result to the target column. Rows for which
// the operation errors are handled by the rule's error action.
func (e *Engine) runValueOp(set *StagingSet, c *compiled, rows []*Row, metric *model.QualityMetric) error {
	col, ok := set.Schema.Column(c.rule.TargetField)
	if !ok {
		return fmt.Errorf("%w: %s not in %s", ErrUnknownColumn, c.rule.TargetField, set.Schema.Entity)
	}
	standardize := c.rule.Category == model.CategoryStandardization

	violators := make(map[*Row]string)
	changed := 0
	for _, r := range rows {
		cur := r.Values[col.Name]
		if standardize && cur == nil {
			continue
		}
		v, err := c.op(cur, r.Values)
		if err == nil {
			v, err = mapping.Coerce(col.DataType, v)
		}
		if err != nil {
			violators[r] = fmt.Sprintf("rule %s on %s: %v", c.rule.ID, col.Name, err)
			continue
		}
		if !sameValue(cur, v) {
			r.Values[col.Name] = v
			changed++
		}
	}
	removed := set.dispose(c.rule, violators, e.now())
	metric.MeasuredValue = float64(changed)
	metric.RowsAffected = changed + removed
	metric.Status = violationStatus(c.rule.ErrorAction, len(violators))
	if len(violators) > 0 && c.rule.ErrorAction == model.ActionLog {
		e.logger.Warn("rule could not be applied to some rows", "rule_id", c.rule.ID, "rows", len(violators))
	}
	return nil
}

// violationStatus maps a violation count to a metric status: no violations
// pass, logged violations warn, rows removed from the batch fail.
func violationStatus(action model.ErrorAction, violations int) model.MetricStatus {
	switch {
	case violations == 0:
		return model.MetricPass
	case action == model.ActionLog:
		return model.MetricWarning
	}
	return model.MetricFail
}

func sameValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return a == b
}

// inScope returns the rows a rule with scope applies to. Global rules apply to
// every row; tenant rules only to rows of that tenant.
func (s *StagingSet) inScope(scope string) []*Row {
	if scope == model.GlobalScope {
		return s.Rows
	}
	var out []*Row
	for _, r := range s.Rows {
		if strings.EqualFold(r.Source.OriginTag, scope) {
			out = append(out, r)
		}
	}
	return out
}

// dispose applies rule's error action to violators and returns the number of
// rows removed from the set.
func (s *StagingSet) dispose(rule model.TransformationRule, violators map[*Row]string, now time.Time) int {
	if len(violators) == 0 || rule.ErrorAction == model.ActionLog || rule.ErrorAction == "" {
		return 0
	}
	kept := s.Rows[:0]
	removed := 0
	for _, r := range s.Rows {
		detail, bad := violators[r]
		if !bad {
			kept = append(kept, r)
			continue
		}
		removed++
		if rule.ErrorAction == model.ActionQuarantine {
			s.quarantine(r, []string{rule.ID}, detail, now)
		} else {
			s.Rejected++
		}
	}
	for i := len(kept); i < len(s.Rows); i++ {
		s.Rows[i] = nil
	}
	s.Rows = kept
	return removed
}

func (s *StagingSet) quarantine(r *Row, ruleIDs []string, detail string, now time.Time) {
	s.Quarantine = append(s.Quarantine, model.QuarantineRecord{
		ID:             uuid.NewString(),
		BatchID:        s.BatchID,
		TargetEntity:   s.Schema.Entity,
		SourceFile:     r.Source.FileName,
		SourcePosition: r.Source.Position,
		OriginalRecord: r.Source.Fields,
		FailedRuleIDs:  ruleIDs,
		ErrorDetail:    detail,
		QuarantinedAt:  now,
	})
}
