package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/convert"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// valueOp computes the new value of a rule's target column. cur is the current
// value; row is the whole staging row.
type valueOp func(cur any, row model.TargetRow) (any, error)

// Business operations. Parameters are JSON objects; operands that are JSON
// strings name columns, numbers are literals.
const (
	OpArithmetic  = "ARITHMETIC"
	OpLookup      = "LOOKUP"
	OpConditional = "CONDITIONAL"
	OpCoalesce    = "COALESCE"
	OpDateDiff    = "DATE_DIFF"
	OpConcat      = "CONCAT"
)

// Standardization operations, applied to non-null values only.
const (
	OpUpper         = "UPPER"
	OpLower         = "LOWER"
	OpCaseFold      = "CASE_FOLD"
	OpTrim          = "TRIM"
	OpTitle         = "TITLE"
	OpDigits        = "DIGITS"
	OpRegexpReplace = "REGEXP_REPLACE"
	OpDateFormat    = "DATE_FORMAT"
	OpRound         = "ROUND"
)

// BusinessOps and StandardizationOps list the accepted rule logic names.
var (
	BusinessOps        = []string{OpArithmetic, OpLookup, OpConditional, OpCoalesce, OpDateDiff, OpConcat}
	StandardizationOps = []string{OpUpper, OpLower, OpCaseFold, OpTrim, OpTitle, OpDigits, OpRegexpReplace, OpDateFormat, OpRound}
)

// opName extracts the operation name from rule logic, accepting "UPPER",
// "upper()" and "TO_DATE" style spellings.
func opName(logic string) string {
	name := strings.ToUpper(strings.TrimSpace(logic))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	switch name {
	case "TO_DATE", "DATE_REFORMAT":
		return OpDateFormat
	case "CASEFOLD", "FOLD":
		return OpCaseFold
	case "DATEDIFF":
		return OpDateDiff
	case "LOOKUP_JOIN":
		return OpLookup
	case "CASE", "IF":
		return OpConditional
	}
	return name
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("parameters: %w", err)
	}
	return nil
}

// operandValue resolves a JSON operand: strings are column names, anything
// else is a literal.
func operandValue(v any, row model.TargetRow) any {
	if s, ok := v.(string); ok {
		return lookup(row, strings.ToUpper(s))
	}
	return v
}

// ---- business ----

type arithmeticParams struct {
	Left     any    `json:"left"`
	Operator string `json:"operator"`
	Right    any    `json:"right"`
	Round    *int   `json:"round"`
}

func compileArithmetic(raw json.RawMessage) (valueOp, error) {
	var p arithmeticParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Left == nil || p.Right == nil {
		return nil, fmt.Errorf("ARITHMETIC requires left and right")
	}
	switch p.Operator {
	case "+", "-", "*", "/":
	default:
		return nil, fmt.Errorf("ARITHMETIC: unsupported operator %q", p.Operator)
	}
	return func(_ any, row model.TargetRow) (any, error) {
		lv, rv := operandValue(p.Left, row), operandValue(p.Right, row)
		if convert.IsBlank(lv) || convert.IsBlank(rv) {
			return nil, nil
		}
		l, ok := convert.Number(lv)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", lv)
		}
		r, ok := convert.Number(rv)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", rv)
		}
		var out float64
		switch p.Operator {
		case "+":
			out = l + r
		case "-":
			out = l - r
		case "*":
			out = l * r
		case "/":
			if r == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			out = l / r
		}
		if p.Round != nil {
			out = roundTo(out, *p.Round)
		}
		return out, nil
	}, nil
}

type lookupParams struct {
	Source   string            `json:"source"`
	Table    string            `json:"table"`
	Values   map[string]string `json:"values"`
	Default  *string           `json:"default"`
	Required bool              `json:"required"`
}

func compileLookup(raw json.RawMessage, tables map[string]map[string]string) (valueOp, error) {
	var p lookupParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Source == "" {
		return nil, fmt.Errorf("LOOKUP requires source")
	}
	values := make(map[string]string)
	if p.Table != "" {
		t, ok := tables[strings.ToUpper(p.Table)]
		if !ok {
			return nil, fmt.Errorf("LOOKUP: unknown reference table %q", p.Table)
		}
		for k, v := range t {
			values[strings.ToUpper(k)] = v
		}
	}
	for k, v := range p.Values {
		values[strings.ToUpper(k)] = v
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("LOOKUP requires table or values")
	}
	source := strings.ToUpper(p.Source)
	return func(_ any, row model.TargetRow) (any, error) {
		key, ok := convert.Text(lookup(row, source))
		if !ok || strings.TrimSpace(key) == "" {
			return nil, nil
		}
		if v, ok := values[strings.ToUpper(strings.TrimSpace(key))]; ok {
			return v, nil
		}
		if p.Required {
			return nil, fmt.Errorf("no lookup entry for %q", key)
		}
		if p.Default != nil {
			return *p.Default, nil
		}
		return nil, nil
	}, nil
}

type conditionalParams struct {
	When       string `json:"when"`
	Then       any    `json:"then"`
	Else       any    `json:"else"`
	ThenColumn string `json:"then_column"`
	ElseColumn string `json:"else_column"`
}

func compileConditional(raw json.RawMessage, defaultColumn string) (valueOp, error) {
	var p conditionalParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.When == "" {
		return nil, fmt.Errorf("CONDITIONAL requires when")
	}
	pred, err := ParsePredicate(p.When, defaultColumn)
	if err != nil {
		return nil, err
	}
	pick := func(lit any, col string, row model.TargetRow) any {
		if col != "" {
			return lookup(row, strings.ToUpper(col))
		}
		return lit
	}
	return func(_ any, row model.TargetRow) (any, error) {
		if pred.Matches(row) {
			return pick(p.Then, p.ThenColumn, row), nil
		}
		return pick(p.Else, p.ElseColumn, row), nil
	}, nil
}

type coalesceParams struct {
	Columns []string `json:"columns"`
	Default any      `json:"default"`
}

func compileCoalesce(raw json.RawMessage) (valueOp, error) {
	var p coalesceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Columns) == 0 {
		return nil, fmt.Errorf("COALESCE requires columns")
	}
	return func(_ any, row model.TargetRow) (any, error) {
		for _, c := range p.Columns {
			if v := lookup(row, strings.ToUpper(c)); !convert.IsBlank(v) {
				return v, nil
			}
		}
		return p.Default, nil
	}, nil
}

type dateDiffParams struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Unit  string `json:"unit"`
}

func compileDateDiff(raw json.RawMessage) (valueOp, error) {
	var p dateDiffParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Start == "" || p.End == "" {
		return nil, fmt.Errorf("DATE_DIFF requires start and end")
	}
	unit := strings.ToLower(p.Unit)
	switch unit {
	case "", "day", "days":
		unit = "day"
	case "hour", "hours":
		unit = "hour"
	case "month", "months":
		unit = "month"
	case "year", "years":
		unit = "year"
	default:
		return nil, fmt.Errorf("DATE_DIFF: unsupported unit %q", p.Unit)
	}
	start, end := strings.ToUpper(p.Start), strings.ToUpper(p.End)
	return func(_ any, row model.TargetRow) (any, error) {
		sv, ev := lookup(row, start), lookup(row, end)
		if convert.IsBlank(sv) || convert.IsBlank(ev) {
			return nil, nil
		}
		s, ok := asTime(sv)
		if !ok {
			return nil, fmt.Errorf("%v is not a date", sv)
		}
		e, ok := asTime(ev)
		if !ok {
			return nil, fmt.Errorf("%v is not a date", ev)
		}
		switch unit {
		case "hour":
			return int64(e.Sub(s) / time.Hour), nil
		case "month":
			return int64((e.Year()-s.Year())*12 + int(e.Month()) - int(s.Month())), nil
		case "year":
			return int64(e.Year() - s.Year()), nil
		}
		sd := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC)
		ed := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC)
		return int64(ed.Sub(sd) / (24 * time.Hour)), nil
	}, nil
}

type concatParams struct {
	Columns   []string `json:"columns"`
	Separator string   `json:"separator"`
}

func compileConcat(raw json.RawMessage) (valueOp, error) {
	var p concatParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Columns) == 0 {
		return nil, fmt.Errorf("CONCAT requires columns")
	}
	return func(_ any, row model.TargetRow) (any, error) {
		var parts []string
		for _, c := range p.Columns {
			if s, ok := convert.Text(lookup(row, strings.ToUpper(c))); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return nil, nil
		}
		return strings.Join(parts, p.Separator), nil
	}, nil
}

func compileBusiness(rule model.TransformationRule, tables map[string]map[string]string) (valueOp, error) {
	switch opName(rule.Logic) {
	case OpArithmetic:
		return compileArithmetic(rule.Parameters)
	case OpLookup:
		return compileLookup(rule.Parameters, tables)
	case OpConditional:
		return compileConditional(rule.Parameters, rule.TargetField)
	case OpCoalesce:
		return compileCoalesce(rule.Parameters)
	case OpDateDiff:
		return compileDateDiff(rule.Parameters)
	case OpConcat:
		return compileConcat(rule.Parameters)
	}
	return nil, fmt.Errorf("unknown business operation %q (want one of %s)", rule.Logic, strings.Join(BusinessOps, ", "))
}

// ---- standardization ----

func textMap(f func(string) string) valueOp {
	return func(cur any, _ model.TargetRow) (any, error) {
		s, ok := convert.Text(cur)
		if !ok {
			return cur, nil
		}
		return f(s), nil
	}
}

type regexpParams struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

type dateFormatParams struct {
	Format       string   `json:"format"`
	InputFormats []string `json:"input_formats"`
}

type roundParams struct {
	Places int `json:"places"`
}

func compileStandardization(rule model.TransformationRule) (valueOp, error) {
	switch opName(rule.Logic) {
	case OpUpper:
		return textMap(strings.ToUpper), nil
	case OpLower:
		return textMap(strings.ToLower), nil
	case OpCaseFold:
		return textMap(func(s string) string { return cases.Fold().String(s) }), nil
	case OpTrim:
		return textMap(func(s string) string { return strings.Join(strings.Fields(s), " ") }), nil
	case OpTitle:
		return textMap(func(s string) string { return cases.Title(language.Und).String(strings.ToLower(s)) }), nil
	case OpDigits:
		re := regexp.MustCompile(`[^0-9]`)
		return textMap(func(s string) string { return re.ReplaceAllString(s, "") }), nil

	case OpRegexpReplace:
		var p regexpParams
		if err := decodeParams(rule.Parameters, &p); err != nil {
			return nil, err
		}
		if p.Pattern == "" {
			return nil, fmt.Errorf("REGEXP_REPLACE requires pattern")
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("REGEXP_REPLACE: %w", err)
		}
		return textMap(func(s string) string { return re.ReplaceAllString(s, p.Replacement) }), nil

	case OpDateFormat:
		var p dateFormatParams
		if err := decodeParams(rule.Parameters, &p); err != nil {
			return nil, err
		}
		return func(cur any, _ model.TargetRow) (any, error) {
			t, ok := cur.(time.Time)
			if !ok {
				s, _ := convert.Text(cur)
				if len(p.InputFormats) > 0 {
					t, ok = convert.ParseDateWith(s, p.InputFormats)
				} else {
					t, ok = convert.ParseTimestamp(s)
				}
				if !ok {
					return nil, fmt.Errorf("%q is not a recognized date", s)
				}
			}
			if p.Format == "" {
				return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
			}
			return t.Format(p.Format), nil
		}, nil

	case OpRound:
		var p roundParams
		if err := decodeParams(rule.Parameters, &p); err != nil {
			return nil, err
		}
		return func(cur any, _ model.TargetRow) (any, error) {
			f, ok := convert.Number(cur)
			if !ok {
				return nil, fmt.Errorf("%v is not a number", cur)
			}
			return roundTo(f, p.Places), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown standardization operation %q (want one of %s)", rule.Logic, strings.Join(StandardizationOps, ", "))
}

func roundTo(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}
