package mapping

// expression.go implements transform_expression: a pipeline of named operations
// applied to the extracted source value, e.g.
//
//	TRIM | UPPER
//	DIGITS | LPAD(5, '0')
//	COALESCE(ALT_EMAIL) | LOWER
//	DATE('02/01/2006')
//
// Operations are a closed set; unknown names are rejected when the expression
// is parsed so a bad mapping fails before any row is projected.

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/JonMunkholm/ingestflow/internal/convert"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// opFunc transforms v. rec is the full source record for operations that read
// other fields.
type opFunc func(v any, args []string, rec model.Fields) (any, error)

type opSpec struct {
	fn      opFunc
	minArgs int
	maxArgs int
}

var operations = map[string]opSpec{
	"TRIM":      {fn: textOp(strings.TrimSpace)},
	"UPPER":     {fn: textOp(strings.ToUpper)},
	"LOWER":     {fn: textOp(strings.ToLower)},
	"TITLE":     {fn: textOp(titleCase)},
	"DIGITS":    {fn: textOp(digitsOnly)},
	"NUMBER":    {fn: opNumber},
	"INTEGER":   {fn: opInteger},
	"BOOLEAN":   {fn: opBoolean},
	"DATE":      {fn: opDate, maxArgs: 1},
	"TIMESTAMP": {fn: opTimestamp, maxArgs: 1},
	"DEFAULT":   {fn: opDefault, minArgs: 1, maxArgs: 1},
	"NULLIF":    {fn: opNullIf, minArgs: 1, maxArgs: -1},
	"COALESCE":  {fn: opCoalesce, minArgs: 1, maxArgs: -1},
	"REPLACE":   {fn: opReplace, minArgs: 2, maxArgs: 2},
	"SUBSTR":    {fn: opSubstr, minArgs: 1, maxArgs: 2},
	"LPAD":      {fn: opLPad, minArgs: 1, maxArgs: 2},
	"PREFIX":    {fn: opAffix(true), minArgs: 1, maxArgs: 1},
	"SUFFIX":    {fn: opAffix(false), minArgs: 1, maxArgs: 1},
	"CONCAT":    {fn: opConcat, minArgs: 2, maxArgs: -1},
}

// Operations returns the supported operation names.
func Operations() []string {
	names := make([]string, 0, len(operations))
	for n := range operations {
		names = append(names, n)
	}
	return names
}

type step struct {
	name string
	args []string
	fn   opFunc
}

// Expression is a parsed transform_expression.
type Expression struct {
	raw   string
	steps []step
}

// ParseExpression parses a pipe-separated operation list. The empty string is
// the identity expression.
func ParseExpression(s string) (*Expression, error) {
	e := &Expression{raw: s}
	s = strings.TrimSpace(s)
	if s == "" {
		return e, nil
	}
	parts, err := splitOutsideQuotes(s, '|')
	if err != nil {
		return nil, err
	}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("expression %q: empty operation", s)
		}
		name, args, err := parseCall(part)
		if err != nil {
			return nil, fmt.Errorf("expression %q: %w", s, err)
		}
		spec, ok := operations[name]
		if !ok {
			return nil, fmt.Errorf("expression %q: unknown operation %s", s, name)
		}
		if len(args) < spec.minArgs || (spec.maxArgs >= 0 && len(args) > spec.maxArgs) {
			return nil, fmt.Errorf("expression %q: %s takes %s", s, name, arity(spec))
		}
		e.steps = append(e.steps, step{name: name, args: args, fn: spec.fn})
	}
	return e, nil
}

func arity(spec opSpec) string {
	switch {
	case spec.maxArgs < 0:
		return fmt.Sprintf("at least %d arguments", spec.minArgs)
	case spec.minArgs == spec.maxArgs:
		return fmt.Sprintf("%d arguments", spec.minArgs)
	}
	return fmt.Sprintf("%d to %d arguments", spec.minArgs, spec.maxArgs)
}

// String returns the expression as written.
func (e *Expression) String() string { return e.raw }

// Apply runs every step in order. A step error stops the pipeline.
func (e *Expression) Apply(v any, rec model.Fields) (any, error) {
	var err error
	for _, st := range e.steps {
		v, err = st.fn(v, st.args, rec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", st.name, err)
		}
	}
	return v, nil
}

// parseCall splits NAME or NAME(arg, 'arg').
func parseCall(s string) (string, []string, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return strings.ToUpper(s), nil, nil
	}
	if !strings.HasSuffix(s, ")") {
		return "", nil, fmt.Errorf("missing closing parenthesis in %s", s)
	}
	name := strings.ToUpper(strings.TrimSpace(s[:open]))
	inner := strings.TrimSpace(s[open+1 : len(s)-1])
	if inner == "" {
		return name, nil, nil
	}
	raw, err := splitOutsideQuotes(inner, ',')
	if err != nil {
		return "", nil, err
	}
	args := make([]string, len(raw))
	for i, a := range raw {
		args[i] = unquote(strings.TrimSpace(a))
	}
	return name, args, nil
}

// splitOutsideQuotes splits s on sep, ignoring separators inside single or
// double quotes.
func splitOutsideQuotes(s string, sep rune) ([]string, error) {
	var (
		parts []string
		cur   strings.Builder
		quote rune
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == sep:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %s", s)
	}
	return append(parts, cur.String()), nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// ---- operations ----

func textOp(f func(string) string) opFunc {
	return func(v any, _ []string, _ model.Fields) (any, error) {
		s, ok := convert.Text(v)
		if !ok {
			return nil, nil
		}
		return f(s), nil
	}
}

// titleCase builds a Caser per call; Casers are not safe for concurrent use.
func titleCase(s string) string {
	return cases.Title(language.Und).String(strings.ToLower(s))
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func opNumber(v any, _ []string, _ model.Fields) (any, error) {
	if convert.IsBlank(v) {
		return nil, nil
	}
	f, ok := convert.Number(v)
	if !ok {
		return nil, fmt.Errorf("%v is not a number", v)
	}
	return f, nil
}

func opInteger(v any, _ []string, _ model.Fields) (any, error) {
	if convert.IsBlank(v) {
		return nil, nil
	}
	s, _ := convert.Text(v)
	i, ok := convert.ParseInteger(s)
	if !ok {
		return nil, fmt.Errorf("%v is not an integer", v)
	}
	return i, nil
}

func opBoolean(v any, _ []string, _ model.Fields) (any, error) {
	if convert.IsBlank(v) {
		return nil, nil
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	s, _ := convert.Text(v)
	b, ok := convert.ParseBool(s)
	if !ok {
		return nil, fmt.Errorf("%v is not a boolean", v)
	}
	return b, nil
}

func opDate(v any, args []string, _ model.Fields) (any, error) {
	if convert.IsBlank(v) {
		return nil, nil
	}
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	s, _ := convert.Text(v)
	var (
		t  time.Time
		ok bool
	)
	if len(args) == 1 {
		t, ok = convert.ParseDateWith(s, []string{args[0]})
	} else {
		t, ok = convert.ParseDate(s)
	}
	if !ok {
		return nil, fmt.Errorf("%q is not a date", s)
	}
	return t, nil
}

func opTimestamp(v any, args []string, _ model.Fields) (any, error) {
	if convert.IsBlank(v) {
		return nil, nil
	}
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	s, _ := convert.Text(v)
	if len(args) == 1 {
		t, err := time.Parse(args[0], convert.CleanCell(s))
		if err != nil {
			return nil, fmt.Errorf("%q is not a timestamp in layout %s", s, args[0])
		}
		return t, nil
	}
	t, ok := convert.ParseTimestamp(s)
	if !ok {
		return nil, fmt.Errorf("%q is not a timestamp", s)
	}
	return t, nil
}

func opDefault(v any, args []string, _ model.Fields) (any, error) {
	if convert.IsBlank(v) {
		return args[0], nil
	}
	return v, nil
}

func opNullIf(v any, args []string, _ model.Fields) (any, error) {
	s, ok := convert.Text(v)
	if !ok {
		return nil, nil
	}
	for _, a := range args {
		if strings.EqualFold(strings.TrimSpace(s), a) {
			return nil, nil
		}
	}
	return v, nil
}

// opCoalesce falls back to the named source fields in order when v is blank.
func opCoalesce(v any, args []string, rec model.Fields) (any, error) {
	if !convert.IsBlank(v) {
		return v, nil
	}
	for _, name := range args {
		if alt, ok := rec.Get(name); ok && !convert.IsBlank(alt) {
			return alt, nil
		}
	}
	return nil, nil
}

func opReplace(v any, args []string, _ model.Fields) (any, error) {
	s, ok := convert.Text(v)
	if !ok {
		return nil, nil
	}
	return strings.ReplaceAll(s, args[0], args[1]), nil
}

func opSubstr(v any, args []string, _ model.Fields) (any, error) {
	s, ok := convert.Text(v)
	if !ok {
		return nil, nil
	}
	start, err := strconv.Atoi(args[0])
	if err != nil || start < 0 {
		return nil, fmt.Errorf("invalid start %q", args[0])
	}
	rs := []rune(s)
	if start >= len(rs) {
		return "", nil
	}
	end := len(rs)
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid length %q", args[1])
		}
		end = min(start+n, len(rs))
	}
	return string(rs[start:end]), nil
}

func opLPad(v any, args []string, _ model.Fields) (any, error) {
	s, ok := convert.Text(v)
	if !ok {
		return nil, nil
	}
	width, err := strconv.Atoi(args[0])
	if err != nil || width < 0 {
		return nil, fmt.Errorf("invalid width %q", args[0])
	}
	pad := "0"
	if len(args) == 2 && args[1] != "" {
		pad = args[1]
	}
	for len([]rune(s)) < width {
		s = pad + s
	}
	return s, nil
}

func opAffix(prefix bool) opFunc {
	return func(v any, args []string, _ model.Fields) (any, error) {
		s, ok := convert.Text(v)
		if !ok {
			return nil, nil
		}
		if prefix {
			return args[0] + s, nil
		}
		return s + args[0], nil
	}
}

// opConcat joins v and the named fields with the separator in args[0],
// skipping blanks.
func opConcat(v any, args []string, rec model.Fields) (any, error) {
	var parts []string
	if s, ok := convert.Text(v); ok && strings.TrimSpace(s) != "" {
		parts = append(parts, s)
	}
	for _, name := range args[1:] {
		if alt, ok := rec.Get(name); ok {
			if s, ok := convert.Text(alt); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, s)
			}
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return strings.Join(parts, args[0]), nil
}
