package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/JonMunkholm/ingestflow/internal/convert"
	"github.com/JonMunkholm/ingestflow/internal/model"
)

// Predicate is a parsed row condition such as
//
//	EMAIL IS NOT NULL
//	>= 0
//	STATUS IN ('ACTIVE', 'INACTIVE') AND AGE BETWEEN 0 AND 120
//	PHONE RLIKE '[0-9]{10}'
//
// A condition without a leading column applies to the default column given to
// ParsePredicate. Evaluation follows SQL three-valued logic: comparing a null
// yields unknown, and only a false result counts as a violation.
type Predicate struct {
	src     string
	root    node
	columns []string
}

// ParsePredicate parses s. defaultColumn is the subject of conditions that
// start with an operator; it may be empty when every condition names a column.
func ParsePredicate(s, defaultColumn string) (*Predicate, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, fmt.Errorf("predicate %q: %w", s, err)
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("predicate is empty")
	}
	p := &parser{toks: toks, def: strings.ToUpper(strings.TrimSpace(defaultColumn))}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("predicate %q: %w", s, err)
	}
	if !p.done() {
		return nil, fmt.Errorf("predicate %q: unexpected %q", s, p.peek().text)
	}
	return &Predicate{src: s, root: root, columns: p.cols}, nil
}

func (p *Predicate) String() string { return p.src }

// Columns returns the columns the predicate reads, in first-use order.
func (p *Predicate) Columns() []string { return p.columns }

// Holds reports whether row satisfies the predicate. Unknown counts as holding.
func (p *Predicate) Holds(row model.TargetRow) bool {
	return p.root.eval(row) != triFalse
}

// Matches reports whether row definitely satisfies the predicate.
func (p *Predicate) Matches(row model.TargetRow) bool {
	return p.root.eval(row) == triTrue
}

// ---- three-valued logic ----

type tri uint8

const (
	triUnknown tri = iota
	triFalse
	triTrue
)

func triOf(b bool) tri {
	if b {
		return triTrue
	}
	return triFalse
}

func (t tri) not() tri {
	switch t {
	case triTrue:
		return triFalse
	case triFalse:
		return triTrue
	}
	return triUnknown
}

// ---- lexer ----

type tokKind uint8

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
}

func lex(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case r == '\'' || r == '"':
			var b strings.Builder
			j := i + 1
			for ; j < len(rs); j++ {
				if rs[j] == r {
					// A doubled quote is an escaped quote.
					if j+1 < len(rs) && rs[j+1] == r {
						b.WriteRune(r)
						j++
						continue
					}
					break
				}
				b.WriteRune(rs[j])
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{tokString, b.String()})
			i = j + 1
		case strings.ContainsRune("<>=!", r):
			j := i + 1
			if j < len(rs) && strings.ContainsRune("=>", rs[j]) {
				j++
			}
			op := string(rs[i:j])
			switch op {
			case "=", "==", "!=", "<>", "<", "<=", ">", ">=":
			default:
				return nil, fmt.Errorf("unknown operator %s", op)
			}
			toks = append(toks, token{tokOp, op})
			i = j
		case unicode.IsDigit(r) || ((r == '-' || r == '.') && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, string(rs[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			toks = append(toks, token{tokIdent, string(rs[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", r)
		}
	}
	return toks, nil
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IS": true, "NULL": true, "BETWEEN": true,
	"IN": true, "LIKE": true, "RLIKE": true, "MATCHES": true, "TRUE": true, "FALSE": true,
}

// ---- parser ----

type parser struct {
	toks []token
	pos  int
	def  string
	cols []string
}

func (p *parser) ref(column string) operand {
	for _, c := range p.cols {
		if c == column {
			return operand{column: column}
		}
	}
	p.cols = append(p.cols, column)
	return operand{column: column}
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{kind: tokIdent}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if !p.done() && t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind tokKind, what string) (token, error) {
	if p.done() {
		return token{}, fmt.Errorf("expected %s at end of input", what)
	}
	t := p.next()
	if t.kind != kind {
		return token{}, fmt.Errorf("expected %s, got %q", what, t.text)
	}
	return t, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.keyword("NOT") {
		n, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{n}, nil
	}
	if p.peek().kind == tokLParen && !p.done() {
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return n, nil
	}
	return p.parseCondition()
}

func (p *parser) parseCondition() (node, error) {
	subject := p.def
	if t := p.peek(); !p.done() && t.kind == tokIdent && !keywords[strings.ToUpper(t.text)] {
		subject = strings.ToUpper(p.next().text)
	}
	if subject == "" {
		return nil, fmt.Errorf("condition has no column")
	}
	col := p.ref(subject)

	if p.keyword("IS") {
		negate := p.keyword("NOT")
		if !p.keyword("NULL") {
			return nil, fmt.Errorf("expected NULL after IS")
		}
		return nullNode{col: col, negate: negate}, nil
	}

	negate := p.keyword("NOT")
	switch {
	case p.keyword("BETWEEN"):
		lo, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if !p.keyword("AND") {
			return nil, fmt.Errorf("expected AND in BETWEEN")
		}
		hi, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return wrapNot(betweenNode{col, lo, hi}, negate), nil

	case p.keyword("IN"):
		if _, err := p.expect(tokLParen, "("); err != nil {
			return nil, err
		}
		var list []operand
		for {
			v, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			list = append(list, v)
			if p.peek().kind == tokComma && !p.done() {
				p.next()
				continue
			}
			break
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return wrapNot(inNode{col, list}, negate), nil

	case p.keyword("LIKE"):
		t, err := p.expect(tokString, "pattern string")
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile("(?s)^" + likeToRegexp(t.text) + "$")
		if err != nil {
			return nil, err
		}
		return wrapNot(matchNode{col, re}, negate), nil

	case p.keyword("RLIKE"), p.keyword("MATCHES"):
		t, err := p.expect(tokString, "pattern string")
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile("^(?:" + t.text + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		return wrapNot(matchNode{col, re}, negate), nil
	}
	if negate {
		return nil, fmt.Errorf("expected BETWEEN, IN, LIKE or RLIKE after NOT")
	}

	op, err := p.expect(tokOp, "operator")
	if err != nil {
		return nil, err
	}
	v, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return cmpNode{op: op.text, left: col, right: v}, nil
}

func (p *parser) parseOperand() (operand, error) {
	if p.done() {
		return operand{}, fmt.Errorf("expected value at end of input")
	}
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return operand{}, fmt.Errorf("invalid number %s", t.text)
		}
		return operand{literal: f, isLiteral: true}, nil
	case tokString:
		return operand{literal: t.text, isLiteral: true}, nil
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			return operand{literal: true, isLiteral: true}, nil
		case "FALSE":
			return operand{literal: false, isLiteral: true}, nil
		}
		if keywords[strings.ToUpper(t.text)] {
			return operand{}, fmt.Errorf("unexpected %s", t.text)
		}
		return p.ref(strings.ToUpper(t.text)), nil
	}
	return operand{}, fmt.Errorf("unexpected %q", t.text)
}

func likeToRegexp(pat string) string {
	var b strings.Builder
	for _, r := range pat {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

func wrapNot(n node, negate bool) node {
	if negate {
		return notNode{n}
	}
	return n
}

// ---- evaluation ----

type node interface {
	eval(row model.TargetRow) tri
}

type operand struct {
	column    string
	literal   any
	isLiteral bool
}

func (o operand) value(row model.TargetRow) any {
	if o.isLiteral {
		return o.literal
	}
	return lookup(row, o.column)
}

// lookup reads a column, falling back to a case-insensitive match.
func lookup(row model.TargetRow, column string) any {
	if v, ok := row[column]; ok {
		return v
	}
	for k, v := range row {
		if strings.EqualFold(k, column) {
			return v
		}
	}
	return nil
}

type andNode struct{ l, r node }

func (n andNode) eval(row model.TargetRow) tri {
	a, b := n.l.eval(row), n.r.eval(row)
	switch {
	case a == triFalse || b == triFalse:
		return triFalse
	case a == triTrue && b == triTrue:
		return triTrue
	}
	return triUnknown
}

type orNode struct{ l, r node }

func (n orNode) eval(row model.TargetRow) tri {
	a, b := n.l.eval(row), n.r.eval(row)
	switch {
	case a == triTrue || b == triTrue:
		return triTrue
	case a == triFalse && b == triFalse:
		return triFalse
	}
	return triUnknown
}

type notNode struct{ n node }

func (n notNode) eval(row model.TargetRow) tri { return n.n.eval(row).not() }

type nullNode struct {
	col    operand
	negate bool
}

func (n nullNode) eval(row model.TargetRow) tri {
	isNull := convert.IsBlank(n.col.value(row))
	return triOf(isNull != n.negate)
}

type cmpNode struct {
	op          string
	left, right operand
}

func (n cmpNode) eval(row model.TargetRow) tri {
	c, ok := compare(n.left.value(row), n.right.value(row))
	if !ok {
		return triUnknown
	}
	switch n.op {
	case "=", "==":
		return triOf(c == 0)
	case "!=", "<>":
		return triOf(c != 0)
	case "<":
		return triOf(c < 0)
	case "<=":
		return triOf(c <= 0)
	case ">":
		return triOf(c > 0)
	case ">=":
		return triOf(c >= 0)
	}
	return triUnknown
}

type betweenNode struct{ col, lo, hi operand }

func (n betweenNode) eval(row model.TargetRow) tri {
	v := n.col.value(row)
	lo, ok1 := compare(v, n.lo.value(row))
	hi, ok2 := compare(v, n.hi.value(row))
	if !ok1 || !ok2 {
		return triUnknown
	}
	return triOf(lo >= 0 && hi <= 0)
}

type inNode struct {
	col  operand
	list []operand
}

func (n inNode) eval(row model.TargetRow) tri {
	v := n.col.value(row)
	if convert.IsBlank(v) {
		return triUnknown
	}
	for _, o := range n.list {
		if c, ok := compare(v, o.value(row)); ok && c == 0 {
			return triTrue
		}
	}
	return triFalse
}

type matchNode struct {
	col operand
	re  *regexp.Regexp
}

func (n matchNode) eval(row model.TargetRow) tri {
	s, ok := convert.Text(n.col.value(row))
	if !ok {
		return triUnknown
	}
	return triOf(n.re.MatchString(s))
}

// compare orders two scalars. Times compare chronologically, numbers
// numerically and everything else as text. Nil is not comparable.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if tb, ok := b.(time.Time); ok {
		ta, ok := asTime(a)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := asBool(b); ok {
			return boolCmp(ba, bb), true
		}
	}
	if fa, ok := convert.Number(a); ok {
		if fb, ok := convert.Number(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	sa, _ := convert.Text(a)
	sb, _ := convert.Text(b)
	return strings.Compare(sa, sb), true
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return convert.ParseTimestamp(t)
	}
	return time.Time{}, false
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return convert.ParseBool(t)
	}
	return false, false
}

func boolCmp(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}
