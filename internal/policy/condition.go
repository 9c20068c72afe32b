package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrMalformedCondition wraps every parse and evaluation failure.
var ErrMalformedCondition = errors.New("malformed condition")

// Field is a context value a condition may test.
type Field string

const (
	FieldTrustScore Field = "trustScore"
	FieldIsAnomaly  Field = "isAnomaly"
	FieldIsBot      Field = "isBot"
)

func (f Field) boolean() bool {
	return f == FieldIsAnomaly || f == FieldIsBot
}

// Op is a comparison operator.
type Op string

const (
	OpLess    Op = "<"
	OpGreater Op = ">"
	OpEqual   Op = "="
	OpNotEq   Op = "!="
)

// Connective joins comparisons. A condition uses at most one kind.
type Connective string

const (
	ConnNone Connective = ""
	ConnAnd  Connective = "AND"
	ConnOr   Connective = "OR"
)

// Comparison is a single <field> <op> <literal> test. Literal holds the
// literal text; Number is set for numeric literals.
type Comparison struct {
	Field   Field
	Op      Op
	Literal string
	Number  float64
	Numeric bool
}

// Condition is a parsed rule condition.
type Condition struct {
	Terms []Comparison
	Conn  Connective
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedCondition, fmt.Sprintf(format, args...))
}

// tokenize splits a condition into identifiers, numbers and operators.
func tokenize(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '<' || r == '>' || r == '=':
			toks = append(toks, token{kind: tokOp, text: string(r), pos: i})
			i++

		case r == '!':
			if i+1 >= len(rs) || rs[i+1] != '=' {
				return nil, malformed("unexpected '!' at %d", i)
			}
			toks = append(toks, token{kind: tokOp, text: "!=", pos: i})
			i += 2

		case unicode.IsDigit(r) || r == '.' || r == '-':
			start := i
			i++
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[start:i]), pos: start})

		case unicode.IsLetter(r):
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_') {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[start:i]), pos: start})

		default:
			return nil, malformed("unexpected %q at %d", r, i)
		}
	}
	return toks, nil
}

// Parse compiles a condition such as "trustScore < 40 AND isBot = true".
// An optional leading IF and a trailing THEN clause are ignored.
func Parse(src string) (*Condition, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}

	if len(toks) > 0 && toks[0].kind == tokIdent && toks[0].text == "IF" {
		toks = toks[1:]
	}
	for i, t := range toks {
		if t.kind == tokIdent && t.text == "THEN" {
			toks = toks[:i]
			break
		}
	}
	if len(toks) == 0 {
		return nil, malformed("empty condition")
	}

	cond := &Condition{}
	for i := 0; ; {
		if len(toks)-i < 3 {
			return nil, malformed("incomplete comparison")
		}
		cmp, err := parseComparison(toks[i], toks[i+1], toks[i+2])
		if err != nil {
			return nil, err
		}
		cond.Terms = append(cond.Terms, cmp)
		i += 3

		if i == len(toks) {
			return cond, nil
		}

		conn := toks[i]
		if conn.kind != tokIdent || (conn.text != string(ConnAnd) && conn.text != string(ConnOr)) {
			return nil, malformed("expected AND or OR at %d, got %q", conn.pos, conn.text)
		}
		if cond.Conn != ConnNone && cond.Conn != Connective(conn.text) {
			return nil, malformed("mixed AND/OR is not supported")
		}
		cond.Conn = Connective(conn.text)
		i++
	}
}

func parseComparison(f, op, lit token) (Comparison, error) {
	if f.kind != tokIdent {
		return Comparison{}, malformed("expected field at %d, got %q", f.pos, f.text)
	}
	field := Field(f.text)
	switch field {
	case FieldTrustScore, FieldIsAnomaly, FieldIsBot:
	default:
		return Comparison{}, malformed("unknown field %q", f.text)
	}

	if op.kind != tokOp {
		return Comparison{}, malformed("expected operator at %d, got %q", op.pos, op.text)
	}
	cmp := Comparison{Field: field, Op: Op(op.text), Literal: lit.text}

	switch lit.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(lit.text, 64)
		if err != nil {
			return Comparison{}, malformed("bad number %q", lit.text)
		}
		cmp.Number, cmp.Numeric = n, true
	case tokIdent:
		if lit.text != "true" && lit.text != "false" {
			return Comparison{}, malformed("unknown literal %q", lit.text)
		}
	default:
		return Comparison{}, malformed("expected literal at %d, got %q", lit.pos, lit.text)
	}

	if field.boolean() {
		if cmp.Numeric {
			return Comparison{}, malformed("%s compares with true or false", field)
		}
		if cmp.Op != OpEqual && cmp.Op != OpNotEq {
			return Comparison{}, malformed("%s supports only = and !=", field)
		}
	} else if !cmp.Numeric {
		return Comparison{}, malformed("%s compares with a number", field)
	}
	return cmp, nil
}

// Eval evaluates the condition against ctx.
func (c *Condition) Eval(ctx Context) bool {
	if c.Conn == ConnOr {
		for _, t := range c.Terms {
			if t.eval(ctx) {
				return true
			}
		}
		return false
	}
	for _, t := range c.Terms {
		if !t.eval(ctx) {
			return false
		}
	}
	return len(c.Terms) > 0
}

func (c Comparison) eval(ctx Context) bool {
	if c.Numeric {
		x := ctx.TrustScore
		switch c.Op {
		case OpLess:
			return x < c.Number
		case OpGreater:
			return x > c.Number
		case OpEqual:
			return x == c.Number
		case OpNotEq:
			return x != c.Number
		}
		return false
	}

	var v bool
	switch c.Field {
	case FieldIsAnomaly:
		v = ctx.IsAnomaly
	case FieldIsBot:
		v = ctx.IsBot
	}
	actual := strconv.FormatBool(v)
	if c.Op == OpNotEq {
		return actual != c.Literal
	}
	return actual == c.Literal
}

// String renders the condition in canonical form.
func (c *Condition) String() string {
	parts := make([]string, len(c.Terms))
	for i, t := range c.Terms {
		parts[i] = fmt.Sprintf("%s %s %s", t.Field, t.Op, t.Literal)
	}
	return strings.Join(parts, " "+string(c.Conn)+" ")
}
