// Package expr implements the small expression language used to resolve
// per-message policy: routing, schedule, connection and TLS strategy names
// are selected by evaluating configured conditional chains against message
// attributes.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Variables resolves attribute names referenced by an expression. A lookup
// that has no value returns the empty string.
type Variables interface {
	Resolve(name string) string
}

// MapVars is a Variables backed by a plain map.
type MapVars map[string]string

func (m MapVars) Resolve(name string) string { return m[name] }

// Evaluator evaluates expressions against a variable context. The queue core
// only depends on this interface; the built-in implementation below covers
// the subset of the language used by policy chains.
type Evaluator interface {
	// EvalBool evaluates a conditional expression.
	EvalBool(expression string, vars Variables) (bool, error)
	// EvalString evaluates a value expression: either a quoted literal,
	// a variable reference, or a concatenation of both with '+'.
	EvalString(expression string, vars Variables) (string, error)
}

// Rule is one branch of a policy chain.
type Rule struct {
	If   string
	Then string
}

// RuleChain evaluates rules in order and returns the value of the first
// branch whose condition holds, falling back to Default. Evaluation is
// side-effect free and never fails: a rule whose condition cannot be
// evaluated is skipped.
type RuleChain struct {
	Rules   []Rule
	Default string
}

// Literal returns a chain with no branches that always yields value.
func Literal(value string) RuleChain {
	return RuleChain{Default: quote(value)}
}

func quote(v string) string {
	if strings.HasPrefix(v, "'") {
		return v
	}
	return "'" + v + "'"
}

// IsEmpty reports whether the chain has neither rules nor a default.
func (c RuleChain) IsEmpty() bool {
	return len(c.Rules) == 0 && c.Default == ""
}

// Eval resolves the chain to a string value.
func (c RuleChain) Eval(ev Evaluator, vars Variables) string {
	for _, rule := range c.Rules {
		ok, err := ev.EvalBool(rule.If, vars)
		if err != nil || !ok {
			continue
		}
		if value, err := ev.EvalString(rule.Then, vars); err == nil {
			return value
		}
	}
	if c.Default == "" {
		return ""
	}
	value, err := ev.EvalString(c.Default, vars)
	if err != nil {
		return ""
	}
	return value
}

// ReferencedVariables returns the identifiers referenced by an expression.
// Configuration loading uses this to classify limiter and quota entries by
// the dimensions they depend on.
func ReferencedVariables(expression string) []string {
	toks, err := tokenize(expression)
	if err != nil {
		return nil
	}
	var names []string
	for _, tok := range toks {
		if tok.kind == tokIdent {
			names = append(names, tok.text)
		}
	}
	return names
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		ch := s[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case ch == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case ch == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case ch == '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, s[i+1 : i+1+end]})
			i += end + 2
		case ch >= '0' && ch <= '9':
			j := i
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case isIdentByte(ch):
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		default:
			matched := false
			for _, op := range [...]string{"==", "!=", ">=", "<=", "&&", "||", ">", "<", "+", "!"} {
				if strings.HasPrefix(s[i:], op) {
					toks = append(toks, token{tokOp, op})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("unexpected character %q at offset %d", s[i], i)
			}
		}
	}
	return toks, nil
}

func isIdentByte(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

// DefaultEvaluator is the built-in interpreter for policy expressions. It
// supports string and integer comparison, boolean combinators, string
// concatenation and parenthesised sub-expressions.
type DefaultEvaluator struct{}

func (DefaultEvaluator) EvalBool(expression string, vars Variables) (bool, error) {
	toks, err := tokenize(expression)
	if err != nil {
		return false, err
	}
	p := &parser{toks: toks, vars: vars}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if !p.done() {
		return false, fmt.Errorf("trailing tokens in expression %q", expression)
	}
	return v.truthy(), nil
}

func (DefaultEvaluator) EvalString(expression string, vars Variables) (string, error) {
	toks, err := tokenize(expression)
	if err != nil {
		return "", err
	}
	p := &parser{toks: toks, vars: vars}
	v, err := p.parseConcat()
	if err != nil {
		return "", err
	}
	if !p.done() {
		return "", fmt.Errorf("trailing tokens in expression %q", expression)
	}
	return v.str, nil
}

type value struct {
	str   string
	num   int64
	isNum bool
}

func (v value) truthy() bool {
	if v.isNum {
		return v.num != 0
	}
	return v.str != "" && v.str != "false"
}

type parser struct {
	toks []token
	pos  int
	vars Variables
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peekOp(ops ...string) (string, bool) {
	if p.done() || p.toks[p.pos].kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if p.toks[p.pos].text == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (value, error) {
	left, err := p.parseAnd()
	if err != nil {
		return value{}, err
	}
	for {
		if _, ok := p.peekOp("||"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return value{}, err
		}
		left = boolValue(left.truthy() || right.truthy())
	}
}

func (p *parser) parseAnd() (value, error) {
	left, err := p.parseCompare()
	if err != nil {
		return value{}, err
	}
	for {
		if _, ok := p.peekOp("&&"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseCompare()
		if err != nil {
			return value{}, err
		}
		left = boolValue(left.truthy() && right.truthy())
	}
}

func (p *parser) parseCompare() (value, error) {
	left, err := p.parseConcat()
	if err != nil {
		return value{}, err
	}
	op, ok := p.peekOp("==", "!=", ">", "<", ">=", "<=")
	if !ok {
		return left, nil
	}
	p.pos++
	right, err := p.parseConcat()
	if err != nil {
		return value{}, err
	}
	return compare(op, left, right)
}

func compare(op string, left, right value) (value, error) {
	if left.isNum || right.isNum {
		l, lok := left.asNum()
		r, rok := right.asNum()
		if lok && rok {
			switch op {
			case "==":
				return boolValue(l == r), nil
			case "!=":
				return boolValue(l != r), nil
			case ">":
				return boolValue(l > r), nil
			case "<":
				return boolValue(l < r), nil
			case ">=":
				return boolValue(l >= r), nil
			case "<=":
				return boolValue(l <= r), nil
			}
		}
	}
	switch op {
	case "==":
		return boolValue(left.str == right.str), nil
	case "!=":
		return boolValue(left.str != right.str), nil
	default:
		return value{}, fmt.Errorf("operator %q requires numeric operands", op)
	}
}

func (v value) asNum() (int64, bool) {
	if v.isNum {
		return v.num, true
	}
	n, err := strconv.ParseInt(v.str, 10, 64)
	return n, err == nil
}

func (p *parser) parseConcat() (value, error) {
	left, err := p.parseUnary()
	if err != nil {
		return value{}, err
	}
	for {
		if _, ok := p.peekOp("+"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return value{}, err
		}
		left = value{str: left.str + right.str}
	}
}

func (p *parser) parseUnary() (value, error) {
	if _, ok := p.peekOp("!"); ok {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return value{}, err
		}
		return boolValue(!v.truthy()), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (value, error) {
	if p.done() {
		return value{}, fmt.Errorf("unexpected end of expression")
	}
	tok := p.toks[p.pos]
	switch tok.kind {
	case tokString:
		p.pos++
		return value{str: tok.text}, nil
	case tokNumber:
		p.pos++
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return value{}, err
		}
		return value{num: n, isNum: true, str: tok.text}, nil
	case tokIdent:
		p.pos++
		switch tok.text {
		case "true":
			return boolValue(true), nil
		case "false":
			return boolValue(false), nil
		}
		resolved := ""
		if p.vars != nil {
			resolved = p.vars.Resolve(tok.text)
		}
		return value{str: resolved}, nil
	case tokLParen:
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return value{}, err
		}
		if p.done() || p.toks[p.pos].kind != tokRParen {
			return value{}, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	default:
		return value{}, fmt.Errorf("unexpected token %q", tok.text)
	}
}

func boolValue(b bool) value {
	if b {
		return value{str: "true", num: 1, isNum: true}
	}
	return value{str: "", num: 0, isNum: true}
}
