package session

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/onemcp/onemcp-go/internal/apperr"
)

// Expression operators. Leaves carry a tag instead of an operator.
const (
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"
)

// Expr is one node of a parsed tag expression. Inner nodes carry Op and
// Children; leaves carry Tag. The zero split keeps the tree trivially
// JSON-serializable for session persistence.
type Expr struct {
	Op       string  `json:"op,omitempty"`
	Children []*Expr `json:"children,omitempty"`
	Tag      string  `json:"tag,omitempty"`
}

// ParseExpr parses a boolean tag expression. Grammar, loosest binding first:
//
//	expr := and ("OR" and)*
//	and  := not ("AND" not)*
//	not  := "NOT" not | "(" expr ")" | tag
//
// Operators are case-insensitive keywords; anything else between spaces and
// parentheses is a tag literal.
func ParseExpr(input string) (*Expr, error) {
	p := &exprParser{tokens: tokenizeExpr(input)}
	if len(p.tokens) == 0 {
		return nil, apperr.New(apperr.KindParse, "tag expression is empty")
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok != "" {
		return nil, apperr.New(apperr.KindParse, "tag expression: unexpected %q after end of expression", tok)
	}
	return expr, nil
}

// ExprFromQuery converts the JSON query form of a tag filter into an
// expression tree. Accepted shapes: a bare string or {"tag": "x"} is a leaf,
// {"and": [...]} and {"or": [...]} take non-empty arrays of queries, and
// {"not": query} negates one query.
func ExprFromQuery(raw []byte) (*Expr, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, apperr.Parse(err, "tag query")
	}
	return exprFromValue(value)
}

func exprFromValue(value any) (*Expr, error) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil, apperr.New(apperr.KindParse, "tag query: empty tag")
		}
		return &Expr{Tag: v}, nil

	case map[string]any:
		if len(v) != 1 {
			return nil, apperr.New(apperr.KindParse, "tag query: want exactly one operator per object, got %d", len(v))
		}
		var key string
		var payload any
		for k, p := range v {
			key, payload = k, p
		}
		switch strings.ToLower(key) {
		case "tag":
			tag, ok := payload.(string)
			if !ok || tag == "" {
				return nil, apperr.New(apperr.KindParse, "tag query: %q wants a non-empty string", key)
			}
			return &Expr{Tag: tag}, nil
		case OpAnd, OpOr:
			items, ok := payload.([]any)
			if !ok || len(items) == 0 {
				return nil, apperr.New(apperr.KindParse, "tag query: %q wants a non-empty array", key)
			}
			children := make([]*Expr, 0, len(items))
			for _, item := range items {
				child, err := exprFromValue(item)
				if err != nil {
					return nil, err
				}
				children = append(children, child)
			}
			return &Expr{Op: strings.ToLower(key), Children: children}, nil
		case OpNot:
			child, err := exprFromValue(payload)
			if err != nil {
				return nil, err
			}
			return &Expr{Op: OpNot, Children: []*Expr{child}}, nil
		default:
			return nil, apperr.New(apperr.KindParse, "tag query: unknown operator %q", key)
		}

	default:
		return nil, apperr.New(apperr.KindParse, "tag query: unsupported value of type %T", value)
	}
}

// Eval reports whether the expression matches a tag set. Callers lower the
// set once via TagSet; leaves lower their own literal, so matching is
// case-insensitive end to end.
func (e *Expr) Eval(tags map[string]struct{}) bool {
	switch e.Op {
	case OpAnd:
		for _, child := range e.Children {
			if !child.Eval(tags) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range e.Children {
			if child.Eval(tags) {
				return true
			}
		}
		return false
	case OpNot:
		return len(e.Children) == 1 && !e.Children[0].Eval(tags)
	default:
		_, ok := tags[strings.ToLower(e.Tag)]
		return ok
	}
}

// Validate checks a tree that arrived from persistence or an API payload
// rather than the parser.
func (e *Expr) Validate() error {
	switch e.Op {
	case "":
		if e.Tag == "" {
			return apperr.New(apperr.KindValidation, "tag expression: leaf without a tag")
		}
		if len(e.Children) > 0 {
			return apperr.New(apperr.KindValidation, "tag expression: leaf %q must not have children", e.Tag)
		}
	case OpAnd, OpOr:
		if len(e.Children) == 0 {
			return apperr.New(apperr.KindValidation, "tag expression: %s needs at least one operand", strings.ToUpper(e.Op))
		}
	case OpNot:
		if len(e.Children) != 1 {
			return apperr.New(apperr.KindValidation, "tag expression: NOT needs exactly one operand")
		}
	default:
		return apperr.New(apperr.KindValidation, "tag expression: unknown operator %q", e.Op)
	}
	for _, child := range e.Children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy.
func (e *Expr) Clone() *Expr {
	if e == nil {
		return nil
	}
	out := &Expr{Op: e.Op, Tag: e.Tag}
	if len(e.Children) > 0 {
		out.Children = make([]*Expr, len(e.Children))
		for i, child := range e.Children {
			out.Children[i] = child.Clone()
		}
	}
	return out
}

// String renders the expression back to its text form with explicit
// parentheses around nested operators.
func (e *Expr) String() string {
	switch e.Op {
	case OpAnd, OpOr:
		parts := make([]string, len(e.Children))
		for i, child := range e.Children {
			parts[i] = child.grouped()
		}
		return strings.Join(parts, " "+strings.ToUpper(e.Op)+" ")
	case OpNot:
		if len(e.Children) != 1 {
			return "NOT"
		}
		return "NOT " + e.Children[0].grouped()
	default:
		return e.Tag
	}
}

func (e *Expr) grouped() string {
	if e.Op == OpAnd || e.Op == OpOr {
		return "(" + e.String() + ")"
	}
	return e.String()
}

// TagSet lowers a tag list into the set form Eval consumes.
func TagSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		set[strings.ToLower(tag)] = struct{}{}
	}
	return set
}

type exprParser struct {
	tokens []string
	pos    int
}

func (p *exprParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *exprParser) parseOr() (*Expr, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []*Expr{first}
	for strings.EqualFold(p.peek(), "or") {
		p.pos++
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &Expr{Op: OpOr, Children: children}, nil
}

func (p *exprParser) parseAnd() (*Expr, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	children := []*Expr{first}
	for strings.EqualFold(p.peek(), "and") {
		p.pos++
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &Expr{Op: OpAnd, Children: children}, nil
}

func (p *exprParser) parseNot() (*Expr, error) {
	tok := p.peek()
	switch {
	case strings.EqualFold(tok, "not"):
		p.pos++
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Expr{Op: OpNot, Children: []*Expr{child}}, nil

	case tok == "(":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, apperr.New(apperr.KindParse, "tag expression: missing closing parenthesis")
		}
		p.pos++
		return inner, nil

	case tok == "":
		return nil, apperr.New(apperr.KindParse, "tag expression ended where a tag was expected")

	case tok == ")":
		return nil, apperr.New(apperr.KindParse, "tag expression: unexpected closing parenthesis")

	case strings.EqualFold(tok, "and") || strings.EqualFold(tok, "or"):
		return nil, apperr.New(apperr.KindParse, "tag expression: operator %q where a tag was expected", tok)

	default:
		p.pos++
		return &Expr{Tag: tok}, nil
	}
}

func tokenizeExpr(input string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range input {
		switch {
		case unicode.IsSpace(r):
			flush()
		case r == '(' || r == ')':
			flush()
			tokens = append(tokens, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}
