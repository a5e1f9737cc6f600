package formula

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokRef
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func syntaxErr(pos int, format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, pos, fmt.Sprintf(format, args...))
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '$':
			if i+1 >= len(src) || src[i+1] != '{' {
				return nil, syntaxErr(i, "expected '{' after '$'")
			}
			end := strings.IndexByte(src[i+2:], '}')
			if end < 0 {
				return nil, syntaxErr(i, "unterminated field reference")
			}
			name := strings.TrimSpace(src[i+2 : i+2+end])
			if name == "" {
				return nil, syntaxErr(i, "empty field reference")
			}
			for j := 0; j < len(name); j++ {
				if !isIdentPart(name[j]) && name[j] != '.' {
					return nil, syntaxErr(i, "invalid character in field reference")
				}
			}
			toks = append(toks, token{kind: tokRef, text: name, pos: i})
			i += end + 3
		case c == '\'' || c == '"':
			var b strings.Builder
			j := i + 1
			closed := false
			for j < len(src) {
				if src[j] == '\\' && j+1 < len(src) {
					switch src[j+1] {
					case 'n':
						b.WriteByte('\n')
					case 't':
						b.WriteByte('\t')
					default:
						b.WriteByte(src[j+1])
					}
					j += 2
					continue
				}
				if src[j] == c {
					closed = true
					break
				}
				b.WriteByte(src[j])
				j++
			}
			if !closed {
				return nil, syntaxErr(i, "unterminated string")
			}
			toks = append(toks, token{kind: tokString, text: b.String(), pos: i})
			i = j + 1
		case c >= '0' && c <= '9' || (c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9'):
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], pos: i})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		default:
			if i+1 < len(src) {
				two := src[i : i+2]
				switch two {
				case "<=", ">=", "==", "!=", "&&", "||":
					toks = append(toks, token{kind: tokOp, text: two, pos: i})
					i += 2
					continue
				}
			}
			switch c {
			case '+', '-', '*', '/', '%', '<', '>', '!':
				toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
				i++
			default:
				return nil, syntaxErr(i, "unexpected character %q", c)
			}
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

var binaryPrec = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

type node interface {
	String() string
}

type numberLit struct {
	v   float64
	raw string
}

type stringLit struct{ v string }

type boolLit struct{ v bool }

type nullLit struct{}

type refNode struct{ name string }

type arrayNode struct{ items []node }

type unaryNode struct {
	op string
	x  node
}

type binaryNode struct {
	op   string
	l, r node
}

type callNode struct {
	name string
	args []node
}

func (n *numberLit) String() string { return n.raw }
func (n *stringLit) String() string { return strconv.Quote(n.v) }
func (n *boolLit) String() string   { return strconv.FormatBool(n.v) }
func (n *nullLit) String() string   { return "null" }
func (n *refNode) String() string   { return "${" + n.name + "}" }
func (n *unaryNode) String() string { return n.op + n.x.String() }

func (n *binaryNode) String() string {
	return "(" + n.l.String() + " " + n.op + " " + n.r.String() + ")"
}

func (n *arrayNode) String() string {
	parts := make([]string, len(n.items))
	for i, it := range n.items {
		parts[i] = it.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (n *callNode) String() string {
	parts := make([]string, len(n.args))
	for i, a := range n.args {
		parts[i] = a.String()
	}
	return n.name + "(" + strings.Join(parts, ", ") + ")"
}

type parser struct {
	toks []token
	pos  int
}

// parse turns an expression into its syntax tree
func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.expr(0)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, syntaxErr(t.pos, "unexpected %q", t.text)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) error {
	if t := p.next(); t.kind != kind {
		return syntaxErr(t.pos, "expected %s", what)
	}
	return nil
}

func (p *parser) expr(minPrec int) (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		prec := binaryPrec[t.text]
		if prec == 0 || prec <= minPrec {
			return left, nil
		}
		p.next()
		right, err := p.expr(prec)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text, l: left, r: right}
	}
}

func (p *parser) unary() (node, error) {
	if t := p.peek(); t.kind == tokOp && (t.text == "-" || t.text == "!") {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: t.text, x: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, syntaxErr(t.pos, "invalid number %q", t.text)
		}
		return &numberLit{v: v, raw: t.text}, nil
	case tokString:
		return &stringLit{v: t.text}, nil
	case tokRef:
		return &refNode{name: t.text}, nil
	case tokLParen:
		n, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return n, nil
	case tokLBracket:
		items, err := p.list(tokRBracket, "']'")
		if err != nil {
			return nil, err
		}
		return &arrayNode{items: items}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &boolLit{v: true}, nil
		case "false":
			return &boolLit{v: false}, nil
		case "null":
			return &nullLit{}, nil
		}
		if p.peek().kind != tokLParen {
			return nil, syntaxErr(t.pos, "unknown identifier %q", t.text)
		}
		p.next()
		args, err := p.list(tokRParen, "')'")
		if err != nil {
			return nil, err
		}
		return &callNode{name: t.text, args: args}, nil
	case tokEOF:
		return nil, syntaxErr(t.pos, "unexpected end of expression")
	}
	return nil, syntaxErr(t.pos, "unexpected %q", t.text)
}

// list parses comma separated expressions up to the closing token
func (p *parser) list(closing tokenKind, what string) ([]node, error) {
	var items []node
	if p.peek().kind == closing {
		p.next()
		return items, nil
	}
	for {
		n, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
		t := p.next()
		if t.kind == closing {
			return items, nil
		}
		if t.kind != tokComma {
			return nil, syntaxErr(t.pos, "expected ',' or %s", what)
		}
	}
}

// walk visits n and all of its descendants
func walk(n node, visit func(node) error) error {
	if err := visit(n); err != nil {
		return err
	}
	switch v := n.(type) {
	case *unaryNode:
		return walk(v.x, visit)
	case *binaryNode:
		if err := walk(v.l, visit); err != nil {
			return err
		}
		return walk(v.r, visit)
	case *arrayNode:
		for _, it := range v.items {
			if err := walk(it, visit); err != nil {
				return err
			}
		}
	case *callNode:
		for _, a := range v.args {
			if err := walk(a, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// isLiteralZero reports whether n is a numeric literal equal to zero
func isLiteralZero(n node) bool {
	switch v := n.(type) {
	case *numberLit:
		return v.v == 0
	case *unaryNode:
		return v.op == "-" && isLiteralZero(v.x)
	}
	return false
}
