package tagging

import (
	"fmt"
	"sort"
	"strings"
)

// SyntaxError is returned by ParseExpression for malformed tag filter text.
type SyntaxError struct {
	// Expr is the full expression text that failed to parse.
	Expr string

	// Pos is the rune offset where parsing stopped.
	Pos int

	// Msg describes what was expected at Pos.
	Msg string
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid tag filter %q at position %d: %s", e.Expr, e.Pos, e.Msg)
}

// Expression is a parsed tag filter. It is immutable and safe for concurrent use.
//
// Grammar:
//
//	expr    := andExpr { ("," | "|") andExpr }
//	andExpr := unary { ("+" | "&") unary }
//	unary   := "!" unary | "(" expr ")" | term
//	term    := key [ ("=" | "!=") value ]
//
// A bare key tests for existence. '*' in a key or value matches any run of
// characters and '\' escapes the next character. Operator characters inside
// keys and values must be escaped.
type Expression struct {
	text     string
	root     node
	keys     []pattern
	warnings []string
}

// ParseExpression parses a tag filter. Empty text yields a nil expression,
// which matches every tag set.
func ParseExpression(text string) (*Expression, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	p := &parser{src: []rune(text), text: text}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("unexpected %q", p.peek())
	}

	seen := make(map[string]pattern)
	root.collectKeys(seen)
	keys := make([]pattern, 0, len(seen))
	for _, k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].text < keys[j].text })

	return &Expression{
		text:     strings.TrimSpace(text),
		root:     root,
		keys:     keys,
		warnings: p.warnings,
	}, nil
}

// MustParseExpression is like ParseExpression but panics on error.
func MustParseExpression(text string) *Expression {
	e, err := ParseExpression(text)
	if err != nil {
		panic(err)
	}
	return e
}

// Matches reports whether tags satisfy the expression.
func (e *Expression) Matches(tags map[string]string) bool {
	if e == nil {
		return true
	}
	return e.root.eval(tags)
}

// ReferencedKeys returns the sorted key patterns used by the expression.
func (e *Expression) ReferencedKeys() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.keys))
	for i, k := range e.keys {
		out[i] = k.text
	}
	return out
}

// References reports whether a concrete tag key is referenced by any key
// pattern of the expression.
func (e *Expression) References(key string) bool {
	if e == nil {
		return false
	}
	for _, k := range e.keys {
		if k.match(key) {
			return true
		}
	}
	return false
}

// Warnings describes parts of the expression that parse but most likely
// do not mean what was written, such as a value holding an unescaped '+'.
func (e *Expression) Warnings() []string {
	if e == nil {
		return nil
	}
	return e.warnings
}

// String returns the expression text.
func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	return e.text
}

type node interface {
	eval(tags map[string]string) bool
	collectKeys(dst map[string]pattern)
}

type orNode struct{ children []node }

func (n orNode) eval(tags map[string]string) bool {
	for _, c := range n.children {
		if c.eval(tags) {
			return true
		}
	}
	return false
}

func (n orNode) collectKeys(dst map[string]pattern) {
	for _, c := range n.children {
		c.collectKeys(dst)
	}
}

type andNode struct{ children []node }

func (n andNode) eval(tags map[string]string) bool {
	for _, c := range n.children {
		if !c.eval(tags) {
			return false
		}
	}
	return true
}

func (n andNode) collectKeys(dst map[string]pattern) {
	for _, c := range n.children {
		c.collectKeys(dst)
	}
}

type notNode struct{ child node }

func (n notNode) eval(tags map[string]string) bool { return !n.child.eval(tags) }

func (n notNode) collectKeys(dst map[string]pattern) { n.child.collectKeys(dst) }

type termOp int

const (
	opExists termOp = iota
	opEquals
	opNotEquals
)

type termNode struct {
	key   pattern
	op    termOp
	value pattern
}

func (n termNode) eval(tags map[string]string) bool {
	if !n.key.wildcard {
		v, ok := tags[n.key.literal]
		if !ok {
			return false
		}
		return n.evalValue(v)
	}

	found := false
	for k, v := range tags {
		if !n.key.match(k) {
			continue
		}
		found = true
		switch n.op {
		case opExists:
			return true
		case opEquals:
			if n.value.match(v) {
				return true
			}
		case opNotEquals:
			if n.value.match(v) {
				return false
			}
		}
	}
	return found && n.op == opNotEquals
}

func (n termNode) evalValue(v string) bool {
	switch n.op {
	case opEquals:
		return n.value.match(v)
	case opNotEquals:
		return !n.value.match(v)
	default:
		return true
	}
}

func (n termNode) collectKeys(dst map[string]pattern) { dst[n.key.text] = n.key }

type parser struct {
	text     string
	src      []rune
	pos      int
	warnings []string
}

func (p *parser) parseOr() (node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []node{first}
	for {
		p.skipSpace()
		if r := p.peek(); r != ',' && r != '|' {
			break
		}
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
	return orNode{children: children}, nil
}

func (p *parser) parseAnd() (node, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	children := []node{first}
	for {
		p.skipSpace()
		r := p.peek()
		if r != '+' && r != '&' {
			break
		}
		opPos := p.pos
		p.pos++
		tight := opPos > 0 && !isSpace(p.src[opPos-1]) && !p.eof() && !isSpace(p.peek())
		next, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if tight {
			p.checkSplitValue(children[len(children)-1], next, r, opPos)
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return andNode{children: children}, nil
}

func (p *parser) parseUnary() (node, error) {
	p.skipSpace()
	switch p.peek() {
	case '!':
		p.pos++
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{child: child}, nil
	case '(':
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return nil, p.errorf("expected ')'")
		}
		p.pos++
		return inner, nil
	}
	return p.parseTerm()
}

func (p *parser) parseTerm() (node, error) {
	key, err := p.word()
	if err != nil {
		return nil, err
	}
	if key.empty() {
		if p.eof() {
			return nil, p.errorf("unexpected end of expression, expected tag key")
		}
		return nil, p.errorf("expected tag key, found %q", p.peek())
	}

	p.skipSpace()
	switch {
	case p.peek() == '=':
		p.pos++
		value, err := p.word()
		if err != nil {
			return nil, err
		}
		return termNode{key: key, op: opEquals, value: value}, nil
	case p.peek() == '!' && p.peekAt(1) == '=':
		p.pos += 2
		value, err := p.word()
		if err != nil {
			return nil, err
		}
		return termNode{key: key, op: opNotEquals, value: value}, nil
	}
	return termNode{key: key, op: opExists}, nil
}

// word reads key or value characters up to the next unescaped operator.
func (p *parser) word() (pattern, error) {
	var chars []patternChar
	for !p.eof() {
		r := p.src[p.pos]
		if r == '\\' {
			if p.pos+1 >= len(p.src) {
				return pattern{}, p.errorf("dangling escape")
			}
			chars = append(chars, patternChar{r: p.src[p.pos+1], escaped: true})
			p.pos += 2
			continue
		}
		if isOperator(r) {
			break
		}
		chars = append(chars, patternChar{r: r})
		p.pos++
	}
	pat, err := newPattern(chars)
	if err != nil {
		return pattern{}, p.errorf("%v", err)
	}
	return pat, nil
}

// checkSplitValue warns when an AND operator written without spaces sits
// between a value and a bare key, as in "Email=a+b@example.com", where the
// operator was most likely meant as part of the value.
func (p *parser) checkSplitValue(left, right node, op rune, pos int) {
	l, ok := left.(termNode)
	if !ok || l.op == opExists || l.value.empty() {
		return
	}
	r, ok := right.(termNode)
	if !ok || r.op != opExists {
		return
	}
	p.warnings = append(p.warnings, fmt.Sprintf(
		"position %d: %q splits value %q from %q into an AND with an existence test; write \\%c to keep it in the value",
		pos, op, l.value.text, r.key.text, op))
}

func (p *parser) skipSpace() {
	for !p.eof() && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() rune { return p.peekAt(0) }

func (p *parser) peekAt(offset int) rune {
	if p.pos+offset >= len(p.src) {
		return 0
	}
	return p.src[p.pos+offset]
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return &SyntaxError{Expr: p.text, Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func isOperator(r rune) bool {
	switch r {
	case ',', '|', '+', '&', '!', '(', ')', '=':
		return true
	}
	return false
}
