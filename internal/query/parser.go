package query

import (
	"fmt"
	"strconv"
)

// Parse parses a query. Malformed input fails with a *memerr.QuerySyntaxError
// whose Pos is the byte offset of the offending token.
func Parse(src string) (*Query, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	q, err := p.query()
	if err != nil {
		return nil, err
	}
	return q, nil
}

type parser struct {
	src  string
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) peekAt(n int) token {
	if p.i+n < len(p.toks) {
		return p.toks[p.i+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) isPunct(s string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == s
}

func (p *parser) isKeyword(s string) bool {
	t := p.peek()
	return t.kind == tokKeyword && t.text == s
}

func (p *parser) accept(s string) bool {
	if p.isPunct(s) {
		p.i++
		return true
	}
	return false
}

func (p *parser) expect(s string) (token, error) {
	if !p.isPunct(s) {
		return token{}, p.unexpected(fmt.Sprintf("expected %q", s))
	}
	return p.next(), nil
}

func (p *parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.unexpected("expected " + kw)
	}
	p.i++
	return nil
}

func (p *parser) ident() (token, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return token{}, p.unexpected("expected identifier")
	}
	return p.next(), nil
}

func (p *parser) unexpected(msg string) error {
	t := p.peek()
	near := t.text
	switch t.kind {
	case tokEOF:
		near = ""
		msg += ", got end of query"
	case tokParam:
		near = "$" + t.text
	case tokString:
		near = strconv.Quote(t.text)
	}
	return syntaxErr(t.pos, near, msg)
}

func (p *parser) query() (*Query, error) {
	if err := p.expectKeyword("MATCH"); err != nil {
		return nil, err
	}
	q := &Query{}
	if err := p.pattern(q); err != nil {
		return nil, err
	}

	if p.isKeyword("WHERE") {
		p.i++
		where, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		q.Where = where
	}

	if err := p.expectKeyword("RETURN"); err != nil {
		return nil, err
	}
	if err := p.returnList(q); err != nil {
		return nil, err
	}

	if p.isKeyword("LIMIT") {
		p.i++
		t := p.peek()
		n, err := strconv.Atoi(t.text)
		if t.kind != tokNumber || err != nil || n < 1 {
			return nil, p.unexpected("LIMIT needs a positive integer")
		}
		p.i++
		q.Limit = n
	}
	p.accept(";")
	if p.peek().kind != tokEOF {
		return nil, p.unexpected("unexpected trailing input")
	}
	return q, p.checkVars(q)
}

func (p *parser) pattern(q *Query) error {
	n, err := p.nodePattern()
	if err != nil {
		return err
	}
	q.Nodes = append(q.Nodes, n)
	for p.isPunct("-") || p.isPunct("<") {
		r, err := p.relPattern()
		if err != nil {
			return err
		}
		n, err := p.nodePattern()
		if err != nil {
			return err
		}
		q.Rels = append(q.Rels, r)
		q.Nodes = append(q.Nodes, n)
	}
	return nil
}

func (p *parser) nodePattern() (NodePattern, error) {
	open, err := p.expect("(")
	if err != nil {
		return NodePattern{}, err
	}
	n := NodePattern{Pos: open.pos}
	if p.peek().kind == tokIdent {
		n.Var = p.next().text
	}
	if p.accept(":") {
		t, err := p.ident()
		if err != nil {
			return n, err
		}
		n.Label = t.text
	}
	if p.isPunct("{") {
		if n.Props, err = p.propMap(); err != nil {
			return n, err
		}
	}
	if _, err := p.expect(")"); err != nil {
		return n, err
	}
	return n, nil
}

// relPattern parses -[..]->, <-[..]-, -[..]- and the bracketless forms
// -->, <--, --.
func (p *parser) relPattern() (RelPattern, error) {
	r := RelPattern{Pos: p.peek().pos, MinHops: 1, MaxHops: 1}
	incoming := p.accept("<")
	if _, err := p.expect("-"); err != nil {
		return r, err
	}
	if p.accept("[") {
		if err := p.relBody(&r); err != nil {
			return r, err
		}
		if _, err := p.expect("]"); err != nil {
			return r, err
		}
	}
	if _, err := p.expect("-"); err != nil {
		return r, err
	}
	outgoing := p.accept(">")

	switch {
	case incoming && outgoing:
		return r, syntaxErr(r.Pos, "<", "relationship cannot point both ways")
	case incoming:
		r.Dir = Incoming
	case outgoing:
		r.Dir = Outgoing
	default:
		r.Dir = Either
	}
	return r, nil
}

func (p *parser) relBody(r *RelPattern) error {
	if p.peek().kind == tokIdent {
		r.Var = p.next().text
	}
	if p.accept(":") {
		for {
			t, err := p.ident()
			if err != nil {
				return err
			}
			r.Types = append(r.Types, t.text)
			if !p.accept("|") {
				break
			}
			p.accept(":")
		}
	}
	if p.isPunct("*") {
		star := p.next()
		r.VarLength = true
		r.MinHops, r.MaxHops = 1, 0
		if p.peek().kind == tokNumber {
			n, err := p.hopCount()
			if err != nil {
				return err
			}
			r.MinHops, r.MaxHops = n, n
		}
		if p.accept("..") {
			r.MaxHops = 0
			if p.peek().kind == tokNumber {
				n, err := p.hopCount()
				if err != nil {
					return err
				}
				r.MaxHops = n
			}
		}
		if r.MaxHops != 0 && r.MaxHops < r.MinHops {
			return syntaxErr(star.pos, "*", "hop range is empty")
		}
	}
	if p.isPunct("{") {
		props, err := p.propMap()
		if err != nil {
			return err
		}
		r.Props = props
	}
	return nil
}

func (p *parser) hopCount() (int, error) {
	t := p.peek()
	n, err := strconv.Atoi(t.text)
	if err != nil || n < 0 {
		return 0, p.unexpected("hop count must be a non-negative integer")
	}
	p.i++
	return n, nil
}

func (p *parser) propMap() ([]PropFilter, error) {
	if _, err := p.expect("{"); err != nil {
		return nil, err
	}
	var props []PropFilter
	if p.accept("}") {
		return props, nil
	}
	for {
		t := p.peek()
		if t.kind != tokIdent && t.kind != tokString {
			return nil, p.unexpected("expected property name")
		}
		p.i++
		if _, err := p.expect(":"); err != nil {
			return nil, err
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		props = append(props, PropFilter{Key: t.text, Value: v})
		if p.accept("}") {
			return props, nil
		}
		if _, err := p.expect(","); err != nil {
			return nil, err
		}
	}
}

// value parses a literal, list, or parameter.
func (p *parser) value() (Operand, error) {
	t := p.peek()
	switch {
	case t.kind == tokParam:
		p.i++
		return Param{Name: t.text, Pos: t.pos}, nil
	case t.kind == tokString:
		p.i++
		return Literal{Value: t.text}, nil
	case t.kind == tokNumber:
		p.i++
		return numberLiteral(t)
	case t.kind == tokPunct && t.text == "-" && p.peekAt(1).kind == tokNumber:
		p.i++
		lit, err := numberLiteral(p.next())
		if err != nil {
			return nil, err
		}
		return Literal{Value: -lit.Value.(float64)}, nil
	case t.kind == tokKeyword && t.text == "TRUE":
		p.i++
		return Literal{Value: true}, nil
	case t.kind == tokKeyword && t.text == "FALSE":
		p.i++
		return Literal{Value: false}, nil
	case t.kind == tokKeyword && t.text == "NULL":
		p.i++
		return Literal{Value: nil}, nil
	case t.kind == tokPunct && t.text == "[":
		return p.list()
	}
	return nil, p.unexpected("expected value")
}

func numberLiteral(t token) (Literal, error) {
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return Literal{}, syntaxErr(t.pos, t.text, "invalid number")
	}
	return Literal{Value: f}, nil
}

func (p *parser) list() (Operand, error) {
	p.i++ // [
	items := []any{}
	if p.accept("]") {
		return Literal{Value: items}, nil
	}
	for {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		lit, ok := v.(Literal)
		if !ok {
			return nil, syntaxErr(v.(Param).Pos, "$"+v.(Param).Name, "parameters are not allowed inside lists")
		}
		items = append(items, lit.Value)
		if p.accept("]") {
			return Literal{Value: items}, nil
		}
		if _, err := p.expect(","); err != nil {
			return nil, err
		}
	}
}

func (p *parser) orExpr() (Expr, error) {
	left, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.i++
		right, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		left = Or{L: left, R: right}
	}
	return left, nil
}

func (p *parser) andExpr() (Expr, error) {
	left, err := p.notExpr()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.i++
		right, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		left = And{L: left, R: right}
	}
	return left, nil
}

func (p *parser) notExpr() (Expr, error) {
	if p.isKeyword("NOT") {
		p.i++
		x, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil
	}
	if p.isPunct("(") {
		p.i++
		x, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(")"); err != nil {
			return nil, err
		}
		return x, nil
	}
	return p.comparison()
}

var compareOps = map[string]string{
	"=": "=", "<>": "<>", "!=": "<>", "<": "<", ">": ">", "<=": "<=", ">=": ">=",
}

func (p *parser) comparison() (Expr, error) {
	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	var op string
	switch {
	case t.kind == tokPunct && compareOps[t.text] != "":
		op = compareOps[t.text]
	case t.kind == tokKeyword && t.text == "CONTAINS":
		op = "CONTAINS"
	default:
		return nil, p.unexpected("expected comparison operator")
	}
	p.i++
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	return Compare{Op: op, L: left, R: right, Pos: t.pos}, nil
}

func (p *parser) operand() (Operand, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return p.value()
	}
	p.i++
	if !p.accept(".") {
		return VarRef{Var: t.text, Pos: t.pos}, nil
	}
	prop := p.peek()
	if prop.kind != tokIdent && prop.kind != tokKeyword {
		return nil, p.unexpected("expected property name")
	}
	p.i++
	name := prop.text
	if prop.kind == tokKeyword {
		// the lexer upper-cases keywords
		name = p.src[prop.pos : prop.pos+len(prop.text)]
	}
	return PropRef{Var: t.text, Prop: name, Pos: t.pos}, nil
}

func (p *parser) returnList(q *Query) error {
	if p.accept("*") {
		q.Return = q.Vars()
		if len(q.Return) == 0 {
			return syntaxErr(p.toks[p.i-1].pos, "*", "RETURN * needs at least one named variable")
		}
		return nil
	}
	for {
		t, err := p.ident()
		if err != nil {
			return err
		}
		q.Return = append(q.Return, t.text)
		if !p.accept(",") {
			return nil
		}
	}
}

// checkVars rejects references to variables the pattern never binds and
// relationship variables that are bound twice.
func (p *parser) checkVars(q *Query) error {
	nodeVars := map[string]bool{}
	relVars := map[string]bool{}
	for _, n := range q.Nodes {
		if n.Var != "" {
			nodeVars[n.Var] = true
		}
	}
	for _, r := range q.Rels {
		if r.Var == "" {
			continue
		}
		if relVars[r.Var] || nodeVars[r.Var] {
			return syntaxErr(r.Pos, r.Var, "variable already bound")
		}
		relVars[r.Var] = true
	}
	bound := func(v string) bool { return nodeVars[v] || relVars[v] }

	for _, v := range q.Return {
		if !bound(v) {
			return syntaxErr(p.findIdent(v), v, "undefined variable")
		}
	}
	var walk func(Expr) error
	checkOperand := func(o Operand) error {
		switch o := o.(type) {
		case PropRef:
			if !bound(o.Var) {
				return syntaxErr(o.Pos, o.Var, "undefined variable")
			}
		case VarRef:
			if !bound(o.Var) {
				return syntaxErr(o.Pos, o.Var, "undefined variable")
			}
		}
		return nil
	}
	walk = func(e Expr) error {
		switch e := e.(type) {
		case And:
			if err := walk(e.L); err != nil {
				return err
			}
			return walk(e.R)
		case Or:
			if err := walk(e.L); err != nil {
				return err
			}
			return walk(e.R)
		case Not:
			return walk(e.X)
		case Compare:
			if err := checkOperand(e.L); err != nil {
				return err
			}
			return checkOperand(e.R)
		}
		return nil
	}
	if q.Where != nil {
		return walk(q.Where)
	}
	return nil
}

// findIdent returns the position of the last identifier token spelled v.
func (p *parser) findIdent(v string) int {
	for i := len(p.toks) - 1; i >= 0; i-- {
		if p.toks[i].kind == tokIdent && p.toks[i].text == v {
			return p.toks[i].pos
		}
	}
	return 0
}
