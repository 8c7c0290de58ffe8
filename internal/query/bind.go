package query

import (
	"fmt"
	"slices"
)

// Bind returns a copy of q with every parameter replaced by its value from
// params. Positional placeholders ($1, $2, ...) look up the keys "1", "2".
// A placeholder with no value fails with a QuerySyntaxError at its position.
// q itself is not modified, so a parsed query can be bound many times.
func Bind(q *Query, params map[string]any) (*Query, error) {
	out := &Query{
		Return: slices.Clone(q.Return),
		Limit:  q.Limit,
		Nodes:  make([]NodePattern, len(q.Nodes)),
		Rels:   make([]RelPattern, len(q.Rels)),
	}

	var err error
	for i, n := range q.Nodes {
		out.Nodes[i] = n
		if out.Nodes[i].Props, err = bindProps(n.Props, params); err != nil {
			return nil, err
		}
	}
	for i, r := range q.Rels {
		out.Rels[i] = r
		out.Rels[i].Types = slices.Clone(r.Types)
		if out.Rels[i].Props, err = bindProps(r.Props, params); err != nil {
			return nil, err
		}
	}
	if q.Where != nil {
		if out.Where, err = bindExpr(q.Where, params); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func bindProps(props []PropFilter, params map[string]any) ([]PropFilter, error) {
	if props == nil {
		return nil, nil
	}
	out := make([]PropFilter, len(props))
	for i, pf := range props {
		v, err := bindOperand(pf.Value, params)
		if err != nil {
			return nil, err
		}
		out[i] = PropFilter{Key: pf.Key, Value: v}
	}
	return out, nil
}

func bindExpr(e Expr, params map[string]any) (Expr, error) {
	switch e := e.(type) {
	case And:
		l, err := bindExpr(e.L, params)
		if err != nil {
			return nil, err
		}
		r, err := bindExpr(e.R, params)
		if err != nil {
			return nil, err
		}
		return And{L: l, R: r}, nil
	case Or:
		l, err := bindExpr(e.L, params)
		if err != nil {
			return nil, err
		}
		r, err := bindExpr(e.R, params)
		if err != nil {
			return nil, err
		}
		return Or{L: l, R: r}, nil
	case Not:
		x, err := bindExpr(e.X, params)
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil
	case Compare:
		l, err := bindOperand(e.L, params)
		if err != nil {
			return nil, err
		}
		r, err := bindOperand(e.R, params)
		if err != nil {
			return nil, err
		}
		return Compare{Op: e.Op, L: l, R: r, Pos: e.Pos}, nil
	}
	return nil, fmt.Errorf("bind: unknown expression %T", e)
}

func bindOperand(o Operand, params map[string]any) (Operand, error) {
	p, ok := o.(Param)
	if !ok {
		return o, nil
	}
	v, ok := params[p.Name]
	if !ok {
		return nil, syntaxErr(p.Pos, "$"+p.Name, "no value bound for parameter")
	}
	return Literal{Value: Normalize(v)}, nil
}

// Normalize converts a bound or stored value to the forms the evaluator
// compares: all numbers become float64 and slices become []any.
func Normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case []string:
		out := make([]any, len(n))
		for i, s := range n {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(n))
		for i, f := range n {
			out[i] = f
		}
		return out
	case []int:
		out := make([]any, len(n))
		for i, x := range n {
			out[i] = float64(x)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, x := range n {
			out[i] = Normalize(x)
		}
		return out
	}
	return v
}
