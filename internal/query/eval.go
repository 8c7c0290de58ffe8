package query

import (
	"fmt"
	"strings"
)

// Entity is a node or edge bound to a pattern variable.
type Entity interface {
	EntityID() string
	Property(key string) (any, bool)
}

// Env resolves a variable to the entity it is bound to. ok is false for an
// unbound variable, which then behaves as null.
type Env func(name string) (e Entity, ok bool)

// Eval reports whether the predicate holds under env. Comparisons against a
// missing property are false except for <> and = null.
func Eval(e Expr, env Env) bool {
	switch e := e.(type) {
	case nil:
		return true
	case And:
		return Eval(e.L, env) && Eval(e.R, env)
	case Or:
		return Eval(e.L, env) || Eval(e.R, env)
	case Not:
		return !Eval(e.X, env)
	case Compare:
		return compare(e.Op, resolve(e.L, env), resolve(e.R, env))
	}
	return false
}

func resolve(o Operand, env Env) any {
	switch o := o.(type) {
	case Literal:
		return o.Value
	case VarRef:
		if ent, ok := env(o.Var); ok {
			return ent.EntityID()
		}
	case PropRef:
		if ent, ok := env(o.Var); ok {
			if o.Prop == "id" {
				if v, ok := ent.Property("id"); ok {
					return Normalize(v)
				}
				return ent.EntityID()
			}
			if v, ok := ent.Property(o.Prop); ok {
				return Normalize(v)
			}
		}
	}
	return nil
}

func compare(op string, l, r any) bool {
	switch op {
	case "=":
		return Equal(l, r)
	case "<>":
		return !Equal(l, r)
	case "CONTAINS":
		switch lv := l.(type) {
		case []any:
			for _, item := range lv {
				if Equal(item, r) {
					return true
				}
			}
		case string:
			if rs, ok := r.(string); ok {
				return strings.Contains(lv, rs)
			}
		}
		return false
	}

	c, ok := order(l, r)
	if !ok {
		return false
	}
	switch op {
	case "<":
		return c < 0
	case ">":
		return c > 0
	case "<=":
		return c <= 0
	case ">=":
		return c >= 0
	}
	return false
}

// order compares two numbers or two strings.
func order(l, r any) (int, bool) {
	switch lv := l.(type) {
	case float64:
		rv, ok := r.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case lv < rv:
			return -1, true
		case lv > rv:
			return 1, true
		}
		return 0, true
	case string:
		rv, ok := r.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(lv, rv), true
	}
	return 0, false
}

// Equal compares two normalized values. Numbers compare as float64; lists
// compare element-wise.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	switch av := a.(type) {
	case nil:
		return b == nil
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// MatchProps reports whether props satisfies every filter. A filter whose
// value is a list also matches a list property that contains all of its
// elements.
func MatchProps(filters []PropFilter, props map[string]any) bool {
	for _, f := range filters {
		lit, ok := f.Value.(Literal)
		if !ok {
			return false // unbound parameter
		}
		got, present := props[f.Key]
		if !present {
			if lit.Value != nil {
				return false
			}
			continue
		}
		if Equal(got, lit.Value) {
			continue
		}
		if !containsAll(Normalize(got), lit.Value) {
			return false
		}
	}
	return true
}

func containsAll(got, want any) bool {
	gl, ok := got.([]any)
	if !ok {
		return false
	}
	wl, ok := want.([]any)
	if !ok {
		// scalar filter against a list property: membership
		for _, g := range gl {
			if Equal(g, want) {
				return true
			}
		}
		return false
	}
	for _, w := range wl {
		found := false
		for _, g := range gl {
			if Equal(g, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
