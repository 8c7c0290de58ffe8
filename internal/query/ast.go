// Package query parses the graph pattern language:
//
//	MATCH (a:Document {source: $src})-[r:CITES|MENTIONS*1..2]->(b)
//	WHERE a.year >= 2020 AND NOT b.tags CONTAINS "draft"
//	RETURN a, r, b LIMIT 10
//
// Parsing produces a Query that the graph store executes. Parameters ($name
// or $1) are resolved by Bind, never by string interpolation.
package query

import "strings"

// Direction is the orientation of a relationship pattern.
type Direction int

const (
	Outgoing Direction = iota // (a)-[]->(b)
	Incoming                  // (a)<-[]-(b)
	Either                    // (a)-[]-(b)
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "->"
	case Incoming:
		return "<-"
	}
	return "--"
}

// NodePattern matches nodes by label and property equality.
type NodePattern struct {
	Var   string
	Label string
	Props []PropFilter
	Pos   int
}

// PropFilter requires property Key to equal Value.
type PropFilter struct {
	Key   string
	Value Operand
}

// RelPattern matches edges between two consecutive node patterns. Types is
// an alternation; empty matches any type. MinHops and MaxHops are both 1 for
// a plain relationship. MaxHops of 0 on a variable-length pattern means
// bounded only by the executor's max depth.
type RelPattern struct {
	Var       string
	Types     []string
	Dir       Direction
	Props     []PropFilter
	VarLength bool
	MinHops   int
	MaxHops   int
	Pos       int
}

// Query is a parsed MATCH/WHERE/RETURN statement. Nodes has one more element
// than Rels: Rels[i] connects Nodes[i] and Nodes[i+1].
type Query struct {
	Nodes  []NodePattern
	Rels   []RelPattern
	Where  Expr
	Return []string
	Limit  int // 0 means unlimited; LIMIT itself must be positive
}

// Vars returns every variable bound by the pattern, in order of appearance.
func (q *Query) Vars() []string {
	var vars []string
	seen := map[string]bool{}
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			vars = append(vars, v)
		}
	}
	for i, n := range q.Nodes {
		add(n.Var)
		if i < len(q.Rels) {
			add(q.Rels[i].Var)
		}
	}
	return vars
}

// Expr is a WHERE predicate node.
type Expr interface{ expr() }

// And is true when both sides are.
type And struct{ L, R Expr }

// Or is true when either side is.
type Or struct{ L, R Expr }

// Not negates X.
type Not struct{ X Expr }

// Compare applies Op (=, <>, <, >, <=, >=, CONTAINS) to two operands.
type Compare struct {
	Op   string
	L, R Operand
	Pos  int
}

func (And) expr()     {}
func (Or) expr()      {}
func (Not) expr()     {}
func (Compare) expr() {}

// Operand is a value position in a predicate or property filter.
type Operand interface{ operand() }

// PropRef reads Var.Prop from the current binding.
type PropRef struct {
	Var, Prop string
	Pos       int
}

// VarRef stands for the id of the node or edge bound to Var.
type VarRef struct {
	Var string
	Pos int
}

// Literal is a constant: string, float64, bool, nil, or []any.
type Literal struct{ Value any }

// Param is a placeholder resolved by Bind.
type Param struct {
	Name string
	Pos  int
}

func (PropRef) operand() {}
func (VarRef) operand()  {}
func (Literal) operand() {}
func (Param) operand()   {}

// LabelMatches reports whether a node or edge type satisfies a pattern
// label. Labels compare case-insensitively; an empty label matches anything.
func LabelMatches(label, typ string) bool {
	return label == "" || strings.EqualFold(label, typ)
}

// TypeMatches reports whether typ is one of the alternation types. An empty
// alternation matches any type.
func (r *RelPattern) TypeMatches(typ string) bool {
	if len(r.Types) == 0 {
		return true
	}
	for _, t := range r.Types {
		if strings.EqualFold(t, typ) {
			return true
		}
	}
	return false
}
