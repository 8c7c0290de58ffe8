package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntity struct {
	id    string
	props map[string]any
}

func (f fakeEntity) EntityID() string { return f.id }

func (f fakeEntity) Property(key string) (any, bool) {
	v, ok := f.props[key]
	return v, ok
}

func envOf(entities map[string]fakeEntity) Env {
	return func(name string) (Entity, bool) {
		e, ok := entities[name]
		return e, ok
	}
}

func TestEval(t *testing.T) {
	env := envOf(map[string]fakeEntity{
		"a": {id: "doc-1", props: map[string]any{
			"year":  2021,
			"title": "Graph Memory",
			"tags":  []string{"graph", "memory"},
			"score": 0.75,
		}},
		"b": {id: "doc-2", props: map[string]any{"year": 2019.0}},
	})

	cases := []struct {
		where string
		want  bool
	}{
		{`a.year = 2021`, true},
		{`a.year >= 2021 AND b.year < 2020`, true},
		{`a.year > 2021 OR b.year = 2019`, true},
		{`NOT a.year = 2021`, false},
		{`a.title CONTAINS "Memory"`, true},
		{`a.tags CONTAINS "graph"`, true},
		{`a.tags CONTAINS "vector"`, false},
		{`a.missing = 1`, false},
		{`a.missing <> 1`, true},
		{`a.missing = null`, true},
		{`a.title > 1`, false},
		{`a.title < "H"`, true},
		{`a = "doc-1"`, true},
		{`a.id = "doc-1"`, true},
		{`a <> b`, true},
		{`a.score <= 0.75 AND (a.year = 1 OR b.year = 2019)`, true},
		{`a.tags = ["graph", "memory"]`, true},
	}
	for _, tc := range cases {
		q, err := Parse("MATCH (a)-->(b) WHERE " + tc.where + " RETURN a")
		require.NoError(t, err, tc.where)
		assert.Equal(t, tc.want, Eval(q.Where, env), tc.where)
	}
}

func TestEvalNilIsTrue(t *testing.T) {
	assert.True(t, Eval(nil, envOf(nil)))
}

func TestMatchProps(t *testing.T) {
	props := map[string]any{
		"source": "web",
		"year":   2024.0,
		"tags":   []any{"a", "b", "c"},
	}
	lit := func(v any) Operand { return Literal{Value: v} }

	assert.True(t, MatchProps(nil, props))
	assert.True(t, MatchProps([]PropFilter{{Key: "source", Value: lit("web")}, {Key: "year", Value: lit(2024)}}, props))
	assert.False(t, MatchProps([]PropFilter{{Key: "source", Value: lit("pdf")}}, props))
	assert.False(t, MatchProps([]PropFilter{{Key: "absent", Value: lit("x")}}, props))
	assert.True(t, MatchProps([]PropFilter{{Key: "absent", Value: lit(nil)}}, props))
	assert.True(t, MatchProps([]PropFilter{{Key: "tags", Value: lit("b")}}, props))
	assert.True(t, MatchProps([]PropFilter{{Key: "tags", Value: lit([]any{"c", "a"})}}, props))
	assert.False(t, MatchProps([]PropFilter{{Key: "tags", Value: lit([]any{"a", "z"})}}, props))
	assert.False(t, MatchProps([]PropFilter{{Key: "source", Value: Param{Name: "p"}}}, props))
}

func TestEqualNormalizesNumbers(t *testing.T) {
	assert.True(t, Equal(3, 3.0))
	assert.True(t, Equal(int64(7), uint8(7)))
	assert.True(t, Equal([]string{"x"}, []any{"x"}))
	assert.False(t, Equal("3", 3))
	assert.False(t, Equal(nil, 0))
}
