package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMarkers implements MarkerView for tests.
type fakeMarkers struct {
	truthy map[string]bool
	values map[string][]string
}

func (f fakeMarkers) Truthy(name string) bool { return f.truthy[name] }

func (f fakeMarkers) Has(name, value string) bool {
	for _, v := range f.values[name] {
		if v == value {
			return true
		}
	}
	return false
}

func markersWith(truthy []string, values map[string][]string) fakeMarkers {
	m := fakeMarkers{truthy: make(map[string]bool), values: values}
	for _, name := range truthy {
		m.truthy[name] = true
	}
	if m.values == nil {
		m.values = make(map[string][]string)
	}
	return m
}

func TestParseExpr_Presence(t *testing.T) {
	e, err := ParseExpr("slow")
	require.NoError(t, err)

	assert.True(t, e.Eval(markersWith([]string{"slow"}, nil)))
	assert.False(t, e.Eval(markersWith(nil, nil)))
}

func TestParseExpr_Equality(t *testing.T) {
	e, err := ParseExpr("group=api")
	require.NoError(t, err)

	assert.True(t, e.Eval(markersWith(nil, map[string][]string{"group": {"api"}})))
	assert.True(t, e.Eval(markersWith(nil, map[string][]string{"group": {"db", "api"}})))
	assert.False(t, e.Eval(markersWith(nil, map[string][]string{"group": {"db"}})))
}

func TestParseExpr_QuotedValue(t *testing.T) {
	e, err := ParseExpr(`owner="alice smith"`)
	require.NoError(t, err)
	assert.True(t, e.Eval(markersWith(nil, map[string][]string{"owner": {"alice smith"}})))
}

func TestParseExpr_Precedence(t *testing.T) {
	// not binds tighter than and, which binds tighter than or.
	e, err := ParseExpr("a or b and not c")
	require.NoError(t, err)

	assert.True(t, e.Eval(markersWith([]string{"a", "c"}, nil)))
	assert.True(t, e.Eval(markersWith([]string{"b"}, nil)))
	assert.False(t, e.Eval(markersWith([]string{"b", "c"}, nil)))
	assert.False(t, e.Eval(markersWith([]string{"c"}, nil)))
}

func TestParseExpr_Parentheses(t *testing.T) {
	e, err := ParseExpr("(a or b) and c")
	require.NoError(t, err)

	assert.True(t, e.Eval(markersWith([]string{"a", "c"}, nil)))
	assert.False(t, e.Eval(markersWith([]string{"a"}, nil)))
}

func TestParseExpr_ScenarioGroupAndNotSlow(t *testing.T) {
	e, err := ParseExpr("group=api and not slow")
	require.NoError(t, err)

	api := markersWith(nil, map[string][]string{"group": {"api"}})
	apiSlow := markersWith([]string{"slow"}, map[string][]string{"group": {"api"}})
	db := markersWith(nil, map[string][]string{"group": {"db"}})

	assert.True(t, e.Eval(api))
	assert.False(t, e.Eval(apiSlow))
	assert.False(t, e.Eval(db))
}

func TestParseExpr_SyntaxErrors(t *testing.T) {
	cases := []string{
		"",
		"and",
		"a and",
		"a or or b",
		"(a",
		"a =",
		"= b",
		"a b",
		`owner="unterminated`,
	}
	for _, input := range cases {
		_, err := ParseExpr(input)
		require.Error(t, err, "input %q", input)
		var serr *SyntaxError
		require.ErrorAs(t, err, &serr, "input %q", input)
	}
}

func TestParseExpr_SyntaxErrorPosition(t *testing.T) {
	_, err := ParseExpr("a and (b or")
	var serr *SyntaxError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, len("a and (b or"), serr.Pos)
}

func TestExprString_RoundTrip(t *testing.T) {
	inputs := []string{
		"slow",
		"not slow",
		"a and b",
		"a or b",
		"a or b and not c",
		"(a or b) and c",
		"not (a and b)",
		"group=api and not slow",
		`owner="alice smith" or owner=bob`,
		"not not a",
	}

	views := []fakeMarkers{
		markersWith(nil, nil),
		markersWith([]string{"a"}, nil),
		markersWith([]string{"b"}, nil),
		markersWith([]string{"a", "b"}, nil),
		markersWith([]string{"a", "b", "c", "slow"}, map[string][]string{
			"group": {"api"},
			"owner": {"bob"},
		}),
		markersWith([]string{"c"}, map[string][]string{"owner": {"alice smith"}}),
	}

	for _, input := range inputs {
		orig, err := ParseExpr(input)
		require.NoError(t, err, "input %q", input)

		printed := orig.String()
		reparsed, err := ParseExpr(printed)
		require.NoError(t, err, "pretty-printed %q from %q", printed, input)

		for i, view := range views {
			assert.Equal(t, orig.Eval(view), reparsed.Eval(view),
				"input %q printed %q view %d", input, printed, i)
		}
	}
}
