package pysrc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_TopLevelFunctions(t *testing.T) {
	source := `import os

def test_add():
    assert 1 + 1 == 2

async def test_fetch():
    assert await fetch()
`
	mod, err := Parse(source, "test_ex.py")
	require.NoError(t, err)
	require.Len(t, mod.Stmts, 3)

	assert.Equal(t, StmtImport, mod.Stmts[0].Kind)

	fn := mod.Stmts[1].Func
	require.NotNil(t, fn)
	assert.Equal(t, "test_add", fn.Name)
	assert.False(t, fn.Async)
	assert.Equal(t, 3, fn.DefLine)
	assert.Equal(t, 4, fn.End)

	async := mod.Stmts[2].Func
	require.NotNil(t, async)
	assert.Equal(t, "test_fetch", async.Name)
	assert.True(t, async.Async)
}

func TestParse_ClassWithMethods(t *testing.T) {
	source := `class TestMath:
    limit = 10

    def test_add(self):
        assert 1 + 1 == 2

    def test_sub(self):
        assert 2 - 1 == 1

    async def test_async(self):
        pass
`
	mod, err := Parse(source, "test_math.py")
	require.NoError(t, err)
	require.Len(t, mod.Stmts, 1)

	cls := mod.Stmts[0].Class
	require.NotNil(t, cls)
	assert.Equal(t, "TestMath", cls.Name)
	require.Len(t, cls.Methods, 3)
	assert.Equal(t, "test_add", cls.Methods[0].Name)
	assert.Equal(t, "test_sub", cls.Methods[1].Name)
	assert.Equal(t, "test_async", cls.Methods[2].Name)
	assert.True(t, cls.Methods[2].Async)

	// Class header stops before the first method.
	assert.Equal(t, 3, cls.HeaderEnd)
	assert.Equal(t, 1, cls.Start)
}

func TestParse_NestedFunctionsIgnored(t *testing.T) {
	source := `def test_outer():
    def test_inner():
        pass
    test_inner()
`
	mod, err := Parse(source, "test_nested.py")
	require.NoError(t, err)
	require.Len(t, mod.Stmts, 1)
	assert.Equal(t, "test_outer", mod.Stmts[0].Func.Name)
	assert.Equal(t, 4, mod.Stmts[0].Func.End)
}

func TestParse_DecoratorsAttach(t *testing.T) {
	source := `@skip("broken")
@mark(slow=True, group="auth")
def test_login():
    pass
`
	mod, err := Parse(source, "test_auth.py")
	require.NoError(t, err)
	fn := mod.Stmts[0].Func
	require.NotNil(t, fn)
	require.Len(t, fn.Decorators, 2)

	skip := fn.Decorators[0]
	assert.Equal(t, "skip", skip.Name)
	assert.True(t, skip.Called)
	require.Len(t, skip.Args, 1)
	assert.Equal(t, "broken", skip.Args[0].Str)

	mark := fn.Decorators[1]
	assert.Equal(t, "mark", mark.Name)
	require.Len(t, mark.Kwargs, 2)
	assert.Equal(t, "slow", mark.Kwargs[0].Name)
	assert.Equal(t, ValueBool, mark.Kwargs[0].Value.Kind)
	assert.True(t, mark.Kwargs[0].Value.Bool)
	assert.Equal(t, "group", mark.Kwargs[1].Name)
	assert.Equal(t, "auth", mark.Kwargs[1].Value.Str)

	// Span starts at the first decorator.
	assert.Equal(t, 1, fn.Start)
	assert.Equal(t, 3, fn.DefLine)
}

func TestParse_DottedDecorator(t *testing.T) {
	source := `@taut.parallel
def test_fast():
    pass
`
	mod, err := Parse(source, "test_fast.py")
	require.NoError(t, err)
	deco := mod.Stmts[0].Func.Decorators[0]
	assert.Equal(t, "taut.parallel", deco.Name)
	assert.Equal(t, "parallel", deco.Tail())
	assert.False(t, deco.Called)
}

func TestParse_ListMarkerValue(t *testing.T) {
	source := `@mark(group=["auth", "integration"])
def test_api():
    pass
`
	mod, err := Parse(source, "test_api.py")
	require.NoError(t, err)
	kw := mod.Stmts[0].Func.Decorators[0].Kwargs[0]
	assert.Equal(t, ValueList, kw.Value.Kind)
	assert.Equal(t, []string{"auth", "integration"}, kw.Value.List)
}

func TestParse_MultilineSignature(t *testing.T) {
	source := `def test_many(
    a=1,
    b=2,
):
    assert a < b
`
	mod, err := Parse(source, "test_sig.py")
	require.NoError(t, err)
	fn := mod.Stmts[0].Func
	assert.Equal(t, "test_many", fn.Name)
	assert.Equal(t, 1, fn.DefLine)
	assert.Equal(t, 5, fn.End)
}

func TestParse_TripleQuotedStringsDoNotConfuse(t *testing.T) {
	source := `def test_doc():
    """A docstring with def fake(): inside.

    class NotReal:
        pass
    """
    assert True

def test_after():
    pass
`
	mod, err := Parse(source, "test_doc.py")
	require.NoError(t, err)
	require.Len(t, mod.Stmts, 2)
	assert.Equal(t, "test_doc", mod.Stmts[0].Func.Name)
	assert.Equal(t, "test_after", mod.Stmts[1].Func.Name)
}

func TestParse_CommentsStripped(t *testing.T) {
	source := `def test_x():  # trailing comment
    # leading comment
    assert True
`
	mod, err := Parse(source, "test_c.py")
	require.NoError(t, err)
	assert.Equal(t, "test_x", mod.Stmts[0].Func.Name)
	assert.Equal(t, 3, mod.Stmts[0].Func.End)
}

func TestParse_TopLevelStatementsMerge(t *testing.T) {
	source := `import os

X = 1
if X:
    Y = 2

def helper():
    return X
`
	mod, err := Parse(source, "mod.py")
	require.NoError(t, err)
	require.Len(t, mod.Stmts, 4)
	assert.Equal(t, StmtImport, mod.Stmts[0].Kind)
	assert.Equal(t, StmtOther, mod.Stmts[1].Kind)
	assert.Equal(t, StmtOther, mod.Stmts[2].Kind)
	assert.Equal(t, 4, mod.Stmts[2].Start)
	assert.Equal(t, 5, mod.Stmts[2].End)
	assert.Equal(t, StmtFunc, mod.Stmts[3].Kind)
}

func TestParse_UnterminatedString(t *testing.T) {
	source := "def test_bad():\n    s = \"\"\"oops\n"
	_, err := Parse(source, "test_bad.py")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "test_bad.py", perr.Path)
}

func TestParse_UnbalancedBrackets(t *testing.T) {
	_, err := Parse("x = (1, 2\n", "bad.py")
	require.Error(t, err)
}

func TestParse_SkipKeywordReason(t *testing.T) {
	source := `@skip(reason="flaky")
def test_flaky():
    pass
`
	mod, err := Parse(source, "test_f.py")
	require.NoError(t, err)
	deco := mod.Stmts[0].Func.Decorators[0]
	require.Len(t, deco.Kwargs, 1)
	assert.Equal(t, "reason", deco.Kwargs[0].Name)
	assert.Equal(t, "flaky", deco.Kwargs[0].Value.Str)
}

func TestParse_UnknownDecoratorKept(t *testing.T) {
	source := `@pytest.mark.parametrize("x", [1, 2])
def test_param(x):
    pass
`
	mod, err := Parse(source, "test_p.py")
	require.NoError(t, err)
	deco := mod.Stmts[0].Func.Decorators[0]
	assert.Equal(t, "pytest.mark.parametrize", deco.Name)
	assert.Equal(t, "parametrize", deco.Tail())
}
