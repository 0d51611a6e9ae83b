package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Empty(t *testing.T) {
	_, err := Compile("   ")
	require.Error(t, err)
}

func TestCompile_Syntax(t *testing.T) {
	_, err := Compile("new.amount +")
	require.Error(t, err)
}

func TestEval_Roots(t *testing.T) {
	env := Env(
		map[string]any{"amount": 21},
		map[string]any{"amount": 10},
		map[string]any{"factor": 2},
	)

	e := MustCompile("new.amount * vars.factor")
	out, err := e.Eval(env)
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)

	e = MustCompile("old.amount")
	out, err = e.Eval(env)
	require.NoError(t, err)
	assert.EqualValues(t, 10, out)
}

func TestEval_NilRoots(t *testing.T) {
	e := MustCompile("old.amount")
	out, err := e.Eval(Env(map[string]any{"amount": 1}, nil, nil))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestEvalMap(t *testing.T) {
	exprs := map[string]*Expression{
		"status":  MustCompile(`"shipped"`),
		"orderId": MustCompile("new.id"),
	}
	out, err := EvalMap(exprs, Env(map[string]any{"id": 7}, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "shipped", out["status"])
	assert.EqualValues(t, 7, out["orderId"])
}

func TestString(t *testing.T) {
	assert.Equal(t, "new.id", MustCompile(" new.id ").String())
	var e *Expression
	assert.Equal(t, "", e.String())
}
