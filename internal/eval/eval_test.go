package eval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreweave/chronicle/internal/errs"
)

func testEnv() map[string]any {
	return map[string]any{
		"settlement": map[string]any{
			"name":       "Ford",
			"population": float64(1200),
			"level":      float64(3),
			"prosperity": 0.4,
			"tags":       []any{"river", "trade"},
		},
		"kingdom": map[string]any{
			"unrest": float64(2),
		},
	}
}

func mustEval(t *testing.T, formula map[string]any, env map[string]any) any {
	t.Helper()
	v, err := New().Evaluate(context.Background(), formula, env)
	require.NoError(t, err)
	return v
}

func TestEvaluate_VarResolution(t *testing.T) {
	env := testEnv()

	assert.Equal(t, float64(1200), mustEval(t, map[string]any{"var": "settlement.population"}, env))
	assert.Equal(t, "Ford", mustEval(t, map[string]any{"var": "settlement.name"}, env))

	// Missing paths yield nil, with an optional default.
	assert.Nil(t, mustEval(t, map[string]any{"var": "settlement.missing"}, env))
	assert.Equal(t, float64(7), mustEval(t, map[string]any{"var": []any{"settlement.missing", float64(7)}}, env))

	// The empty path is the whole context.
	assert.Equal(t, env, mustEval(t, map[string]any{"var": ""}, env).(map[string]any))
}

func TestEvaluate_ComparisonAndLogic(t *testing.T) {
	env := testEnv()

	prosperous := map[string]any{
		"and": []any{
			map[string]any{">=": []any{map[string]any{"var": "settlement.population"}, float64(1000)}},
			map[string]any{"<": []any{map[string]any{"var": "kingdom.unrest"}, float64(5)}},
		},
	}
	assert.Equal(t, true, mustEval(t, prosperous, env))

	assert.Equal(t, false, mustEval(t, map[string]any{
		"or": []any{
			map[string]any{"==": []any{map[string]any{"var": "settlement.name"}, "Kassen"}},
			map[string]any{">": []any{map[string]any{"var": "settlement.level"}, float64(10)}},
		},
	}, env))

	assert.Equal(t, true, mustEval(t, map[string]any{"not": map[string]any{"var": "settlement.missing"}}, env))
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	// The second operand divides by zero; and must not reach it.
	v := mustEval(t, map[string]any{
		"and": []any{
			false,
			map[string]any{"/": []any{float64(1), float64(0)}},
		},
	}, nil)
	assert.Equal(t, false, v)

	v = mustEval(t, map[string]any{
		"or": []any{
			true,
			map[string]any{"/": []any{float64(1), float64(0)}},
		},
	}, nil)
	assert.Equal(t, true, v)
}

func TestEvaluate_Arithmetic(t *testing.T) {
	env := testEnv()

	// prosperity * population / 100
	income := map[string]any{
		"/": []any{
			map[string]any{"*": []any{
				map[string]any{"var": "settlement.prosperity"},
				map[string]any{"var": "settlement.population"},
			}},
			float64(100),
		},
	}
	assert.InDelta(t, 4.8, mustEval(t, income, env), 1e-9)

	assert.Equal(t, float64(6), mustEval(t, map[string]any{"+": []any{1, 2, 3}}, nil))
	assert.Equal(t, float64(-4), mustEval(t, map[string]any{"-": []any{4}}, nil))

	_, err := New().Evaluate(context.Background(), map[string]any{"/": []any{float64(1), float64(0)}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")
}

func TestEvaluate_InAndIf(t *testing.T) {
	env := testEnv()

	assert.Equal(t, true, mustEval(t, map[string]any{
		"in": []any{"trade", map[string]any{"var": "settlement.tags"}},
	}, env))
	assert.Equal(t, true, mustEval(t, map[string]any{"in": []any{"or", "Ford"}}, env))
	assert.Equal(t, false, mustEval(t, map[string]any{"in": []any{"x", nil}}, env))

	tier := map[string]any{
		"if": []any{
			map[string]any{">=": []any{map[string]any{"var": "settlement.population"}, float64(5000)}}, "city",
			map[string]any{">=": []any{map[string]any{"var": "settlement.population"}, float64(1000)}}, "town",
			"village",
		},
	}
	assert.Equal(t, "town", mustEval(t, tier, env))
}

func TestEvaluate_CustomOperator(t *testing.T) {
	e := New()
	e.Register("settlement.hasStructureType", func(_ context.Context, args []any, env map[string]any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("want one structure type")
		}
		return args[0] == "TEMPLE", nil
	})

	v, err := e.Evaluate(context.Background(), map[string]any{"settlement.hasStructureType": []any{"TEMPLE"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Evaluate(context.Background(), map[string]any{"settlement.hasStructureType": []any{"MILL"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, false, v)

	_, err = e.Evaluate(context.Background(), map[string]any{"settlement.hasStructureType": []any{}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settlement.hasStructureType")
}

func TestEvaluate_UnknownOperator(t *testing.T) {
	_, err := New().Evaluate(context.Background(), map[string]any{"summon": []any{1}}, nil)
	assert.True(t, errors.Is(err, errs.ErrBadRequest))
	assert.Contains(t, err.Error(), "unknown operator")
}

func TestEvaluate_RootShape(t *testing.T) {
	e := New()

	_, err := e.Evaluate(context.Background(), nil, nil)
	assert.True(t, errors.Is(err, errs.ErrBadRequest))

	_, err = e.Evaluate(context.Background(), map[string]any{}, nil)
	assert.True(t, errors.Is(err, errs.ErrBadRequest))

	_, err = e.Evaluate(context.Background(), map[string]any{"a": 1, "b": 2}, nil)
	assert.True(t, errors.Is(err, errs.ErrBadRequest))
}

func TestEvaluate_DepthLimit(t *testing.T) {
	// Build not(not(...not(true)...)) nested MaxDepth+1 objects deep.
	deep := any(true)
	for i := 0; i <= MaxDepth; i++ {
		deep = map[string]any{"not": deep}
	}

	_, err := New().Evaluate(context.Background(), deep.(map[string]any), nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeFormulaTooDeep, errs.Code(err))

	// One level shallower passes.
	shallow := any(true)
	for i := 0; i < MaxDepth-1; i++ {
		shallow = map[string]any{"not": shallow}
	}
	_, err = New().Evaluate(context.Background(), shallow.(map[string]any), nil)
	assert.NoError(t, err)
}

func TestEvaluate_ListsDoNotCountTowardDepth(t *testing.T) {
	// Lists nest arbitrarily; only operator objects count toward the limit.
	inner := any(float64(1))
	for i := 0; i < MaxDepth*3; i++ {
		inner = []any{inner}
	}
	assert.Equal(t, true, mustEval(t, map[string]any{"==": []any{inner, inner}}, nil))
}

func TestValidateFormula(t *testing.T) {
	ok := ValidateFormula(map[string]any{">": []any{map[string]any{"var": "settlement.level"}, float64(2)}})
	assert.True(t, ok.Valid)
	assert.Empty(t, ok.Problems)

	bad := ValidateFormula(nil)
	assert.False(t, bad.Valid)
	require.Len(t, bad.Problems, 1)
	assert.Contains(t, bad.Problems[0], "non-empty object")

	multi := ValidateFormula(map[string]any{"a": 1, "b": 2})
	assert.False(t, multi.Valid)
	assert.Contains(t, multi.Problems[0], "exactly 1")

	nested := ValidateFormula(map[string]any{
		"and": []any{
			map[string]any{"==": []any{1, 1}, "!=": []any{1, 2}},
			map[string]any{"var": "x"},
		},
	})
	assert.False(t, nested.Valid)
	require.Len(t, nested.Problems, 1)
	assert.Contains(t, nested.Problems[0], "and[0]")

	deep := any("x")
	for i := 0; i <= MaxDepth; i++ {
		deep = map[string]any{"not": deep}
	}
	tooDeep := ValidateFormula(deep.(map[string]any))
	assert.False(t, tooDeep.Valid)
	assert.Contains(t, tooDeep.Problems[0], "depth")
}

func TestEvaluateWithTrace(t *testing.T) {
	env := testEnv()
	formula := map[string]any{
		"and": []any{
			map[string]any{">=": []any{map[string]any{"var": "settlement.population"}, float64(1000)}},
			map[string]any{"==": []any{map[string]any{"var": "settlement.name"}, "Ford"}},
		},
	}

	v, steps, err := New().EvaluateWithTrace(context.Background(), formula, env)
	require.NoError(t, err)
	assert.Equal(t, true, v)
	require.NotEmpty(t, steps)

	// Steps are numbered from 1 in evaluation order; the final step is the
	// root operator.
	for i, s := range steps {
		assert.Equal(t, i+1, s.Step)
	}
	last := steps[len(steps)-1]
	assert.Equal(t, "and", last.Description)
	assert.True(t, last.Passed)

	// Variable resolutions are individually visible.
	var sawVar bool
	for _, s := range steps {
		if s.Description == "var settlement.population" {
			sawVar = true
			assert.Equal(t, float64(1200), s.Output)
		}
	}
	assert.True(t, sawVar)
}

func TestEvaluate_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Evaluate(ctx, map[string]any{"not": false}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
