// Package eval executes the JSON-shaped formula language used by derived
// state variables and rule predicates. A formula is a primitive or a
// single-key object {op: args}; args may be a single value or a list of
// sub-formulas. Operators beyond the built-in set are provided by the
// caller through Register.
package eval

import (
	"context"
	"fmt"
	"sync"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
)

// MaxDepth is the maximum object-nesting depth of a formula. Lists do not
// count toward the depth, only operator objects do.
const MaxDepth = 10

// Handler implements a custom operator. Arguments arrive already evaluated;
// env is the evaluation context the formula runs against. Handlers may
// perform I/O (entity lookups, aggregates) and should honor ctx.
type Handler func(ctx context.Context, args []any, env map[string]any) (any, error)

// Evaluator holds the operator registry. The zero value is not usable; call
// New. Registration is expected at startup, evaluation from any goroutine.
type Evaluator struct {
	mu  sync.RWMutex
	ops map[string]Handler
}

func New() *Evaluator {
	return &Evaluator{ops: make(map[string]Handler)}
}

// Register binds a custom operator name, e.g. "settlement.hasStructureType".
// Registering a built-in name is ignored; built-ins always win.
func (e *Evaluator) Register(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops[name] = h
}

func (e *Evaluator) handler(name string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.ops[name]
	return h, ok
}

// Validation is the outcome of a structural formula check.
type Validation struct {
	Valid    bool     `json:"is_valid"`
	Problems []string `json:"errors,omitempty"`
}

// ValidateFormula checks structure without executing: the root must be a
// non-empty single-key object, every nested operator object must have
// exactly one key, and object nesting must not exceed MaxDepth. Operator
// names are not checked here; unknown operators fail at evaluation time.
func ValidateFormula(formula map[string]any) Validation {
	var problems []string
	if len(formula) == 0 {
		problems = append(problems, "formula root must be a non-empty object")
		return Validation{Valid: false, Problems: problems}
	}
	problems = validateNode(formula, "", 1, problems)
	return Validation{Valid: len(problems) == 0, Problems: problems}
}

func validateNode(node any, loc string, depth int, problems []string) []string {
	switch v := node.(type) {
	case map[string]any:
		if depth > MaxDepth {
			problems = append(problems, fmt.Sprintf("nesting depth %d exceeds limit %d at %s", depth, MaxDepth, orRoot(loc)))
			return problems
		}
		if len(v) != 1 {
			problems = append(problems, fmt.Sprintf("operator object at %s has %d keys, want exactly 1", orRoot(loc), len(v)))
			return problems
		}
		for op, args := range v {
			child := op
			if loc != "" {
				child = loc + "." + op
			}
			problems = validateNode(args, child, depth+1, problems)
		}
	case []any:
		for i, elem := range v {
			problems = validateNode(elem, fmt.Sprintf("%s[%d]", loc, i), depth, problems)
		}
	}
	return problems
}

func orRoot(loc string) string {
	if loc == "" {
		return "root"
	}
	return loc
}

// Evaluate executes a formula against env. The root must be a non-empty
// single-key object; primitives and lists evaluate to themselves below the
// root. Missing variables resolve to nil rather than failing.
func (e *Evaluator) Evaluate(ctx context.Context, formula map[string]any, env map[string]any) (any, error) {
	if len(formula) == 0 {
		return nil, errs.InvalidFormula("formula root must be a non-empty object")
	}
	return e.eval(ctx, formula, env, 1, nil)
}

// TraceStep records one operator application during a traced evaluation.
// Passed reflects the truthiness of the step's output.
type TraceStep struct {
	Step        int    `json:"step"`
	Description string `json:"description"`
	Input       any    `json:"input"`
	Output      any    `json:"output"`
	Passed      bool   `json:"passed"`
}

// EvaluateWithTrace is Evaluate plus an ordered record of every operator
// application. The steps accumulated before a failure are returned with the
// error.
func (e *Evaluator) EvaluateWithTrace(ctx context.Context, formula map[string]any, env map[string]any) (any, []TraceStep, error) {
	if len(formula) == 0 {
		return nil, nil, errs.InvalidFormula("formula root must be a non-empty object")
	}
	tr := &tracer{}
	v, err := e.eval(ctx, formula, env, 1, tr)
	return v, tr.steps, err
}

type tracer struct {
	steps []TraceStep
}

func (t *tracer) record(description string, input, output any) {
	if t == nil {
		return
	}
	t.steps = append(t.steps, TraceStep{
		Step:        len(t.steps) + 1,
		Description: description,
		Input:       input,
		Output:      output,
		Passed:      Truthy(output),
	})
}

// eval walks one node. depth counts operator objects from 1 at the root;
// list nesting passes depth through unchanged.
func (e *Evaluator) eval(ctx context.Context, node any, env map[string]any, depth int, tr *tracer) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if depth > MaxDepth {
			return nil, errs.FormulaTooDeep(depth, MaxDepth)
		}
		if len(v) != 1 {
			return nil, errs.InvalidFormula("operator object has %d keys, want exactly 1", len(v))
		}
		for op, args := range v {
			return e.apply(ctx, op, args, env, depth, tr)
		}
		return nil, nil // unreachable
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			ev, err := e.eval(ctx, elem, env, depth, tr)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	default:
		return v, nil
	}
}

// apply dispatches one operator. and/or/if/var evaluate their arguments
// lazily; everything else resolves arguments first.
func (e *Evaluator) apply(ctx context.Context, op string, rawArgs any, env map[string]any, depth int, tr *tracer) (any, error) {
	switch op {
	case "var":
		return e.applyVar(ctx, rawArgs, env, depth, tr)
	case "and":
		out, err := e.applyAnd(ctx, rawArgs, env, depth, tr)
		if err != nil {
			return nil, err
		}
		tr.record("and", rawArgs, out)
		return out, nil
	case "or":
		out, err := e.applyOr(ctx, rawArgs, env, depth, tr)
		if err != nil {
			return nil, err
		}
		tr.record("or", rawArgs, out)
		return out, nil
	case "if":
		out, err := e.applyIf(ctx, rawArgs, env, depth, tr)
		if err != nil {
			return nil, err
		}
		tr.record("if", rawArgs, out)
		return out, nil
	}

	args, err := e.resolveArgs(ctx, rawArgs, env, depth, tr)
	if err != nil {
		return nil, err
	}

	if fn, ok := builtins[op]; ok {
		out, err := fn(args)
		if err != nil {
			return nil, err
		}
		tr.record(op, args, out)
		return out, nil
	}

	if h, ok := e.handler(op); ok {
		out, err := h(ctx, args, env)
		if err != nil {
			return nil, fmt.Errorf("eval: operator %q: %w", op, err)
		}
		tr.record(op, args, out)
		return out, nil
	}

	return nil, errs.InvalidFormula("unknown operator %q", op)
}

// resolveArgs normalizes args to a list and evaluates each element.
func (e *Evaluator) resolveArgs(ctx context.Context, rawArgs any, env map[string]any, depth int, tr *tracer) ([]any, error) {
	list, ok := rawArgs.([]any)
	if !ok {
		list = []any{rawArgs}
	}
	out := make([]any, len(list))
	for i, elem := range list {
		v, err := e.eval(ctx, elem, env, depth, tr)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// applyVar resolves {"var": "dotted.path"} or {"var": [path, default]}.
// The empty path yields the whole context; missing keys yield nil (or the
// default when given).
func (e *Evaluator) applyVar(ctx context.Context, rawArgs any, env map[string]any, depth int, tr *tracer) (any, error) {
	pathArg := rawArgs
	var defaultArg any
	hasDefault := false
	if list, ok := rawArgs.([]any); ok {
		if len(list) == 0 || len(list) > 2 {
			return nil, errs.InvalidFormula("var takes a path and an optional default, got %d arguments", len(list))
		}
		pathArg = list[0]
		if len(list) == 2 {
			defaultArg = list[1]
			hasDefault = true
		}
	}

	pv, err := e.eval(ctx, pathArg, env, depth, tr)
	if err != nil {
		return nil, err
	}
	path, ok := pv.(string)
	if !ok {
		return nil, errs.InvalidFormula("var path must be a string, got %T", pv)
	}

	if path == "" {
		tr.record("var", path, env)
		return env, nil
	}
	if v, found := codec.ValueAt(env, path); found {
		tr.record("var "+path, path, v)
		return v, nil
	}
	if hasDefault {
		dv, err := e.eval(ctx, defaultArg, env, depth, tr)
		if err != nil {
			return nil, err
		}
		tr.record("var "+path, path, dv)
		return dv, nil
	}
	tr.record("var "+path, path, nil)
	return nil, nil
}

func (e *Evaluator) applyAnd(ctx context.Context, rawArgs any, env map[string]any, depth int, tr *tracer) (any, error) {
	list, ok := rawArgs.([]any)
	if !ok {
		list = []any{rawArgs}
	}
	for _, elem := range list {
		v, err := e.eval(ctx, elem, env, depth, tr)
		if err != nil {
			return nil, err
		}
		if !Truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) applyOr(ctx context.Context, rawArgs any, env map[string]any, depth int, tr *tracer) (any, error) {
	list, ok := rawArgs.([]any)
	if !ok {
		list = []any{rawArgs}
	}
	for _, elem := range list {
		v, err := e.eval(ctx, elem, env, depth, tr)
		if err != nil {
			return nil, err
		}
		if Truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

// applyIf walks [cond, then, cond, then, ..., else?] pairs, evaluating only
// the branch that is taken.
func (e *Evaluator) applyIf(ctx context.Context, rawArgs any, env map[string]any, depth int, tr *tracer) (any, error) {
	list, ok := rawArgs.([]any)
	if !ok {
		return nil, errs.InvalidFormula("if takes a list of condition/result pairs")
	}
	i := 0
	for ; i+1 < len(list); i += 2 {
		cond, err := e.eval(ctx, list[i], env, depth, tr)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return e.eval(ctx, list[i+1], env, depth, tr)
		}
	}
	if i < len(list) {
		return e.eval(ctx, list[i], env, depth, tr)
	}
	return nil, nil
}
