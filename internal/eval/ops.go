package eval

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
)

// builtins are the eager operators: arguments are fully evaluated before
// the function runs. Lazy operators (and, or, if, var) live in eval.go.
var builtins = map[string]func(args []any) (any, error){
	"not": opNot,
	"==":  opEq,
	"!=":  opNeq,
	"<":   opCompare("<"),
	"<=":  opCompare("<="),
	">":   opCompare(">"),
	">=":  opCompare(">="),
	"+":   opAdd,
	"-":   opSub,
	"*":   opMul,
	"/":   opDiv,
	"in":  opIn,
}

// Truthy follows JSON conventions: nil, false, zero, the empty string and
// empty collections are false, everything else true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if n, ok := toNumber(v); ok {
		return n != 0
	}
	return true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func wantArgs(op string, args []any, n int) error {
	if len(args) != n {
		return errs.InvalidFormula("%s takes %d arguments, got %d", op, n, len(args))
	}
	return nil
}

func opNot(args []any) (any, error) {
	if err := wantArgs("not", args, 1); err != nil {
		return nil, err
	}
	return !Truthy(args[0]), nil
}

func opEq(args []any) (any, error) {
	if err := wantArgs("==", args, 2); err != nil {
		return nil, err
	}
	return codec.Equal(args[0], args[1]), nil
}

func opNeq(args []any) (any, error) {
	if err := wantArgs("!=", args, 2); err != nil {
		return nil, err
	}
	return !codec.Equal(args[0], args[1]), nil
}

// opCompare orders two numbers numerically or two strings lexically; any
// other pairing is an evaluation error.
func opCompare(op string) func(args []any) (any, error) {
	return func(args []any) (any, error) {
		if err := wantArgs(op, args, 2); err != nil {
			return nil, err
		}
		cmp, err := order(args[0], args[1])
		if err != nil {
			return nil, fmt.Errorf("eval: %s: %w", op, err)
		}
		switch op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	}
}

func order(a, b any) (int, error) {
	if na, ok := toNumber(a); ok {
		nb, ok := toNumber(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case na < nb:
			return -1, nil
		case na > nb:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot order %T values", a)
}

func opAdd(args []any) (any, error) {
	if len(args) == 0 {
		return nil, errs.InvalidFormula("+ takes at least 1 argument")
	}
	sum := 0.0
	for _, a := range args {
		n, ok := toNumber(a)
		if !ok {
			return nil, fmt.Errorf("eval: +: non-numeric argument %T", a)
		}
		sum += n
	}
	return sum, nil
}

// opSub negates a single argument and subtracts two.
func opSub(args []any) (any, error) {
	switch len(args) {
	case 1:
		n, ok := toNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("eval: -: non-numeric argument %T", args[0])
		}
		return -n, nil
	case 2:
		a, ok := toNumber(args[0])
		b, ok2 := toNumber(args[1])
		if !ok || !ok2 {
			return nil, fmt.Errorf("eval: -: non-numeric arguments")
		}
		return a - b, nil
	default:
		return nil, errs.InvalidFormula("- takes 1 or 2 arguments, got %d", len(args))
	}
}

func opMul(args []any) (any, error) {
	if len(args) == 0 {
		return nil, errs.InvalidFormula("* takes at least 1 argument")
	}
	product := 1.0
	for _, a := range args {
		n, ok := toNumber(a)
		if !ok {
			return nil, fmt.Errorf("eval: *: non-numeric argument %T", a)
		}
		product *= n
	}
	return product, nil
}

func opDiv(args []any) (any, error) {
	if err := wantArgs("/", args, 2); err != nil {
		return nil, err
	}
	a, ok := toNumber(args[0])
	b, ok2 := toNumber(args[1])
	if !ok || !ok2 {
		return nil, fmt.Errorf("eval: /: non-numeric arguments")
	}
	if b == 0 {
		return nil, fmt.Errorf("eval: /: division by zero")
	}
	return a / b, nil
}

// opIn tests membership: needle in list, or substring when the haystack is
// a string.
func opIn(args []any) (any, error) {
	if err := wantArgs("in", args, 2); err != nil {
		return nil, err
	}
	switch haystack := args[1].(type) {
	case string:
		needle, ok := args[0].(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(haystack, needle), nil
	case []any:
		for _, elem := range haystack {
			if codec.Equal(args[0], elem) {
				return true, nil
			}
		}
		return false, nil
	case nil:
		return false, nil
	default:
		return nil, fmt.Errorf("eval: in: haystack must be a list or string, got %T", haystack)
	}
}
