// Package errs defines the consumer-visible error kinds. Services return
// them by value; transports map them to status codes. Merge conflicts are
// deliberately not here: they are a structured result, not an error.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds, matched with errors.Is across layer boundaries.
var (
	// ErrNotFound doubles as the access-hiding response: a row the user may
	// not see reports not-found, never forbidden.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is used only for role escalation on resources whose
	// existence the user already knows.
	ErrForbidden = errors.New("forbidden")

	ErrBadRequest     = errors.New("bad request")
	ErrOptimisticLock = errors.New("version conflict")
	ErrCorruptPayload = errors.New("corrupt payload")
	ErrInternal       = errors.New("internal error")
)

// BadRequest codes. Stable identifiers for clients; the reason string is
// for humans.
const (
	CodeInvalidFormula        = "invalid_formula"
	CodeFormulaTooDeep        = "formula_too_deep"
	CodeNoCommonAncestor      = "no_common_ancestor"
	CodeBadScope              = "bad_scope"
	CodeLocationWorldMismatch = "location_world_mismatch"
	CodeTimeRegression        = "time_regression"
	CodeInvalidInput          = "invalid_input"
)

// BadRequestError carries a stable code plus a human-readable reason.
type BadRequestError struct {
	Code   string
	Reason string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request (%s): %s", e.Code, e.Reason)
}

func (e *BadRequestError) Is(target error) bool { return target == ErrBadRequest }

// BadRequestf builds a BadRequestError with a formatted reason.
func BadRequestf(code, format string, args ...any) error {
	return &BadRequestError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// InvalidFormula rejects a malformed or unsafe formula.
func InvalidFormula(format string, args ...any) error {
	return BadRequestf(CodeInvalidFormula, format, args...)
}

// FormulaTooDeep rejects a formula whose object nesting exceeds the bound.
func FormulaTooDeep(depth, limit int) error {
	return BadRequestf(CodeFormulaTooDeep, "formula nesting depth %d exceeds limit %d", depth, limit)
}

// NoCommonAncestor rejects a merge between branches with no shared root.
func NoCommonAncestor(source, target string) error {
	return BadRequestf(CodeNoCommonAncestor, "branches %s and %s share no common ancestor", source, target)
}

// BadScope rejects an operation invalid for the given variable scope, such
// as versioning a LOCATION or WORLD write.
func BadScope(format string, args ...any) error {
	return BadRequestf(CodeBadScope, format, args...)
}

// LocationWorldMismatch rejects a location operation whose campaign lives
// on a different world.
func LocationWorldMismatch(location, world string) error {
	return BadRequestf(CodeLocationWorldMismatch, "location %s does not belong to world %s", location, world)
}

// TimeRegression rejects a version append whose validFrom precedes the
// currently open tail.
func TimeRegression(format string, args ...any) error {
	return BadRequestf(CodeTimeRegression, format, args...)
}

// OptimisticLockError reports a lost optimistic-concurrency race with both
// counters so clients can refresh and retry.
type OptimisticLockError struct {
	Expected int
	Actual   int
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, actual %d", e.Expected, e.Actual)
}

func (e *OptimisticLockError) Is(target error) bool { return target == ErrOptimisticLock }

// OptimisticLock builds an OptimisticLockError.
func OptimisticLock(expected, actual int) error {
	return &OptimisticLockError{Expected: expected, Actual: actual}
}

// Code returns the stable wire code for an error kind.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrOptimisticLock):
		return "optimistic_lock"
	case errors.Is(err, ErrCorruptPayload):
		return "corrupt_payload"
	case errors.Is(err, ErrBadRequest):
		var bre *BadRequestError
		if errors.As(err, &bre) {
			return bre.Code
		}
		return "bad_request"
	default:
		return "internal"
	}
}
