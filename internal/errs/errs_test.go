package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadRequestMatchesSentinel(t *testing.T) {
	err := InvalidFormula("root must be an object")
	assert.True(t, errors.Is(err, ErrBadRequest))
	assert.False(t, errors.Is(err, ErrNotFound))

	var bre *BadRequestError
	require.True(t, errors.As(err, &bre))
	assert.Equal(t, CodeInvalidFormula, bre.Code)
	assert.Contains(t, bre.Reason, "root must be an object")
}

func TestOptimisticLockCarriesBothVersions(t *testing.T) {
	err := OptimisticLock(5, 6)
	assert.True(t, errors.Is(err, ErrOptimisticLock))

	var ole *OptimisticLockError
	require.True(t, errors.As(err, &ole))
	assert.Equal(t, 5, ole.Expected)
	assert.Equal(t, 6, ole.Actual)
}

func TestMatchingSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("storage: get settlement: %w", ErrNotFound)
	assert.True(t, errors.Is(err, ErrNotFound))

	wrapped := fmt.Errorf("variables: update: %w", OptimisticLock(2, 3))
	assert.True(t, errors.Is(wrapped, ErrOptimisticLock))
	var ole *OptimisticLockError
	require.True(t, errors.As(wrapped, &ole))
	assert.Equal(t, 3, ole.Actual)
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, "not_found", Code(ErrNotFound))
	assert.Equal(t, "forbidden", Code(ErrForbidden))
	assert.Equal(t, "optimistic_lock", Code(OptimisticLock(1, 2)))
	assert.Equal(t, CodeNoCommonAncestor, Code(NoCommonAncestor("a", "b")))
	assert.Equal(t, CodeBadScope, Code(BadScope("LOCATION cannot be versioned")))
	assert.Equal(t, "internal", Code(errors.New("boom")))
}
