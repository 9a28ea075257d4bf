package model

import (
	"fmt"
	"regexp"
)

// Field length limits for caller-supplied strings. These keep a single
// oversized field from bloating version payloads, which are written on
// every mutation and re-read by every merge.
const (
	MaxNameLen        = 200
	MaxDescriptionLen = 16 * 1024 // 16 KB
	MaxVariableKeyLen = 100
)

// variableKeyPattern matches formula-addressable keys: dotted-path segments
// would collide with the evaluator's path syntax, so dots are excluded.
var variableKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// ValidateName checks the shared name constraint for all named entities.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxNameLen)
	}
	return nil
}

// ValidateDescription bounds free-form description fields.
func ValidateDescription(desc string) error {
	if len(desc) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	return nil
}

// ValidateVariableKey checks that a state-variable key is addressable from
// formulas.
func ValidateVariableKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if len(key) > MaxVariableKeyLen {
		return fmt.Errorf("key exceeds maximum length of %d characters", MaxVariableKeyLen)
	}
	if !variableKeyPattern.MatchString(key) {
		return fmt.Errorf("key %q is not a valid identifier", key)
	}
	return nil
}
