// Package fault carries the fatal-error channel for internal
// invariant violations. The pipeline has no meaningful partial result,
// so callers bubble these up and the process exits.
package fault

import (
	"errors"
	"fmt"
)

// ErrAssertion marks a broken internal invariant: a planner/burner
// offset mismatch, a B-tree header with leftover free space, a FAT
// underflow. Seeing it means a bug in the builder, not bad input.
var ErrAssertion = errors.New("internal invariant violated")

// Violatedf builds an assertion error with context.
func Violatedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAssertion, fmt.Sprintf(format, args...))
}
