package claims

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a lookup miss that handlers treat as an idempotent
// no-op rather than a failure.
var ErrNotFound = errors.New("not found")

// ValidationError is malformed caller input. Surfaced as 4xx and never
// retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
