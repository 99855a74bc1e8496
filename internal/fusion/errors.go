package fusion

import (
	"errors"
	"fmt"

	"rulebrief/internal/schema"
)

// ErrUnresolvableConflict indicates records that cannot belong to the same
// canonical record were fused together.
var ErrUnresolvableConflict = errors.New("fusion: unresolvable conflict")

// ConflictError reports a record whose identifying field disagrees with the
// key it was fused under.
type ConflictError struct {
	Key        schema.RecordKey
	Field      schema.FieldKey
	Value      string
	DocumentID string
}

// Error returns the error message.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s %s=%q from %s", ErrUnresolvableConflict, e.Key, e.Field, e.Value, e.DocumentID)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConflictError) Unwrap() error {
	return ErrUnresolvableConflict
}
