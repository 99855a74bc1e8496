package normalize

import (
	"errors"
	"fmt"
)

// ErrUnidentifiedRule indicates a document carries no rule identifier.
var ErrUnidentifiedRule = errors.New("normalize: no rule identifier in document")

// UnidentifiedRuleError reports the document that could not be attributed to
// a rule. The document is dropped from fusion.
type UnidentifiedRuleError struct {
	DocumentID string
	Provenance string
}

// Error returns the error message.
func (e *UnidentifiedRuleError) Error() string {
	return fmt.Sprintf("%v: %s (%s)", ErrUnidentifiedRule, e.DocumentID, e.Provenance)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *UnidentifiedRuleError) Unwrap() error {
	return ErrUnidentifiedRule
}
