package rulebook

import (
	"errors"
	"fmt"
)

// ErrUnknownRule indicates the rulebook has no procedure for a rule.
var ErrUnknownRule = errors.New("rulebook: unknown rule")

// UnknownRuleError reports the rule identifier that was looked up.
type UnknownRuleError struct {
	RuleID string
}

// Error returns the error message.
func (e *UnknownRuleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnknownRule, e.RuleID)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *UnknownRuleError) Unwrap() error {
	return ErrUnknownRule
}
