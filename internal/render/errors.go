package render

import (
	"errors"
	"fmt"
)

var (
	// ErrRenderingFault indicates the report could not be rendered or the
	// generated prose violated the report contract.
	ErrRenderingFault = errors.New("render: rendering fault")

	// ErrRenderingTimeout indicates prose generation did not finish in time.
	ErrRenderingTimeout = errors.New("render: prose generation timed out")
)

// FaultError wraps a rendering failure with the stage that produced it.
type FaultError struct {
	Stage string // "input", "skeleton", "prose" or "guard"
	Err   error
}

// Error returns the error message.
func (e *FaultError) Error() string {
	return fmt.Sprintf("%v (%s): %v", ErrRenderingFault, e.Stage, e.Err)
}

// Unwrap returns the underlying errors for errors.Is/As support.
func (e *FaultError) Unwrap() []error {
	return []error{ErrRenderingFault, e.Err}
}
