// Package sandbox defines the contract with the isolated script runtime and
// the wrapper scripts used to call bidding, scoring and selection logic.
//
// The runtime itself is external. An Evaluator receives the complete script
// text, the name of the entry point function and the marshaled arguments in
// positional order, and returns the entry point's JSON result.
package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
)

// EntryPoint is the function every wrapper script defines.
const EntryPoint = "__rb_entry_point"

// ErrFunctionNotFound is returned by an Evaluator when the script does not
// define a function the wrapper calls.
var ErrFunctionNotFound = errors.New("function not found")

// Argument is one marshaled JSON argument bound to a wrapper parameter.
type Argument struct {
	Name string `json:"name"`
	JSON string `json:"json"`
}

// EvalRequest is one sandbox invocation.
type EvalRequest struct {
	Script       string     `json:"script"`
	EntryPoint   string     `json:"entry_point"`
	Args         []Argument `json:"args"`
	MaxHeapBytes int64      `json:"max_heap_bytes,omitempty"`
}

// Evaluator runs untrusted scripts. Implementations must stop work when ctx
// is done; a result delivered after that is discarded by callers.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvalRequest) (string, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, req EvalRequest) (string, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, req EvalRequest) (string, error) {
	return f(ctx, req)
}

// ExecutionError wraps a runtime failure of a script.
type ExecutionError struct {
	Function string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s execution failed: %v", e.Function, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// MalformedResultError reports a result missing required fields.
type MalformedResultError struct {
	Function string
	Reason   string
}

func (e *MalformedResultError) Error() string {
	return fmt.Sprintf("%s returned a malformed result: %s", e.Function, e.Reason)
}

func malformed(function, format string, args ...interface{}) error {
	return &MalformedResultError{Function: function, Reason: fmt.Sprintf(format, args...)}
}

// RoundError maps a sandbox failure onto the round error taxonomy. Context
// errors are returned unchanged only while ctx itself is done, so callers
// can apply their own deadline handling. A client-side timeout inside a
// live round is an execution failure.
func RoundError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return err
	}
	var malformedErr *MalformedResultError
	if errors.As(err, &malformedErr) {
		return &errortypes.MalformedScriptResult{Message: "Malformed script result", Cause: err}
	}
	return &errortypes.SandboxExecutionFailed{Message: "Script execution failed", Cause: err}
}
