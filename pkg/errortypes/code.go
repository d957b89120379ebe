package errortypes

import "errors"

// Defines numeric codes for the round failure kinds.
const (
	UnknownErrorCode      = 999
	MissingLogicErrorCode = iota
	IncompatibleVersionErrorCode
	MissingTrustedSignalsErrorCode
	SandboxExecutionFailedErrorCode
	MalformedScriptResultErrorCode
	InvalidSelectionErrorCode
	DeadlineExceededErrorCode
)

// Coder provides an error code.
type Coder interface {
	Code() int
}

// ReadCode returns the code of the first Coder in err's chain, or
// UnknownErrorCode if there is none.
func ReadCode(err error) int {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return UnknownErrorCode
}

// Kind returns a short label for err suitable for metrics and logs.
func Kind(err error) string {
	switch ReadCode(err) {
	case MissingLogicErrorCode:
		return "missing_logic"
	case IncompatibleVersionErrorCode:
		return "incompatible_version"
	case MissingTrustedSignalsErrorCode:
		return "missing_trusted_signals"
	case SandboxExecutionFailedErrorCode:
		return "sandbox_execution_failed"
	case MalformedScriptResultErrorCode:
		return "malformed_script_result"
	case InvalidSelectionErrorCode:
		return "invalid_selection"
	case DeadlineExceededErrorCode:
		return "deadline_exceeded"
	}
	return "unknown"
}
