// Package errortypes defines the typed failures surfaced by a bidding or
// selection round. Every kind is terminal for the round it occurs in.
package errortypes

// MissingLogic is returned when a bidding, scoring or selection script could
// not be resolved from an override, a prebuilt template or the network.
type MissingLogic struct {
	Message string
	Cause   error
}

func (err *MissingLogic) Error() string {
	if err.Cause != nil {
		return err.Message + ": " + err.Cause.Error()
	}
	return err.Message
}

func (err *MissingLogic) Code() int {
	return MissingLogicErrorCode
}

func (err *MissingLogic) Unwrap() error {
	return err.Cause
}

// IncompatibleVersion is returned when a script server answers with a
// calling-convention version higher than the one that was requested.
type IncompatibleVersion struct {
	Requested int64
	Served    int64
	Message   string
}

func (err *IncompatibleVersion) Error() string {
	return err.Message
}

func (err *IncompatibleVersion) Code() int {
	return IncompatibleVersionErrorCode
}

// MissingTrustedSignals is returned when an audience declares trusted bidding
// keys but no signals are available for its base URI.
type MissingTrustedSignals struct {
	Message string
}

func (err *MissingTrustedSignals) Error() string {
	return err.Message
}

func (err *MissingTrustedSignals) Code() int {
	return MissingTrustedSignalsErrorCode
}

// SandboxExecutionFailed wraps a failure reported by the script sandbox.
type SandboxExecutionFailed struct {
	Message string
	Cause   error
}

func (err *SandboxExecutionFailed) Error() string {
	if err.Cause != nil {
		return err.Message + ": " + err.Cause.Error()
	}
	return err.Message
}

func (err *SandboxExecutionFailed) Code() int {
	return SandboxExecutionFailedErrorCode
}

func (err *SandboxExecutionFailed) Unwrap() error {
	return err.Cause
}

// MalformedScriptResult is returned when a script result is missing required
// fields or has an unexpected shape.
type MalformedScriptResult struct {
	Message string
	Cause   error
}

func (err *MalformedScriptResult) Error() string {
	if err.Cause != nil {
		return err.Message + ": " + err.Cause.Error()
	}
	return err.Message
}

func (err *MalformedScriptResult) Code() int {
	return MalformedScriptResultErrorCode
}

func (err *MalformedScriptResult) Unwrap() error {
	return err.Cause
}

// InvalidSelection is returned when a selection script picks an outcome that
// was not part of its input.
type InvalidSelection struct {
	Message  string
	Selected int64
}

func (err *InvalidSelection) Error() string {
	return err.Message
}

func (err *InvalidSelection) Code() int {
	return InvalidSelectionErrorCode
}

// DeadlineExceeded is returned when a bidding or selection round runs past
// its deadline. It takes precedence over any result that arrives later.
type DeadlineExceeded struct {
	Message string
	Cause   error
}

func (err *DeadlineExceeded) Error() string {
	return err.Message
}

func (err *DeadlineExceeded) Code() int {
	return DeadlineExceededErrorCode
}

func (err *DeadlineExceeded) Unwrap() error {
	return err.Cause
}
