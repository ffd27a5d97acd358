package uds

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported means the requested operation is not available on
	// this stack.
	ErrNotSupported = errors.New("error: operation not supported")
	// ErrEmptyResponse means the ECU answered with a zero-length payload.
	ErrEmptyResponse = errors.New("error: ECU returned an empty response")
	// ErrWrongMessage means the ECU answered with a message for a
	// different service than the one requested.
	ErrWrongMessage = errors.New("error: ECU response does not match the request")
	// ErrServerNotRunning means the diagnostic server has been closed.
	ErrServerNotRunning = errors.New("error: diagnostic server is not running")
	// ErrInvalidResponseLength means the ECU response was too short to
	// be valid.
	ErrInvalidResponseLength = errors.New("error: ECU response length is invalid")
	// ErrNoHandler means no channel has been registered.
	ErrNoHandler = errors.New("error: no channel handler is registered")
	// ErrServerAlreadyRunning means a diagnostic server already owns the
	// channel.
	ErrServerAlreadyRunning = errors.New("error: diagnostic server is already running")
	// ErrNoDiagnosticServer means no diagnostic server has been created.
	ErrNoDiagnosticServer = errors.New("error: no diagnostic server is running")
	// ErrParameterInvalid means a caller-supplied argument is out of range.
	ErrParameterInvalid = errors.New("error: parameter is invalid")
)

// ECUError is a negative response from the ECU, carrying the NRC byte.
type ECUError struct {
	Code byte
}

func (e *ECUError) Error() string {
	return fmt.Sprintf("error: ECU negative response: %s (0x%02X)", NRCLabel(e.Code), e.Code)
}

// HandlerError wraps a failure reported by the underlying channel.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("error: channel handler: %v", e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Result is the numeric status taxonomy exposed at the API boundary.
type Result int

const (
	ResultOK                    Result = 0
	ResultNotSupported          Result = 1
	ResultEmptyResponse         Result = 2
	ResultWrongMessage          Result = 3
	ResultServerNotRunning      Result = 4
	ResultInvalidResponseLength Result = 5
	ResultNoHandler             Result = 6
	ResultServerAlreadyRunning  Result = 7
	ResultNoDiagnosticServer    Result = 8
	ResultParameterInvalid      Result = 9
	ResultHardwareError         Result = 10
	ResultECUError              Result = 98
	ResultHandlerError          Result = 99
)

var resultNames = map[Result]string{
	ResultOK:                    "OK",
	ResultNotSupported:          "Not Supported",
	ResultEmptyResponse:         "Empty Response",
	ResultWrongMessage:          "Wrong Message",
	ResultServerNotRunning:      "Server Not Running",
	ResultInvalidResponseLength: "Invalid Response Length",
	ResultNoHandler:             "No Handler",
	ResultServerAlreadyRunning:  "Server Already Running",
	ResultNoDiagnosticServer:    "No Diagnostic Server",
	ResultParameterInvalid:      "Parameter Invalid",
	ResultHardwareError:         "Hardware Error",
	ResultECUError:              "ECU Error",
	ResultHandlerError:          "Handler Error",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// ResultOf collapses an error from this package into its Result code.
// A nil error is ResultOK; unknown errors fold into ResultHandlerError.
func ResultOf(err error) Result {
	if err == nil {
		return ResultOK
	}
	var ecuErr *ECUError
	if errors.As(err, &ecuErr) {
		return ResultECUError
	}
	switch {
	case errors.Is(err, ErrNotSupported):
		return ResultNotSupported
	case errors.Is(err, ErrEmptyResponse):
		return ResultEmptyResponse
	case errors.Is(err, ErrWrongMessage):
		return ResultWrongMessage
	case errors.Is(err, ErrServerNotRunning):
		return ResultServerNotRunning
	case errors.Is(err, ErrInvalidResponseLength):
		return ResultInvalidResponseLength
	case errors.Is(err, ErrNoHandler):
		return ResultNoHandler
	case errors.Is(err, ErrServerAlreadyRunning):
		return ResultServerAlreadyRunning
	case errors.Is(err, ErrNoDiagnosticServer):
		return ResultNoDiagnosticServer
	case errors.Is(err, ErrParameterInvalid):
		return ResultParameterInvalid
	}
	return ResultHandlerError
}
