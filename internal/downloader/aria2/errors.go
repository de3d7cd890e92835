package aria2dl

import (
	"errors"
	"fmt"
)

// ErrNotReady is wrapped by RPCProtocolError when a call is made before the
// engine passed its first health check.
var ErrNotReady = errors.New("engine not ready")

// RPCTimeoutError reports a call that timed out or could not reach the
// engine. The scheduler treats it as a reason to restart the engine.
type RPCTimeoutError struct {
	Method string
	Err    error
}

func (e *RPCTimeoutError) Error() string {
	return fmt.Sprintf("aria2 rpc %s: timeout or unreachable: %v", e.Method, e.Err)
}

func (e *RPCTimeoutError) Unwrap() error { return e.Err }

// RPCProtocolError reports a response that could not be trusted: malformed,
// uncorrelated, unauthorized, or a call made without a ready engine.
type RPCProtocolError struct {
	Method string
	Err    error
}

func (e *RPCProtocolError) Error() string {
	return fmt.Sprintf("aria2 rpc %s: protocol error: %v", e.Method, e.Err)
}

func (e *RPCProtocolError) Unwrap() error { return e.Err }

// RemoteError is a well-formed JSON-RPC error object returned by aria2.
type RemoteError struct {
	Method  string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("aria2 rpc error %d: %s", e.Code, e.Message)
}

// IsEngineFailure reports whether err means the engine itself is unhealthy
// rather than one transfer having failed.
func IsEngineFailure(err error) bool {
	var te *RPCTimeoutError
	var pe *RPCProtocolError
	return errors.As(err, &te) || errors.As(err, &pe)
}

var errMissingStatus = errors.New("missing status field")
