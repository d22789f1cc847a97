package blueberry

import (
	"errors"
	"fmt"
)

// Protocol and session errors. Transient link errors (timeouts) are retried
// up to the session retry budget before they surface; validation errors
// (malformed payloads, bad firmware packages) surface immediately.
var (
	ErrConnectFailed       = errors.New("connect failed")
	ErrWriteTimeout        = errors.New("write timeout")
	ErrReadTimeout         = errors.New("read timeout")
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrUnsupportedByDevice = errors.New("operation not supported by device")
	ErrConfigNotApplied    = errors.New("config not applied")
	ErrLogIntegrity        = errors.New("log integrity violation")
	ErrInvalidFirmware     = errors.New("invalid firmware package")
	ErrEraseTimeout        = errors.New("flash erase timeout")
	ErrVerifyFailed        = errors.New("firmware verification failed")
	ErrAborted             = errors.New("operation aborted")
	ErrAccessDenied        = errors.New("access denied, passcode required")
	ErrLoggingDisabled     = errors.New("logging disabled on device")
)

// OpError carries enough context for a caller to render a precise message:
// the operation, the device address and the session phase the error
// occurred in.
type OpError struct {
	Op    string
	Addr  string
	Phase Phase
	Err   error
}

func (e *OpError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Addr, e.Phase, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// retryable reports whether err is a transient link error worth another
// attempt. Codec and validation errors indicate a protocol or version
// mismatch and are never retried.
func retryable(err error) bool {
	return errors.Is(err, ErrWriteTimeout) || errors.Is(err, ErrReadTimeout)
}
