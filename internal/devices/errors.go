package devices

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotConnected        = errors.New("not connected")
	ErrNotFound            = errors.New("not found")
	ErrTimeout             = errors.New("timeout")
	ErrDeviceCommunication = errors.New("device communication error")
	ErrNotConfigured       = errors.New("not configured")
	ErrInvalidState        = errors.New("invalid state")
)

// Operations reported in CommError.Op
const (
	OpOpen  = "open"
	OpClose = "close"
	OpRead  = "read"
	OpWrite = "write"
)

// CommError is a failure at the hardware driver boundary.
type CommError struct {
	Device string
	Op     string
	Err    error
}

func NewCommError(device, op string, err error) *CommError {
	return &CommError{Device: device, Op: op, Err: err}
}

func (e *CommError) Error() string {
	if e.Op == OpOpen {
		return fmt.Sprintf("%s: open failed: %v", e.Device, e.Err)
	}
	return fmt.Sprintf("%s: %s failed: %v", e.Device, e.Op, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

func (e *CommError) Is(target error) bool {
	return target == ErrDeviceCommunication
}

// IsOpenFailure reports whether err is a driver failure to open a device.
func IsOpenFailure(err error) bool {
	var ce *CommError
	return errors.As(err, &ce) && ce.Op == OpOpen
}
