package wheel

import (
	"context"
	"time"
)

// OpenParams identifies the physical wheel a Driver should open.
type OpenParams struct {
	Serial  string
	Baud    int
	Timeout time.Duration
}

// Driver opens connections to physical wheels. Open failures must be
// reported as *devices.CommError with Op devices.OpOpen so the Wheel can
// tell them apart from other error classes.
type Driver interface {
	Open(ctx context.Context, params OpenParams) (Handle, error)
}

// Handle is an open connection to one wheel. It is owned by exactly one
// Wheel and never used concurrently.
type Handle interface {
	Position() (int, error)
	SetPosition(slot int) error
	Close() error
}
