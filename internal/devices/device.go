// Package devices holds what every hardware family on the rig has in
// common: the connection lifecycle, the error taxonomy and validation of
// the rig document.
package devices

import "context"

// Device is the connection lifecycle shared by wheels, the shutter and the
// ammeter.
type Device interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
}

// CountConnected returns how many of the given devices report a live
// connection.
func CountConnected(devs []Device) int {
	n := 0
	for _, d := range devs {
		if d != nil && d.IsConnected() {
			n++
		}
	}
	return n
}
