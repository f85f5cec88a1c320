package wheel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
)

// SimDriver is an in-memory Driver used by tests and by the server's
// --simulate mode.
type SimDriver struct {
	mu      sync.Mutex
	devices map[string]*SimDevice
}

func NewSimDriver() *SimDriver {
	return &SimDriver{devices: make(map[string]*SimDevice)}
}

// AddDevice registers a simulated wheel that starts at slot 1.
func (d *SimDriver) AddDevice(serial string, slots int) *SimDevice {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev := &SimDevice{serial: serial, slots: slots, position: 1, target: 1}
	d.devices[serial] = dev
	return dev
}

func (d *SimDriver) Device(serial string) (*SimDevice, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[serial]
	return dev, ok
}

func (d *SimDriver) Open(ctx context.Context, params OpenParams) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, ok := d.Device(params.Serial)
	if !ok {
		return nil, devices.NewCommError(params.Serial, devices.OpOpen, errors.New("device not found"))
	}

	return dev.open()
}

// SimDevice is one simulated wheel with fault injection knobs.
type SimDevice struct {
	mu sync.Mutex

	serial    string
	slots     int
	position  int
	target    int
	movedAt   time.Time
	moveDelay time.Duration

	unplugged    bool
	epoch        int
	stuck        bool
	openFailures int
	writeErr     error
	closeErr     error

	opens    int
	setCalls int
	sets     []int
}

func (s *SimDevice) open() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++
	if s.unplugged {
		return nil, devices.NewCommError(s.serial, devices.OpOpen, errors.New("device not present"))
	}
	if s.openFailures > 0 {
		s.openFailures--
		return nil, devices.NewCommError(s.serial, devices.OpOpen, errors.New("device already open"))
	}

	return &simHandle{dev: s, epoch: s.epoch}, nil
}

// SetMoveDelay sets how long a move takes before the position reads back
// as the target.
func (s *SimDevice) SetMoveDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveDelay = d
}

// SetStuck makes the wheel accept moves without ever arriving.
func (s *SimDevice) SetStuck(stuck bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck = stuck
}

// FailNextOpens makes the next n opens fail with an open failure.
func (s *SimDevice) FailNextOpens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openFailures = n
}

// SetWriteError makes every position write fail with err. nil clears it.
func (s *SimDevice) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// SetCloseError makes handle Close return err.
func (s *SimDevice) SetCloseError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

// Unplug invalidates every open handle for good and refuses new opens
// until Replug.
func (s *SimDevice) Unplug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unplugged = true
	s.epoch++
}

// Replug accepts new opens. Handles opened before the unplug stay dead.
func (s *SimDevice) Replug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unplugged = false
}

// Position returns the physical position without going through a handle.
func (s *SimDevice) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

// SetPositionDirect moves the simulated wheel without a command, as if by
// hand.
func (s *SimDevice) SetPositionDirect(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = slot
	s.target = slot
}

func (s *SimDevice) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *SimDevice) SetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCalls
}

// Sets returns every slot written, in order.
func (s *SimDevice) Sets() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.sets))
	copy(out, s.sets)
	return out
}

func (s *SimDevice) currentLocked() int {
	if s.stuck || s.position == s.target {
		return s.position
	}
	if time.Since(s.movedAt) >= s.moveDelay {
		s.position = s.target
	}
	return s.position
}

type simHandle struct {
	dev    *SimDevice
	epoch  int
	closed bool
}

func (h *simHandle) staleLocked() bool {
	return h.dev.unplugged || h.epoch != h.dev.epoch
}

func (h *simHandle) Position() (int, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()

	if h.closed {
		return 0, devices.NewCommError(h.dev.serial, devices.OpRead, errors.New("handle closed"))
	}
	if h.staleLocked() {
		return 0, devices.NewCommError(h.dev.serial, devices.OpRead, errors.New("device not responding"))
	}
	return h.dev.currentLocked(), nil
}

func (h *simHandle) SetPosition(slot int) error {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()

	h.dev.setCalls++
	if h.closed || h.staleLocked() {
		return devices.NewCommError(h.dev.serial, devices.OpWrite, errors.New("device not responding"))
	}
	if h.dev.writeErr != nil {
		return devices.NewCommError(h.dev.serial, devices.OpWrite, h.dev.writeErr)
	}

	h.dev.sets = append(h.dev.sets, slot)
	h.dev.currentLocked()
	h.dev.target = slot
	h.dev.movedAt = time.Now()
	return nil
}

func (h *simHandle) Close() error {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()

	h.closed = true
	if h.dev.closeErr != nil {
		return devices.NewCommError(h.dev.serial, devices.OpClose, h.dev.closeErr)
	}
	return nil
}
