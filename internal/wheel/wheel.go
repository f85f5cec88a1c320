// Package wheel drives a single motorized filter wheel: connection
// lifecycle, stale handle recovery and bounded motion confirmed by polling.
package wheel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"go.uber.org/zap"
)

const UnknownFilter = "UNKNOWN"

// MoveOptions controls a MoveTo call. A zero Timeout means the wheel's
// configured timeout.
type MoveOptions struct {
	Block   bool
	Timeout time.Duration
}

type Status struct {
	Key           string           `json:"key"`
	Serial        string           `json:"serial"`
	Type          types.FilterType `json:"type"`
	Slots         int              `json:"slots"`
	Connected     bool             `json:"connected"`
	Position      *int             `json:"position"`
	CurrentFilter *string          `json:"current_filter"`
}

type Wheel struct {
	key    string
	spec   types.WheelSpec
	driver Driver
	logger *zap.Logger

	// opMu serialises Connect, Disconnect and MoveTo.
	opMu sync.Mutex

	// mu guards hdl and every single command sent through it.
	mu  sync.Mutex
	hdl Handle
}

func New(key string, spec types.WheelSpec, driver Driver, logger *zap.Logger) *Wheel {
	return &Wheel{
		key:    key,
		spec:   spec.WithDefaults(),
		driver: driver,
		logger: logger.With(zap.String("wheel", key)),
	}
}

func (w *Wheel) Name() string           { return w.key }
func (w *Wheel) Serial() string         { return w.spec.Serial }
func (w *Wheel) Slots() int             { return w.spec.Slots }
func (w *Wheel) Type() types.FilterType { return w.spec.Type }
func (w *Wheel) Spec() types.WheelSpec  { return w.spec }

// Filters returns a copy of the slot to filter name map.
func (w *Wheel) Filters() map[int]string {
	out := make(map[int]string, len(w.spec.Filters))
	for slot, name := range w.spec.Filters {
		out[slot] = name
	}
	return out
}

// SortedSlots returns the configured slot numbers in ascending order.
func (w *Wheel) SortedSlots() []int {
	slots := make([]int, 0, len(w.spec.Filters))
	for slot := range w.spec.Filters {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

// FirstEmptySlot returns the lowest slot holding the EMPTY sentinel.
func (w *Wheel) FirstEmptySlot() (int, bool) {
	for _, slot := range w.SortedSlots() {
		if types.IsEmptySlot(w.spec.Filters[slot]) {
			return slot, true
		}
	}
	return 0, false
}

// Connect opens the wheel unless it is already connected and alive.
func (w *Wheel) Connect(ctx context.Context) error {
	return w.connect(ctx, false)
}

// Reconnect always runs the reopen sequence, even on a live handle.
func (w *Wheel) Reconnect(ctx context.Context) error {
	return w.connect(ctx, true)
}

func (w *Wheel) connect(ctx context.Context, force bool) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	if !force && w.alive() {
		return nil
	}

	err := w.reopen(ctx)
	if err != nil && devices.IsOpenFailure(err) {
		// The driver often still holds the port from a crashed session.
		w.logger.Warn("Open failed, retrying once", zap.Error(err))
		err = w.reopen(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to connect wheel %s: %w", w.key, err)
	}

	w.logger.Info("Wheel connected", zap.String("serial", w.spec.Serial))
	return nil
}

func (w *Wheel) reopen(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.hdl != nil {
		if err := w.hdl.Close(); err != nil {
			w.logger.Debug("Ignoring close error on stale handle", zap.Error(err))
		}
	}
	w.hdl = nil

	hdl, err := w.driver.Open(ctx, OpenParams{
		Serial:  w.spec.Serial,
		Baud:    w.spec.Baud,
		Timeout: w.spec.Timeout(),
	})
	if err != nil {
		return err
	}

	w.hdl = hdl
	return nil
}

// Disconnect closes the handle. Close errors are swallowed and the wheel
// always ends up disconnected.
func (w *Wheel) Disconnect() error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.hdl != nil {
		if err := w.hdl.Close(); err != nil {
			w.logger.Debug("Ignoring close error", zap.Error(err))
		}
		w.logger.Info("Wheel disconnected")
	}
	w.hdl = nil

	return nil
}

// IsConnected reports a present handle that answers a position query.
func (w *Wheel) IsConnected() bool {
	return w.alive()
}

func (w *Wheel) alive() bool {
	_, err := w.readPosition()
	return err == nil
}

func (w *Wheel) readPosition() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.hdl == nil {
		return 0, devices.ErrNotConnected
	}
	return w.hdl.Position()
}

// Position returns the current slot.
func (w *Wheel) Position(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	pos, err := w.readPosition()
	if err != nil {
		return 0, fmt.Errorf("wheel %s: %w", w.key, err)
	}
	return pos, nil
}

// MoveTo rotates the wheel to slot. With Block set it polls the position
// until the slot is reached or the deadline passes. A timed out move may
// still complete on the hardware afterwards.
func (w *Wheel) MoveTo(ctx context.Context, slot int, opts MoveOptions) error {
	if slot < 0 || slot > w.spec.Slots {
		return fmt.Errorf("wheel %s: slot %d out of range 0-%d: %w",
			w.key, slot, w.spec.Slots, devices.ErrInvalidArgument)
	}

	w.opMu.Lock()
	defer w.opMu.Unlock()

	if !w.alive() {
		return fmt.Errorf("wheel %s: %w", w.key, devices.ErrNotConnected)
	}

	if err := w.setPosition(slot); err != nil {
		return fmt.Errorf("wheel %s: %w", w.key, err)
	}

	if !opts.Block {
		return nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = w.spec.Timeout()
	}

	return w.waitForSlot(ctx, slot, timeout)
}

func (w *Wheel) setPosition(slot int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.hdl == nil {
		return devices.ErrNotConnected
	}
	return w.hdl.SetPosition(slot)
}

func (w *Wheel) waitForSlot(ctx context.Context, slot int, timeout time.Duration) error {
	poll := w.spec.PollInterval()
	deadline := time.Now().Add(timeout)

	for {
		pos, err := w.readPosition()
		if err != nil {
			return fmt.Errorf("wheel %s: waiting for slot %d: %w", w.key, slot, err)
		}
		if pos == slot {
			return nil
		}

		now := time.Now()
		if !now.Before(deadline) {
			return fmt.Errorf("wheel %s: slot %d not reached within %s: %w",
				w.key, slot, timeout, devices.ErrTimeout)
		}

		wait := poll
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// MoveToFilter moves to the first slot whose filter name matches name,
// ignoring case.
func (w *Wheel) MoveToFilter(ctx context.Context, name string, opts MoveOptions) error {
	for _, slot := range w.SortedSlots() {
		if strings.EqualFold(w.spec.Filters[slot], name) {
			return w.MoveTo(ctx, slot, opts)
		}
	}
	return fmt.Errorf("filter %q on wheel %s: %w", name, w.key, devices.ErrNotFound)
}

func (w *Wheel) Status() Status {
	st := Status{
		Key:    w.key,
		Serial: w.spec.Serial,
		Type:   w.spec.Type,
		Slots:  w.spec.Slots,
	}

	pos, err := w.readPosition()
	if err != nil {
		if !errors.Is(err, devices.ErrNotConnected) {
			w.logger.Debug("Status probe failed", zap.Error(err))
		}
		return st
	}

	st.Connected = true
	st.Position = &pos
	name, ok := w.spec.Filters[pos]
	if !ok {
		name = UnknownFilter
	}
	st.CurrentFilter = &name

	return st
}
