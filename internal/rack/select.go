package rack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/metrics"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/KevinKickass/OpenLabRig/internal/wheel"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBandpassTolerance = 2.0
	DefaultNDTolerance       = 0.05
)

type Role string

const (
	RoleTarget Role = "target"
	RoleClear  Role = "clear"
)

// SelectOptions tunes a selection. A nil Tolerance means the default for
// the selection kind.
type SelectOptions struct {
	Tolerance *float64
	Block     bool
}

func (o SelectOptions) tolerance(def float64) float64 {
	if o.Tolerance == nil {
		return def
	}
	return *o.Tolerance
}

// MoveResult is the outcome of one wheel move issued by a selection.
type MoveResult struct {
	WheelKey string `json:"wheel"`
	Slot     int    `json:"slot"`
	Role     Role   `json:"role"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
}

func (m MoveResult) OK() bool {
	return m.Err == nil
}

// Selection describes what a selection resolved to and which moves it made.
type Selection struct {
	ID        uuid.UUID    `json:"id"`
	Kind      Kind         `json:"kind"`
	Requested float64      `json:"requested"`
	Tolerance float64      `json:"tolerance"`
	Match     Entry        `json:"match"`
	Moves     []MoveResult `json:"moves"`
}

// Failed returns the moves that did not succeed.
func (s *Selection) Failed() []MoveResult {
	var out []MoveResult
	for _, m := range s.Moves {
		if m.Err != nil {
			out = append(out, m)
		}
	}
	return out
}

// SelectBandpass moves the nearest band-pass filter within tolerance into
// the beam and parks every other connected non-ND wheel on its first EMPTY
// slot. Failures while parking are reported in the returned selection and
// never abort the call; a failed target move is returned as an error after
// all parking moves were attempted.
func (r *Rack) SelectBandpass(ctx context.Context, wavelengthNM float64, opts SelectOptions) (*Selection, error) {
	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	tol := opts.tolerance(DefaultBandpassTolerance)
	match, err := r.nearest(KindBandpass, wavelengthNM, tol)
	if err != nil {
		recordSelection(KindBandpass, err)
		return nil, err
	}

	sel := &Selection{
		ID:        uuid.New(),
		Kind:      KindBandpass,
		Requested: wavelengthNM,
		Tolerance: tol,
		Match:     match,
	}

	r.logger.Info("Selecting band-pass filter",
		zap.String("selection", sel.ID.String()),
		zap.Float64("requested_nm", wavelengthNM),
		zap.String("wheel", match.WheelKey),
		zap.Int("slot", match.Slot),
		zap.String("filter", match.Filter))

	target := r.move(ctx, match.WheelKey, match.Slot, RoleTarget, opts.Block)
	sel.Moves = append(sel.Moves, target)

	for _, key := range r.keys {
		if key == match.WheelKey {
			continue
		}
		w := r.wheels[key]
		if w.Type() == types.FilterTypeND || !w.IsConnected() {
			continue
		}

		slot, ok := w.FirstEmptySlot()
		if !ok {
			res := MoveResult{
				WheelKey: key,
				Slot:     -1,
				Role:     RoleClear,
				Err:      fmt.Errorf("wheel %s has no %s slot: %w", key, types.EmptySlot, devices.ErrNotFound),
			}
			res.Error = res.Err.Error()
			r.logger.Warn("Cannot clear wheel", zap.String("wheel", key), zap.Error(res.Err))
			sel.Moves = append(sel.Moves, res)
			continue
		}

		res := r.move(ctx, key, slot, RoleClear, opts.Block)
		if res.Err != nil {
			r.logger.Warn("Failed to clear wheel",
				zap.String("wheel", key),
				zap.Int("slot", slot),
				zap.Error(res.Err))
		}
		sel.Moves = append(sel.Moves, res)
	}

	r.emit(EventSelection, sel)

	if target.Err != nil {
		recordSelection(KindBandpass, target.Err)
		return sel, fmt.Errorf("failed to select %g nm on wheel %s: %w",
			wavelengthNM, match.WheelKey, target.Err)
	}
	recordSelection(KindBandpass, nil)
	return sel, nil
}

// SelectND moves the nearest neutral density filter within tolerance into
// the beam. od may be a number or a label such as "ND 0.5". Other wheels
// are not touched.
func (r *Rack) SelectND(ctx context.Context, od any, opts SelectOptions) (*Selection, error) {
	value, err := ParseODValue(od)
	if err != nil {
		recordSelection(KindND, err)
		return nil, err
	}

	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	tol := opts.tolerance(DefaultNDTolerance)
	match, err := r.nearest(KindND, value, tol)
	if err != nil {
		recordSelection(KindND, err)
		return nil, err
	}

	sel := &Selection{
		ID:        uuid.New(),
		Kind:      KindND,
		Requested: value,
		Tolerance: tol,
		Match:     match,
	}

	r.logger.Info("Selecting ND filter",
		zap.String("selection", sel.ID.String()),
		zap.Float64("requested_od", value),
		zap.String("wheel", match.WheelKey),
		zap.Int("slot", match.Slot),
		zap.String("filter", match.Filter))

	res := r.move(ctx, match.WheelKey, match.Slot, RoleTarget, opts.Block)
	sel.Moves = append(sel.Moves, res)
	r.emit(EventSelection, sel)

	recordSelection(KindND, res.Err)
	if res.Err != nil {
		return sel, fmt.Errorf("failed to select OD %g on wheel %s: %w", value, match.WheelKey, res.Err)
	}
	return sel, nil
}

// MoveWheel moves one wheel directly to slot.
func (r *Rack) MoveWheel(ctx context.Context, key string, slot int, block bool) error {
	if _, ok := r.wheels[key]; !ok {
		return fmt.Errorf("wheel %q: %w", key, devices.ErrNotFound)
	}

	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	res := r.move(ctx, key, slot, RoleTarget, block)
	return res.Err
}

func (r *Rack) nearest(kind Kind, value, tol float64) (Entry, error) {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()

	if kind == KindND {
		return r.od.nearest(kind, value, tol)
	}
	return r.wavelength.nearest(kind, value, tol)
}

func (r *Rack) move(ctx context.Context, key string, slot int, role Role, block bool) MoveResult {
	res := MoveResult{WheelKey: key, Slot: slot, Role: role}

	start := time.Now()
	res.Err = r.wheels[key].MoveTo(ctx, slot, wheel.MoveOptions{Block: block})
	metrics.RecordWheelMove(key, time.Since(start), res.Err == nil)

	if res.Err != nil {
		res.Error = res.Err.Error()
		return res
	}

	r.emit(EventWheelMoved, res)
	return res
}

func recordSelection(kind Kind, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, devices.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, devices.ErrInvalidArgument):
		outcome = "invalid"
	default:
		outcome = "error"
	}
	metrics.RecordSelection(string(kind), outcome)
}
