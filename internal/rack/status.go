package rack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/KevinKickass/OpenLabRig/internal/wheel"
	"go.uber.org/zap"
)

// FilterLocation tells where a named filter is installed.
type FilterLocation struct {
	WheelKey string `json:"wheel"`
	Slot     int    `json:"slot"`
}

type IndexInfo struct {
	Generation      int       `json:"generation"`
	BuiltAt         time.Time `json:"built_at"`
	Online          []string  `json:"online"`
	Offline         []string  `json:"offline"`
	BandpassEntries int       `json:"bandpass_entries"`
	NDEntries       int       `json:"nd_entries"`
}

// ListWheels returns all configured wheel keys in sorted order.
func (r *Rack) ListWheels() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *Rack) Wheel(key string) (*wheel.Wheel, bool) {
	w, ok := r.wheels[key]
	return w, ok
}

func (r *Rack) WheelStatus(key string) (wheel.Status, error) {
	w, ok := r.wheels[key]
	if !ok {
		return wheel.Status{}, fmt.Errorf("wheel %q: %w", key, devices.ErrNotFound)
	}
	return w.Status(), nil
}

// Status returns a live status for every configured wheel.
func (r *Rack) Status() map[string]wheel.Status {
	out := make(map[string]wheel.Status, len(r.keys))
	for _, key := range r.keys {
		out[key] = r.wheels[key].Status()
	}
	return out
}

func (r *Rack) FiltersForWheel(key string) (map[int]string, error) {
	w, ok := r.wheels[key]
	if !ok {
		return nil, fmt.Errorf("wheel %q: %w", key, devices.ErrNotFound)
	}
	return w.Filters(), nil
}

// AvailableFilters rescans the slot maps of the online wheels and maps each
// installed filter name to its location. EMPTY slots are left out. A name
// installed twice resolves to the later wheel and slot.
func (r *Rack) AvailableFilters() map[string]FilterLocation {
	out := make(map[string]FilterLocation)
	for _, key := range r.Online() {
		w := r.wheels[key]
		filters := w.Filters()
		for _, slot := range w.SortedSlots() {
			name := filters[slot]
			if types.IsEmptySlot(name) {
				continue
			}
			out[name] = FilterLocation{WheelKey: key, Slot: slot}
		}
	}
	return out
}

// Bandpass returns the wavelength index ordered by wavelength.
func (r *Rack) Bandpass() []Entry {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	return r.wavelength.sorted()
}

// ND returns the optical density index ordered by density.
func (r *Rack) ND() []Entry {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	return r.od.sorted()
}

func (r *Rack) Online() []string {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	return append([]string(nil), r.online...)
}

func (r *Rack) Offline() []string {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	return append([]string(nil), r.offline...)
}

func (r *Rack) IndexInfo() IndexInfo {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()

	return IndexInfo{
		Generation:      r.generation,
		BuiltAt:         r.builtAt,
		Online:          append([]string(nil), r.online...),
		Offline:         append([]string(nil), r.offline...),
		BandpassEntries: len(r.wavelength),
		NDEntries:       len(r.od),
	}
}

// Refresh tries to reconnect offline wheels and rebuilds membership and
// indices. It reports whether the set of online wheels changed.
func (r *Rack) Refresh(ctx context.Context) (bool, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	for _, key := range r.keys {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		w := r.wheels[key]
		if w.IsConnected() {
			continue
		}
		if err := w.Connect(ctx); err != nil {
			r.logger.Debug("Wheel still offline", zap.String("wheel", key), zap.Error(err))
		}
	}

	changed := r.rebuild()
	info := r.IndexInfo()
	if changed {
		r.logger.Info("Rack membership changed",
			zap.Strings("online", info.Online),
			zap.Strings("offline", info.Offline))
	}
	r.emit(EventRefreshed, info)

	return changed, nil
}

// Close disconnects every wheel. It is safe to call more than once.
func (r *Rack) Close() error {
	var wg sync.WaitGroup
	for _, key := range r.keys {
		w := r.wheels[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Disconnect(); err != nil {
				r.logger.Warn("Failed to disconnect wheel", zap.String("wheel", w.Name()), zap.Error(err))
			}
		}()
	}
	wg.Wait()

	r.logger.Info("Rack closed", zap.Int("wheels", len(r.keys)))
	return nil
}
