// Package rack coordinates a fleet of filter wheels that share one optical
// path. It indexes the installed filters by center wavelength and optical
// density, resolves requests to the nearest installed filter and keeps the
// remaining band-pass wheels parked on an open slot.
package rack

import (
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/metrics"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/KevinKickass/OpenLabRig/internal/wheel"
	"go.uber.org/zap"
)

type EventType string

const (
	EventWheelMoved EventType = "wheel_moved"
	EventSelection  EventType = "selection"
	EventRefreshed  EventType = "rack_refreshed"
)

// Event is published to the configured sink after motion and refreshes.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type Option func(*Rack)

// WithEventSink registers fn to receive rack events. fn must not block.
func WithEventSink(fn func(Event)) Option {
	return func(r *Rack) {
		r.sink = fn
	}
}

type Rack struct {
	wheels  map[string]*wheel.Wheel
	keys    []string
	catalog Catalog
	logger  *zap.Logger
	sink    func(Event)

	// selectMu serialises motion requests across the fleet.
	selectMu sync.Mutex

	refreshMu sync.Mutex

	indexMu    sync.RWMutex
	online     []string
	offline    []string
	wavelength index
	od         index
	builtAt    time.Time
	generation int
}

// New builds a rack over wheels and indexes the filters of every wheel
// that is connected right now.
func New(wheels map[string]*wheel.Wheel, catalog Catalog, logger *zap.Logger, opts ...Option) *Rack {
	r := &Rack{
		wheels:  make(map[string]*wheel.Wheel, len(wheels)),
		catalog: catalog,
		logger:  logger,
	}
	for key, w := range wheels {
		r.wheels[key] = w
		r.keys = append(r.keys, key)
	}
	sort.Strings(r.keys)

	for _, opt := range opts {
		opt(r)
	}

	r.rebuild()
	return r
}

// rebuild recomputes membership and both indices.
func (r *Rack) rebuild() (changed bool) {
	var online, offline []string
	for _, key := range r.keys {
		if r.wheels[key].IsConnected() {
			online = append(online, key)
		} else {
			offline = append(offline, key)
		}
	}

	wavelength := make(index)
	od := make(index)
	for _, key := range online {
		r.indexWheel(r.wheels[key], wavelength, od)
	}

	r.indexMu.Lock()
	changed = r.generation == 0 || !equalKeys(r.online, online)
	r.online = online
	r.offline = offline
	r.wavelength = wavelength
	r.od = od
	r.builtAt = time.Now()
	r.generation++
	gen := r.generation
	r.indexMu.Unlock()

	metrics.SetRackMembership(len(online), len(offline))
	metrics.SetIndexEntries(string(KindBandpass), len(wavelength))
	metrics.SetIndexEntries(string(KindND), len(od))

	r.logger.Info("Rack indexed",
		zap.Int("generation", gen),
		zap.Strings("online", online),
		zap.Strings("offline", offline),
		zap.Int("bandpass_filters", len(wavelength)),
		zap.Int("nd_filters", len(od)))

	return changed
}

func (r *Rack) indexWheel(w *wheel.Wheel, wavelength, od index) {
	filters := w.Filters()
	for _, slot := range w.SortedSlots() {
		name := filters[slot]
		if types.IsEmptySlot(name) {
			continue
		}

		switch r.catalog.Classify(name, w.Type()) {
		case types.FilterTypeBandpass:
			wl, ok := r.catalog.Wavelength(name)
			if !ok {
				r.logger.Debug("Band-pass filter without catalog wavelength",
					zap.String("wheel", w.Name()),
					zap.Int("slot", slot),
					zap.String("filter", name))
				continue
			}
			r.put(wavelength, KindBandpass, Entry{WheelKey: w.Name(), Slot: slot, Filter: name, Value: wl})

		case types.FilterTypeND:
			value, err := ParseOD(name)
			if err != nil {
				r.logger.Debug("Skipping ND filter with unparseable name",
					zap.String("wheel", w.Name()),
					zap.Int("slot", slot),
					zap.String("filter", name))
				continue
			}
			r.put(od, KindND, Entry{WheelKey: w.Name(), Slot: slot, Filter: name, Value: value})
		}
	}
}

func (r *Rack) put(idx index, kind Kind, e Entry) {
	if prev, ok := idx[e.Value]; ok {
		r.logger.Warn("Duplicate filter value, later slot wins",
			zap.String("kind", string(kind)),
			zap.Float64("value", e.Value),
			zap.String("previous_wheel", prev.WheelKey),
			zap.Int("previous_slot", prev.Slot),
			zap.String("wheel", e.WheelKey),
			zap.Int("slot", e.Slot))
	}
	idx[e.Value] = e
}

func (r *Rack) emit(t EventType, data any) {
	if r.sink == nil {
		return
	}
	r.sink(Event{Type: t, Timestamp: time.Now(), Data: data})
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
