package rack

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
)

type Kind string

const (
	KindBandpass Kind = "bandpass"
	KindND       Kind = "nd"
)

func (k Kind) unit() string {
	if k == KindBandpass {
		return " nm"
	}
	return ""
}

// Entry locates one indexed filter.
type Entry struct {
	WheelKey string  `json:"wheel"`
	Slot     int     `json:"slot"`
	Filter   string  `json:"filter"`
	Value    float64 `json:"value"`
}

type index map[float64]Entry

// NotFoundError reports that nothing in an index lies within tolerance.
type NotFoundError struct {
	Kind      Kind
	Value     float64
	Tolerance float64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s filter near %g%s (±%g)", e.Kind, e.Value, e.Kind.unit(), e.Tolerance)
}

func (e *NotFoundError) Is(target error) bool {
	return target == devices.ErrNotFound
}

// nearest returns the entry closest to target within the inclusive
// tolerance. Ties go to the smallest wheel key, then the smallest slot.
func (idx index) nearest(kind Kind, target, tol float64) (Entry, error) {
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return Entry{}, fmt.Errorf("%s value %v: %w", kind, target, devices.ErrInvalidArgument)
	}
	if tol < 0 || math.IsNaN(tol) {
		return Entry{}, fmt.Errorf("tolerance %v: %w", tol, devices.ErrInvalidArgument)
	}

	type candidate struct {
		dist  float64
		entry Entry
	}

	cands := make([]candidate, 0, len(idx))
	for value, entry := range idx {
		dist := math.Abs(target - value)
		if dist <= tol {
			cands = append(cands, candidate{dist: dist, entry: entry})
		}
	}

	if len(cands) == 0 {
		return Entry{}, &NotFoundError{Kind: kind, Value: target, Tolerance: tol}
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.entry.WheelKey != b.entry.WheelKey {
			return a.entry.WheelKey < b.entry.WheelKey
		}
		return a.entry.Slot < b.entry.Slot
	})

	return cands[0].entry, nil
}

// sorted returns the entries ordered by value.
func (idx index) sorted() []Entry {
	out := make([]Entry, 0, len(idx))
	for _, e := range idx {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// ParseOD reads an optical density from a label such as "ND 0.5", "0.5" or
// "ND0.5": the last whitespace separated token, with an ND/OD prefix
// allowed.
func ParseOD(label string) (float64, error) {
	fields := strings.Fields(label)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty optical density: %w", devices.ErrInvalidArgument)
	}

	tok := fields[len(fields)-1]
	if len(tok) > 2 {
		prefix := strings.ToUpper(tok[:2])
		if prefix == "ND" || prefix == "OD" {
			tok = tok[2:]
		}
	}

	od, err := strconv.ParseFloat(tok, 64)
	if err != nil || math.IsNaN(od) || math.IsInf(od, 0) {
		return 0, fmt.Errorf("optical density %q must be numeric or like 'ND 0.5': %w",
			label, devices.ErrInvalidArgument)
	}
	return od, nil
}

// ParseODValue accepts a number or a label understood by ParseOD.
func ParseODValue(v any) (float64, error) {
	switch od := v.(type) {
	case float64:
		return od, nil
	case float32:
		return float64(od), nil
	case int:
		return float64(od), nil
	case int64:
		return float64(od), nil
	case json.Number:
		return ParseOD(od.String())
	case string:
		return ParseOD(od)
	default:
		return 0, fmt.Errorf("optical density of type %T: %w", v, devices.ErrInvalidArgument)
	}
}
