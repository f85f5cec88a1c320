package types

import (
	"strings"
	"time"
)

// EmptySlot marks a slot that holds no filter.
const EmptySlot = "EMPTY"

type FilterType string

const (
	FilterTypeBandpass FilterType = "bandpass"
	FilterTypeND       FilterType = "nd"
	FilterTypeUnknown  FilterType = "unknown"
)

// RigDocument is the declarative description of the filter fleet
type RigDocument struct {
	Wheels  map[string]WheelSpec  `yaml:"filter_wheels" json:"filter_wheels"`
	Filters map[string]FilterMeta `yaml:"filters,omitempty" json:"filters,omitempty"`
}

type WheelSpec struct {
	Serial   string         `yaml:"serial" json:"serial"`
	Baud     int            `yaml:"baud,omitempty" json:"baud,omitempty"`
	TimeoutS float64        `yaml:"timeout_s,omitempty" json:"timeout_s,omitempty"`
	Slots    int            `yaml:"slots,omitempty" json:"slots,omitempty"`
	PollS    float64        `yaml:"poll_s,omitempty" json:"poll_s,omitempty"`
	Type     FilterType     `yaml:"type,omitempty" json:"type,omitempty"`
	Filters  map[int]string `yaml:"filters,omitempty" json:"filters,omitempty"`
}

type FilterMeta struct {
	Type       FilterType `yaml:"type,omitempty" json:"type,omitempty"`
	Wavelength *float64   `yaml:"wavelength,omitempty" json:"wavelength,omitempty"`
}

// Wheel defaults
const (
	DefaultBaud     = 115200
	DefaultTimeoutS = 3.0
	DefaultSlots    = 6
	DefaultPollS    = 0.05
)

// WithDefaults returns a copy with zero fields filled in and blank filter
// names replaced by EmptySlot.
func (s WheelSpec) WithDefaults() WheelSpec {
	out := s
	if out.Baud == 0 {
		out.Baud = DefaultBaud
	}
	if out.TimeoutS == 0 {
		out.TimeoutS = DefaultTimeoutS
	}
	if out.Slots == 0 {
		out.Slots = DefaultSlots
	}
	if out.PollS == 0 {
		out.PollS = DefaultPollS
	}
	if out.Type == "" {
		out.Type = FilterTypeUnknown
	}

	out.Filters = make(map[int]string, len(s.Filters))
	for slot, name := range s.Filters {
		if strings.TrimSpace(name) == "" {
			name = EmptySlot
		}
		out.Filters[slot] = name
	}

	return out
}

func (s WheelSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutS * float64(time.Second))
}

func (s WheelSpec) PollInterval() time.Duration {
	return time.Duration(s.PollS * float64(time.Second))
}

// IsEmptySlot reports whether a slot name is the EMPTY sentinel.
func IsEmptySlot(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), EmptySlot)
}
