package rack

import (
	"strings"

	"github.com/KevinKickass/OpenLabRig/internal/types"
)

// Catalog is the filter metadata the rack classifies slots with. It is
// copied on construction and never mutated afterwards.
type Catalog struct {
	entries map[string]types.FilterMeta
	folded  map[string]types.FilterMeta
}

func NewCatalog(meta map[string]types.FilterMeta) Catalog {
	c := Catalog{
		entries: make(map[string]types.FilterMeta, len(meta)),
		folded:  make(map[string]types.FilterMeta, len(meta)),
	}
	for name, m := range meta {
		if m.Wavelength != nil {
			wl := *m.Wavelength
			m.Wavelength = &wl
		}
		c.entries[name] = m
		c.folded[strings.ToLower(name)] = m
	}
	return c
}

// Lookup finds metadata by exact name, then case-insensitively.
func (c Catalog) Lookup(name string) (types.FilterMeta, bool) {
	if m, ok := c.entries[name]; ok {
		return m, true
	}
	m, ok := c.folded[strings.ToLower(name)]
	return m, ok
}

// Classify returns the filter's explicit catalog type, else nd for filters
// on an nd wheel and bandpass for everything else.
func (c Catalog) Classify(name string, wheelType types.FilterType) types.FilterType {
	if m, ok := c.Lookup(name); ok && m.Type != "" {
		return m.Type
	}
	if wheelType == types.FilterTypeND {
		return types.FilterTypeND
	}
	return types.FilterTypeBandpass
}

// Wavelength returns the catalog center wavelength in nm.
func (c Catalog) Wavelength(name string) (float64, bool) {
	m, ok := c.Lookup(name)
	if !ok || m.Wavelength == nil {
		return 0, false
	}
	return *m.Wavelength, true
}

func (c Catalog) Len() int {
	return len(c.entries)
}
