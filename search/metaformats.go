package search

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gebegb3j/falcon/phy"
)

// MetaFormat is one format probed by a search pass. GlobalIndex is the
// position of the format in phy.AllFormats and keys the tracker's format
// class; Hits counts acceptances and never influences decisions.
type MetaFormat struct {
	Format      phy.Format
	GlobalIndex int
	hits        atomic.Uint64
}

// Hits returns the number of messages accepted under this format.
func (m *MetaFormat) Hits() uint64 {
	return m.hits.Load()
}

// IndexOf returns the global index of f, or -1 when the blind search does
// not probe it.
func IndexOf(f phy.Format) int {
	for i, known := range phy.AllFormats {
		if known == f {
			return i
		}
	}
	return -1
}

// MetaFormats splits the probed formats into a primary set searched with
// discovery enabled and a secondary set searched afterwards over the same
// locations.
type MetaFormats struct {
	mu            sync.RWMutex
	all           []*MetaFormat
	primary       []*MetaFormat
	secondary     []*MetaFormat
	skipSecondary bool
}

// NewMetaFormats builds the descriptor set. Formats listed in neither set are
// not probed; a format listed twice is an error.
func NewMetaFormats(primary, secondary []phy.Format, skipSecondary bool) (*MetaFormats, error) {
	if len(primary) == 0 {
		return nil, fmt.Errorf("search: meta formats: primary set is empty")
	}
	if len(primary) > maxFormats || len(secondary) > maxFormats {
		return nil, fmt.Errorf("search: meta formats: more than %d formats in one set", maxFormats)
	}
	m := &MetaFormats{skipSecondary: skipSecondary}
	seen := make(map[phy.Format]bool)
	build := func(formats []phy.Format) ([]*MetaFormat, error) {
		out := make([]*MetaFormat, 0, len(formats))
		for _, f := range formats {
			idx := IndexOf(f)
			if idx < 0 {
				return nil, fmt.Errorf("search: meta formats: format %s is not searchable", f)
			}
			if seen[f] {
				return nil, fmt.Errorf("search: meta formats: format %s listed twice", f)
			}
			seen[f] = true
			mf := &MetaFormat{Format: f, GlobalIndex: idx}
			out = append(out, mf)
			m.all = append(m.all, mf)
		}
		return out, nil
	}
	var err error
	if m.primary, err = build(primary); err != nil {
		return nil, err
	}
	if m.secondary, err = build(secondary); err != nil {
		return nil, err
	}
	return m, nil
}

// DefaultMetaFormats probes the common downlink formats and format 0 first
// and the rest in the secondary pass.
func DefaultMetaFormats() *MetaFormats {
	m, err := NewMetaFormats(
		[]phy.Format{phy.Format0, phy.Format1, phy.Format1A, phy.Format2A},
		[]phy.Format{phy.Format1B, phy.Format1C, phy.Format2},
		false,
	)
	if err != nil {
		panic(err)
	}
	return m
}

// Primary returns the primary set.
func (m *MetaFormats) Primary() []*MetaFormat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*MetaFormat(nil), m.primary...)
}

// Secondary returns the secondary set.
func (m *MetaFormats) Secondary() []*MetaFormat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*MetaFormat(nil), m.secondary...)
}

// SkipSecondary reports whether the secondary pass is disabled.
func (m *MetaFormats) SkipSecondary() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skipSecondary
}

// All returns every probed format in global index order.
func (m *MetaFormats) All() []*MetaFormat {
	m.mu.RLock()
	out := append([]*MetaFormat(nil), m.all...)
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalIndex < out[j].GlobalIndex })
	return out
}

// Rebalance moves every format whose share of all hits is at least minShare
// into the primary set, most frequent first, and the others into the
// secondary set. Nothing changes while there are no hits or when no format
// reaches the share. Returns true when the sets changed.
func (m *MetaFormats) Rebalance(minShare float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, mf := range m.all {
		total += mf.Hits()
	}
	if total == 0 {
		return false
	}
	var primary, secondary []*MetaFormat
	for _, mf := range m.all {
		if float64(mf.Hits())/float64(total) >= minShare {
			primary = append(primary, mf)
		} else {
			secondary = append(secondary, mf)
		}
	}
	if len(primary) == 0 || len(primary) > maxFormats || len(secondary) > maxFormats {
		return false
	}
	sort.SliceStable(primary, func(i, j int) bool { return primary[i].Hits() > primary[j].Hits() })
	sort.SliceStable(secondary, func(i, j int) bool { return secondary[i].GlobalIndex < secondary[j].GlobalIndex })
	if sameOrder(primary, m.primary) && sameOrder(secondary, m.secondary) {
		return false
	}
	m.primary = primary
	m.secondary = secondary
	return true
}

func sameOrder(a, b []*MetaFormat) bool {
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
