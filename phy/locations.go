package phy

// Location is one PDCCH candidate position: 2^L CCEs starting at NCCE.
// Occupied is sticky for the subframe; Checked is reset between format
// passes; SufficientPower is written once by the decoder.
type Location struct {
	NCCE            uint32
	L               uint32
	Power           float32
	SufficientPower bool
	Checked         bool
	Occupied        bool
	Used            bool
}

// Span returns the number of CCEs the location covers.
func (l Location) Span() uint32 {
	return 1 << l.L
}

// CCEMap is an arena of locations addressed by (ncce, L). Every CCE index a
// location covers points back to the same arena slot, so a wide location is
// reachable from each of its CCEs.
type CCEMap struct {
	nCCE  uint32
	locs  []Location
	index [][MaxAggregation]int32
}

// NewCCEMap allocates an empty map for a control region of nCCE elements.
func NewCCEMap(nCCE uint32) *CCEMap {
	m := &CCEMap{
		nCCE:  nCCE,
		index: make([][MaxAggregation]int32, nCCE),
	}
	for i := range m.index {
		for L := range m.index[i] {
			m.index[i][L] = -1
		}
	}
	return m
}

// NumCCE returns the size of the control region the map was built for.
func (m *CCEMap) NumCCE() uint32 {
	if m == nil {
		return 0
	}
	return m.nCCE
}

// Add registers the location (ncce, L) and returns false when it does not fit
// the region or overlaps a location of the same level. Locations must all be added before any
// pointer returned by At is held.
func (m *CCEMap) Add(ncce, L uint32) bool {
	if m == nil || L >= MaxAggregation {
		return false
	}
	span := uint32(1) << L
	if ncce+span > m.nCCE {
		return false
	}
	for c := ncce; c < ncce+span; c++ {
		if m.index[c][L] >= 0 {
			return false
		}
	}
	slot := int32(len(m.locs))
	m.locs = append(m.locs, Location{NCCE: ncce, L: L})
	for c := ncce; c < ncce+span; c++ {
		m.index[c][L] = slot
	}
	return true
}

// At returns the location starting at ncce with level L, or nil.
func (m *CCEMap) At(ncce, L uint32) *Location {
	loc := m.Covering(ncce, L)
	if loc == nil || loc.NCCE != ncce {
		return nil
	}
	return loc
}

// Covering returns the level-L location that covers CCE index cce, or nil.
func (m *CCEMap) Covering(cce, L uint32) *Location {
	if m == nil || cce >= m.nCCE || L >= MaxAggregation {
		return nil
	}
	slot := m.index[cce][L]
	if slot < 0 {
		return nil
	}
	return &m.locs[slot]
}

// Len returns the number of locations in the arena.
func (m *CCEMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.locs)
}

// Location returns the i-th location in insertion order.
func (m *CCEMap) Location(i int) *Location {
	return &m.locs[i]
}

// Uncheck clears the Checked flag on every location; Occupied is kept.
func (m *CCEMap) Uncheck() {
	if m == nil {
		return
	}
	for i := range m.locs {
		m.locs[i].Checked = false
	}
}

// Occupy marks every location at every level that overlaps [ncce, ncce+2^L)
// as occupied and checked.
func (m *CCEMap) Occupy(ncce, L uint32) {
	if m == nil {
		return
	}
	end := ncce + (uint32(1) << L)
	if end > m.nCCE {
		end = m.nCCE
	}
	for c := ncce; c < end; c++ {
		for level := uint32(0); level < MaxAggregation; level++ {
			if loc := m.Covering(c, level); loc != nil {
				loc.Occupied = true
				loc.Checked = true
			}
		}
	}
}

// EnumerateAll fills a map with every aligned candidate position of the
// control region, widest aggregation level first. A blind search cannot
// hash into a single UE's search space, so it has to consider all of them.
func EnumerateAll(nCCE uint32) *CCEMap {
	m := NewCCEMap(nCCE)
	for L := int(MaxAggregation) - 1; L >= 0; L-- {
		span := uint32(1) << uint32(L)
		for ncce := uint32(0); ncce+span <= nCCE; ncce += span {
			m.Add(ncce, uint32(L))
		}
	}
	return m
}

// MissedCCEs counts CCEs that carry enough power but are not covered by any
// used location, i.e. energy the search could not explain. A CCE's power is
// judged by its single-CCE location; wider locations average over neighbours.
func MissedCCEs(m *CCEMap) uint32 {
	if m == nil {
		return 0
	}
	var missed uint32
	for c := uint32(0); c < m.nCCE; c++ {
		powered := false
		covered := false
		single := m.Covering(c, 0)
		for L := uint32(0); L < MaxAggregation; L++ {
			loc := m.Covering(c, L)
			if loc == nil {
				continue
			}
			if loc.SufficientPower && (single == nil || L == 0) {
				powered = true
			}
			if loc.Used {
				covered = true
			}
		}
		if powered && !covered {
			missed++
		}
	}
	return missed
}
