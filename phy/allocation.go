package phy

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxPRB is the largest downlink bandwidth in resource blocks (20 MHz).
const MaxPRB = 110

// Allocation is the set of physical resource blocks a grant assigns.
type Allocation [2]uint64

// AllocationRange returns the contiguous allocation [start, start+n).
func AllocationRange(start, n uint32) Allocation {
	var a Allocation
	for prb := start; prb < start+n && prb < MaxPRB; prb++ {
		a.Set(prb)
	}
	return a
}

// Set adds prb to the allocation; out-of-range blocks are ignored.
func (a *Allocation) Set(prb uint32) {
	if prb >= MaxPRB {
		return
	}
	a[prb/64] |= 1 << (prb % 64)
}

// Has reports whether prb is allocated.
func (a Allocation) Has(prb uint32) bool {
	if prb >= MaxPRB {
		return false
	}
	return a[prb/64]&(1<<(prb%64)) != 0
}

// Overlaps reports whether the two allocations share a resource block.
func (a Allocation) Overlaps(b Allocation) bool {
	return a[0]&b[0] != 0 || a[1]&b[1] != 0
}

// Union returns the blocks allocated in either a or b.
func (a Allocation) Union(b Allocation) Allocation {
	return Allocation{a[0] | b[0], a[1] | b[1]}
}

// Count returns the number of allocated blocks.
func (a Allocation) Count() int {
	return bits.OnesCount64(a[0]) + bits.OnesCount64(a[1])
}

// Empty reports whether nothing is allocated.
func (a Allocation) Empty() bool {
	return a[0] == 0 && a[1] == 0
}

// String renders the allocation as compact ranges, e.g. "0-3,10".
func (a Allocation) String() string {
	var b strings.Builder
	prb := uint32(0)
	for prb < MaxPRB {
		if !a.Has(prb) {
			prb++
			continue
		}
		start := prb
		for prb < MaxPRB && a.Has(prb) {
			prb++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if prb-1 == start {
			fmt.Fprintf(&b, "%d", start)
		} else {
			fmt.Fprintf(&b, "%d-%d", start, prb-1)
		}
	}
	return b.String()
}
