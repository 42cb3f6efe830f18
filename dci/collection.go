// Package dci holds the per-subframe result of the blind search: the
// candidate produced by one decode attempt and the collection of accepted
// control messages with their collision bookkeeping.
package dci

import (
	"sync"
	"time"

	"github.com/gebegb3j/falcon/phy"
	"github.com/zeebo/xxh3"
)

// Candidate is the outcome of one decode attempt at one location. An RNTI of
// phy.IllegalRNTI marks a rejected attempt.
type Candidate struct {
	Message phy.Message
	RNTI    uint16
	Match   phy.MatchResult
}

// Rejected reports whether the attempt was discarded by a filter.
func (c Candidate) Rejected() bool {
	return c.RNTI == phy.IllegalRNTI
}

// Location is the recorded position of an accepted message. L is the level
// after disambiguation.
type Location struct {
	L    uint32
	NCCE uint32
}

// Entry is one accepted control message.
type Entry struct {
	Timestamp     time.Time
	SFN           uint32
	SubframeIndex uint32
	CFI           uint32
	RNTI          uint16
	Format        phy.Format
	Uplink        bool
	NCCE          uint32
	L             uint32
	Frequency     uint32
	Allocation    phy.Allocation
	NBits         int
	Payload       []byte
	// Fingerprint is an xxh3 hash over RNTI, format and payload. Identical
	// grants repeated across subframes share it.
	Fingerprint uint64
}

// Collection accumulates the accepted messages of the subframe in progress.
// The owner resets it once per subframe; the search is its only writer.
type Collection struct {
	mu          sync.RWMutex
	timestamp   time.Time
	sfn         uint32
	sfIdx       uint32
	cfi         uint32
	entries     []Entry
	dlUsed      phy.Allocation
	ulUsed      phy.Allocation
	collisionDL bool
	collisionUL bool
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{}
}

// SetTimestamp records when the subframe search started.
func (c *Collection) SetTimestamp(ts time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.timestamp = ts
	c.mu.Unlock()
}

// SetSubframe records the frame number, subframe index and CFI of the
// subframe in progress.
func (c *Collection) SetSubframe(sfn, sfIdx, cfi uint32) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sfn = sfn
	c.sfIdx = sfIdx
	c.cfi = cfi
	c.mu.Unlock()
}

// Add appends an accepted candidate found at loc with the given tracker
// frequency and updates the collision flags of its direction.
func (c *Collection) Add(cand Candidate, loc Location, frequency uint32) {
	if c == nil || cand.Rejected() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := cand.Message
	e := Entry{
		Timestamp:     c.timestamp,
		SFN:           c.sfn,
		SubframeIndex: c.sfIdx,
		CFI:           c.cfi,
		RNTI:          cand.RNTI,
		Format:        msg.Format,
		Uplink:        msg.Format.Uplink(),
		NCCE:          loc.NCCE,
		L:             loc.L,
		Frequency:     frequency,
		Allocation:    msg.Allocation,
		NBits:         msg.NBits,
		Payload:       append([]byte(nil), msg.Payload...),
		Fingerprint:   fingerprint(cand.RNTI, msg.Format, msg.Payload),
	}
	if e.Uplink {
		if c.ulUsed.Overlaps(e.Allocation) {
			c.collisionUL = true
		}
		c.ulUsed = c.ulUsed.Union(e.Allocation)
	} else {
		if c.dlUsed.Overlaps(e.Allocation) {
			c.collisionDL = true
		}
		c.dlUsed = c.dlUsed.Union(e.Allocation)
	}
	c.entries = append(c.entries, e)
}

func fingerprint(rnti uint16, format phy.Format, payload []byte) uint64 {
	buf := make([]byte, 0, 3+len(payload))
	buf = append(buf, byte(rnti>>8), byte(rnti), byte(format))
	buf = append(buf, payload...)
	return xxh3.Hash(buf)
}

// HasCollisionDL reports whether two accepted downlink allocations overlap.
func (c *Collection) HasCollisionDL() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collisionDL
}

// HasCollisionUL reports whether two accepted uplink allocations overlap.
func (c *Collection) HasCollisionUL() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collisionUL
}

// Len returns the number of accepted messages.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a copy of the accepted messages in acceptance order.
func (c *Collection) Entries() []Entry {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Downlink returns the accepted downlink messages.
func (c *Collection) Downlink() []Entry {
	return c.filter(false)
}

// Uplink returns the accepted uplink messages.
func (c *Collection) Uplink() []Entry {
	return c.filter(true)
}

func (c *Collection) filter(uplink bool) []Entry {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for _, e := range c.entries {
		if e.Uplink == uplink {
			out = append(out, e)
		}
	}
	return out
}

// Subframe returns the metadata set for the subframe in progress.
func (c *Collection) Subframe() (ts time.Time, sfn, sfIdx, cfi uint32) {
	if c == nil {
		return time.Time{}, 0, 0, 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timestamp, c.sfn, c.sfIdx, c.cfi
}

// Reset clears entries, collision flags and metadata for the next subframe.
func (c *Collection) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timestamp = time.Time{}
	c.sfn, c.sfIdx, c.cfi = 0, 0, 0
	c.entries = c.entries[:0]
	c.dlUsed = phy.Allocation{}
	c.ulUsed = phy.Allocation{}
	c.collisionDL = false
	c.collisionUL = false
}
