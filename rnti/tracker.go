// Package rnti tracks which RNTIs are active in a cell. Every plausible but
// unproven decode is recorded as an observation; an (RNTI, format class)
// pair whose observations within a sliding window of subframes exceed a
// threshold is activated, and active pairs that go unrefreshed for longer
// than their lifetime fall back to inactive.
package rnti

import (
	"sort"
	"sync"

	"github.com/gebegb3j/falcon/phy"
)

// Reason records why a pair was activated.
type Reason uint8

const (
	ReasonUnset Reason = iota
	ReasonEvergreen
	ReasonHistogram
	ReasonShortcut
	ReasonOther
)

func (r Reason) String() string {
	switch r {
	case ReasonEvergreen:
		return "evergreen"
	case ReasonHistogram:
		return "histogram"
	case ReasonShortcut:
		return "shortcut"
	case ReasonOther:
		return "other"
	default:
		return "unset"
	}
}

const (
	defaultThreshold = 5
	defaultWindow    = 200
	defaultLifetime  = 400
)

// Config controls the validation threshold and aging of the tracker.
type Config struct {
	// Threshold is the observation count a pair has to exceed to validate.
	Threshold uint32
	// Window is the number of subframes an observation keeps counting.
	Window uint32
	// Lifetime is the number of subframes an active pair survives unrefreshed.
	Lifetime uint32
	// EvergreenClasses lists format classes (global format indices) under
	// which SI-, P- and RA-RNTIs are permanently active.
	EvergreenClasses []int
	// Forbidden RNTIs never take the shortcut path.
	Forbidden []uint16
}

// DefaultConfig returns the tracker defaults used by the session.
func DefaultConfig() Config {
	return Config{
		Threshold: defaultThreshold,
		Window:    defaultWindow,
		Lifetime:  defaultLifetime,
	}
}

func (c Config) normalize() Config {
	if c.Threshold == 0 {
		c.Threshold = defaultThreshold
	}
	if c.Window == 0 {
		c.Window = defaultWindow
	}
	if c.Lifetime == 0 {
		c.Lifetime = defaultLifetime
	}
	return c
}

type key struct {
	rnti  uint16
	class uint8
}

type entry struct {
	frequency   uint32
	active      bool
	reason      Reason
	lastSeen    uint64
	activatedAt uint64
}

// ActiveEntry is a snapshot of one active (RNTI, class) pair.
type ActiveEntry struct {
	RNTI        uint16 `cbor:"1,keyasint" json:"rnti"`
	Class       int    `cbor:"2,keyasint" json:"class"`
	Frequency   uint32 `cbor:"3,keyasint" json:"frequency"`
	Reason      Reason `cbor:"4,keyasint" json:"reason"`
	LastSeen    uint64 `cbor:"5,keyasint" json:"last_seen"`
	ActivatedAt uint64 `cbor:"6,keyasint" json:"activated_at"`
}

// Tracker holds the per-session RNTI state. It is safe for concurrent use;
// the search itself drives it from a single goroutine, while metrics and
// snapshots may read from others.
type Tracker struct {
	mu        sync.Mutex
	cfg       Config
	epoch     uint64
	entries   map[key]*entry
	active    map[key]struct{}
	history   [][]key // ring of observations, one slot per subframe
	head      int
	forbidden map[uint16]struct{}
}

// NewTracker builds a tracker and activates the evergreen identifiers.
func NewTracker(cfg Config) *Tracker {
	cfg = cfg.normalize()
	t := &Tracker{
		cfg:       cfg,
		entries:   make(map[key]*entry),
		active:    make(map[key]struct{}),
		history:   make([][]key, cfg.Window),
		forbidden: make(map[uint16]struct{}, len(cfg.Forbidden)),
	}
	for _, r := range cfg.Forbidden {
		t.forbidden[r] = struct{}{}
	}
	for _, class := range cfg.EvergreenClasses {
		t.activateLocked(phy.SIRNTI, class, ReasonEvergreen)
		t.activateLocked(phy.PRNTI, class, ReasonEvergreen)
		for r := phy.RARNTIStart; r <= phy.RARNTIEnd; r++ {
			t.activateLocked(r, class, ReasonEvergreen)
		}
	}
	return t
}

func keyOf(rnti uint16, class int) key {
	return key{rnti: rnti, class: uint8(class)}
}

func (t *Tracker) entryLocked(k key) *entry {
	e, ok := t.entries[k]
	if !ok {
		e = &entry{}
		t.entries[k] = e
	}
	return e
}

func (t *Tracker) activateLocked(rnti uint16, class int, reason Reason) {
	k := keyOf(rnti, class)
	e := t.entryLocked(k)
	if !e.active || e.reason != ReasonEvergreen {
		if !e.active {
			e.activatedAt = t.epoch
		}
		e.active = true
		e.reason = reason
	}
	e.lastSeen = t.epoch
	t.active[k] = struct{}{}
}

// ValidateAndRefresh reports whether the pair is active or has just crossed
// the threshold, and refreshes its recency when it is.
func (t *Tracker) ValidateAndRefresh(rnti uint16, class int) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[keyOf(rnti, class)]
	if !ok {
		return false
	}
	if e.active {
		e.lastSeen = t.epoch
		return true
	}
	if e.frequency > t.cfg.Threshold {
		t.activateLocked(rnti, class, ReasonHistogram)
		return true
	}
	return false
}

// Frequency returns the number of observations of the pair in the window.
func (t *Tracker) Frequency(rnti uint16, class int) uint32 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[keyOf(rnti, class)]; ok {
		return e.frequency
	}
	return 0
}

// AddCandidate records one observation of the pair in the current subframe.
func (t *Tracker) AddCandidate(rnti uint16, class int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(rnti, class)
	t.entryLocked(k).frequency++
	t.history[t.head] = append(t.history[t.head], k)
}

// ActivateAndRefresh activates the pair immediately, bypassing the threshold.
func (t *Tracker) ActivateAndRefresh(rnti uint16, class int, reason Reason) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activateLocked(rnti, class, reason)
}

// IsForbidden reports whether the pair must not be activated by a shortcut.
func (t *Tracker) IsForbidden(rnti uint16, class int) bool {
	if t == nil {
		return true
	}
	if rnti == phy.IllegalRNTI || rnti == phy.MRNTI || phy.IsReserved(rnti) {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.forbidden[rnti]
	return ok
}

// Forbid excludes rnti from shortcut activation and drops any non-evergreen
// activation it holds.
func (t *Tracker) Forbid(rnti uint16) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forbidden[rnti] = struct{}{}
	for k := range t.active {
		if k.rnti != rnti {
			continue
		}
		if e := t.entries[k]; e.reason != ReasonEvergreen {
			e.active = false
			delete(t.active, k)
		}
	}
}

// IsActive reports whether the pair is currently active.
func (t *Tracker) IsActive(rnti uint16, class int) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[keyOf(rnti, class)]
	return ok
}

// Reason returns the activation reason of the pair; ReasonUnset when inactive.
func (t *Tracker) Reason(rnti uint16, class int) Reason {
	if t == nil {
		return ReasonUnset
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[keyOf(rnti, class)]; ok && e.active {
		return e.reason
	}
	return ReasonUnset
}

// Epoch returns the number of subframes the tracker has aged through.
func (t *Tracker) Epoch() uint64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// StepTime ages the tracker by one subframe: observations that leave the
// window stop counting and active pairs past their lifetime are dropped.
// Evergreen pairs never expire.
func (t *Tracker) StepTime() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	t.head = (t.head + 1) % len(t.history)
	for _, k := range t.history[t.head] {
		if e := t.entries[k]; e != nil && e.frequency > 0 {
			e.frequency--
		}
	}
	t.history[t.head] = t.history[t.head][:0]

	for k := range t.active {
		e := t.entries[k]
		if e.reason == ReasonEvergreen {
			continue
		}
		if t.epoch-e.lastSeen > uint64(t.cfg.Lifetime) {
			e.active = false
			e.reason = ReasonUnset
			delete(t.active, k)
		}
	}
}

// ActiveSet returns the active pairs ordered by RNTI, then class.
func (t *Tracker) ActiveSet() []ActiveEntry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ActiveEntry, 0, len(t.active))
	for k := range t.active {
		e := t.entries[k]
		out = append(out, ActiveEntry{
			RNTI:        k.rnti,
			Class:       int(k.class),
			Frequency:   e.frequency,
			Reason:      e.reason,
			LastSeen:    e.lastSeen,
			ActivatedAt: e.activatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RNTI != out[j].RNTI {
			return out[i].RNTI < out[j].RNTI
		}
		return out[i].Class < out[j].Class
	})
	return out
}

// ActiveCount returns the number of active pairs.
func (t *Tracker) ActiveCount() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Restore re-activates pairs from a saved active set. Restored pairs count
// as refreshed now, so they live one full lifetime unless seen again.
func (t *Tracker) Restore(set []ActiveEntry) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	restored := 0
	for _, a := range set {
		if _, banned := t.forbidden[a.RNTI]; banned {
			continue
		}
		reason := a.Reason
		if reason == ReasonUnset || reason == ReasonEvergreen {
			reason = ReasonOther
		}
		t.activateLocked(a.RNTI, a.Class, reason)
		restored++
	}
	return restored
}
