// Package stats tracks per-format and per-direction counts of accepted DCIs
// plus session totals for periodic console output.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker counts accepted messages by format, by direction and by RNTI class.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-message increments don't fight over a mutex
	formatCounts    sync.Map // string -> *atomic.Uint64
	directionCounts sync.Map // "DL"/"UL" -> *atomic.Uint64
	classCounts     sync.Map // "C-RNTI", "SI-RNTI", ... -> *atomic.Uint64
	start           atomic.Int64
	subframes       atomic.Uint64
	failed          atomic.Uint64
	collisionsDL    atomic.Uint64
	collisionsUL    atomic.Uint64
}

// NewTracker creates a new stats tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementFormat increases the count for a DCI format ("0", "1A", ...).
func (t *Tracker) IncrementFormat(format string) {
	incrementCounter(&t.formatCounts, format)
}

// IncrementDirection increases the count for "DL" or "UL".
func (t *Tracker) IncrementDirection(direction string) {
	incrementCounter(&t.directionCounts, strings.ToUpper(strings.TrimSpace(direction)))
}

// IncrementClass increases the count for an RNTI class name.
func (t *Tracker) IncrementClass(class string) {
	incrementCounter(&t.classCounts, class)
}

// ObserveSubframe records one searched subframe and its collision flags.
func (t *Tracker) ObserveSubframe(collisionDL, collisionUL bool) {
	t.subframes.Add(1)
	if collisionDL {
		t.collisionsDL.Add(1)
	}
	if collisionUL {
		t.collisionsUL.Add(1)
	}
}

// IncrementFailed counts a subframe aborted by a PHY failure.
func (t *Tracker) IncrementFailed() {
	t.failed.Add(1)
}

// GetFormatCounts returns a copy of format counts.
func (t *Tracker) GetFormatCounts() map[string]uint64 {
	return snapshot(&t.formatCounts)
}

// GetDirectionCounts returns a copy of direction counts.
func (t *Tracker) GetDirectionCounts() map[string]uint64 {
	return snapshot(&t.directionCounts)
}

// GetClassCounts returns a copy of RNTI class counts.
func (t *Tracker) GetClassCounts() map[string]uint64 {
	return snapshot(&t.classCounts)
}

// GetTotal returns the total count across both directions.
func (t *Tracker) GetTotal() uint64 {
	var total uint64
	t.directionCounts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// Subframes returns the number of searched subframes.
func (t *Tracker) Subframes() uint64 {
	return t.subframes.Load()
}

// Failed returns the number of aborted subframes.
func (t *Tracker) Failed() uint64 {
	return t.failed.Load()
}

// GetUptime returns how long the tracker has been running.
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters.
func (t *Tracker) Reset() {
	for _, m := range []*sync.Map{&t.formatCounts, &t.directionCounts, &t.classCounts} {
		m.Range(func(key, _ any) bool {
			m.Delete(key)
			return true
		})
	}
	t.subframes.Store(0)
	t.failed.Store(0)
	t.collisionsDL.Store(0)
	t.collisionsUL.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	lines := make([]string, 0, 4)
	lines = append(lines, fmt.Sprintf("Subframes: %s searched, %s failed, collisions DL=%s UL=%s",
		humanize.Comma(int64(t.subframes.Load())),
		humanize.Comma(int64(t.failed.Load())),
		humanize.Comma(int64(t.collisionsDL.Load())),
		humanize.Comma(int64(t.collisionsUL.Load()))))
	lines = append(lines, formatMapCounts("DCI by direction", &t.directionCounts))
	lines = append(lines, formatMapCounts("DCI by format", &t.formatCounts))
	lines = append(lines, formatMapCounts("DCI by RNTI class", &t.classCounts))
	return lines
}

func snapshot(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func formatMapCounts(label string, counts *sync.Map) string {
	values := snapshot(counts)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", k, humanize.Comma(int64(values[k])))
	}
	if len(keys) == 0 {
		builder.WriteString("(none)")
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
