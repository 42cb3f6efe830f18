// Package search implements the blind DCI search over the PDCCH of one
// subframe.
//
// Purpose:
//   - Find every control message in the control region without knowing which
//     RNTIs are active in the cell.
//
// Key aspects:
//   - Each candidate location is decoded under every format of the pass and
//     filtered (format mismatch, RNTI range, search-space legality).
//   - Surviving candidates are accepted only when the RNTI tracker vouches for
//     them; otherwise the location is split into its two halves one
//     aggregation level lower and the search recurses.
//   - A child decode that repeats its parent's RNTI under the same format is
//     accepted at the parent's location without tracker validation (shortcut).
//   - An accepted location whose level is ambiguous for its RNTI is followed
//     by a probe of its right half at the next lower level (disambiguation).
//   - Accepted locations occupy every overlapping location at every level for
//     the rest of the subframe.
//
// Upstream:
//   - phy.Decoder for estimation, candidate decoding and location legality.
//
// Downstream:
//   - rnti.Tracker (validation, observations, aging) and dci.Collection
//     (accepted messages).
package search

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/gebegb3j/falcon/dci"
	"github.com/gebegb3j/falcon/phy"
	"github.com/gebegb3j/falcon/rnti"
)

// UnlimitedDepth exceeds any possible recursion (L is at most 3).
const UnlimitedDepth = 99

// maxFormats bounds the formats of one pass; candidates live in fixed arrays.
const maxFormats = 8

// Errors that abort a subframe before any decoding. Search wraps the
// decoder's error with one of them.
var (
	ErrEstimate  = errors.New("search: estimation failed")
	ErrExtract   = errors.New("search: decode input extraction failed")
	ErrLocations = errors.New("search: location enumeration failed")
)

// Config holds the recursion limits and toggles of the engine.
type Config struct {
	// MaxRecursionDepth limits the descent into lower aggregation levels.
	// 0 disables recursion.
	MaxRecursionDepth int
	// DisambiguationDepth limits the probe below ambiguous acceptances after
	// a shortcut. 0 disables disambiguation entirely.
	DisambiguationDepth int
	ShortcutDiscovery   bool
	// Trace logs every dropped and accepted candidate.
	Trace bool
}

// DefaultConfig returns unlimited recursion and disambiguation with shortcut
// discovery enabled.
func DefaultConfig() Config {
	return Config{
		MaxRecursionDepth:   UnlimitedDepth,
		DisambiguationDepth: UnlimitedDepth,
		ShortcutDiscovery:   true,
	}
}

// Tracker is the RNTI state the engine consults. *rnti.Tracker implements it.
type Tracker interface {
	ValidateAndRefresh(id uint16, class int) bool
	Frequency(id uint16, class int) uint32
	AddCandidate(id uint16, class int)
	ActivateAndRefresh(id uint16, class int, reason rnti.Reason)
	IsForbidden(id uint16, class int) bool
	StepTime()
}

// Stats are cumulative counters over all searched subframes.
type Stats struct {
	Subframes       uint64
	CCEs            uint64
	Locations       uint64
	Decodes         uint64
	DecodeErrors    uint64
	MissedPrimary   uint64
	Missed          uint64
	CollisionsDL    uint64
	CollisionsUL    uint64
	Accepted        uint64
	Shortcuts       uint64
	Disambiguations uint64
	Ties            uint64
	Impossible      uint64
}

type outcomeKind uint8

const (
	notFound outcomeKind = iota
	found
	shortcut
)

// outcome is the result of inspecting one location: nothing, a number of
// accepted messages, or a shortcut signal naming the format index whose RNTI
// repeated the parent's.
type outcome struct {
	kind      outcomeKind
	count     int
	formatIdx int
}

func foundOutcome(n int) outcome {
	if n <= 0 {
		return outcome{}
	}
	return outcome{kind: found, count: n}
}

// Engine runs the blind search for one subframe at a time. Search must not be
// called concurrently; Stats may be read between searches.
type Engine struct {
	dec     phy.Decoder
	formats *MetaFormats
	tracker Tracker
	coll    *dci.Collection
	cfg     Config
	now     func() time.Time

	shortcutDiscovery atomic.Bool

	// per-subframe state
	sfn         uint32
	sfIdx       uint32
	cfi         uint32
	nCCE        uint32
	cceMap      *phy.CCEMap
	currentRNTI uint16

	stats Stats
}

// NewEngine wires the engine to its collaborators.
func NewEngine(dec phy.Decoder, formats *MetaFormats, tracker Tracker, coll *dci.Collection, cfg Config) *Engine {
	if formats == nil {
		formats = DefaultMetaFormats()
	}
	if cfg.MaxRecursionDepth < 0 {
		cfg.MaxRecursionDepth = 0
	}
	if cfg.DisambiguationDepth < 0 {
		cfg.DisambiguationDepth = 0
	}
	e := &Engine{
		dec:         dec,
		formats:     formats,
		tracker:     tracker,
		coll:        coll,
		cfg:         cfg,
		now:         time.Now,
		currentRNTI: phy.NoCurrentRNTI,
	}
	e.shortcutDiscovery.Store(cfg.ShortcutDiscovery)
	return e
}

// SetShortcutDiscovery toggles the shortcut path at runtime.
func (e *Engine) SetShortcutDiscovery(enable bool) {
	e.shortcutDiscovery.Store(enable)
}

// ShortcutDiscovery reports whether the shortcut path is enabled.
func (e *Engine) ShortcutDiscovery() bool {
	return e.shortcutDiscovery.Load()
}

// CurrentRARNTI returns the last RA-RNTI seen under format 1A in the most
// recent subframe, or phy.NoCurrentRNTI.
func (e *Engine) CurrentRARNTI() uint16 {
	return e.currentRNTI
}

// Stats returns a copy of the cumulative counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Search runs the two-pass blind search over subframe sfIdx of frame sfn and
// returns the number of messages added to the collection. Estimation and
// extraction failures abort the subframe before any message is collected.
func (e *Engine) Search(sfn, sfIdx uint32) (int, error) {
	e.coll.SetTimestamp(e.now())
	e.sfn = sfn
	e.sfIdx = sfIdx

	cfi, err := e.dec.EstimateAndExtract(sfIdx)
	if err != nil {
		return 0, fmt.Errorf("%w: sfn %d.%d: %w", ErrEstimate, sfn, sfIdx, err)
	}
	if err := e.dec.ComputePower(); err != nil {
		return 0, fmt.Errorf("%w: sfn %d.%d: power: %w", ErrEstimate, sfn, sfIdx, err)
	}
	e.cfi = cfi
	e.coll.SetSubframe(sfn, sfIdx, cfi)

	noise := e.dec.NoiseEstimate()
	if err := e.dec.ExtractDecodeInputs(noise, sfIdx, cfi); err != nil {
		return 0, fmt.Errorf("%w: sfn %d.%d: %w", ErrExtract, sfn, sfIdx, err)
	}

	e.nCCE = e.dec.NumCCE(cfi)
	e.stats.CCEs += uint64(e.nCCE)
	m, err := e.dec.EnumerateLocations(sfIdx, cfi)
	if err != nil {
		return 0, fmt.Errorf("%w: sfn %d.%d: %w", ErrLocations, sfn, sfIdx, err)
	}
	e.cceMap = m
	defer func() { e.cceMap = nil }()
	e.stats.Locations += uint64(m.Len())
	e.dec.MarkPower(cfi, m)
	e.currentRNTI = phy.NoCurrentRNTI

	accepted := e.pass(e.formats.Primary())

	primaryMissed := e.dec.CountMissed(cfi, m)
	if primaryMissed > 0 && e.cfg.Trace {
		log.Printf("search: primary formats missed %d CCEs in sfn %d.%d", primaryMissed, sfn, sfIdx)
	}
	e.stats.MissedPrimary += uint64(primaryMissed)

	if !e.formats.SkipSecondary() {
		m.Uncheck()
		accepted += e.pass(e.formats.Secondary())
	}

	if e.coll.HasCollisionDL() {
		e.stats.CollisionsDL++
		e.tracef("search: DL collision in sfn %d.%d", sfn, sfIdx)
	}
	if e.coll.HasCollisionUL() {
		e.stats.CollisionsUL++
		e.tracef("search: UL collision in sfn %d.%d", sfn, sfIdx)
	}
	missed := e.dec.CountMissed(cfi, m)
	if missed > 0 {
		e.tracef("search: missed %d CCEs in sfn %d.%d", missed, sfn, sfIdx)
	}
	e.stats.Missed += uint64(missed)
	e.tracker.StepTime()
	e.stats.Subframes++
	return accepted, nil
}

func (e *Engine) pass(formats []*MetaFormat) int {
	if len(formats) == 0 {
		return 0
	}
	total := 0
	for i := 0; i < e.cceMap.Len(); i++ {
		loc := e.cceMap.Location(i)
		total += e.inspect(loc.NCCE, loc.L, e.cfg.MaxRecursionDepth, formats, true, nil).count
	}
	return total
}

func (e *Engine) tracef(format string, args ...any) {
	if e.cfg.Trace {
		log.Printf(format, args...)
	}
}

// inspect examines the location (ncce, L) under formats and recurses into
// lower aggregation levels when nothing there is accepted. parent holds the
// candidates decoded one level higher at the same start CCE, or nil.
func (e *Engine) inspect(ncce, L uint32, maxDepth int, formats []*MetaFormat, discovery bool, parent []dci.Candidate) outcome {
	loc := e.cceMap.At(ncce, L)
	if loc == nil || loc.Occupied || loc.Checked || !loc.SufficientPower {
		return outcome{}
	}

	var buf [maxFormats]dci.Candidate
	cands := buf[:len(formats)]
	winner := -1
	var winnerFreq uint32
	passed := 0

	for i, mf := range formats {
		cand, isShortcut := e.decode(loc, i, mf, discovery, parent)
		if isShortcut {
			return outcome{kind: shortcut, formatIdx: i}
		}
		cands[i] = cand
		if cand.Rejected() {
			continue
		}
		if e.tracker.ValidateAndRefresh(cand.RNTI, mf.GlobalIndex) {
			passed++
			winner = i
			winnerFreq = e.tracker.Frequency(cand.RNTI, mf.GlobalIndex)
		}
	}

	if passed > 1 {
		e.stats.Ties++
		e.tracef("search: %d candidates in different formats at L%d ncce %d", passed, L, ncce)
		winner = -1
		var best uint32
		for i, cand := range cands {
			if cand.Rejected() {
				continue
			}
			freq := e.tracker.Frequency(cand.RNTI, formats[i].GlobalIndex)
			if freq > best {
				best = freq
				winner = i
				winnerFreq = freq
			}
		}
		if winner < 0 {
			e.stats.Impossible++
			log.Printf("search: %d validated candidates at L%d ncce %d in sfn %d.%d but none has a tracker frequency, skipping all",
				passed, L, ncce, e.sfn, e.sfIdx)
			passed = 0
		}
	}

	loc.Checked = true

	accepted := passed > 0
	disamb := 0
	if accepted && e.cfg.DisambiguationDepth > 0 && cands[winner].Match == phy.MatchAmbiguous {
		// probe the right half for a message hidden under this one
		if L > 0 && maxDepth > 0 {
			disamb = e.inspect(ncce+(1<<(L-1)), L-1, maxDepth-1, formats, false, nil).count
		}
	} else if !accepted {
		total := 0
		if L > 0 && maxDepth > 0 {
			left := e.inspect(ncce, L-1, maxDepth-1, formats, discovery, cands)
			if left.kind == shortcut {
				winner = left.formatIdx
				cand := cands[winner]
				class := formats[winner].GlobalIndex
				winnerFreq = e.tracker.Frequency(cand.RNTI, class)
				accepted = true
				e.stats.Shortcuts++
				e.tracef("search: shortcut RNTI 0x%04x format %s at L%d ncce %d", cand.RNTI, formats[winner].Format, L, ncce)
				if e.cfg.DisambiguationDepth > 0 && cand.Match == phy.MatchAmbiguous {
					depth := min(maxDepth, e.cfg.DisambiguationDepth) - 1
					disamb = e.inspect(ncce+(1<<(L-1)), L-1, depth, formats, false, nil).count
				}
				e.tracker.ActivateAndRefresh(cand.RNTI, class, rnti.ReasonShortcut)
			} else {
				right := e.inspect(ncce+(1<<(L-1)), L-1, maxDepth-1, formats, discovery, nil)
				total = left.count + right.count
			}
		}
		if !accepted {
			if total == 0 {
				if discovery {
					for i, cand := range cands {
						if cand.Rejected() {
							continue
						}
						e.tracker.AddCandidate(cand.RNTI, formats[i].GlobalIndex)
						e.tracef("search: dropped RNTI 0x%04x format %s at L%d ncce %d (infrequent), observed",
							cand.RNTI, formats[i].Format, L, ncce)
					}
				}
				return outcome{}
			}
			return foundOutcome(total)
		}
	}

	if disamb > 0 {
		e.stats.Disambiguations++
		e.tracef("search: disambiguation found %d more messages below L%d ncce %d", disamb, L, ncce)
	}

	loc.Used = true
	e.cceMap.Occupy(ncce, L)

	cand := cands[winner]
	mf := formats[winner]
	e.tracker.AddCandidate(cand.RNTI, mf.GlobalIndex)
	mf.hits.Add(1)
	recordedL := L
	if disamb > 0 {
		recordedL = L - 1
	}
	e.coll.Add(cand, dci.Location{L: recordedL, NCCE: ncce}, winnerFreq)
	e.stats.Accepted++
	e.tracef("search: accepted RNTI 0x%04x format %s at L%d ncce %d freq %d", cand.RNTI, mf.Format, recordedL, ncce, winnerFreq)
	return foundOutcome(1 + disamb)
}

// decode runs one decode attempt and its filters. The second result is true
// when the candidate repeats the parent's RNTI and ends the inspection.
func (e *Engine) decode(loc *phy.Location, idx int, mf *MetaFormat, discovery bool, parent []dci.Candidate) (dci.Candidate, bool) {
	rejected := dci.Candidate{RNTI: phy.IllegalRNTI}
	msg, id, err := e.dec.DecodeCandidate(*loc, mf.Format, e.cfi)
	e.stats.Decodes++
	if err != nil {
		e.stats.DecodeErrors++
		log.Printf("search: decode L%d ncce %d format %s in sfn %d.%d: %v", loc.L, loc.NCCE, mf.Format, e.sfn, e.sfIdx, err)
		return rejected, false
	}
	if id == phy.IllegalRNTI {
		return rejected, false
	}
	if msg.Format != mf.Format {
		e.tracef("search: dropped RNTI 0x%04x format %s at L%d ncce %d (format 0/1A mismatch)", id, mf.Format, loc.L, loc.NCCE)
		return rejected, false
	}
	if mf.Format == phy.Format1C && id > phy.RARNTIEnd && id < phy.PRNTI {
		e.tracef("search: dropped RNTI 0x%04x at L%d ncce %d (RNTI not allowed in format 1C)", id, loc.L, loc.NCCE)
		return rejected, false
	}
	if phy.IsRARNTI(id) {
		if mf.Format != phy.Format1A {
			e.tracef("search: dropped RNTI 0x%04x format %s at L%d ncce %d (RA-RNTI only in format 1A)", id, mf.Format, loc.L, loc.NCCE)
			return rejected, false
		}
		e.currentRNTI = id
	}
	if e.shortcutDiscovery.Load() && discovery && parent != nil &&
		!parent[idx].Rejected() && parent[idx].RNTI == id &&
		!e.tracker.IsForbidden(id, mf.GlobalIndex) {
		e.tracef("search: RNTI 0x%04x format %s at L%d ncce %d repeats parent", id, mf.Format, loc.L, loc.NCCE)
		return dci.Candidate{}, true
	}
	match := e.dec.ValidateLocation(e.nCCE, loc.NCCE, loc.L, e.sfIdx, id)
	if match == phy.MatchInvalid {
		e.tracef("search: dropped RNTI 0x%04x format %s at L%d ncce %d (illegal position)", id, mf.Format, loc.L, loc.NCCE)
		return rejected, false
	}
	return dci.Candidate{Message: msg, RNTI: id, Match: match}, false
}
