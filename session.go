package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gebegb3j/falcon/config"
	"github.com/gebegb3j/falcon/dci"
	"github.com/gebegb3j/falcon/internal/ratelimit"
	"github.com/gebegb3j/falcon/metrics"
	"github.com/gebegb3j/falcon/phy"
	"github.com/gebegb3j/falcon/publish"
	"github.com/gebegb3j/falcon/recorder"
	"github.com/gebegb3j/falcon/rnti"
	"github.com/gebegb3j/falcon/search"
	"github.com/gebegb3j/falcon/stats"
	"github.com/gebegb3j/falcon/trackerstore"
)

// session owns one search run: the engine and everything fed by its results.
type session struct {
	cfg       *config.Config
	tracker   *rnti.Tracker
	formats   *search.MetaFormats
	coll      *dci.Collection
	engine    *search.Engine
	counts    *stats.Tracker
	recorder  *recorder.Writer
	publisher *publish.Publisher
	metrics   *metrics.Metrics
	store     *trackerstore.Store

	// traceLine receives one line per searched subframe; nil discards them.
	traceLine func(line string, now time.Time)
	searched  int

	phyErrors   *ratelimit.Counter
	mqttErrors  *ratelimit.Counter
	recordDrops *ratelimit.Counter
	lastDropped uint64
}

// Purpose: Build the search stack from configuration.
// Key aspects: Optional outputs (recorder, MQTT, metrics, tracker store) are
// only created when enabled; a failing optional output aborts startup.
// Upstream: replay command.
// Downstream: rnti.NewTracker, search.NewEngine, output constructors.
func newSession(cfg *config.Config, dec phy.Decoder) (*session, error) {
	primary, secondary, err := cfg.Formats()
	if err != nil {
		return nil, err
	}
	formats, err := search.NewMetaFormats(primary, secondary, cfg.Search.SkipSecondary)
	if err != nil {
		return nil, err
	}
	evergreen, err := cfg.EvergreenFormats()
	if err != nil {
		return nil, err
	}
	classes := make([]int, 0, len(evergreen))
	for _, f := range evergreen {
		if idx := search.IndexOf(f); idx >= 0 {
			classes = append(classes, idx)
		}
	}
	tracker := rnti.NewTracker(rnti.Config{
		Threshold:        cfg.Tracker.Threshold,
		Window:           cfg.Tracker.Window,
		Lifetime:         cfg.Tracker.Lifetime,
		EvergreenClasses: classes,
		Forbidden:        cfg.Tracker.Forbidden,
	})

	coll := dci.NewCollection()
	engine := search.NewEngine(dec, formats, tracker, coll, search.Config{
		MaxRecursionDepth:   *cfg.Search.MaxRecursionDepth,
		DisambiguationDepth: *cfg.Search.DisambiguationDepth,
		ShortcutDiscovery:   *cfg.Search.ShortcutDiscovery,
		Trace:               cfg.Search.Trace,
	})

	s := &session{
		cfg:     cfg,
		tracker: tracker,
		formats: formats,
		coll:    coll,
		engine:  engine,
		counts:  stats.NewTracker(),

		phyErrors:   ratelimit.NewCounter(time.Second),
		mqttErrors:  ratelimit.NewCounter(10 * time.Second),
		recordDrops: ratelimit.NewCounter(10 * time.Second),
	}
	if err := s.openOutputs(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) openOutputs() error {
	cfg := s.cfg
	if cfg.TrackerStore.Enabled {
		store, err := trackerstore.Open(cfg.TrackerStore.Path, trackerstore.Options{})
		if err != nil {
			return err
		}
		s.store = store
		set, savedAt, err := store.Load()
		if err != nil {
			return err
		}
		if n := s.tracker.Restore(set); n > 0 {
			log.Printf("Tracker: restored %d active pairs saved %s", n, savedAt.Format(time.RFC3339))
		}
	}
	if cfg.Recorder.Enabled {
		w, err := recorder.NewWriter(cfg.Recorder)
		if err != nil {
			return err
		}
		w.Start()
		s.recorder = w
		log.Printf("Recorder: writing DCIs to %s (session %s)", cfg.Recorder.DBPath, w.Session())
	}
	if cfg.MQTT.Enabled {
		p, err := publish.NewPublisher(cfg.MQTT)
		if err != nil {
			return err
		}
		s.publisher = p
	}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
	}
	return nil
}

// Purpose: Search one subframe and fan its results out.
// Key aspects: PHY failures are counted and logged, never fatal; the
// collection is reset before every subframe.
// Upstream: replay loop.
// Downstream: search.Engine.Search, stats, recorder, publisher, metrics.
func (s *session) step(sfn, sfIdx uint32) error {
	s.coll.Reset()
	n, err := s.engine.Search(sfn, sfIdx)
	if err != nil {
		s.counts.IncrementFailed()
		if errors.Is(err, search.ErrEstimate) || errors.Is(err, search.ErrExtract) || errors.Is(err, search.ErrLocations) {
			if total, pending, ok := s.phyErrors.Inc(); ok {
				log.Printf("Search: %v (%d failed subframes, %d since last report)", err, total, pending)
			}
			return nil
		}
		return err
	}

	entries := s.coll.Entries()
	for _, e := range entries {
		s.counts.IncrementFormat(e.Format.String())
		if e.Uplink {
			s.counts.IncrementDirection("UL")
		} else {
			s.counts.IncrementDirection("DL")
		}
		s.counts.IncrementClass(phy.ClassName(e.RNTI))
	}
	s.counts.ObserveSubframe(s.coll.HasCollisionDL(), s.coll.HasCollisionUL())
	if s.traceLine != nil {
		s.traceLine(describeSubframe(sfn, sfIdx, entries), time.Now().UTC())
	}

	s.recorder.Enqueue(entries)
	if dropped := s.recorder.Dropped(); dropped > s.lastDropped {
		s.lastDropped = dropped
		if _, _, ok := s.recordDrops.Inc(); ok {
			log.Printf("Recorder: queue full, %d entries dropped so far", dropped)
		}
	}
	if err := s.publisher.Publish(s.coll); err != nil {
		if total, pending, ok := s.mqttErrors.Inc(); ok {
			log.Printf("MQTT: %v (%d failures, %d since last report)", err, total, pending)
		}
	}
	s.metrics.ObserveSubframe(n)
	s.metrics.Update(s.engine.Stats(), s.formats, s.tracker.ActiveCount())

	s.searched++
	if every := s.cfg.Search.RebalanceEvery; every > 0 && s.searched%every == 0 {
		if s.formats.Rebalance(s.cfg.Search.RebalanceMinShare) {
			log.Printf("Search: primary formats now %s", formatNames(s.formats.Primary()))
		}
	}
	return nil
}

func describeSubframe(sfn, sfIdx uint32, entries []dci.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sfn %d.%d:", sfn, sfIdx)
	if len(entries) == 0 {
		b.WriteString(" (none)")
	}
	for _, e := range entries {
		fmt.Fprintf(&b, " 0x%04x/%s@L%d:%d", e.RNTI, e.Format, e.L, e.NCCE)
	}
	return b.String()
}

func formatNames(list []*search.MetaFormat) string {
	names := make([]string, 0, len(list))
	for _, mf := range list {
		names = append(names, mf.Format.String())
	}
	return strings.Join(names, ",")
}

// summaryLines reports the session counters for the console.
func (s *session) summaryLines() []string {
	st := s.engine.Stats()
	lines := s.counts.SnapshotLines()
	lines = append(lines,
		fmt.Sprintf("Search: %d decodes (%d errors), %d shortcuts, %d disambiguations, %d ties, %d unresolved",
			st.Decodes, st.DecodeErrors, st.Shortcuts, st.Disambiguations, st.Ties, st.Impossible),
		fmt.Sprintf("Search: %d CCEs missed by primary formats, %d missed overall", st.MissedPrimary, st.Missed),
		fmt.Sprintf("Tracker: %d active pairs at epoch %d", s.tracker.ActiveCount(), s.tracker.Epoch()),
	)
	if s.recorder != nil {
		lines = append(lines, fmt.Sprintf("Recorder: %d written, %d dropped", s.recorder.Written(), s.recorder.Dropped()))
	}
	if s.publisher != nil {
		lines = append(lines, fmt.Sprintf("MQTT: %d published, %d failed", s.publisher.Published(), s.publisher.Failed()))
	}
	return lines
}

// close flushes outputs and saves the tracker's active set.
func (s *session) close() error {
	var firstErr error
	if s.store != nil {
		if err := s.store.Save(s.tracker.ActiveSet(), time.Now()); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.store = nil
	}
	if err := s.recorder.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.publisher.Close()
	return firstErr
}
