// Package metrics exposes search and tracker counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gebegb3j/falcon/search"
)

// Metrics holds the collectors of one session on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	events        *prometheus.CounterVec // search.Stats fields, label "event"
	formatHits    *prometheus.CounterVec // accepted messages, label "format"
	formatPrimary *prometheus.GaugeVec   // 1 when the format is searched in the primary pass
	activeRNTIs   prometheus.Gauge
	perSubframe   prometheus.Histogram // accepted DCIs per subframe

	mu        sync.Mutex
	lastStats search.Stats
	lastHits  map[string]uint64
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "falcon_search_events_total",
				Help: "Blind search events by kind",
			},
			[]string{"event"},
		),
		formatHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "falcon_format_hits_total",
				Help: "Accepted DCIs by format",
			},
			[]string{"format"},
		),
		formatPrimary: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "falcon_format_primary",
				Help: "1 when the format is tried in the primary pass, 0 when secondary",
			},
			[]string{"format"},
		),
		activeRNTIs: f.NewGauge(prometheus.GaugeOpts{
			Name: "falcon_tracker_active_pairs",
			Help: "Active (RNTI, format class) pairs in the tracker",
		}),
		perSubframe: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "falcon_subframe_dci",
			Help:    "Accepted DCIs per searched subframe",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		}),
		lastHits: make(map[string]uint64),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveSubframe records how many DCIs one subframe produced.
func (m *Metrics) ObserveSubframe(accepted int) {
	if m == nil {
		return
	}
	m.perSubframe.Observe(float64(accepted))
}

// Update folds the latest cumulative engine state into the collectors.
func (m *Metrics) Update(st search.Stats, formats *search.MetaFormats, activePairs int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.lastStats
	m.addDelta("subframes", st.Subframes, prev.Subframes)
	m.addDelta("cces", st.CCEs, prev.CCEs)
	m.addDelta("locations", st.Locations, prev.Locations)
	m.addDelta("decodes", st.Decodes, prev.Decodes)
	m.addDelta("decode_errors", st.DecodeErrors, prev.DecodeErrors)
	m.addDelta("missed_primary", st.MissedPrimary, prev.MissedPrimary)
	m.addDelta("missed", st.Missed, prev.Missed)
	m.addDelta("collisions_dl", st.CollisionsDL, prev.CollisionsDL)
	m.addDelta("collisions_ul", st.CollisionsUL, prev.CollisionsUL)
	m.addDelta("accepted", st.Accepted, prev.Accepted)
	m.addDelta("shortcuts", st.Shortcuts, prev.Shortcuts)
	m.addDelta("disambiguations", st.Disambiguations, prev.Disambiguations)
	m.addDelta("ties", st.Ties, prev.Ties)
	m.addDelta("impossible", st.Impossible, prev.Impossible)
	m.lastStats = st

	if formats != nil {
		for _, mf := range formats.Primary() {
			m.updateFormat(mf, 1)
		}
		for _, mf := range formats.Secondary() {
			m.updateFormat(mf, 0)
		}
	}
	m.activeRNTIs.Set(float64(activePairs))
}

func (m *Metrics) updateFormat(mf *search.MetaFormat, primary float64) {
	name := mf.Format.String()
	hits := mf.Hits()
	if hits > m.lastHits[name] {
		m.formatHits.WithLabelValues(name).Add(float64(hits - m.lastHits[name]))
	}
	m.lastHits[name] = hits
	m.formatPrimary.WithLabelValues(name).Set(primary)
}

func (m *Metrics) addDelta(event string, now, before uint64) {
	if now > before {
		m.events.WithLabelValues(event).Add(float64(now - before))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve runs the /metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Printf("metrics: serving on %s/metrics", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
