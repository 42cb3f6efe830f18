package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gebegb3j/falcon/config"
	"github.com/gebegb3j/falcon/phy"
	"github.com/gebegb3j/falcon/phy/scripted"
	"github.com/gebegb3j/falcon/rnti"
	"github.com/gebegb3j/falcon/search"
	"github.com/gebegb3j/falcon/trackerstore"
)

const sessionTrace = `
seed: 11
start_sfn: 20
subframes:
  - count: 2
    dci:
      - {rnti: 0xFFFF, format: "1A", ncce: 0, l: 2, prb: [0, 6]}
  - fail: extract
  - dci:
      - {rnti: 0xFFFF, format: "1A", ncce: 0, l: 2, prb: [0, 6]}
`

func TestSessionReplaysTrace(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Recorder.Enabled = true
	cfg.Recorder.DBPath = filepath.Join(dir, "records", "dci.db")
	cfg.Recorder.BatchIntervalMS = 10
	cfg.TrackerStore.Enabled = true
	cfg.TrackerStore.Path = filepath.Join(dir, "tracker")
	cfg.Search.RebalanceEvery = 2

	trace, err := scripted.ReadTrace(strings.NewReader(sessionTrace))
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	dec := scripted.NewDecoder(trace)
	sess, err := newSession(cfg, dec)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	var lines []string
	sess.traceLine = func(line string, _ time.Time) {
		lines = append(lines, line)
	}

	for {
		tick, ok := dec.Next()
		if !ok {
			break
		}
		if err := sess.step(tick.SFN, tick.Index); err != nil {
			t.Fatalf("step %v: %v", tick, err)
		}
	}

	if got := sess.counts.Subframes(); got != 3 {
		t.Fatalf("expected 3 searched subframes, got %d", got)
	}
	if got := sess.counts.Failed(); got != 1 {
		t.Fatalf("expected 1 failed subframe, got %d", got)
	}
	if got := sess.counts.GetClassCounts()["SI-RNTI"]; got != 3 {
		t.Fatalf("expected 3 SI messages, got %d", got)
	}
	if len(lines) != 3 || !strings.Contains(lines[0], "0xffff/1A") || !strings.HasPrefix(lines[2], "sfn 20.3:") {
		t.Fatalf("unexpected trace lines %v", lines)
	}
	total := sess.counts.GetTotal()
	rec := sess.recorder

	if err := sess.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if rec.Written() != total {
		t.Fatalf("expected %d recorded rows, got %d", total, rec.Written())
	}

	store, err := trackerstore.Open(cfg.TrackerStore.Path, trackerstore.Options{})
	if err != nil {
		t.Fatalf("reopen tracker store: %v", err)
	}
	defer store.Close()
	set, savedAt, err := store.Load()
	if err != nil || savedAt.IsZero() {
		t.Fatalf("expected saved active set, got %v (%v)", savedAt, err)
	}
	found := false
	for _, e := range set {
		if e.RNTI == phy.SIRNTI && e.Class == search.IndexOf(phy.Format1A) {
			found = e.Reason == rnti.ReasonEvergreen
		}
	}
	if !found {
		t.Fatalf("expected SI-RNTI under 1A in the saved set, got %+v", set)
	}
}

func TestSessionRejectsBadFormats(t *testing.T) {
	cfg := config.Default()
	cfg.Search.PrimaryFormats = []string{"1A", "1A"}
	if _, err := newSession(cfg, nil); err == nil {
		t.Fatalf("expected duplicate formats to be rejected")
	}
}

func TestDescribeSubframe(t *testing.T) {
	if got := describeSubframe(7, 1, nil); got != "sfn 7.1: (none)" {
		t.Fatalf("unexpected empty description %q", got)
	}
	if got := formatNames(search.DefaultMetaFormats().Secondary()); got != "1B,1C,2" {
		t.Fatalf("unexpected format list %q", got)
	}
}
