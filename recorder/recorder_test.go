package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gebegb3j/falcon/config"
	"github.com/gebegb3j/falcon/dci"
	"github.com/gebegb3j/falcon/phy"
)

func testConfig(t *testing.T) config.RecorderConfig {
	t.Helper()
	return config.RecorderConfig{
		Enabled:         true,
		DBPath:          filepath.Join(t.TempDir(), "records", "dci.db"),
		QueueSize:       4,
		BatchSize:       2,
		BatchIntervalMS: 20,
		BusyTimeoutMS:   1000,
	}
}

func TestWriterRoundTrip(t *testing.T) {
	w, err := NewWriter(testConfig(t))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if w.Session() == "" {
		t.Fatalf("expected session id")
	}
	w.Start()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 5000, time.UTC)
	entries := []dci.Entry{
		{Timestamp: ts, SFN: 10, SubframeIndex: 3, CFI: 2, RNTI: phy.SIRNTI, Format: phy.Format1A, NCCE: 0, L: 2, Allocation: phy.AllocationRange(100, 8), NBits: 27, Payload: []byte{1, 2, 3}, Fingerprint: 1 << 63},
		{Timestamp: ts, SFN: 10, SubframeIndex: 3, CFI: 2, RNTI: 0x1234, Format: phy.Format0, Uplink: true, NCCE: 8, L: 1, Frequency: 6},
		{Timestamp: ts, SFN: 10, SubframeIndex: 4, CFI: 1, RNTI: 0x4321, Format: phy.Format2A, NCCE: 4, L: 0},
	}
	w.Enqueue(entries)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if w.Written() != 3 || w.Dropped() != 0 {
		t.Fatalf("expected 3 written and 0 dropped, got %d/%d", w.Written(), w.Dropped())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRecentReadsBack(t *testing.T) {
	cfg := testConfig(t)
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := dci.Entry{Timestamp: ts, SFN: 7, SubframeIndex: 9, CFI: 3, RNTI: 0xFFF0, Format: phy.Format1C, NCCE: 8, L: 3, Frequency: 12, Allocation: phy.AllocationRange(100, 10), NBits: 15, Payload: []byte{0xAA}, Fingerprint: 0xFEEDFACECAFEBEEF}
	w.flush([]dci.Entry{e, {Timestamp: ts, SFN: 8, RNTI: 0x1000, Format: phy.Format1}})

	got, err := w.Recent(5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].SFN != 8 {
		t.Fatalf("expected newest first, got sfn %d", got[0].SFN)
	}
	r := got[1]
	if r.RNTI != 0xFFF0 || r.Format != phy.Format1C || r.L != 3 || r.Frequency != 12 || r.CFI != 3 {
		t.Fatalf("unexpected row %+v", r)
	}
	if r.Allocation != e.Allocation || r.Fingerprint != e.Fingerprint || !r.Timestamp.Equal(ts) {
		t.Fatalf("expected allocation, fingerprint and time to survive storage")
	}
	if len(r.Payload) != 1 || r.Payload[0] != 0xAA {
		t.Fatalf("unexpected payload %v", r.Payload)
	}
	if rows, _ := w.Recent(0); len(rows) != 0 {
		t.Fatalf("expected empty result for zero limit")
	}
	w.Close()
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w, err := NewWriter(testConfig(t))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	batch := make([]dci.Entry, 6)
	for i := range batch {
		batch[i] = dci.Entry{RNTI: uint16(0x100 + i), Format: phy.Format1}
	}
	w.Enqueue(batch)
	if w.Dropped() != 2 {
		t.Fatalf("expected 2 drops on a queue of 4, got %d", w.Dropped())
	}
	w.Start()
	w.Close()
	if w.Written() != 4 {
		t.Fatalf("expected queued entries flushed on close, got %d", w.Written())
	}

	var nilWriter *Writer
	nilWriter.Enqueue(batch)
	if nilWriter.Close() != nil || nilWriter.Dropped() != 0 {
		t.Fatalf("nil writer must be a no-op")
	}
}
