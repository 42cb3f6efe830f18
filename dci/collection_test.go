package dci

import (
	"testing"
	"time"

	"github.com/gebegb3j/falcon/phy"
)

func grant(rnti uint16, f phy.Format, start, n uint32) Candidate {
	return Candidate{
		RNTI:  rnti,
		Match: phy.MatchExact,
		Message: phy.Message{
			Format:     f,
			Payload:    []byte{byte(start), byte(n)},
			NBits:      27,
			Allocation: phy.AllocationRange(start, n),
		},
	}
}

func TestCollectionMetadata(t *testing.T) {
	c := NewCollection()
	ts := time.Unix(1700000000, 0)
	c.SetTimestamp(ts)
	c.SetSubframe(512, 3, 2)
	c.Add(grant(0x1000, phy.Format1A, 0, 4), Location{L: 2, NCCE: 8}, 7)

	entries := c.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if !e.Timestamp.Equal(ts) || e.SFN != 512 || e.SubframeIndex != 3 || e.CFI != 2 {
		t.Fatalf("unexpected metadata: %+v", e)
	}
	if e.NCCE != 8 || e.L != 2 || e.Frequency != 7 || e.Uplink {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Fingerprint == 0 {
		t.Fatalf("expected fingerprint")
	}
}

func TestCollisionPerDirection(t *testing.T) {
	c := NewCollection()
	c.Add(grant(0x1000, phy.Format1, 0, 10), Location{L: 0, NCCE: 0}, 6)
	c.Add(grant(0x1001, phy.Format0, 5, 10), Location{L: 0, NCCE: 1}, 6)
	if c.HasCollisionDL() || c.HasCollisionUL() {
		t.Fatalf("downlink and uplink grants must not collide with each other")
	}
	c.Add(grant(0x1002, phy.Format2A, 10, 5), Location{L: 0, NCCE: 2}, 6)
	if c.HasCollisionDL() {
		t.Fatalf("disjoint downlink grants must not collide")
	}
	c.Add(grant(0x1003, phy.Format1A, 12, 2), Location{L: 0, NCCE: 3}, 6)
	if !c.HasCollisionDL() {
		t.Fatalf("expected downlink collision")
	}
	if c.HasCollisionUL() {
		t.Fatalf("unexpected uplink collision")
	}
	c.Add(grant(0x1004, phy.Format0, 14, 1), Location{L: 0, NCCE: 4}, 6)
	if !c.HasCollisionUL() {
		t.Fatalf("expected uplink collision")
	}
	if len(c.Downlink()) != 3 || len(c.Uplink()) != 2 {
		t.Fatalf("unexpected direction split")
	}
}

func TestCollectionRejectsIllegalAndResets(t *testing.T) {
	c := NewCollection()
	c.Add(grant(phy.IllegalRNTI, phy.Format1, 0, 1), Location{}, 1)
	if c.Len() != 0 {
		t.Fatalf("illegal RNTI must never be collected")
	}
	c.SetSubframe(1, 1, 1)
	c.Add(grant(0x2000, phy.Format1, 0, 4), Location{}, 1)
	c.Add(grant(0x2001, phy.Format1, 0, 4), Location{}, 1)
	c.Reset()
	if c.Len() != 0 || c.HasCollisionDL() {
		t.Fatalf("expected empty collection after reset")
	}
	if _, sfn, _, _ := c.Subframe(); sfn != 0 {
		t.Fatalf("expected metadata reset")
	}
}

func TestFingerprintStable(t *testing.T) {
	a := fingerprint(0x1234, phy.Format1, []byte{1, 2, 3})
	b := fingerprint(0x1234, phy.Format1, []byte{1, 2, 3})
	if a != b {
		t.Fatalf("expected stable fingerprint")
	}
	if a == fingerprint(0x1235, phy.Format1, []byte{1, 2, 3}) {
		t.Fatalf("expected RNTI to change fingerprint")
	}
}
