package search

import (
	"testing"

	"github.com/gebegb3j/falcon/phy"
)

func TestNewMetaFormatsValidates(t *testing.T) {
	if _, err := NewMetaFormats(nil, []phy.Format{phy.Format1}, false); err == nil {
		t.Fatalf("expected error for empty primary set")
	}
	if _, err := NewMetaFormats([]phy.Format{phy.Format1}, []phy.Format{phy.Format1}, false); err == nil {
		t.Fatalf("expected error for duplicate format")
	}
	if _, err := NewMetaFormats([]phy.Format{phy.Format1D}, nil, false); err == nil {
		t.Fatalf("expected error for format outside the blind search set")
	}
	m, err := NewMetaFormats([]phy.Format{phy.Format2A, phy.Format0}, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p := m.Primary(); p[0].GlobalIndex != 6 || p[1].GlobalIndex != 0 {
		t.Fatalf("unexpected global indices %d, %d", p[0].GlobalIndex, p[1].GlobalIndex)
	}
	if !m.SkipSecondary() || len(m.Secondary()) != 0 {
		t.Fatalf("expected empty, skipped secondary set")
	}
}

func TestRebalance(t *testing.T) {
	m := DefaultMetaFormats()
	if m.Rebalance(0.1) {
		t.Fatalf("rebalance without hits must be a no-op")
	}
	byFormat := make(map[phy.Format]*MetaFormat)
	for _, mf := range m.All() {
		byFormat[mf.Format] = mf
	}
	byFormat[phy.Format1C].hits.Add(50)
	byFormat[phy.Format1].hits.Add(30)
	byFormat[phy.Format0].hits.Add(19)
	byFormat[phy.Format2A].hits.Add(1)

	if !m.Rebalance(0.1) {
		t.Fatalf("expected sets to change")
	}
	primary := m.Primary()
	if len(primary) != 3 || primary[0].Format != phy.Format1C || primary[1].Format != phy.Format1 || primary[2].Format != phy.Format0 {
		t.Fatalf("unexpected primary order")
	}
	secondary := m.Secondary()
	if len(secondary) != 4 || secondary[0].Format != phy.Format1A {
		t.Fatalf("unexpected secondary set")
	}
	if m.Rebalance(0.1) {
		t.Fatalf("second rebalance with the same hits must not change anything")
	}
	if m.Rebalance(0.9) {
		t.Fatalf("no format reaches 90%%, sets must stay")
	}
}
