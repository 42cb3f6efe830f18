package phy

import "testing"

func TestAllocationOverlap(t *testing.T) {
	a := AllocationRange(0, 10)
	b := AllocationRange(10, 5)
	if a.Overlaps(b) {
		t.Fatalf("adjacent ranges must not overlap")
	}
	c := AllocationRange(9, 2)
	if !a.Overlaps(c) {
		t.Fatalf("expected overlap at PRB 9")
	}
	high := AllocationRange(100, 20)
	if high.Count() != 10 {
		t.Fatalf("expected allocation clipped to 110 PRBs, got %d", high.Count())
	}
	if got := a.Union(b).String(); got != "0-14" {
		t.Fatalf("unexpected union %q", got)
	}
}

func TestAllocationString(t *testing.T) {
	var a Allocation
	a.Set(3)
	a.Set(70)
	a.Set(71)
	if got := a.String(); got != "3,70-71" {
		t.Fatalf("unexpected rendering %q", got)
	}
	if !(Allocation{}).Empty() {
		t.Fatalf("zero allocation must be empty")
	}
}
