package phy

import "testing"

func TestCommonSpace(t *testing.T) {
	if !InCommonSpace(32, 0, 2) || !InCommonSpace(32, 12, 2) {
		t.Fatalf("expected L2 candidates 0..12 in common space")
	}
	if InCommonSpace(32, 16, 2) {
		t.Fatalf("common space is limited to the first 16 CCEs")
	}
	if !InCommonSpace(32, 8, 3) {
		t.Fatalf("expected L3 candidate at 8 in common space")
	}
	if InCommonSpace(32, 0, 0) || InCommonSpace(32, 0, 1) {
		t.Fatalf("common space has no L0/L1 candidates")
	}
}

func TestUESpaceCandidateCount(t *testing.T) {
	const nCCE = 84
	for L := uint32(0); L < MaxAggregation; L++ {
		span := uint32(1) << L
		found := 0
		for ncce := uint32(0); ncce+span <= nCCE; ncce += span {
			if InUESpace(nCCE, ncce, L, 3, 0x1234) {
				found++
			}
		}
		if found == 0 || uint32(found) > ueCandidates[L] {
			t.Fatalf("L%d: expected 1..%d candidates, got %d", L, ueCandidates[L], found)
		}
	}
}

func TestUESpaceDependsOnSubframe(t *testing.T) {
	const nCCE = 84
	differs := false
	for ncce := uint32(0); ncce < nCCE; ncce++ {
		if InUESpace(nCCE, ncce, 0, 0, 0x4567) != InUESpace(nCCE, ncce, 0, 1, 0x4567) {
			differs = true
			break
		}
	}
	if !differs {
		t.Fatalf("expected hashing to move the search space between subframes")
	}
}

func TestValidateLocationAmbiguity(t *testing.T) {
	// L3 at 0 and L2 at 0 are both common-space candidates.
	if got := ValidateLocation(32, 0, 3, 0, 0xFFFF); got != MatchAmbiguous {
		t.Fatalf("expected ambiguous, got %s", got)
	}
	// L2 at 0 with no legal L1 at 0 for this RNTI is an exact match.
	rnti := uint16(0)
	for r := uint16(100); r < 2000; r++ {
		if !InUESpace(32, 0, 1, 0, r) {
			rnti = r
			break
		}
	}
	if got := ValidateLocation(32, 0, 2, 0, rnti); got != MatchExact {
		t.Fatalf("expected exact match, got %s", got)
	}
	if !InUESpace(32, 20, 2, 0, rnti) {
		if got := ValidateLocation(32, 20, 2, 0, rnti); got != MatchInvalid {
			t.Fatalf("expected invalid outside both spaces, got %s", got)
		}
	}
}
