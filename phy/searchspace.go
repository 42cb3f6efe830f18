package phy

// Search-space hashing of 36.213 section 9.1.1.
const (
	hashA         = 39827
	hashD         = 65537
	commonSpanCCE = 16
)

var (
	ueCandidates     = [MaxAggregation]uint32{6, 6, 2, 2}
	commonCandidates = [MaxAggregation]uint32{0, 0, 4, 2}
)

// hashY returns Y_k for the UE-specific search space of rnti in subframe sfIdx.
func hashY(rnti uint16, sfIdx uint32) uint64 {
	y := uint64(rnti)
	for k := uint32(0); k <= sfIdx%10; k++ {
		y = (hashA * y) % hashD
	}
	return y
}

// InUESpace reports whether (ncce, L) is one of rnti's UE-specific candidates.
func InUESpace(nCCE, ncce, L, sfIdx uint32, rnti uint16) bool {
	if L >= MaxAggregation {
		return false
	}
	span := uint32(1) << L
	slots := nCCE / span
	if slots == 0 {
		return false
	}
	y := hashY(rnti, sfIdx)
	for m := uint32(0); m < ueCandidates[L]; m++ {
		if span*uint32((y+uint64(m))%uint64(slots)) == ncce {
			return true
		}
	}
	return false
}

// InCommonSpace reports whether (ncce, L) belongs to the common search space.
func InCommonSpace(nCCE, ncce, L uint32) bool {
	if L >= MaxAggregation || commonCandidates[L] == 0 {
		return false
	}
	span := uint32(1) << L
	region := nCCE
	if region > commonSpanCCE {
		region = commonSpanCCE
	}
	slots := region / span
	if slots == 0 {
		return false
	}
	for m := uint32(0); m < commonCandidates[L] && m < slots; m++ {
		if span*(m%slots) == ncce {
			return true
		}
	}
	return false
}

// Legal reports whether rnti may be addressed at (ncce, L).
func Legal(nCCE, ncce, L, sfIdx uint32, rnti uint16) bool {
	return InCommonSpace(nCCE, ncce, L) || InUESpace(nCCE, ncce, L, sfIdx, rnti)
}

// ValidateLocation classifies (ncce, L) for rnti. A legal position whose left
// half at L-1 is legal as well is ambiguous: a narrower DCI for the same RNTI
// decodes successfully over the wider span too.
func ValidateLocation(nCCE, ncce, L, sfIdx uint32, rnti uint16) MatchResult {
	if !Legal(nCCE, ncce, L, sfIdx, rnti) {
		return MatchInvalid
	}
	if L > 0 && Legal(nCCE, ncce, L-1, sfIdx, rnti) {
		return MatchAmbiguous
	}
	return MatchExact
}
