package phy

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// PowerGate decides which locations carry enough energy to be worth decoding.
// The noise floor is taken as a low quantile of the per-CCE power, so empty
// CCEs set the reference without needing a separate noise measurement.
type PowerGate struct {
	FloorQuantile float64 // 0..1, quantile of per-CCE power used as noise floor
	NoiseFloor    float64 // measured floor; overrides the quantile when > 0
	Factor        float64 // linear factor above the floor a location must reach
	MinPower      float64 // absolute lower bound, applied on top of the floor
}

// DefaultPowerGate matches a 3 dB margin over the lower quartile.
func DefaultPowerGate() PowerGate {
	return PowerGate{FloorQuantile: 0.25, Factor: 2.0}
}

// Threshold returns the power a location has to reach.
func (g PowerGate) Threshold(ccePower []float32) float64 {
	factor := g.Factor
	if factor <= 0 {
		factor = 1
	}
	if g.NoiseFloor > 0 {
		return max(g.NoiseFloor*factor, g.MinPower)
	}
	if len(ccePower) == 0 {
		return g.MinPower
	}
	q := g.FloorQuantile
	if q <= 0 || q > 1 {
		q = 0.25
	}
	sorted := make([]float64, len(ccePower))
	for i, p := range ccePower {
		sorted[i] = float64(p)
	}
	sort.Float64s(sorted)
	floor := stat.Quantile(q, stat.Empirical, sorted, nil)
	threshold := floor * factor
	if threshold < g.MinPower {
		threshold = g.MinPower
	}
	return threshold
}

// Mark sets Power and SufficientPower on every location of m from the per-CCE
// power estimates. A location's power is the mean over its CCEs.
func (g PowerGate) Mark(m *CCEMap, ccePower []float32) {
	if m == nil {
		return
	}
	threshold := g.Threshold(ccePower)
	values := make([]float64, 0, 8)
	for i := 0; i < m.Len(); i++ {
		loc := m.Location(i)
		values = values[:0]
		for c := loc.NCCE; c < loc.NCCE+loc.Span(); c++ {
			if int(c) < len(ccePower) {
				values = append(values, float64(ccePower[c]))
			}
		}
		if len(values) == 0 {
			loc.Power = 0
			loc.SufficientPower = false
			continue
		}
		mean := stat.Mean(values, nil)
		loc.Power = float32(mean)
		loc.SufficientPower = mean >= threshold && mean > 0
	}
}
