package phy

import "testing"

func TestPowerGate(t *testing.T) {
	m := EnumerateAll(8)
	power := []float32{1, 1, 1, 1, 1, 1, 9, 9}
	gate := DefaultPowerGate()
	gate.Mark(m, power)
	if m.At(0, 0).SufficientPower {
		t.Fatalf("noise CCE must not pass the gate")
	}
	if !m.At(6, 1).SufficientPower {
		t.Fatalf("loaded L1 location must pass the gate")
	}
	if m.At(0, 2).SufficientPower {
		t.Fatalf("L2 over noise CCEs must not pass the gate")
	}
	if !m.At(0, 3).SufficientPower {
		t.Fatalf("L3 average of 3.0 is above the 2.0 threshold")
	}
	gate.NoiseFloor = 5
	gate.Mark(m, power)
	if m.At(6, 1).SufficientPower {
		t.Fatalf("explicit noise floor must override the quantile")
	}
}
