package depth

import (
	"math"
	"testing"
)

func TestKalmanConvergesToConstant(t *testing.T) {
	k := NewKalmanFilter(DefaultKalmanConfig())
	const target = 2.5

	var estimate float64
	for i := 0; i < 50; i++ {
		estimate = k.Update(target, 0.033)
	}
	if math.Abs(estimate-target) > 0.01 {
		t.Errorf("estimate %v did not converge to %v", estimate, target)
	}
}

func TestKalmanConfidenceNonDecreasingOnConstant(t *testing.T) {
	k := NewKalmanFilter(DefaultKalmanConfig())
	prev := -1.0
	for i := 0; i < 30; i++ {
		k.Update(1.8, 0.033)
		conf := k.Confidence()
		if conf < prev {
			t.Fatalf("confidence dropped from %v to %v on update %d", prev, conf, i)
		}
		if conf < 0 || conf > 1 {
			t.Fatalf("confidence %v outside [0, 1]", conf)
		}
		prev = conf
	}
	if prev < 0.5 {
		t.Errorf("confidence %v still low after steady measurements", prev)
	}
}

func TestKalmanFirstUpdateInitializes(t *testing.T) {
	k := NewKalmanFilter(DefaultKalmanConfig())
	if k.Confidence() != 0 {
		t.Error("uninitialized filter should report zero confidence")
	}
	if got := k.Update(3.3, 0.033); got != 3.3 {
		t.Errorf("first update returned %v, want the measurement itself", got)
	}
}

func TestKalmanTracksJump(t *testing.T) {
	k := NewKalmanFilter(DefaultKalmanConfig())
	for i := 0; i < 20; i++ {
		k.Update(1.0, 0.033)
	}
	// A subject step; adaptive Q must let the filter re-converge quickly.
	var estimate float64
	for i := 0; i < 25; i++ {
		estimate = k.Update(3.0, 0.033)
	}
	if math.Abs(estimate-3.0) > 0.1 {
		t.Errorf("estimate %v did not re-converge after jump", estimate)
	}
}

func TestKalmanDTClamp(t *testing.T) {
	k := NewKalmanFilter(DefaultKalmanConfig())
	k.Update(1.0, 0.033)
	// A multi-second stall must not blow up the covariance.
	k.Update(1.0, 30.0)
	if c := k.Confidence(); c < 0.1 {
		t.Errorf("confidence %v collapsed after stalled update", c)
	}
	// Zero and negative dt must not wedge the filter either.
	got := k.Update(1.0, 0)
	if math.IsNaN(got) {
		t.Error("zero dt produced NaN")
	}
	got = k.Update(1.0, -5)
	if math.IsNaN(got) {
		t.Error("negative dt produced NaN")
	}
}

func TestKalmanReset(t *testing.T) {
	k := NewKalmanFilter(DefaultKalmanConfig())
	for i := 0; i < 10; i++ {
		k.Update(2.0, 0.033)
	}
	k.Reset()
	if k.Confidence() != 0 {
		t.Error("reset filter should report zero confidence")
	}
	if got := k.Update(0.7, 0.033); got != 0.7 {
		t.Errorf("first update after reset returned %v, want 0.7", got)
	}
}
