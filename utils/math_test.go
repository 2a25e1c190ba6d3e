package utils

import (
	"math"
	"testing"
)

func TestClamp(t *testing.T) {
	cases := []struct {
		value, min, max, want float64
	}{
		{0.5, 0, 1, 0.5},
		{-0.2, 0, 1, 0},
		{1.7, 0, 1, 1},
		{0, 0, 1, 0},
		{1, 0, 1, 1},
	}
	for _, c := range cases {
		if got := Clamp(c.value, c.min, c.max); got != c.want {
			t.Errorf("Clamp(%v, %v, %v) = %v, want %v", c.value, c.min, c.max, got, c.want)
		}
	}
}

func TestClampInt(t *testing.T) {
	if got := ClampInt(5000, 0, 4095); got != 4095 {
		t.Errorf("ClampInt(5000, 0, 4095) = %d, want 4095", got)
	}
	if got := ClampInt(-3, 0, 4095); got != 0 {
		t.Errorf("ClampInt(-3, 0, 4095) = %d, want 0", got)
	}
	if got := ClampInt(2048, 0, 4095); got != 2048 {
		t.Errorf("ClampInt(2048, 0, 4095) = %d, want 2048", got)
	}
}

func TestIsFinite(t *testing.T) {
	if IsFinite(math.NaN()) {
		t.Error("NaN should not be finite")
	}
	if IsFinite(math.Inf(1)) || IsFinite(math.Inf(-1)) {
		t.Error("infinities should not be finite")
	}
	if !IsFinite(0) || !IsFinite(-12.5) {
		t.Error("ordinary values should be finite")
	}
}

func TestLerp(t *testing.T) {
	if got := Lerp(1024, 2048, 0.5); got != 1536 {
		t.Errorf("Lerp(1024, 2048, 0.5) = %v, want 1536", got)
	}
	if got := Lerp(3, 3, 0.9); got != 3 {
		t.Errorf("Lerp(3, 3, 0.9) = %v, want 3", got)
	}
}
