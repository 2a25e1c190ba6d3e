package focus

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"focuspuller/calibration"
	"focuspuller/trackers"
)

type fakeMotor struct {
	mu        sync.Mutex
	positions []int
	err       error
}

func (f *fakeMotor) MoveTo(ctx context.Context, position int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.positions = append(f.positions, position)
	return nil
}

func (f *fakeMotor) moves() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.positions))
	copy(out, f.positions)
	return out
}

func (f *fakeMotor) lastMove() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.positions) == 0 {
		return 0, false
	}
	return f.positions[len(f.positions)-1], true
}

func standardMapping(t *testing.T) *calibration.Mapping {
	t.Helper()
	m := calibration.NewMapping("bench")
	for _, p := range []calibration.Point{
		{Depth: 0.2, MotorPosition: 0, Confidence: 1},
		{Depth: 0.5, MotorPosition: 1024, Confidence: 1},
		{Depth: 1.0, MotorPosition: 2048, Confidence: 1},
		{Depth: 2.0, MotorPosition: 3072, Confidence: 1},
		{Depth: 5.0, MotorPosition: 4095, Confidence: 1},
	} {
		if err := m.AddPoint(p); err != nil {
			t.Fatalf("add point: %v", err)
		}
	}
	return m
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DebounceInterval = time.Millisecond
	cfg.SettleDelay = 5 * time.Millisecond
	cfg.HoldDelay = 5 * time.Millisecond
	return cfg
}

func newReadyController(t *testing.T, motor *fakeMotor) *Controller {
	t.Helper()
	c := NewController(logging.NewTestLogger(t), testConfig(), motor)
	t.Cleanup(func() { c.Close() })
	c.SetDeviceReady(true, true)
	if err := c.SetMapping(standardMapping(t)); err != nil {
		t.Fatalf("set mapping: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForEvent(t *testing.T, c *Controller, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestManualModeIgnoresSamples(t *testing.T) {
	motor := &fakeMotor{}
	c := newReadyController(t, motor)
	c.SetEnabled(true)

	for i := 0; i < 5; i++ {
		c.OnDepthSample(1.0, 0.9)
		time.Sleep(2 * time.Millisecond)
	}
	if n := len(motor.moves()); n != 0 {
		t.Fatalf("manual mode commanded %d motor moves", n)
	}
	if c.State().ActivelyFocusing {
		t.Fatal("manual mode should never be actively focusing")
	}
}

func TestContinuousFocusAppliesMappedPosition(t *testing.T) {
	motor := &fakeMotor{}
	c := newReadyController(t, motor)
	c.SetMode(ModeContinuousAuto)
	c.SetEnabled(true)

	waitFor(t, "activity start", func() bool { return c.State().ActivelyFocusing })
	c.OnDepthSample(1.0, 0.9)

	waitFor(t, "motor move", func() bool { return len(motor.moves()) > 0 })
	if pos, _ := motor.lastMove(); pos != 2048 {
		t.Fatalf("got motor position %d, want 2048", pos)
	}
	st := c.State()
	if !st.HasTarget || st.TargetMotorPosition != 2048 {
		t.Fatalf("state target = %d (hasTarget=%t), want 2048", st.TargetMotorPosition, st.HasTarget)
	}
	if st.CurrentDepth != 1.0 {
		t.Fatalf("state depth = %v, want 1.0", st.CurrentDepth)
	}
	if st.Stats.Operations != 1 {
		t.Fatalf("operations = %d, want 1", st.Stats.Operations)
	}
}

func TestContinuousFocusSmoothsTowardNewTarget(t *testing.T) {
	motor := &fakeMotor{}
	c := newReadyController(t, motor)
	c.SetMode(ModeContinuousAuto)
	c.SetEnabled(true)
	waitFor(t, "activity start", func() bool { return c.State().ActivelyFocusing })

	c.OnDepthSample(1.0, 0.9)
	waitFor(t, "first move", func() bool { return len(motor.moves()) == 1 })

	time.Sleep(3 * time.Millisecond) // past debounce
	c.OnDepthSample(5.0, 0.9)
	waitFor(t, "second move", func() bool { return len(motor.moves()) == 2 })

	// 0.2*4095 + 0.8*2048 = 2457.4
	if pos, _ := motor.lastMove(); pos != 2457 {
		t.Fatalf("smoothed position = %d, want 2457", pos)
	}
}

func TestContinuousFocusWithoutSmoothing(t *testing.T) {
	motor := &fakeMotor{}
	cfg := testConfig()
	cfg.DisableSmoothing = true
	c := NewController(logging.NewTestLogger(t), cfg, motor)
	defer c.Close()
	c.SetDeviceReady(true, true)
	if err := c.SetMapping(standardMapping(t)); err != nil {
		t.Fatalf("set mapping: %v", err)
	}
	c.SetMode(ModeContinuousAuto)
	c.SetEnabled(true)
	waitFor(t, "activity start", func() bool { return c.State().ActivelyFocusing })

	c.OnDepthSample(1.0, 0.9)
	waitFor(t, "first move", func() bool { return len(motor.moves()) == 1 })
	time.Sleep(3 * time.Millisecond)
	c.OnDepthSample(5.0, 0.9)
	waitFor(t, "second move", func() bool { return len(motor.moves()) == 2 })

	if pos, _ := motor.lastMove(); pos != 4095 {
		t.Fatalf("unsmoothed position = %d, want 4095", pos)
	}
}

func TestLowConfidenceSampleSkipped(t *testing.T) {
	motor := &fakeMotor{}
	c := newReadyController(t, motor)
	c.SetMode(ModeContinuousAuto)
	c.SetEnabled(true)
	waitFor(t, "activity start", func() bool { return c.State().ActivelyFocusing })

	c.OnDepthSample(1.0, 0.1)
	time.Sleep(10 * time.Millisecond)
	if n := len(motor.moves()); n != 0 {
		t.Fatalf("low-confidence sample commanded %d moves", n)
	}
	if !c.State().ActivelyFocusing {
		t.Fatal("skipping a sample must not stop the activity")
	}
}

func TestInvalidDepthFailsFocus(t *testing.T) {
	for _, tc := range []struct {
		name  string
		depth float64
	}{
		{"nan", math.NaN()},
		{"zero", 0},
		{"negative", -1},
		{"beyond range", 11},
	} {
		t.Run(tc.name, func(t *testing.T) {
			motor := &fakeMotor{}
			c := newReadyController(t, motor)
			c.SetMode(ModeContinuousAuto)
			c.SetEnabled(true)
			waitFor(t, "activity start", func() bool { return c.State().ActivelyFocusing })

			c.OnDepthSample(tc.depth, 0.9)
			waitFor(t, "error state", func() bool {
				st := c.State()
				return st.Err != nil && st.Err.Kind == ErrorCalculation
			})
			if n := len(motor.moves()); n != 0 {
				t.Fatalf("invalid depth commanded %d moves", n)
			}
		})
	}
}

func TestMotorFailureRecordsError(t *testing.T) {
	motor := &fakeMotor{err: errors.New("serial line down")}
	c := newReadyController(t, motor)
	c.SetMode(ModeContinuousAuto)
	c.SetEnabled(true)
	waitFor(t, "activity start", func() bool { return c.State().ActivelyFocusing })

	c.OnDepthSample(1.0, 0.9)
	waitFor(t, "motor error state", func() bool {
		st := c.State()
		return st.Err != nil && st.Err.Kind == ErrorMotor
	})
	ev := waitForEvent(t, c, EventFocusLost)
	if ev.Reason == "" {
		t.Fatal("focus-lost event should carry a reason")
	}
	waitFor(t, "activity stop", func() bool { return !c.State().ActivelyFocusing })
}

func TestMotorErrorClearsOnReEnable(t *testing.T) {
	motor := &fakeMotor{err: errors.New("serial line down")}
	c := newReadyController(t, motor)
	c.SetMode(ModeContinuousAuto)
	c.SetEnabled(true)
	waitFor(t, "activity start", func() bool { return c.State().ActivelyFocusing })
	c.OnDepthSample(1.0, 0.9)
	waitFor(t, "motor error", func() bool {
		st := c.State()
		return st.Err != nil && st.Err.Kind == ErrorMotor
	})

	c.SetEnabled(false)
	motor.mu.Lock()
	motor.err = nil
	motor.mu.Unlock()
	c.SetEnabled(true)

	if st := c.State(); st.Err != nil {
		t.Fatalf("transient error should clear on re-enable, got %v", st.Err)
	}
	waitFor(t, "activity restart", func() bool { return c.State().ActivelyFocusing })
	c.OnDepthSample(1.0, 0.9)
	waitFor(t, "recovery move", func() bool { return len(motor.moves()) > 0 })
}

func TestTriggerFocusRequirements(t *testing.T) {
	motor := &fakeMotor{}
	logger := logging.NewTestLogger(t)

	t.Run("wrong mode", func(t *testing.T) {
		c := newReadyController(t, motor)
		c.SetEnabled(true)
		if err := c.TriggerFocus(); err == nil {
			t.Fatal("trigger in manual mode should fail")
		}
	})
	t.Run("disabled", func(t *testing.T) {
		c := newReadyController(t, motor)
		c.SetMode(ModeSingleAuto)
		if err := c.TriggerFocus(); err == nil {
			t.Fatal("trigger while disabled should fail")
		}
	})
	t.Run("no mapping", func(t *testing.T) {
		c := NewController(logger, testConfig(), motor)
		defer c.Close()
		c.SetDeviceReady(true, true)
		c.SetMode(ModeSingleAuto)
		c.SetEnabled(true)
		err := c.TriggerFocus()
		if err == nil {
			t.Fatal("trigger without mapping should fail")
		}
		var ferr *Error
		if !errors.As(err, &ferr) || ferr.Kind != ErrorMappingInvalid {
			t.Fatalf("got %v, want mapping-invalid", err)
		}
	})
	t.Run("devices not ready", func(t *testing.T) {
		c := NewController(logger, testConfig(), motor)
		defer c.Close()
		if err := c.SetMapping(standardMapping(t)); err != nil {
			t.Fatalf("set mapping: %v", err)
		}
		c.SetMode(ModeSingleAuto)
		c.SetEnabled(true)
		err := c.TriggerFocus()
		var ferr *Error
		if !errors.As(err, &ferr) || ferr.Kind != ErrorDevicesNotReady {
			t.Fatalf("got %v, want devices-not-ready", err)
		}
		// Readiness clears the standing error.
		c.SetDeviceReady(true, true)
		if st := c.State(); st.Err != nil {
			t.Fatalf("error should clear when devices become ready, got %v", st.Err)
		}
	})
}

func TestSingleShotSequence(t *testing.T) {
	motor := &fakeMotor{}
	c := newReadyController(t, motor)
	c.SetMode(ModeSingleAuto)
	c.SetEnabled(true)

	c.OnDepthSample(2.0, 0.9)
	if err := c.TriggerFocus(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitForEvent(t, c, EventFocusAchieved)
	if pos, ok := motor.lastMove(); !ok || pos != 3072 {
		t.Fatalf("single shot moved to %d, want 3072", pos)
	}
	waitFor(t, "focus settle", func() bool { return !c.State().ActivelyFocusing })
}

func TestSingleShotLowConfidence(t *testing.T) {
	motor := &fakeMotor{}
	c := newReadyController(t, motor)
	c.SetMode(ModeSingleAuto)
	c.SetEnabled(true)

	c.OnDepthSample(2.0, 0.1)
	if err := c.TriggerFocus(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	ev := waitForEvent(t, c, EventFocusLost)
	if ev.Reason == "" {
		t.Fatal("focus-lost event should carry a reason")
	}
	if n := len(motor.moves()); n != 0 {
		t.Fatalf("low-confidence single shot commanded %d moves", n)
	}
}

func TestSingleShotRejectsStaleSample(t *testing.T) {
	motor := &fakeMotor{}
	cfg := testConfig()
	cfg.SampleMaxAge = 20 * time.Millisecond
	c := NewController(logging.NewTestLogger(t), cfg, motor)
	defer c.Close()
	c.SetDeviceReady(true, true)
	if err := c.SetMapping(standardMapping(t)); err != nil {
		t.Fatalf("set mapping: %v", err)
	}
	c.SetMode(ModeSingleAuto)
	c.SetEnabled(true)

	c.OnDepthSample(2.0, 0.9)
	time.Sleep(50 * time.Millisecond)
	if err := c.TriggerFocus(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	ev := waitForEvent(t, c, EventFocusLost)
	if ev.Reason != "depth sample too old" {
		t.Fatalf("reason = %q, want stale-sample rejection", ev.Reason)
	}
	if n := len(motor.moves()); n != 0 {
		t.Fatalf("stale sample commanded %d moves", n)
	}

	// A fresh sample right before the trigger still applies.
	c.OnDepthSample(2.0, 0.9)
	if err := c.TriggerFocus(); err != nil {
		t.Fatalf("re-trigger: %v", err)
	}
	waitForEvent(t, c, EventFocusAchieved)
	if pos, ok := motor.lastMove(); !ok || pos != 3072 {
		t.Fatalf("fresh sample moved to %d, want 3072", pos)
	}
}

func TestSingleShotWithoutSample(t *testing.T) {
	motor := &fakeMotor{}
	c := newReadyController(t, motor)
	c.SetMode(ModeSingleAuto)
	c.SetEnabled(true)

	if err := c.TriggerFocus(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitForEvent(t, c, EventFocusLost)
	if n := len(motor.moves()); n != 0 {
		t.Fatalf("sampleless single shot commanded %d moves", n)
	}
}

func TestSwitchToManualStopsActivity(t *testing.T) {
	motor := &fakeMotor{}
	c := newReadyController(t, motor)
	c.SetMode(ModeContinuousAuto)
	c.SetEnabled(true)
	waitFor(t, "activity start", func() bool { return c.State().ActivelyFocusing })

	c.SetMode(ModeManual)
	st := c.State()
	if st.ActivelyFocusing {
		t.Fatal("switching to manual must clear actively-focusing")
	}
	if st.Mode != ModeManual {
		t.Fatalf("mode = %s, want manual", st.Mode)
	}

	before := len(motor.moves())
	c.OnDepthSample(1.0, 0.9)
	time.Sleep(10 * time.Millisecond)
	if after := len(motor.moves()); after != before {
		t.Fatal("manual mode applied a depth sample")
	}
}

func TestClearMappingStopsActivity(t *testing.T) {
	motor := &fakeMotor{}
	c := newReadyController(t, motor)
	c.SetMode(ModeContinuousAuto)
	c.SetEnabled(true)
	waitFor(t, "activity start", func() bool { return c.State().ActivelyFocusing })

	c.ClearMapping()
	st := c.State()
	if st.HasMapping || st.ActivelyFocusing || st.HasTarget {
		t.Fatalf("clear mapping left state %+v", st)
	}
	waitForEvent(t, c, EventMappingCleared)
}

func TestInvalidMappingRejected(t *testing.T) {
	motor := &fakeMotor{}
	c := NewController(logging.NewTestLogger(t), testConfig(), motor)
	defer c.Close()

	if err := c.SetMapping(calibration.NewMapping("empty")); err == nil {
		t.Fatal("empty mapping should be rejected")
	}
	st := c.State()
	if st.HasMapping {
		t.Fatal("rejected mapping must not install")
	}
	if st.Err == nil || st.Err.Kind != ErrorMappingInvalid {
		t.Fatalf("state error = %v, want mapping-invalid", st.Err)
	}
}

func TestFocusPointClamped(t *testing.T) {
	motor := &fakeMotor{}
	c := newReadyController(t, motor)
	c.SetFocusPoint(r2.Point{X: 1.5, Y: -0.2})
	p := c.State().FocusPoint
	if p.X != 1.0 || p.Y != 0.0 {
		t.Fatalf("focus point = %v, want clamped to (1, 0)", p)
	}
}

func TestSelectedSubject(t *testing.T) {
	motor := &fakeMotor{}
	c := newReadyController(t, motor)

	if _, ok := c.SelectedSubject(); ok {
		t.Fatal("no subjects should yield no selection")
	}
	c.OnSubjects([]trackers.Subject{
		{ID: 3, Priority: 0.9},
		{ID: 7, Priority: 0.4},
	})
	s, ok := c.SelectedSubject()
	if !ok || s.ID != 3 {
		t.Fatalf("auto selection = %d, want highest priority 3", s.ID)
	}

	c.SetFocusSubject(7)
	s, ok = c.SelectedSubject()
	if !ok || s.ID != 7 {
		t.Fatalf("pinned selection = %d, want 7", s.ID)
	}

	// A pinned subject that leaves the frame falls back to auto selection.
	c.OnSubjects([]trackers.Subject{{ID: 3, Priority: 0.9}})
	s, ok = c.SelectedSubject()
	if !ok || s.ID != 3 {
		t.Fatalf("fallback selection = %d, want 3", s.ID)
	}
}

func TestAverageDepthStat(t *testing.T) {
	motor := &fakeMotor{}
	cfg := testConfig()
	cfg.DisableSmoothing = true
	c := NewController(logging.NewTestLogger(t), cfg, motor)
	defer c.Close()
	c.SetDeviceReady(true, true)
	if err := c.SetMapping(standardMapping(t)); err != nil {
		t.Fatalf("set mapping: %v", err)
	}
	c.SetMode(ModeContinuousAuto)
	c.SetEnabled(true)
	waitFor(t, "activity start", func() bool { return c.State().ActivelyFocusing })

	for i, depth := range []float64{1.0, 2.0, 3.0} {
		c.OnDepthSample(depth, 0.9)
		waitFor(t, "move applied", func() bool { return len(motor.moves()) == i+1 })
		time.Sleep(3 * time.Millisecond)
	}
	st := c.State()
	if st.Stats.Operations != 3 {
		t.Fatalf("operations = %d, want 3", st.Stats.Operations)
	}
	if got := st.Stats.AverageDepth; got < 1.99 || got > 2.01 {
		t.Fatalf("average depth = %v, want ~2.0", got)
	}
}
