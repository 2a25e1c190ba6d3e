package focus

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"focuspuller/calibration"
	"focuspuller/trackers"
	"focuspuller/utils"
)

// MotorCommander is the transport-layer surface the controller drives. The
// transport owns reconnection and retries; the controller only hands it
// bounded integer positions.
type MotorCommander interface {
	MoveTo(ctx context.Context, position int) error
}

// Config tunes the controller.
type Config struct {
	// DebounceInterval is the minimum spacing between applied samples in
	// continuous and face-tracking modes.
	DebounceInterval time.Duration
	// SettleDelay is how long a single-shot waits before sampling.
	SettleDelay time.Duration
	// HoldDelay is how long a single-shot holds before reporting achieved.
	HoldDelay time.Duration
	// ConfidenceThreshold gates samples in every automatic mode.
	ConfidenceThreshold float64
	// SmoothingFactor is the weight of the new position when blending with
	// the previous target.
	SmoothingFactor float64
	// SampleMaxAge is how old the most recent depth sample may be before a
	// single-shot refuses to use it.
	SampleMaxAge time.Duration
	// DisableSmoothing applies each computed position directly.
	DisableSmoothing bool
	// EventBuffer is the event channel capacity; the oldest event is dropped
	// when a slow reader falls behind.
	EventBuffer int
	// Clock is swappable for tests.
	Clock clock.Clock
}

// DefaultConfig returns the controller tuning (~30Hz debounce).
func DefaultConfig() Config {
	return Config{
		DebounceInterval:    33 * time.Millisecond,
		SettleDelay:         100 * time.Millisecond,
		HoldDelay:           250 * time.Millisecond,
		ConfidenceThreshold: 0.3,
		SmoothingFactor:     0.2,
		SampleMaxAge:        500 * time.Millisecond,
		EventBuffer:         16,
	}
}

type sample struct {
	depth      float64
	confidence float64
	at         time.Time
}

// errCancelled aborts an in-flight apply without recording an error state.
var errCancelled = errors.New("focus operation cancelled")

// Controller is the focus state machine. All state transitions funnel
// through it; FocusState snapshots are replaced atomically so readers never
// see a partial update. At most one automatic focus activity runs at a time.
type Controller struct {
	logger logging.Logger
	cfg    Config
	clock  clock.Clock
	motor  MotorCommander

	// lifecycle guards activity start/stop and mode transitions. Workers
	// never take it, so stopping can safely await them.
	lifecycle sync.Mutex
	// workers is the one active automatic activity, nil when idle.
	workers *goutils.StoppableWorkers

	// stateMu serializes writers of state and mapping.
	stateMu sync.Mutex
	state   atomic.Pointer[State]
	mapping *calibration.Mapping

	samples chan sample
	latest  atomic.Pointer[sample]
	events  chan Event
}

// NewController creates a controller in manual mode, disabled.
func NewController(logger logging.Logger, cfg Config, motor MotorCommander) *Controller {
	def := DefaultConfig()
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = def.DebounceInterval
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.HoldDelay <= 0 {
		cfg.HoldDelay = def.HoldDelay
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.SmoothingFactor <= 0 {
		cfg.SmoothingFactor = def.SmoothingFactor
	}
	if cfg.SampleMaxAge <= 0 {
		cfg.SampleMaxAge = def.SampleMaxAge
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	c := &Controller{
		logger:  logger,
		cfg:     cfg,
		clock:   cfg.Clock,
		motor:   motor,
		samples: make(chan sample, 1),
		events:  make(chan Event, cfg.EventBuffer),
	}
	c.state.Store(&State{Mode: ModeManual})
	return c
}

// State returns the current snapshot.
func (c *Controller) State() State {
	return *c.state.Load()
}

// Events returns the controller's notification stream. Events are dropped,
// oldest first, if the reader falls behind; they are advisory, not a log.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Close stops any running activity.
func (c *Controller) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stopActivityLocked()
	return nil
}

// SetMapping validates and installs a calibration mapping. An invalid
// mapping is recorded as a MappingInvalid error state and rejected.
func (c *Controller) SetMapping(m *calibration.Mapping) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	res := m.Validate()
	if !res.IsValid {
		detail := strings.Join(res.Errors, "; ")
		err := newError(ErrorMappingInvalid, "%s", detail)
		c.mutateState(func(s *State) {
			s.Err = err
		})
		c.emit(Event{Kind: EventError, Error: ErrorMappingInvalid})
		return err
	}
	for _, w := range res.Warnings {
		c.logger.Warnf("mapping %q: %s", m.Name, w)
	}

	c.stateMu.Lock()
	c.mapping = m
	c.stateMu.Unlock()
	c.mutateState(func(s *State) {
		s.HasMapping = true
		s.MappingName = m.Name
		if s.Err != nil && s.Err.Kind == ErrorMappingInvalid {
			s.Err = nil
		}
	})
	c.emit(Event{Kind: EventMappingLoaded, Mapping: m.Name})
	c.startActivityLocked()
	return nil
}

// ClearMapping removes the mapping and stops any automatic activity.
func (c *Controller) ClearMapping() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stopActivityLocked()
	c.stateMu.Lock()
	c.mapping = nil
	c.stateMu.Unlock()
	c.mutateState(func(s *State) {
		s.HasMapping = false
		s.MappingName = ""
		s.HasTarget = false
		s.ActivelyFocusing = false
	})
	c.emit(Event{Kind: EventMappingCleared})
}

// SetMode transitions the state machine. Any in-flight activity is cancelled
// and awaited before the new mode starts; switching to Manual therefore
// always clears ActivelyFocusing.
func (c *Controller) SetMode(mode Mode) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.state.Load().Mode == mode {
		return
	}
	c.stopActivityLocked()
	c.mutateState(func(s *State) {
		s.Mode = mode
		s.ActivelyFocusing = false
		if s.Err != nil && s.Err.transient() {
			s.Err = nil
		}
	})
	c.emit(Event{Kind: EventModeChanged, Mode: mode})
	c.startActivityLocked()
}

// SetEnabled starts or stops the current mode's activity without changing
// the mode itself.
func (c *Controller) SetEnabled(enabled bool) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.state.Load().Enabled == enabled {
		return
	}
	if !enabled {
		c.stopActivityLocked()
	}
	c.mutateState(func(s *State) {
		s.Enabled = enabled
		if !enabled {
			s.ActivelyFocusing = false
		}
		if enabled && s.Err != nil && s.Err.transient() {
			s.Err = nil
		}
	})
	if enabled {
		c.startActivityLocked()
	}
}

// SetDeviceReady records transport readiness. A devices-not-ready error
// clears automatically once both devices report ready, and a pending
// automatic mode starts.
func (c *Controller) SetDeviceReady(motorReady, depthSensorReady bool) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mutateState(func(s *State) {
		s.MotorReady = motorReady
		s.DepthSensorReady = depthSensorReady
		if motorReady && depthSensorReady && s.Err != nil && s.Err.Kind == ErrorDevicesNotReady {
			s.Err = nil
		}
	})
	c.startActivityLocked()
}

// SetFocusPoint selects the normalized spot sampled in continuous mode.
func (c *Controller) SetFocusPoint(p r2.Point) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.mutateStateLocked(func(s *State) {
		s.FocusPoint = r2.Point{
			X: utils.Clamp(p.X, 0, 1),
			Y: utils.Clamp(p.Y, 0, 1),
		}
	})
}

// SetFocusSubject pins face tracking to a subject id; zero returns to
// automatic highest-priority selection.
func (c *Controller) SetFocusSubject(id int) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.mutateStateLocked(func(s *State) {
		s.FocusSubjectID = id
	})
}

// OnSubjects records the latest tracker snapshot.
func (c *Controller) OnSubjects(subjects []trackers.Subject) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.mutateStateLocked(func(s *State) {
		s.Subjects = subjects
	})
}

// SelectedSubject resolves the face-tracking target: the pinned subject if
// it is currently tracked, otherwise the highest-priority subject.
func (c *Controller) SelectedSubject() (trackers.Subject, bool) {
	st := c.state.Load()
	if st.FocusSubjectID != 0 {
		for _, s := range st.Subjects {
			if s.ID == st.FocusSubjectID {
				return s, true
			}
		}
	}
	if len(st.Subjects) > 0 {
		// Tracker output is already priority sorted.
		return st.Subjects[0], true
	}
	return trackers.Subject{}, false
}

// OnDepthSample feeds one filtered depth sample into the controller. Safe to
// call from any goroutine; only the newest pending sample is kept.
func (c *Controller) OnDepthSample(depth, confidence float64) {
	s := sample{depth: depth, confidence: confidence, at: c.clock.Now()}
	c.latest.Store(&s)
	select {
	case c.samples <- s:
	default:
		select {
		case <-c.samples:
		default:
		}
		select {
		case c.samples <- s:
		default:
		}
	}
}

// TriggerFocus starts a single-shot sequence: settle, sample, apply, hold.
// A new trigger cancels and replaces an in-flight sequence.
func (c *Controller) TriggerFocus() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	st := c.state.Load()
	if st.Mode != ModeSingleAuto {
		return errors.Errorf("focus trigger requires %s mode, currently %s", ModeSingleAuto, st.Mode)
	}
	if !st.Enabled {
		return errors.New("focus controller is disabled")
	}
	if err := c.checkActivatableLocked(st); err != nil {
		return err
	}
	c.stopActivityLocked()
	c.workers = goutils.NewBackgroundStoppableWorkers(c.runSingleShot)
	return nil
}

// checkActivatableLocked records and returns the standing condition that
// blocks activation, if any.
func (c *Controller) checkActivatableLocked(st *State) error {
	if !st.HasMapping {
		err := newError(ErrorMappingInvalid, "no mapping loaded")
		c.mutateState(func(s *State) { s.Err = err })
		c.emit(Event{Kind: EventError, Error: err.Kind})
		return err
	}
	if !st.MotorReady || !st.DepthSensorReady {
		err := newError(ErrorDevicesNotReady, "motor ready=%t depth sensor ready=%t", st.MotorReady, st.DepthSensorReady)
		c.mutateState(func(s *State) { s.Err = err })
		c.emit(Event{Kind: EventError, Error: err.Kind})
		return err
	}
	if st.Err != nil {
		return st.Err
	}
	return nil
}

// startActivityLocked launches the current mode's background activity when
// the controller is enabled, activatable, and idle.
func (c *Controller) startActivityLocked() {
	if c.workers != nil {
		return
	}
	st := c.state.Load()
	if !st.Enabled || !st.CanActivate() {
		return
	}
	switch st.Mode {
	case ModeContinuousAuto, ModeFaceTracking:
		// Stale samples from before the activity started must not fire.
		select {
		case <-c.samples:
		default:
		}
		c.workers = goutils.NewBackgroundStoppableWorkers(c.runAuto)
	default:
	}
}

// stopActivityLocked cancels the active activity and waits for its goroutine
// to exit, so two activities can never race on the target position.
func (c *Controller) stopActivityLocked() {
	if c.workers == nil {
		return
	}
	c.workers.Stop()
	c.workers = nil
}

// runAuto is the continuous / face-tracking activity: consume samples, gate
// on debounce and confidence, apply.
func (c *Controller) runAuto(ctx context.Context) {
	c.setActivelyFocusing(true)
	defer c.setActivelyFocusing(false)
	c.emit(Event{Kind: EventFocusStarted})

	var lastApply time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.samples:
			now := c.clock.Now()
			if !lastApply.IsZero() && now.Sub(lastApply) < c.cfg.DebounceInterval {
				continue
			}
			if s.confidence < c.cfg.ConfidenceThreshold {
				continue
			}
			if err := c.applyFocus(ctx, s.depth, s.confidence); err != nil {
				if !errors.Is(err, errCancelled) {
					c.failFocus(err)
				}
				return
			}
			lastApply = now
		}
	}
}

// runSingleShot performs one settle/sample/apply/hold sequence.
func (c *Controller) runSingleShot(ctx context.Context) {
	c.setActivelyFocusing(true)
	defer c.setActivelyFocusing(false)
	c.emit(Event{Kind: EventFocusStarted})

	if !c.sleep(ctx, c.cfg.SettleDelay) {
		return
	}
	s := c.latest.Load()
	if s == nil {
		c.emit(Event{Kind: EventFocusLost, Reason: "no depth sample available"})
		return
	}
	if c.clock.Now().Sub(s.at) > c.cfg.SampleMaxAge {
		c.emit(Event{Kind: EventFocusLost, Reason: "depth sample too old"})
		return
	}
	if s.confidence < c.cfg.ConfidenceThreshold {
		c.emit(Event{Kind: EventFocusLost, Reason: "depth confidence below threshold"})
		return
	}
	if err := c.applyFocus(ctx, s.depth, s.confidence); err != nil {
		if !errors.Is(err, errCancelled) {
			c.failFocus(err)
		}
		return
	}
	if !c.sleep(ctx, c.cfg.HoldDelay) {
		return
	}
	c.emit(Event{Kind: EventFocusAchieved})
}

// applyFocus validates a depth sample, maps it to a motor position, smooths,
// and commands the motor. Cancellation is checked before the command is
// emitted.
func (c *Controller) applyFocus(ctx context.Context, depth, confidence float64) error {
	if !utils.IsFinite(depth) || depth <= calibration.MinDepthMeters || depth > calibration.MaxDepthMeters {
		return newError(ErrorCalculation, "depth %.3fm outside (%.0f, %.0f]m", depth, calibration.MinDepthMeters, calibration.MaxDepthMeters)
	}

	c.stateMu.Lock()
	mapping := c.mapping
	st := c.state.Load()
	prevTarget, hasPrev := st.TargetMotorPosition, st.HasTarget
	c.stateMu.Unlock()

	if mapping == nil {
		return newError(ErrorMappingInvalid, "no mapping loaded")
	}
	pos, ok := mapping.GetMotorPosition(depth)
	if !ok {
		return newError(ErrorCalculation, "depth %.3fm is unmapped", depth)
	}
	if pos < calibration.MotorPositionMin || pos > calibration.MotorPositionMax {
		return newError(ErrorCalculation, "mapped position %d outside [%d, %d]", pos, calibration.MotorPositionMin, calibration.MotorPositionMax)
	}

	target := pos
	if !c.cfg.DisableSmoothing && hasPrev {
		blended := c.cfg.SmoothingFactor*float64(pos) + (1-c.cfg.SmoothingFactor)*float64(prevTarget)
		if !utils.IsFinite(blended) {
			return newError(ErrorCalculation, "smoothing produced a non-finite position")
		}
		target = utils.ClampInt(int(math.Round(blended)), calibration.MotorPositionMin, calibration.MotorPositionMax)
	}

	// Cancellation check before any hardware command goes out.
	select {
	case <-ctx.Done():
		return errCancelled
	default:
	}
	if err := c.motor.MoveTo(ctx, target); err != nil {
		return newError(ErrorMotor, "%v", err)
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.mutateStateLocked(func(s *State) {
		s.CurrentDepth = depth
		s.FocusConfidence = confidence
		s.TargetMotorPosition = target
		s.CurrentMotorPosition = target
		s.HasTarget = true
		s.Stats.Operations++
		s.Stats.AverageDepth += (depth - s.Stats.AverageDepth) / float64(s.Stats.Operations)
	})
	return nil
}

// failFocus records a failed operation, emits the FocusLost and Error
// events, and leaves the controller restartable. The caller's activity stops
// after this returns.
func (c *Controller) failFocus(err error) {
	var ferr *Error
	if !errors.As(err, &ferr) {
		ferr = newError(ErrorCalculation, "%v", err)
	}
	c.logger.Errorw("focus operation failed", "error", err)
	c.mutateState(func(s *State) {
		s.Err = ferr
	})
	c.emit(Event{Kind: EventFocusLost, Reason: ferr.Error()})
	c.emit(Event{Kind: EventError, Error: ferr.Kind})
}

func (c *Controller) setActivelyFocusing(active bool) {
	c.mutateState(func(s *State) {
		s.ActivelyFocusing = active
	})
}

// sleep waits for d or cancellation; false means cancelled.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// mutateState applies a copy-on-write state update.
func (c *Controller) mutateState(mutate func(*State)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.mutateStateLocked(mutate)
}

func (c *Controller) mutateStateLocked(mutate func(*State)) {
	next := c.state.Load().clone()
	mutate(next)
	c.state.Store(next)
}

// emit sends without blocking; the oldest queued event is dropped when the
// buffer is full.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case <-c.events:
	default:
	}
	select {
	case c.events <- ev:
	default:
	}
}
