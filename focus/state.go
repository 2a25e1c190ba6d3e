// Package focus implements the autofocus state machine: it composes the
// calibration mapping, filtered depth samples, and tracked subjects into
// bounded lens-motor commands across manual, single-shot, continuous, and
// face-tracking modes.
package focus

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"focuspuller/trackers"
)

// Mode is the focus behavior the controller is in.
type Mode int

const (
	// ModeManual emits no automatic commands; the operator drives the motor.
	ModeManual Mode = iota
	// ModeSingleAuto focuses once per explicit trigger.
	ModeSingleAuto
	// ModeContinuousAuto refocuses on every debounced depth sample.
	ModeContinuousAuto
	// ModeFaceTracking follows a tracked subject's focus point.
	ModeFaceTracking
)

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeSingleAuto:
		return "single-auto"
	case ModeContinuousAuto:
		return "continuous-auto"
	case ModeFaceTracking:
		return "face-tracking"
	default:
		return "unknown"
	}
}

// ModeFromString parses the wire names used by the command surface.
func ModeFromString(s string) (Mode, error) {
	switch s {
	case "manual":
		return ModeManual, nil
	case "single-auto":
		return ModeSingleAuto, nil
	case "continuous-auto":
		return ModeContinuousAuto, nil
	case "face-tracking":
		return ModeFaceTracking, nil
	default:
		return ModeManual, errors.Errorf("unknown focus mode %q", s)
	}
}

// Stats accumulates across focus operations.
type Stats struct {
	Operations   int64
	AverageDepth float64
}

// State is the full controller snapshot. It is replaced wholesale on every
// update; readers always observe a consistent copy and must not mutate it.
type State struct {
	Enabled bool
	Mode    Mode

	MotorReady       bool
	DepthSensorReady bool

	HasMapping  bool
	MappingName string

	CurrentDepth         float64
	CurrentMotorPosition int
	TargetMotorPosition  int
	HasTarget            bool
	FocusConfidence      float64

	// FocusPoint is the normalized spot sampled in continuous mode.
	FocusPoint r2.Point
	// FocusSubjectID pins face-tracking to a subject; zero selects the
	// highest-priority subject automatically.
	FocusSubjectID int
	// Subjects is the latest tracker snapshot.
	Subjects []trackers.Subject

	ActivelyFocusing bool

	Err   *Error
	Stats Stats
}

func (s *State) clone() *State {
	next := *s
	if s.Subjects != nil {
		next.Subjects = make([]trackers.Subject, len(s.Subjects))
		copy(next.Subjects, s.Subjects)
	}
	return &next
}

// CanActivate reports whether automatic focus may run: a usable mapping,
// both devices ready, and no active error.
func (s *State) CanActivate() bool {
	return s.HasMapping && s.MotorReady && s.DepthSensorReady && s.Err == nil
}
