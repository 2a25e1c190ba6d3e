// Package calibration implements the depth to motor-position mapping used by
// the focus controller: an ordered set of measured calibration points with
// validation and linear interpolation between them.
package calibration

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"focuspuller/utils"
)

// Physical limits of the system. Depths are meters, motor positions are the
// raw integer units the lens motor firmware accepts.
const (
	MinDepthMeters = 0.0 // exclusive
	MaxDepthMeters = 10.0

	MotorPositionMin = 0
	MotorPositionMax = 4095
)

// Point is a single measured (depth, motor position) pair. Immutable once
// recorded.
type Point struct {
	Depth         float64 `json:"depth"`
	MotorPosition int     `json:"motorPosition"`
	Confidence    float64 `json:"confidence"`
}

func (p Point) check() error {
	if !utils.IsFinite(p.Depth) || p.Depth <= MinDepthMeters || p.Depth > MaxDepthMeters {
		return fmt.Errorf("depth %.3fm outside (%.0f, %.0f]m", p.Depth, MinDepthMeters, MaxDepthMeters)
	}
	if p.MotorPosition < MotorPositionMin || p.MotorPosition > MotorPositionMax {
		return fmt.Errorf("motor position %d outside [%d, %d]", p.MotorPosition, MotorPositionMin, MotorPositionMax)
	}
	if !utils.IsFinite(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0, 1]", p.Confidence)
	}
	return nil
}

// Metadata is free-form information about how a mapping was recorded.
type Metadata struct {
	CameraModel       string  `json:"cameraModel"`
	LensModel         string  `json:"lensModel"`
	FocalLength       float64 `json:"focalLength"`
	Aperture          float64 `json:"aperture"`
	Notes             string  `json:"notes"`
	CalibrationMethod string  `json:"calibrationMethod"`
	EnvironmentType   string  `json:"environmentType"`
	CreatedAt         int64   `json:"createdAt"` // epoch milliseconds
}

// Mapping is an insertion-ordered set of calibration points. It is built
// incrementally during calibration and treated as read-only after it
// validates.
type Mapping struct {
	Name        string
	Description string
	Metadata    Metadata

	points []Point
}

// NewMapping returns an empty mapping with the given name.
func NewMapping(name string) *Mapping {
	return &Mapping{Name: name}
}

// AddPoint appends a point, rejecting out-of-bounds values and duplicate
// depths.
func (m *Mapping) AddPoint(p Point) error {
	if err := p.check(); err != nil {
		return err
	}
	for _, existing := range m.points {
		if existing.Depth == p.Depth {
			return fmt.Errorf("duplicate depth %.3fm", p.Depth)
		}
	}
	m.points = append(m.points, p)
	return nil
}

// Len returns the number of recorded points.
func (m *Mapping) Len() int {
	return len(m.points)
}

// Points returns a copy of the points in insertion order.
func (m *Mapping) Points() []Point {
	out := make([]Point, len(m.points))
	copy(out, m.points)
	return out
}

// SortedPoints returns a copy of the points sorted by depth. The mapping
// itself is never re-ordered.
func (m *Mapping) SortedPoints() []Point {
	out := m.Points()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	return out
}

// GetMotorPosition looks up the motor position for a depth. The second return
// is false only when the mapping has no points. Depths at or beyond the
// endpoints return the endpoint position; there is no extrapolation.
func (m *Mapping) GetMotorPosition(depth float64) (int, bool) {
	if len(m.points) == 0 {
		return 0, false
	}
	pts := m.SortedPoints()

	if depth <= pts[0].Depth {
		return pts[0].MotorPosition, true
	}
	if depth >= pts[len(pts)-1].Depth {
		return pts[len(pts)-1].MotorPosition, true
	}

	// Locate the bracketing pair. Equality with either bound returns that
	// point's exact position.
	for i := 0; i < len(pts)-1; i++ {
		lower, upper := pts[i], pts[i+1]
		if depth < lower.Depth || depth > upper.Depth {
			continue
		}
		if depth == lower.Depth {
			return lower.MotorPosition, true
		}
		if depth == upper.Depth || lower.Depth == upper.Depth {
			return upper.MotorPosition, true
		}
		ratio := (depth - lower.Depth) / (upper.Depth - lower.Depth)
		pos := lower.MotorPosition + int(math.Round(ratio*float64(upper.MotorPosition-lower.MotorPosition)))
		return utils.ClampInt(pos, MotorPositionMin, MotorPositionMax), true
	}

	// Unreachable with sorted points, but never emit a garbage position.
	return pts[len(pts)-1].MotorPosition, true
}

// Range returns the covered depth span in meters, zeros when empty.
func (m *Mapping) Range() (nearest, farthest float64) {
	if len(m.points) == 0 {
		return 0, 0
	}
	pts := m.SortedPoints()
	return pts[0].Depth, pts[len(pts)-1].Depth
}

// ValidationStats summarizes the mapping for display and warning heuristics.
type ValidationStats struct {
	PointCount     int
	DepthMin       float64
	DepthMax       float64
	MotorMin       int
	MotorMax       int
	MeanConfidence float64
}

// ValidationResult reports errors that make a mapping unusable and warnings
// that are advisory only.
type ValidationResult struct {
	IsValid  bool
	Errors   []string
	Warnings []string
	Stats    ValidationStats
}

// Depth coverage thresholds for the advisory warnings. A follow-focus mapping
// that starts beyond arm's reach or stops short of mid-field is suspect.
const (
	nearCoverageMeters = 1.0
	farCoverageMeters  = 3.0
)

// Validate checks the mapping. Errors block use; warnings do not.
func (m *Mapping) Validate() ValidationResult {
	res := ValidationResult{}

	if len(m.points) == 0 {
		res.Errors = append(res.Errors, "mapping has no points")
		return res
	}

	seen := make(map[float64]bool, len(m.points))
	confidences := make([]float64, 0, len(m.points))
	for i, p := range m.points {
		if err := p.check(); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("point %d: %v", i, err))
		}
		if seen[p.Depth] {
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate depth %.3fm", p.Depth))
		}
		seen[p.Depth] = true
		confidences = append(confidences, p.Confidence)
	}

	if len(m.points) < 3 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("only %d point(s); at least 3 recommended", len(m.points)))
	}
	if !sort.SliceIsSorted(m.points, func(i, j int) bool { return m.points[i].Depth < m.points[j].Depth }) {
		res.Warnings = append(res.Warnings, "points not recorded in depth order")
	}

	pts := m.SortedPoints()
	nearest, farthest := m.Range()
	stats := ValidationStats{
		PointCount:     len(pts),
		DepthMin:       nearest,
		DepthMax:       farthest,
		MotorMin:       pts[0].MotorPosition,
		MotorMax:       pts[0].MotorPosition,
		MeanConfidence: stat.Mean(confidences, nil),
	}
	for _, p := range pts {
		if p.MotorPosition < stats.MotorMin {
			stats.MotorMin = p.MotorPosition
		}
		if p.MotorPosition > stats.MotorMax {
			stats.MotorMax = p.MotorPosition
		}
	}
	res.Stats = stats

	if stats.DepthMin > nearCoverageMeters {
		res.Warnings = append(res.Warnings, fmt.Sprintf("no coverage closer than %.2fm", stats.DepthMin))
	}
	if stats.DepthMax < farCoverageMeters {
		res.Warnings = append(res.Warnings, fmt.Sprintf("no coverage beyond %.2fm", stats.DepthMax))
	}

	res.IsValid = len(res.Errors) == 0
	return res
}
