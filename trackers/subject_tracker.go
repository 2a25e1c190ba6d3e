// Package trackers maintains persistent identities for detected subjects
// across frames: greedy IoU correspondence with a distance fallback, one
// constant-velocity Kalman filter per subject, and composite priority
// scoring for choosing whom to focus on.
package trackers

import (
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"go.viam.com/rdk/logging"

	"focuspuller/utils"
)

// Detection is one raw face-detector result for a frame. Landmarks, when
// present, follow the five-point convention: indices 0 and 1 are the left
// and right eye.
type Detection struct {
	Box        image.Rectangle
	Confidence float64
	Landmarks  []image.Point
}

// TrackingState describes how firmly a subject is held.
type TrackingState int

const (
	// StateEyeLocked means the subject was detected this frame with visible
	// eye landmarks.
	StateEyeLocked TrackingState = iota
	// StateFaceOnly means the subject was detected this frame, no eyes.
	StateFaceOnly
	// StatePredicted means the subject was not detected this frame and is
	// being carried by prediction.
	StatePredicted
	// StateLost means the subject aged past the prediction hold. Tracks in
	// this state are evicted, so it never appears in output.
	StateLost
)

func (s TrackingState) String() string {
	switch s {
	case StateEyeLocked:
		return "eye-locked"
	case StateFaceOnly:
		return "face-only"
	case StatePredicted:
		return "predicted"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Subject is one emitted track for a frame.
type Subject struct {
	ID         int
	Box        image.Rectangle
	Center     r2.Point // filtered, normalized
	Velocity   r2.Point // normalized units per frame
	Confidence float64
	LeftEye    *image.Point
	RightEye   *image.Point
	State      TrackingState

	FramesSinceDetection int
	StabilityFrames      int
	TotalFramesTracked   int

	Color    string
	Priority float64
	// FocusPoint is where the focus pipeline should sample depth for this
	// subject: the eye nearest the subject's horizontal center when eyes are
	// visible, the filtered center otherwise. Normalized.
	FocusPoint r2.Point
}

// Config tunes the tracker.
type Config struct {
	// MaxSubjects caps concurrent tracks and output length.
	MaxSubjects int
	// IoUThreshold is the minimum overlap for a box match.
	IoUThreshold float64
	// MaxCenterDistance is the normalized distance cap for the fallback
	// match against predicted positions.
	MaxCenterDistance float64
	// PredictionHoldFrames is how many undetected frames a track survives.
	PredictionHoldFrames int
	// MinStabilityFrames suppresses brand-new tracks from output until they
	// have been detected this many frames.
	MinStabilityFrames int
	// FrameRate is the nominal detector frame rate, fixing the Kalman dt.
	FrameRate float64
}

// DefaultConfig returns the tracker tuning used by the focus pipeline.
func DefaultConfig() Config {
	return Config{
		MaxSubjects:          4,
		IoUThreshold:         0.3,
		MaxCenterDistance:    0.1,
		PredictionHoldFrames: 15,
		MinStabilityFrames:   3,
		FrameRate:            30,
	}
}

// Priority score weights; they sum to 1.
const (
	weightArea      = 0.4
	weightCenter    = 0.3
	weightEyes      = 0.2
	weightLongevity = 0.1

	// longevityCapFrames is where the longevity term saturates (~10s at
	// nominal frame rate).
	longevityCapFrames = 300
)

var trackColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

type track struct {
	id     int
	filter *pointKalman

	box        image.Rectangle
	confidence float64
	leftEye    *image.Point
	rightEye   *image.Point

	framesSinceDetection int
	stabilityFrames      int
	totalFramesTracked   int

	color string
}

// SubjectTracker owns the id to track table. Update must be called strictly
// sequentially, one frame at a time, in frame-arrival order; it is not safe
// for concurrent use.
type SubjectTracker struct {
	logger logging.Logger
	cfg    Config

	frameWidth  int
	frameHeight int

	tracks map[int]*track
	nextID int
}

// NewSubjectTracker creates a tracker for frames of the given pixel size.
func NewSubjectTracker(logger logging.Logger, cfg Config, frameWidth, frameHeight int) *SubjectTracker {
	def := DefaultConfig()
	if cfg.MaxSubjects <= 0 {
		cfg.MaxSubjects = def.MaxSubjects
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = def.IoUThreshold
	}
	if cfg.MaxCenterDistance <= 0 {
		cfg.MaxCenterDistance = def.MaxCenterDistance
	}
	if cfg.PredictionHoldFrames <= 0 {
		cfg.PredictionHoldFrames = def.PredictionHoldFrames
	}
	if cfg.MinStabilityFrames <= 0 {
		cfg.MinStabilityFrames = def.MinStabilityFrames
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = def.FrameRate
	}
	return &SubjectTracker{
		logger:      logger,
		cfg:         cfg,
		frameWidth:  frameWidth,
		frameHeight: frameHeight,
		tracks:      make(map[int]*track),
		nextID:      1,
	}
}

// IOU returns the intersection over union of two rectangles.
func IOU(r1, r2 image.Rectangle) float64 {
	intersection := r1.Intersect(r2)
	if intersection.Empty() {
		return 0
	}
	union := r1.Union(r2)
	return float64(intersection.Dx()*intersection.Dy()) / float64(union.Dx()*union.Dy())
}

func (t *SubjectTracker) normalizedCenter(box image.Rectangle) r2.Point {
	cx := float64(box.Min.X+box.Max.X) / 2
	cy := float64(box.Min.Y+box.Max.Y) / 2
	return r2.Point{
		X: cx / float64(t.frameWidth),
		Y: cy / float64(t.frameHeight),
	}
}

type iouPair struct {
	det   int
	track int
	score float64
}

// Update processes one frame of detections and returns the stable tracks,
// sorted by priority and truncated to the subject cap.
func (t *SubjectTracker) Update(detections []Detection) []Subject {
	detMatched := make([]bool, len(detections))
	trackMatched := make(map[int]bool, len(t.tracks))

	// Stable track iteration order keeps the greedy tie-break deterministic.
	trackIDs := make([]int, 0, len(t.tracks))
	for id := range t.tracks {
		trackIDs = append(trackIDs, id)
	}
	sort.Ints(trackIDs)

	// 1a. Greedy IoU association, best overlaps first. Stable sort preserves
	// "first encountered wins" among equal scores.
	var pairs []iouPair
	for di, det := range detections {
		for _, id := range trackIDs {
			if score := IOU(det.Box, t.tracks[id].box); score >= t.cfg.IoUThreshold {
				pairs = append(pairs, iouPair{det: di, track: id, score: score})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })
	for _, p := range pairs {
		if detMatched[p.det] || trackMatched[p.track] {
			continue
		}
		detMatched[p.det] = true
		trackMatched[p.track] = true
		t.updateMatched(t.tracks[p.track], detections[p.det])
	}

	// 1b. Distance fallback: unmatched detections against the predicted
	// positions of unmatched tracks.
	for di, det := range detections {
		if detMatched[di] {
			continue
		}
		center := t.normalizedCenter(det.Box)
		bestID, bestDist := 0, t.cfg.MaxCenterDistance
		found := false
		for _, id := range trackIDs {
			if trackMatched[id] {
				continue
			}
			d := center.Sub(t.tracks[id].filter.predictedPosition()).Norm()
			if d <= bestDist {
				bestDist = d
				bestID = id
				found = true
			}
		}
		if found {
			detMatched[di] = true
			trackMatched[bestID] = true
			t.updateMatched(t.tracks[bestID], det)
		}
	}

	// 3. Spawn tracks for the leftovers, up to the cap.
	for di, det := range detections {
		if detMatched[di] || len(t.tracks) >= t.cfg.MaxSubjects {
			continue
		}
		t.spawn(det)
		detMatched[di] = true
	}

	// 4 & 5. Age unmatched tracks through predict-only steps; evict those
	// past the hold window.
	for _, id := range trackIDs {
		tr, ok := t.tracks[id]
		if !ok || trackMatched[id] {
			continue
		}
		tr.framesSinceDetection++
		if tr.framesSinceDetection > t.cfg.PredictionHoldFrames {
			t.logger.Debugf("evicting subject %d after %d undetected frames", id, tr.framesSinceDetection)
			delete(t.tracks, id)
			continue
		}
		tr.filter.predict()
	}

	return t.emit()
}

func (t *SubjectTracker) updateMatched(tr *track, det Detection) {
	tr.filter.predict()
	tr.filter.correct(t.normalizedCenter(det.Box))
	tr.box = det.Box
	tr.confidence = det.Confidence
	tr.leftEye, tr.rightEye = eyesFrom(det.Landmarks)
	tr.framesSinceDetection = 0
	tr.stabilityFrames++
	tr.totalFramesTracked++
}

func (t *SubjectTracker) spawn(det Detection) {
	id := t.nextID
	t.nextID++ // ids are never reused
	left, right := eyesFrom(det.Landmarks)
	dt := 1.0 / t.cfg.FrameRate
	t.tracks[id] = &track{
		id:                 id,
		filter:             newPointKalman(t.normalizedCenter(det.Box), dt),
		box:                det.Box,
		confidence:         det.Confidence,
		leftEye:            left,
		rightEye:           right,
		stabilityFrames:    1,
		totalFramesTracked: 1,
		color:              trackColors[(id-1)%len(trackColors)],
	}
}

func eyesFrom(landmarks []image.Point) (left, right *image.Point) {
	if len(landmarks) >= 1 {
		l := landmarks[0]
		left = &l
	}
	if len(landmarks) >= 2 {
		r := landmarks[1]
		right = &r
	}
	return left, right
}

// 6. Emit stable tracks, highest priority first, truncated to the cap.
func (t *SubjectTracker) emit() []Subject {
	ids := make([]int, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Subject, 0, len(t.tracks))
	for _, id := range ids {
		tr := t.tracks[id]
		if tr.stabilityFrames < t.cfg.MinStabilityFrames {
			continue
		}
		s := Subject{
			ID:                   tr.id,
			Box:                  tr.box,
			Center:               tr.filter.position(),
			Velocity:             tr.filter.velocity(),
			Confidence:           tr.confidence,
			LeftEye:              tr.leftEye,
			RightEye:             tr.rightEye,
			State:                tr.state(),
			FramesSinceDetection: tr.framesSinceDetection,
			StabilityFrames:      tr.stabilityFrames,
			TotalFramesTracked:   tr.totalFramesTracked,
			Color:                tr.color,
		}
		s.Priority = t.priority(tr)
		s.FocusPoint = t.focusPoint(tr)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	if len(out) > t.cfg.MaxSubjects {
		out = out[:t.cfg.MaxSubjects]
	}
	return out
}

func (tr *track) state() TrackingState {
	if tr.framesSinceDetection > 0 {
		return StatePredicted
	}
	if tr.leftEye != nil || tr.rightEye != nil {
		return StateEyeLocked
	}
	return StateFaceOnly
}

// priority is a fixed-weight blend of box area, centrality, eye visibility,
// and track longevity.
func (t *SubjectTracker) priority(tr *track) float64 {
	frameArea := float64(t.frameWidth * t.frameHeight)
	area := utils.Clamp(float64(tr.box.Dx()*tr.box.Dy())/frameArea, 0, 1)

	center := tr.filter.position()
	// Farthest a center can be from mid-frame in normalized coordinates.
	maxDist := math.Sqrt(0.5)
	dist := center.Sub(r2.Point{X: 0.5, Y: 0.5}).Norm()
	centrality := utils.Clamp(1-dist/maxDist, 0, 1)

	eyes := 0.0
	switch {
	case tr.leftEye != nil && tr.rightEye != nil:
		eyes = 1.0
	case tr.leftEye != nil || tr.rightEye != nil:
		eyes = 0.5
	}

	longevity := utils.Clamp(float64(tr.totalFramesTracked)/longevityCapFrames, 0, 1)

	return weightArea*area + weightCenter*centrality + weightEyes*eyes + weightLongevity*longevity
}

func (t *SubjectTracker) focusPoint(tr *track) r2.Point {
	center := tr.filter.position()
	if tr.leftEye == nil && tr.rightEye == nil {
		return center
	}
	var best *image.Point
	bestDist := math.MaxFloat64
	for _, eye := range []*image.Point{tr.leftEye, tr.rightEye} {
		if eye == nil {
			continue
		}
		d := math.Abs(float64(eye.X)/float64(t.frameWidth) - center.X)
		if d < bestDist {
			bestDist = d
			best = eye
		}
	}
	return r2.Point{
		X: float64(best.X) / float64(t.frameWidth),
		Y: float64(best.Y) / float64(t.frameHeight),
	}
}

// Count returns the number of live tracks, stable or not.
func (t *SubjectTracker) Count() int {
	return len(t.tracks)
}
