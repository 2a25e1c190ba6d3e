package depth

import (
	"math"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/stat"

	"focuspuller/utils"
)

// Measurement is one filtered depth sample at a normalized image position.
type Measurement struct {
	// Depth in meters. Zero with zero confidence when no valid estimate
	// exists.
	Depth float64
	// Confidence in [0, 1].
	Confidence float64
	// Position is the normalized (x, y) sample position in [0, 1].
	Position r2.Point
}

// EstimatorConfig holds the spatial-filter and ROI tuning.
type EstimatorConfig struct {
	// MaxDepthMM is the largest raw value treated as valid. Zero and
	// beyond-range samples are holes.
	MaxDepthMM uint16
	// ROIMin/Max/Default are averaging-window edge lengths in pixels.
	ROIMin     int
	ROIMax     int
	ROIDefault int
	// CVLow/CVHigh map the region's coefficient of variation onto the ROI
	// range: a stable region earns the large window, a busy one the small.
	CVLow  float64
	CVHigh float64
	// DepthSigmaMM is the range sigma of the bilateral filter.
	DepthSigmaMM float64
	// Kalman is the temporal filter tuning.
	Kalman KalmanConfig
	// Clock is swappable for tests.
	Clock clock.Clock
}

// DefaultEstimatorConfig returns the tuning used by the focus pipeline.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		MaxDepthMM:   10000,
		ROIMin:       8,
		ROIMax:       48,
		ROIDefault:   24,
		CVLow:        0.05,
		CVHigh:       0.5,
		DepthSigmaMM: 100,
		Kalman:       DefaultKalmanConfig(),
	}
}

// Weights blending measurement quality against the temporal filter's own
// confidence.
const (
	qualityWeight = 0.6
	kalmanWeight  = 0.4
)

// Estimator produces depth measurements for a single logical sample point.
// One estimator per concurrent measurement point; not safe for concurrent
// use.
type Estimator struct {
	logger logging.Logger
	cfg    EstimatorConfig
	clock  clock.Clock

	kalman  *KalmanFilter
	roiSize int
	hasLast bool
	last    int64 // UnixNano of the previous update
}

// NewEstimator creates an estimator with the given config.
func NewEstimator(logger logging.Logger, cfg EstimatorConfig) *Estimator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ROIDefault == 0 {
		def := DefaultEstimatorConfig()
		def.Clock = cfg.Clock
		cfg = def
	}
	return &Estimator{
		logger:  logger,
		cfg:     cfg,
		clock:   cfg.Clock,
		kalman:  NewKalmanFilter(cfg.Kalman),
		roiSize: cfg.ROIDefault,
	}
}

// Reset drops all temporal state, e.g. after the sample point moves to a new
// subject.
func (e *Estimator) Reset() {
	e.kalman.Reset()
	e.roiSize = e.cfg.ROIDefault
	e.hasLast = false
}

// CalculateDepth filters the raw row-major millimeter buffer at the
// normalized position and returns a measurement. Invalid input yields a
// zero-confidence measurement rather than an error; the caller treats that
// the same as a hole in the sensor data.
func (e *Estimator) CalculateDepth(raw []uint16, width, height int, pos r2.Point) Measurement {
	out := Measurement{Position: pos}
	if width <= 0 || height <= 0 || len(raw) != width*height {
		e.logger.Debugf("depth buffer mismatch: %d values for %dx%d", len(raw), width, height)
		return out
	}
	if pos.X < 0 || pos.X > 1 || pos.Y < 0 || pos.Y > 1 {
		e.logger.Debugf("sample position (%.3f, %.3f) outside [0, 1]", pos.X, pos.Y)
		return out
	}

	px := int(math.Round(pos.X * float64(width-1)))
	py := int(math.Round(pos.Y * float64(height-1)))

	validRatio, cv := e.adaptROI(raw, width, height, px, py)
	filteredMM, ok := e.bilateral(raw, width, height, px, py)
	if !ok {
		return out
	}

	dt := e.sinceLastUpdate()
	estimate := e.kalman.Update(filteredMM/1000.0, dt)

	quality := validRatio * (1 - utils.Clamp(cv, 0, 1))
	out.Depth = estimate
	out.Confidence = utils.Clamp(qualityWeight*quality+kalmanWeight*e.kalman.Confidence(), 0, 1)
	return out
}

func (e *Estimator) sinceLastUpdate() float64 {
	now := e.clock.Now().UnixNano()
	if !e.hasLast {
		e.hasLast = true
		e.last = now
		return maxDT
	}
	dt := float64(now-e.last) / float64(1e9)
	e.last = now
	return dt
}

func (e *Estimator) valid(mm uint16) bool {
	return mm > 0 && mm <= e.cfg.MaxDepthMM
}

// adaptROI samples a sparse grid inside the default window, derives the
// coefficient of variation of the valid depths, and resizes the averaging
// window: stable regions earn a larger window, noisy ones a smaller. Returns
// the valid-sample ratio and the CV for the confidence blend.
func (e *Estimator) adaptROI(raw []uint16, width, height, px, py int) (validRatio, cv float64) {
	half := e.cfg.ROIDefault / 2
	const stride = 4

	var samples []float64
	total := 0
	for y := py - half; y <= py+half; y += stride {
		for x := px - half; x <= px+half; x += stride {
			if x < 0 || x >= width || y < 0 || y >= height {
				continue
			}
			total++
			if mm := raw[y*width+x]; e.valid(mm) {
				samples = append(samples, float64(mm))
			}
		}
	}
	if total == 0 || len(samples) == 0 {
		e.roiSize = e.cfg.ROIMin
		return 0, 1
	}
	validRatio = float64(len(samples)) / float64(total)

	mean, sd := stat.MeanStdDev(samples, nil)
	if len(samples) < 2 || mean == 0 {
		cv = 0
	} else {
		cv = sd / mean
	}

	t := (cv - e.cfg.CVLow) / (e.cfg.CVHigh - e.cfg.CVLow)
	t = utils.Clamp(t, 0, 1)
	// Low CV -> large window, high CV -> small window.
	e.roiSize = int(math.Round(utils.Lerp(float64(e.cfg.ROIMax), float64(e.cfg.ROIMin), t)))
	return validRatio, cv
}

// bilateral averages the neighborhood around (px, py), weighting each valid
// sample by a Gaussian on pixel distance times a Gaussian on depth difference
// from the reference value. Returns millimeters.
func (e *Estimator) bilateral(raw []uint16, width, height, px, py int) (float64, bool) {
	radius := e.roiSize / 2
	if radius < 1 {
		radius = 1
	}
	spatialSigma := float64(radius) / 2.0

	center, ok := e.referenceDepth(raw, width, height, px, py, radius)
	if !ok {
		return 0, false
	}

	var weighted, weights float64
	for y := py - radius; y <= py+radius; y++ {
		for x := px - radius; x <= px+radius; x++ {
			if x < 0 || x >= width || y < 0 || y >= height {
				continue
			}
			mm := raw[y*width+x]
			if !e.valid(mm) {
				continue
			}
			dx, dy := float64(x-px), float64(y-py)
			distSq := dx*dx + dy*dy
			diff := float64(mm) - center
			w := math.Exp(-distSq/(2*spatialSigma*spatialSigma)) *
				math.Exp(-(diff*diff)/(2*e.cfg.DepthSigmaMM*e.cfg.DepthSigmaMM))
			weighted += w * float64(mm)
			weights += w
		}
	}
	if weights == 0 {
		return 0, false
	}
	return weighted / weights, true
}

// referenceDepth is the bilateral range anchor: the center pixel when valid,
// otherwise the nearest valid sample in the window.
func (e *Estimator) referenceDepth(raw []uint16, width, height, px, py, radius int) (float64, bool) {
	if mm := raw[py*width+px]; e.valid(mm) {
		return float64(mm), true
	}
	best := math.MaxFloat64
	var bestMM float64
	found := false
	for y := py - radius; y <= py+radius; y++ {
		for x := px - radius; x <= px+radius; x++ {
			if x < 0 || x >= width || y < 0 || y >= height {
				continue
			}
			mm := raw[y*width+x]
			if !e.valid(mm) {
				continue
			}
			dx, dy := float64(x-px), float64(y-py)
			if d := dx*dx + dy*dy; d < best {
				best = d
				bestMM = float64(mm)
				found = true
			}
		}
	}
	return bestMM, found
}
