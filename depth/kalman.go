// Package depth turns raw millimeter depth buffers into filtered, confidence
// scored depth measurements: a bilateral spatial filter over an adaptive
// region of interest feeds an adaptive scalar Kalman filter.
package depth

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"focuspuller/utils"
)

// KalmanConfig holds the tunable parameters of the scalar depth filter.
type KalmanConfig struct {
	// ProcessNoiseMin/Max bound Q, which adapts to the magnitude of the most
	// recent sample-to-sample jump.
	ProcessNoiseMin float64
	ProcessNoiseMax float64
	// MeasurementNoiseMin/Max bound R, which adapts to the spread of the
	// recent measurement history.
	MeasurementNoiseMin float64
	MeasurementNoiseMax float64
	// InitialCovariance is P on the first measurement.
	InitialCovariance float64
	// HistorySize is how many raw measurements the adaptation window keeps.
	HistorySize int
}

// DefaultKalmanConfig returns the tuning used by the focus pipeline.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{
		ProcessNoiseMin:     0.001,
		ProcessNoiseMax:     0.5,
		MeasurementNoiseMin: 0.005,
		MeasurementNoiseMax: 0.5,
		InitialCovariance:   1.0,
		HistorySize:         10,
	}
}

// dt is wall-clock and stalls happen; clamp so a hiccup cannot blow up P.
const (
	minDT = 0.001
	maxDT = 0.5
)

// KalmanFilter is an adaptive scalar Kalman filter over depth in meters. One
// instance serves one measurement point; it is not safe for concurrent use.
type KalmanFilter struct {
	cfg KalmanConfig

	x           float64 // estimate
	p           float64 // error covariance
	q           float64 // process noise
	r           float64 // measurement noise
	history     []float64
	initialized bool
}

// NewKalmanFilter creates a filter with the given config.
func NewKalmanFilter(cfg KalmanConfig) *KalmanFilter {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultKalmanConfig().HistorySize
	}
	return &KalmanFilter{
		cfg: cfg,
		q:   cfg.ProcessNoiseMin,
		r:   cfg.MeasurementNoiseMax,
	}
}

// Update feeds one raw measurement with the wall-clock delta since the last
// update and returns the filtered estimate.
func (k *KalmanFilter) Update(measurement, dt float64) float64 {
	dt = utils.Clamp(dt, minDT, maxDT)

	if !k.initialized {
		k.x = measurement
		k.p = k.cfg.InitialCovariance
		k.initialized = true
		k.push(measurement)
		return k.x
	}

	// A stable history means the sensor is trustworthy: shrink R. A big jump
	// since the last sample means the scene moved: grow Q to track faster.
	if len(k.history) >= 3 {
		sd := stat.StdDev(k.history, nil)
		k.r = utils.Clamp(sd, k.cfg.MeasurementNoiseMin, k.cfg.MeasurementNoiseMax)
	}
	jump := math.Abs(measurement - k.history[len(k.history)-1])
	k.q = utils.Clamp(jump, k.cfg.ProcessNoiseMin, k.cfg.ProcessNoiseMax)

	// Predict.
	k.p += k.q * dt

	// Correct.
	gain := k.p / (k.p + k.r)
	k.x += gain * (measurement - k.x)
	k.p *= 1 - gain

	k.push(measurement)
	return k.x
}

// Estimate returns the current estimate without consuming a measurement.
func (k *KalmanFilter) Estimate() float64 {
	return k.x
}

// Confidence maps the error covariance to [0, 1]; lower covariance means
// higher confidence.
func (k *KalmanFilter) Confidence() float64 {
	if !k.initialized {
		return 0
	}
	return utils.Clamp(1.0/(1.0+k.p*10.0), 0, 1)
}

// Reset returns the filter to its pre-first-measurement state.
func (k *KalmanFilter) Reset() {
	k.x = 0
	k.p = 0
	k.q = k.cfg.ProcessNoiseMin
	k.r = k.cfg.MeasurementNoiseMax
	k.history = k.history[:0]
	k.initialized = false
}

func (k *KalmanFilter) push(measurement float64) {
	k.history = append(k.history, measurement)
	if len(k.history) > k.cfg.HistorySize {
		k.history = k.history[1:]
	}
}
