package tracking

import (
	"fmt"
	"math"
)

// KalmanFilter1D is a scalar constant-position Kalman filter. Each bounding
// box axis of a track owns one.
type KalmanFilter1D struct {
	r   float64 // measurement noise
	q   float64 // process noise
	x   float64
	cov float64
}

// NewKalmanFilter1D returns an uninitialised filter. The first measurement
// becomes the estimate.
func NewKalmanFilter1D(r, q float64) (*KalmanFilter1D, error) {
	if !(r > 0) || !(q > 0) {
		return nil, fmt.Errorf("kalman noise must be positive: r=%v q=%v", r, q)
	}
	return &KalmanFilter1D{r: r, q: q, x: math.NaN(), cov: math.NaN()}, nil
}

// Filter folds measurement z into the estimate and returns it.
func (k *KalmanFilter1D) Filter(z float64) float64 {
	if math.IsNaN(k.x) {
		k.x = z
		k.cov = k.r
		return k.x
	}

	// Predict.
	k.cov += k.q

	// Correct.
	gain := k.cov / (k.cov + k.r)
	k.x += gain * (z - k.x)
	k.cov *= 1 - gain
	return k.x
}

// Predict advances the filter one step without a measurement and returns the
// unchanged estimate. Uncertainty grows by the process noise. Before the
// first measurement it returns NaN and leaves the filter untouched.
func (k *KalmanFilter1D) Predict() float64 {
	if math.IsNaN(k.x) {
		return k.x
	}
	k.cov += k.q
	return k.x
}

// Estimate returns the current state, NaN before the first measurement.
func (k *KalmanFilter1D) Estimate() float64 { return k.x }

// Covariance returns the current error covariance, NaN before the first
// measurement.
func (k *KalmanFilter1D) Covariance() float64 { return k.cov }

// Initialized reports whether a measurement has been seen.
func (k *KalmanFilter1D) Initialized() bool { return !math.IsNaN(k.x) }
