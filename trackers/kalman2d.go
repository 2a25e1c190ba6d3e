package trackers

import (
	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// Constant-velocity 2D Kalman filter over normalized image coordinates.
// State vector is [x, y, vx, vy]. dt is fixed at the nominal frame interval;
// detector frames arrive at a steady rate and the association step, not the
// filter, absorbs the jitter.
type pointKalman struct {
	x *mat.VecDense // state
	p *mat.Dense    // covariance
	f *mat.Dense    // transition
	h *mat.Dense    // observation
	q *mat.Dense    // process noise
	r *mat.Dense    // measurement noise
}

const (
	kalman2DProcessNoise     = 1e-4
	kalman2DMeasurementNoise = 1e-2
	kalman2DInitialVariance  = 1e-1
)

func newPointKalman(initial r2.Point, dt float64) *pointKalman {
	k := &pointKalman{
		x: mat.NewVecDense(4, []float64{initial.X, initial.Y, 0, 0}),
		p: identityScaled(4, kalman2DInitialVariance),
		f: mat.NewDense(4, 4, []float64{
			1, 0, dt, 0,
			0, 1, 0, dt,
			0, 0, 1, 0,
			0, 0, 0, 1,
		}),
		h: mat.NewDense(2, 4, []float64{
			1, 0, 0, 0,
			0, 1, 0, 0,
		}),
		q: identityScaled(4, kalman2DProcessNoise),
		r: identityScaled(2, kalman2DMeasurementNoise),
	}
	return k
}

func identityScaled(n int, v float64) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, v)
	}
	return m
}

// predict advances the state one frame: x = F x, P = F P Fᵀ + Q.
func (k *pointKalman) predict() {
	var x mat.VecDense
	x.MulVec(k.f, k.x)
	k.x.CopyVec(&x)

	var fp, fpft mat.Dense
	fp.Mul(k.f, k.p)
	fpft.Mul(&fp, k.f.T())
	fpft.Add(&fpft, k.q)
	k.p.Copy(&fpft)
}

// predictedPosition peeks the next-frame position without mutating state.
func (k *pointKalman) predictedPosition() r2.Point {
	var x mat.VecDense
	x.MulVec(k.f, k.x)
	return r2.Point{X: x.AtVec(0), Y: x.AtVec(1)}
}

// correct folds in a measured position: standard gain/update step.
func (k *pointKalman) correct(meas r2.Point) {
	z := mat.NewVecDense(2, []float64{meas.X, meas.Y})

	// innovation y = z - H x
	var hx, innov mat.VecDense
	hx.MulVec(k.h, k.x)
	innov.SubVec(z, &hx)

	// S = H P Hᵀ + R
	var hp, s mat.Dense
	hp.Mul(k.h, k.p)
	s.Mul(&hp, k.h.T())
	s.Add(&s, k.r)

	// K = P Hᵀ S⁻¹
	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		// S is H P Hᵀ + R with R > 0, so this cannot happen with finite
		// state; if it somehow does, skip the correction.
		return
	}
	var pht, gain mat.Dense
	pht.Mul(k.p, k.h.T())
	gain.Mul(&pht, &sInv)

	// x = x + K y
	var kInnov mat.VecDense
	kInnov.MulVec(&gain, &innov)
	k.x.AddVec(k.x, &kInnov)

	// P = (I - K H) P
	var kh mat.Dense
	kh.Mul(&gain, k.h)
	eye := identityScaled(4, 1)
	var ikh, newP mat.Dense
	ikh.Sub(eye, &kh)
	newP.Mul(&ikh, k.p)
	k.p.Copy(&newP)
}

func (k *pointKalman) position() r2.Point {
	return r2.Point{X: k.x.AtVec(0), Y: k.x.AtVec(1)}
}

func (k *pointKalman) velocity() r2.Point {
	return r2.Point{X: k.x.AtVec(2), Y: k.x.AtVec(3)}
}
