package filter

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/geometry"
)

// ErrStaleInput reports a tick that was skipped because its time step was
// non-positive or implausibly large (clock regression or a stale timer).
// The filter state is untouched.
var ErrStaleInput = errors.New("filter: stale input")

// jacobianStep is the perturbation used for numeric differentiation of the
// process and measurement models.
const jacobianStep = 1e-6

// Config holds the filter tuning. Slices are diagonal entries in the
// error-state stacking order; ProcessNoise entries are variance rates per
// second.
type Config struct {
	Mode       Mode
	Gravity    r3.Vec
	Initial    State
	InitialCov []float64
	// ProcessNoise inflates the covariance diagonal during Predict,
	// scaled by dt.
	ProcessNoise []float64
	// Measurement variances. AngleVar defaults to 1e-8 rad², roughly a
	// millimetre at ten metres.
	AngleVar float64
	AccelVar float64
	GyroVar  float64
	// MaxDt is the largest time step Predict will accept.
	MaxDt float64
}

// DefaultConfig returns a working configuration for the given mode.
func DefaultConfig(mode Mode) Config {
	dim := mode.dim()
	initCov := make([]float64, dim)
	noise := make([]float64, dim)
	for i := range initCov {
		initCov[i] = 1e-2
		noise[i] = 1e-4
	}
	return Config{
		Mode:         mode,
		Gravity:      r3.Vec{Z: -9.80665},
		Initial:      State{Att: quat.Number{Real: 1}},
		InitialCov:   initCov,
		ProcessNoise: noise,
		AngleVar:     1e-8,
		AccelVar:     1e-4,
		GyroVar:      3e-6,
		MaxDt:        1.0,
	}
}

type innovation struct {
	model Model
	z     []float64
	noise []float64 // diagonal of R
}

// Filter is the recursive estimator. A single mutex serializes the two
// callers that share it: the fixed-rate timer tick and asynchronous
// measurement arrival.
type Filter struct {
	mu      sync.Mutex
	cfg     Config
	state   State
	cov     *mat.SymDense
	pending []innovation
	fused   bool
}

// New builds a filter from the configuration.
func New(cfg Config) (*Filter, error) {
	dim := cfg.Mode.dim()
	if len(cfg.InitialCov) != dim {
		return nil, fmt.Errorf("filter: initial covariance has %d entries, want %d", len(cfg.InitialCov), dim)
	}
	if len(cfg.ProcessNoise) != dim {
		return nil, fmt.Errorf("filter: process noise has %d entries, want %d", len(cfg.ProcessNoise), dim)
	}
	if cfg.MaxDt <= 0 {
		cfg.MaxDt = 1.0
	}
	cov := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		cov.SetSym(i, i, cfg.InitialCov[i])
	}
	st := cfg.Initial
	st.Att = geometry.Normalize(st.Att)
	return &Filter{cfg: cfg, state: st, cov: cov}, nil
}

// State returns a copy of the current point estimate.
func (f *Filter) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Covariance returns a copy of the current error-state covariance.
func (f *Filter) Covariance() *mat.SymDense {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := mat.NewSymDense(f.cov.SymmetricDim(), nil)
	out.CopySym(f.cov)
	return out
}

// Fused reports whether at least one measurement has been folded in.
// Pose broadcasting is suppressed until this turns true.
func (f *Filter) Fused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fused
}

// Predict advances the state and covariance by dt seconds. A dt outside
// (0, MaxDt] leaves both untouched and returns ErrStaleInput.
func (f *Filter) Predict(dt float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dt <= 0 || dt > f.cfg.MaxDt {
		return ErrStaleInput
	}

	dim := f.cfg.Mode.dim()
	next := integrate(f.state, dt)

	// Discrete process Jacobian by central differences on the error state.
	F := mat.NewDense(dim, dim, nil)
	delta := make([]float64, dim)
	for j := 0; j < dim; j++ {
		delta[j] = jacobianStep
		plus := integrate(boxPlus(f.state, delta, f.cfg.Mode), dt)
		delta[j] = -jacobianStep
		minus := integrate(boxPlus(f.state, delta, f.cfg.Mode), dt)
		delta[j] = 0
		dp := boxMinus(plus, minus, f.cfg.Mode)
		for i := 0; i < dim; i++ {
			F.Set(i, j, dp[i]/(2*jacobianStep))
		}
	}

	// P ← F P Fᵀ + Q·dt
	var fp, fpft mat.Dense
	fp.Mul(F, f.cov)
	fpft.Mul(&fp, F.T())
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			v := 0.5 * (fpft.At(i, j) + fpft.At(j, i))
			if i == j {
				v += f.cfg.ProcessNoise[i] * dt
			}
			f.cov.SetSym(i, j, v)
		}
	}

	f.state = next
	return nil
}

// UpdateAngle queues one sweep-angle innovation: the observed angle of a
// sensor (body frame position) for one rotor axis of a lighthouse whose
// world pose is the current registration. The update takes effect on
// Commit.
func (f *Filter) UpdateAngle(angle float64, sensor r3.Vec, lighthouse geometry.Transform, axis int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, innovation{
		model: angleModel{sensor: sensor, lighthouse: lighthouse, axis: axis},
		z:     []float64{angle},
		noise: []float64{f.cfg.AngleVar},
	})
}

// UpdateIMU queues accelerometer and gyroscope innovations. The reduced
// configuration has no inertial states and ignores the call.
func (f *Filter) UpdateIMU(accel, gyro r3.Vec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.Mode != ModeFull {
		return
	}
	f.pending = append(f.pending,
		innovation{
			model: accelModel{gravity: f.cfg.Gravity},
			z:     []float64{accel.X, accel.Y, accel.Z},
			noise: []float64{f.cfg.AccelVar, f.cfg.AccelVar, f.cfg.AccelVar},
		},
		innovation{
			model: gyroModel{},
			z:     []float64{gyro.X, gyro.Y, gyro.Z},
			noise: []float64{f.cfg.GyroVar, f.cfg.GyroVar, f.cfg.GyroVar},
		},
	)
}

// Commit folds every queued innovation into the point estimate and
// covariance (the a-posteriori step) and clears the queue. Innovations that
// would produce a non-finite state are dropped individually.
func (f *Filter) Commit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inn := range f.pending {
		if dim, ok := modelDims[inn.model.Kind()]; !ok || dim != inn.model.Dim() {
			continue
		}
		f.applyInnovation(inn)
	}
	f.pending = f.pending[:0]
}

// applyInnovation runs one sequential EKF update.
func (f *Filter) applyInnovation(inn innovation) {
	dim := f.cfg.Mode.dim()
	m := inn.model.Dim()

	h := make([]float64, m)
	inn.model.Expected(f.state, h)

	// Measurement Jacobian by central differences.
	H := mat.NewDense(m, dim, nil)
	delta := make([]float64, dim)
	hp := make([]float64, m)
	hm := make([]float64, m)
	for j := 0; j < dim; j++ {
		delta[j] = jacobianStep
		inn.model.Expected(boxPlus(f.state, delta, f.cfg.Mode), hp)
		delta[j] = -jacobianStep
		inn.model.Expected(boxPlus(f.state, delta, f.cfg.Mode), hm)
		delta[j] = 0
		for i := 0; i < m; i++ {
			H.Set(i, j, (hp[i]-hm[i])/(2*jacobianStep))
		}
	}

	// S = H P Hᵀ + R
	var ph, s mat.Dense
	ph.Mul(f.cov, H.T())
	s.Mul(H, &ph)
	for i := 0; i < m; i++ {
		s.Set(i, i, s.At(i, i)+inn.noise[i])
	}

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return // singular innovation covariance, skip
	}

	// K = P Hᵀ S⁻¹
	var K mat.Dense
	K.Mul(&ph, &sInv)

	// δ = K (z − h)
	resid := mat.NewVecDense(m, nil)
	for i := 0; i < m; i++ {
		resid.SetVec(i, inn.z[i]-h[i])
	}
	var dv mat.VecDense
	dv.MulVec(&K, resid)

	next := boxPlus(f.state, dv.RawVector().Data, f.cfg.Mode)

	// P ← (I − K H) P
	var kh mat.Dense
	kh.Mul(&K, H)
	ikh := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			v := -kh.At(i, j)
			if i == j {
				v++
			}
			ikh.Set(i, j, v)
		}
	}
	var np mat.Dense
	np.Mul(ikh, f.cov)

	if !finiteState(next) || !finiteMat(&np) {
		return // degenerate update, keep the prior
	}

	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			f.cov.SetSym(i, j, 0.5*(np.At(i, j)+np.At(j, i)))
		}
	}
	f.state = next
	f.fused = true
}

// boxMinus is the inverse of boxPlus: the error-state increment taking b to
// a, with the attitude difference as a body-frame axis-angle vector.
func boxMinus(a, b State, mode Mode) []float64 {
	out := make([]float64, mode.dim())
	put := func(idx int, v r3.Vec) {
		out[idx], out[idx+1], out[idx+2] = v.X, v.Y, v.Z
	}
	put(idxPos, r3.Sub(a.Pos, b.Pos))
	put(idxAtt, geometry.ToAxisAngle(geometry.Normalize(quat.Mul(quat.Conj(b.Att), a.Att))))
	if mode == ModeFull {
		put(idxVel, r3.Sub(a.Vel, b.Vel))
		put(idxAcc, r3.Sub(a.Acc, b.Acc))
		put(idxOmega, r3.Sub(a.Omega, b.Omega))
		put(idxGyroBias, r3.Sub(a.GyroBias, b.GyroBias))
	}
	return out
}

func finiteState(s State) bool {
	vals := []float64{
		s.Pos.X, s.Pos.Y, s.Pos.Z,
		s.Att.Real, s.Att.Imag, s.Att.Jmag, s.Att.Kmag,
		s.Vel.X, s.Vel.Y, s.Vel.Z,
		s.Acc.X, s.Acc.Y, s.Acc.Z,
		s.Omega.X, s.Omega.Y, s.Omega.Z,
		s.GyroBias.X, s.GyroBias.Y, s.GyroBias.Z,
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func finiteMat(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
