// Package filter implements the real-time recursive pose estimator: an
// error-state Kalman filter over position and attitude, optionally extended
// with velocity, body acceleration, body angular rate and gyro bias. Sparse
// sweep-angle measurements and inertial measurements are queued as
// innovations and folded into the estimate on Commit.
package filter

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/geometry"
)

// Mode selects the state configuration.
type Mode int

const (
	// ModeReduced estimates position and attitude only.
	ModeReduced Mode = iota
	// ModeFull adds velocity, body acceleration, body angular rate and
	// gyro bias, enabling inertial updates.
	ModeFull
)

// Error-state stacking order. Each block is three wide; the reduced
// configuration carries only the first two.
const (
	idxPos      = 0
	idxAtt      = 3
	idxVel      = 6
	idxAcc      = 9
	idxOmega    = 12
	idxGyroBias = 15

	dimReduced = 6
	dimFull    = 18
)

// State is the point estimate. Attitude maps body → world.
type State struct {
	Pos      r3.Vec
	Att      quat.Number
	Vel      r3.Vec
	Acc      r3.Vec // body frame
	Omega    r3.Vec // body frame
	GyroBias r3.Vec
}

// Pose returns the body pose portion of the state.
func (s State) Pose() geometry.Transform {
	return geometry.Transform{Pos: s.Pos, Rot: s.Att}
}

// dim returns the error-state dimension for the mode.
func (m Mode) dim() int {
	if m == ModeFull {
		return dimFull
	}
	return dimReduced
}

// derivative evaluates the continuous kinematics:
// ṙ = v, v̇ = R(q)·a, q̇ = ½ q ⊗ ω, ȧ = 0, ω̇ = 0, ḃ_g = 0.
// The returned State holds derivatives field-for-field, with the attitude
// slot carrying q̇ as a non-unit quaternion.
func derivative(s State) State {
	w := quat.Number{Imag: s.Omega.X, Jmag: s.Omega.Y, Kmag: s.Omega.Z}
	return State{
		Pos: s.Vel,
		Att: quat.Scale(0.5, quat.Mul(s.Att, w)),
		Vel: geometry.Rotate(s.Att, s.Acc),
	}
}

// step advances s by h·d without renormalizing the attitude; integrate
// renormalizes once at the end of the RK4 step.
func step(s State, d State, h float64) State {
	return State{
		Pos:      r3.Add(s.Pos, r3.Scale(h, d.Pos)),
		Att:      quat.Add(s.Att, quat.Scale(h, d.Att)),
		Vel:      r3.Add(s.Vel, r3.Scale(h, d.Vel)),
		Acc:      s.Acc,
		Omega:    s.Omega,
		GyroBias: s.GyroBias,
	}
}

// integrate advances the state by dt using a fixed-step 4th-order
// Runge–Kutta integrator and renormalizes the attitude.
func integrate(s State, dt float64) State {
	k1 := derivative(s)
	k2 := derivative(step(s, k1, dt/2))
	k3 := derivative(step(s, k2, dt/2))
	k4 := derivative(step(s, k3, dt))

	out := s
	out.Pos = r3.Add(s.Pos, r3.Scale(dt/6, r3.Add(r3.Add(k1.Pos, r3.Scale(2, k2.Pos)), r3.Add(r3.Scale(2, k3.Pos), k4.Pos))))
	out.Vel = r3.Add(s.Vel, r3.Scale(dt/6, r3.Add(r3.Add(k1.Vel, r3.Scale(2, k2.Vel)), r3.Add(r3.Scale(2, k3.Vel), k4.Vel))))
	dq := quat.Add(quat.Add(k1.Att, quat.Scale(2, k2.Att)), quat.Add(quat.Scale(2, k3.Att), k4.Att))
	out.Att = geometry.Normalize(quat.Add(s.Att, quat.Scale(dt/6, dq)))
	return out
}

// boxPlus applies an error-state increment to the point estimate. Attitude
// perturbations are applied in the body frame.
func boxPlus(s State, delta []float64, mode Mode) State {
	out := s
	out.Pos = r3.Add(s.Pos, r3.Vec{X: delta[idxPos], Y: delta[idxPos+1], Z: delta[idxPos+2]})
	dq := geometry.FromAxisAngle(r3.Vec{X: delta[idxAtt], Y: delta[idxAtt+1], Z: delta[idxAtt+2]})
	out.Att = geometry.Normalize(quat.Mul(s.Att, dq))
	if mode == ModeFull {
		out.Vel = r3.Add(s.Vel, r3.Vec{X: delta[idxVel], Y: delta[idxVel+1], Z: delta[idxVel+2]})
		out.Acc = r3.Add(s.Acc, r3.Vec{X: delta[idxAcc], Y: delta[idxAcc+1], Z: delta[idxAcc+2]})
		out.Omega = r3.Add(s.Omega, r3.Vec{X: delta[idxOmega], Y: delta[idxOmega+1], Z: delta[idxOmega+2]})
		out.GyroBias = r3.Add(s.GyroBias, r3.Vec{X: delta[idxGyroBias], Y: delta[idxGyroBias+1], Z: delta[idxGyroBias+2]})
	}
	return out
}
