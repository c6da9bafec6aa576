// Package geometry provides the rigid-transform algebra and the lighthouse
// sweep measurement model shared by the real-time filter, the bootstrap
// estimator and the batch refiner.
//
// Conventions: a Transform named aTb maps coordinates expressed in frame b
// into frame a. Rotations are unit quaternions; the refiner's flat parameter
// encoding is a 6-vector [tx ty tz rx ry rz] with the rotation as an
// axis-angle vector.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Transform is a rigid transform: rotation followed by translation.
type Transform struct {
	Pos r3.Vec
	Rot quat.Number
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Rot: quat.Number{Real: 1}}
}

// Rotate applies the unit quaternion q to the vector v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Normalize rescales q to unit norm. A zero quaternion maps to identity so
// downstream algebra stays finite.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Apply maps the point p through the transform: R·p + t.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(Rotate(t.Rot, p), t.Pos)
}

// Inverse returns the transform mapping the opposite direction: R'·(p − t).
func (t Transform) Inverse() Transform {
	ri := quat.Conj(t.Rot)
	return Transform{
		Pos: r3.Scale(-1, Rotate(ri, t.Pos)),
		Rot: ri,
	}
}

// Compose chains transforms: (t.Compose(u)).Apply(p) == t.Apply(u.Apply(p)).
func (t Transform) Compose(u Transform) Transform {
	return Transform{
		Pos: t.Apply(u.Pos),
		Rot: Normalize(quat.Mul(t.Rot, u.Rot)),
	}
}

// FromAxisAngle converts an axis-angle vector (direction = axis, norm =
// angle in radians) to a unit quaternion. Small angles use the series
// expansion of sin(θ/2)/θ so the conversion stays smooth through zero.
func FromAxisAngle(aa r3.Vec) quat.Number {
	theta := r3.Norm(aa)
	var s float64
	if theta > 1e-9 {
		s = math.Sin(theta/2) / theta
	} else {
		s = 0.5 - theta*theta/48
	}
	return quat.Number{
		Real: math.Cos(theta / 2),
		Imag: aa.X * s,
		Jmag: aa.Y * s,
		Kmag: aa.Z * s,
	}
}

// ToAxisAngle converts a unit quaternion to its axis-angle vector. The
// result is in the ±π ball (shortest rotation).
func ToAxisAngle(q quat.Number) r3.Vec {
	if q.Real < 0 { // pick the short way round
		q = quat.Scale(-1, q)
	}
	vn := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	theta := 2 * math.Atan2(vn, q.Real)
	var s float64
	if vn > 1e-9 {
		s = theta / vn
	} else {
		s = 2 / q.Real
	}
	return r3.Vec{X: q.Imag * s, Y: q.Jmag * s, Z: q.Kmag * s}
}

// Param6 flattens the transform to the refiner's parameter encoding.
func (t Transform) Param6() [6]float64 {
	aa := ToAxisAngle(t.Rot)
	return [6]float64{t.Pos.X, t.Pos.Y, t.Pos.Z, aa.X, aa.Y, aa.Z}
}

// FromParam6 rebuilds a transform from the flat encoding.
func FromParam6(p [6]float64) Transform {
	return Transform{
		Pos: r3.Vec{X: p[0], Y: p[1], Z: p[2]},
		Rot: FromAxisAngle(r3.Vec{X: p[3], Y: p[4], Z: p[5]}),
	}
}

// ApplyParam6 maps a point through the flat encoding without building a
// quaternion. Used on the refiner's hot path where parameters live as raw
// slices during numeric differentiation.
func ApplyParam6(p []float64, x r3.Vec) r3.Vec {
	aa := r3.Vec{X: p[3], Y: p[4], Z: p[5]}
	y := rotateAxisAngle(aa, x)
	return r3.Vec{X: y.X + p[0], Y: y.Y + p[1], Z: y.Z + p[2]}
}

// InverseApplyParam6 maps a point through the inverse of the flat encoding.
func InverseApplyParam6(p []float64, x r3.Vec) r3.Vec {
	d := r3.Vec{X: x.X - p[0], Y: x.Y - p[1], Z: x.Z - p[2]}
	aa := r3.Vec{X: -p[3], Y: -p[4], Z: -p[5]}
	return rotateAxisAngle(aa, d)
}

// rotateAxisAngle applies the Rodrigues rotation for the axis-angle vector
// aa. The small-angle branch keeps the map smooth and differentiable by
// central differences around zero.
func rotateAxisAngle(aa, v r3.Vec) r3.Vec {
	theta2 := aa.X*aa.X + aa.Y*aa.Y + aa.Z*aa.Z
	if theta2 > 1e-18 {
		theta := math.Sqrt(theta2)
		k := r3.Scale(1/theta, aa)
		ct := math.Cos(theta)
		st := math.Sin(theta)
		kxv := r3.Cross(k, v)
		kdv := r3.Dot(k, v)
		return r3.Add(
			r3.Add(r3.Scale(ct, v), r3.Scale(st, kxv)),
			r3.Scale(kdv*(1-ct), k),
		)
	}
	// First-order rotation: v + aa × v.
	return r3.Add(v, r3.Cross(aa, v))
}
