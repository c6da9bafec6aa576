package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Axis indices for the two rotor sweeps of a lighthouse.
const (
	AxisAzimuth   = 0 // horizontal sweep, angle about the vertical
	AxisElevation = 1 // vertical sweep
)

// Distortion holds the per-axis scan correction coefficients of a
// lighthouse rotor: a constant phase offset, a tilt of the beam plane, a
// sinusoidal wobble ("gib") described by phase and magnitude, and a
// curvature of the beam plane.
type Distortion struct {
	Phase    float64 `json:"phase"`
	Tilt     float64 `json:"tilt"`
	GibPhase float64 `json:"gib_phase"`
	GibMag   float64 `json:"gib_mag"`
	Curve    float64 `json:"curve"`
}

// SweepAngles projects a point in the lighthouse frame onto the two ideal
// sweep angles: azimuth = atan2(x, z), elevation = −atan2(y, z).
func SweepAngles(p r3.Vec) [2]float64 {
	return [2]float64{
		math.Atan2(p.X, p.Z),
		-math.Atan2(p.Y, p.Z),
	}
}

// Distort maps the ideal sweep angles to the angles the physical rotors
// would report. Each axis is perturbed by its own coefficients; the tilt and
// curve terms couple in the other axis' ideal angle. All terms are smooth in
// both angles so the model differentiates cleanly.
func Distort(d *[2]Distortion, ideal [2]float64) [2]float64 {
	var out [2]float64
	for a := 0; a < 2; a++ {
		b := 1 - a
		out[a] = ideal[a] -
			d[a].Phase -
			math.Tan(d[a].Tilt)*ideal[b] -
			d[a].Curve*ideal[b]*ideal[b] -
			d[a].GibMag*math.Sin(ideal[a]+d[a].GibPhase)
	}
	return out
}

// Undistort maps measured sweep angles back to ideal angles using the
// first-order inverse of Distort: the correction terms are evaluated at the
// measured angles and added back. For the sub-milliradian corrections seen
// in practice the residual of Distort(Undistort(m)) is second order.
func Undistort(d *[2]Distortion, measured [2]float64) [2]float64 {
	var out [2]float64
	for a := 0; a < 2; a++ {
		b := 1 - a
		out[a] = measured[a] +
			d[a].Phase +
			math.Tan(d[a].Tilt)*measured[b] +
			d[a].Curve*measured[b]*measured[b] +
			d[a].GibMag*math.Sin(measured[a]+d[a].GibPhase)
	}
	return out
}

// PredictedAngle returns the sweep angle a lighthouse would measure for one
// photosensor. body maps the tracker body frame to world, lighthouse maps
// the lighthouse frame to world, sensor is the photosensor position in the
// body frame. When correct is false the distortion model is skipped and the
// ideal projection is returned.
func PredictedAngle(body Transform, sensor r3.Vec, lighthouse Transform, d *[2]Distortion, axis int, correct bool) float64 {
	w := body.Apply(sensor)
	l := lighthouse.Inverse().Apply(w)
	ang := SweepAngles(l)
	if correct && d != nil {
		ang = Distort(d, ang)
	}
	return ang[axis]
}
