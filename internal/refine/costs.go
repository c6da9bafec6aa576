package refine

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/geometry"
)

// distortionParams is the length of a flattened two-axis distortion block:
// five coefficients per axis.
const distortionParams = 10

// flattenDistortion packs both axes' coefficients into one parameter
// block.
func flattenDistortion(d [2]geometry.Distortion) []float64 {
	out := make([]float64, distortionParams)
	for a := 0; a < 2; a++ {
		o := 5 * a
		out[o] = d[a].Phase
		out[o+1] = d[a].Tilt
		out[o+2] = d[a].GibPhase
		out[o+3] = d[a].GibMag
		out[o+4] = d[a].Curve
	}
	return out
}

func unflattenDistortion(p []float64) [2]geometry.Distortion {
	var d [2]geometry.Distortion
	for a := 0; a < 2; a++ {
		o := 5 * a
		d[a] = geometry.Distortion{
			Phase:    p[o],
			Tilt:     p[o+1],
			GibPhase: p[o+2],
			GibMag:   p[o+3],
			Curve:    p[o+4],
		}
	}
	return d
}

// angleCost is the residual of one averaged (sensor, axis) sweep angle at
// one epoch. Parameter block order:
//
//	0 worldFromReference (6)
//	1 referenceFromLighthouse (6)
//	2 distortion (10)
//	3 bodyFromHead (6)
//	4 trackingFromHead (6)
//	5 sensor positions, tracking frame (3 per sensor)
//	6 position xy (2)
//	7 position z (1)
//	8 rotation xy (2)
//	9 rotation z (1)
//
// The body pose at the epoch is split into the four sub-blocks so planar
// mode can pin height and pitch/roll independently.
type angleCost struct {
	sensor   int // index into the sensor position block
	axis     int
	measured float64
}

func (c angleCost) Dim() int { return 1 }

func (c angleCost) Evaluate(params [][]float64, out []float64) bool {
	wTv := params[0]
	vTl := params[1]
	dist := params[2]
	bTh := params[3]
	tTh := params[4]
	sensors := params[5]
	pxy, pz := params[6], params[7]
	rxy, rz := params[8], params[9]

	o := 3 * c.sensor
	x := r3.Vec{X: sensors[o], Y: sensors[o+1], Z: sensors[o+2]}

	// tracking → head → body → world → vive → lighthouse
	h := geometry.InverseApplyParam6(tTh, x)
	b := geometry.ApplyParam6(bTh, h)
	wTb := []float64{pxy[0], pxy[1], pz[0], rxy[0], rxy[1], rz[0]}
	w := geometry.ApplyParam6(wTb, b)
	v := geometry.InverseApplyParam6(wTv, w)
	l := geometry.InverseApplyParam6(vTl, v)

	if l.Z < 1e-6 {
		return false
	}
	d := unflattenDistortion(dist)
	ang := geometry.Distort(&d, geometry.SweepAngles(l))
	out[0] = ang[c.axis] - c.measured
	return true
}

// motionCost is the continuity prior between two adjacent epochs of one
// tracker. Blocks are the previous epoch's four pose sub-blocks followed
// by the next epoch's. Each residual component is the difference of the
// corresponding parameters scaled by the smoothing gain.
type motionCost struct {
	smoothing float64
}

func (motionCost) Dim() int { return 6 }

func (c motionCost) Evaluate(params [][]float64, out []float64) bool {
	prev := [4][]float64{params[0], params[1], params[2], params[3]}
	next := [4][]float64{params[4], params[5], params[6], params[7]}
	i := 0
	for b := 0; b < 4; b++ {
		for k := range prev[b] {
			out[i] = c.smoothing * (prev[b][k] - next[b][k])
			i++
		}
	}
	return true
}
