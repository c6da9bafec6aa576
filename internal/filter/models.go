package filter

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/geometry"
)

// Kind identifies a measurement field type.
type Kind int

const (
	// KindAngle is a single sweep angle to one photosensor.
	KindAngle Kind = iota
	// KindAccel is a 3-axis accelerometer sample in the body frame.
	KindAccel
	// KindGyro is a 3-axis gyroscope sample in the body frame.
	KindGyro
)

// Model maps a state to an expected measurement. One implementation exists
// per field kind; the dispatch table below ties kinds to dimensions so a
// queued innovation can be validated without type switches.
type Model interface {
	Kind() Kind
	Dim() int
	Expected(s State, out []float64)
}

// modelDims is the dispatch table from measurement kind to measurement
// dimension.
var modelDims = map[Kind]int{
	KindAngle: 1,
	KindAccel: 3,
	KindGyro:  3,
}

// angleModel predicts the sweep angle of one sensor for one lighthouse
// rotor. Distortion correction is disabled here: the filter linearizes the
// ideal projection and the calibration pipeline owns the distortion terms.
type angleModel struct {
	sensor     r3.Vec             // body frame
	lighthouse geometry.Transform // lighthouse → world
	axis       int
}

func (m angleModel) Kind() Kind { return KindAngle }
func (m angleModel) Dim() int   { return 1 }

func (m angleModel) Expected(s State, out []float64) {
	out[0] = geometry.PredictedAngle(s.Pose(), m.sensor, m.lighthouse, nil, m.axis, false)
}

// accelModel predicts the accelerometer reading: body acceleration plus
// gravity rotated into the body frame.
type accelModel struct {
	gravity r3.Vec // world frame, typically {0,0,-9.80665}
}

func (m accelModel) Kind() Kind { return KindAccel }
func (m accelModel) Dim() int   { return 3 }

func (m accelModel) Expected(s State, out []float64) {
	g := geometry.Rotate(geometry.Transform{Rot: s.Att}.Inverse().Rot, m.gravity)
	out[0] = s.Acc.X + g.X
	out[1] = s.Acc.Y + g.Y
	out[2] = s.Acc.Z + g.Z
}

// gyroModel predicts the gyroscope reading: body angular rate plus gyro
// bias.
type gyroModel struct{}

func (m gyroModel) Kind() Kind { return KindGyro }
func (m gyroModel) Dim() int   { return 3 }

func (m gyroModel) Expected(s State, out []float64) {
	out[0] = s.Omega.X + s.GyroBias.X
	out[1] = s.Omega.Y + s.GyroBias.Y
	out[2] = s.Omega.Z + s.GyroBias.Z
}
