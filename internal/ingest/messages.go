package ingest

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/device"
	"github.com/AvatarWorld/deepdive/internal/geometry"
)

// Vec3 is a JSON-friendly 3-vector, ordered x, y, z.
type Vec3 [3]float64

// R3 converts to the gonum vector type.
func (v Vec3) R3() r3.Vec {
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}
}

// IMUMessage is one raw inertial sample from the driver. Bias and scale
// correction is applied on the receiving side using the latched tracker
// description.
type IMUMessage struct {
	Tracker string    `json:"tracker"`
	Time    time.Time `json:"time"`
	Accel   Vec3      `json:"accel"`
	Gyro    Vec3      `json:"gyro"`
}

// SensorDescription is one photosensor from a device description.
type SensorDescription struct {
	Position Vec3 `json:"position"`
	Normal   Vec3 `json:"normal"`
}

// TrackerDescription is a latched device record for one tracker.
// Transforms arrive as 6-vectors: translation then axis-angle rotation.
type TrackerDescription struct {
	Serial           string              `json:"serial"`
	Frame            string              `json:"frame"`
	AccelBias        Vec3                `json:"accel_bias"`
	AccelScale       Vec3                `json:"accel_scale"`
	GyroBias         Vec3                `json:"gyro_bias"`
	GyroScale        Vec3                `json:"gyro_scale"`
	Sensors          []SensorDescription `json:"sensors"`
	ImuFromTracking  [6]float64          `json:"imu_from_tracking"`
	TrackingFromHead [6]float64          `json:"tracking_from_head"`
	BodyFromHead     [6]float64          `json:"body_from_head"`
}

// Device converts the description into a registry entry.
func (d *TrackerDescription) Device() *device.Tracker {
	t := &device.Tracker{
		Serial:           d.Serial,
		Frame:            d.Frame,
		AccelBias:        d.AccelBias.R3(),
		AccelScale:       d.AccelScale.R3(),
		GyroBias:         d.GyroBias.R3(),
		GyroScale:        d.GyroScale.R3(),
		ImuFromTracking:  geometry.FromParam6(d.ImuFromTracking),
		TrackingFromHead: geometry.FromParam6(d.TrackingFromHead),
		BodyFromHead:     geometry.FromParam6(d.BodyFromHead),
		Ready:            true,
	}
	n := len(d.Sensors)
	if n > device.MaxSensors {
		n = device.MaxSensors
	}
	for _, s := range d.Sensors[:n] {
		t.Sensors = append(t.Sensors, device.Sensor{
			Position: s.Position.R3(),
			Normal:   s.Normal.R3(),
		})
	}
	return t
}

// LighthouseDescription is a latched device record for one lighthouse.
type LighthouseDescription struct {
	Serial string                 `json:"serial"`
	Pose   [6]float64             `json:"pose"`
	Params [2]geometry.Distortion `json:"params"`
}

// Device converts the description into a registry entry.
func (d *LighthouseDescription) Device() *device.Lighthouse {
	return &device.Lighthouse{
		Serial: d.Serial,
		Pose:   geometry.FromParam6(d.Pose),
		Params: d.Params,
		Ready:  true,
	}
}

// DeviceMessage carries exactly one description.
type DeviceMessage struct {
	Tracker    *TrackerDescription    `json:"tracker,omitempty"`
	Lighthouse *LighthouseDescription `json:"lighthouse,omitempty"`
}

// CorrectionMessage is one external ground-truth pose sample.
type CorrectionMessage struct {
	Time time.Time  `json:"time"`
	Pose [6]float64 `json:"pose"`
}

// Transform returns the sample pose as a transform.
func (c CorrectionMessage) Transform() geometry.Transform {
	return geometry.FromParam6(c.Pose)
}
