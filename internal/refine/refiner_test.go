package refine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/bundle"
	"github.com/AvatarWorld/deepdive/internal/device"
	"github.com/AvatarWorld/deepdive/internal/geometry"
)

var refineSensors = []r3.Vec{
	{X: 0.05, Y: 0.02},
	{X: -0.05, Y: 0.03, Z: 0.01},
	{X: 0.02, Y: -0.06, Z: 0.02},
	{X: -0.03, Y: -0.04},
	{X: 0.07, Y: 0.07, Z: 0.015},
	{X: -0.06, Y: 0.06, Z: 0.005},
	{X: 0.01, Y: 0.08, Z: 0.025},
	{X: -0.02, Y: -0.07, Z: 0.01},
}

func newTestRegistry(lighthousePose geometry.Transform) *device.Registry {
	reg := device.NewRegistry()
	sensors := make([]device.Sensor, len(refineSensors))
	for i, p := range refineSensors {
		sensors[i] = device.Sensor{Position: p, Normal: r3.Vec{Z: 1}}
	}
	reg.AddTracker(&device.Tracker{
		Serial:           "LHR-TEST",
		Frame:            "body",
		Sensors:          sensors,
		ImuFromTracking:  geometry.Identity(),
		TrackingFromHead: geometry.Identity(),
		BodyFromHead:     geometry.Identity(),
		Ready:            true,
	})
	reg.AddLighthouse(&device.Lighthouse{
		Serial: "LHB-MASTER",
		Pose:   lighthousePose,
		Ready:  true,
	})
	return reg
}

// synthesizeSweeps projects every sensor into the master lighthouse for a
// sequence of body poses, one sweep per axis per epoch.
func synthesizeSweeps(reg *device.Registry, worldFromRef geometry.Transform, poses []geometry.Transform, base time.Time, step time.Duration) []bundle.Sweep {
	lh, _ := reg.Lighthouse("LHB-MASTER")
	lighthouseWorld := worldFromRef.Compose(lh.Pose)

	var out []bundle.Sweep
	for k, body := range poses {
		ts := base.Add(time.Duration(k) * step)
		for axis := 0; axis < 2; axis++ {
			sw := bundle.Sweep{
				Tracker:    "LHR-TEST",
				Lighthouse: "LHB-MASTER",
				Axis:       axis,
				Time:       ts,
			}
			for i, s := range refineSensors {
				ang := geometry.PredictedAngle(body, s, lighthouseWorld, &lh.Params, axis, true)
				sw.Pulses = append(sw.Pulses, bundle.Pulse{
					Sensor: i, Angle: ang, Duration: 2e-6,
				})
			}
			out = append(out, sw)
		}
	}
	return out
}

func TestRefinerRecoversWorldRegistration(t *testing.T) {
	truthReg := geometry.Transform{
		Pos: r3.Vec{X: 0.5, Y: -0.3, Z: 0.2},
		Rot: geometry.FromAxisAngle(r3.Vec{X: 0.05, Y: -0.02, Z: 0.1}),
	}

	// Registry starts with an identity registration; everything except the
	// registration is frozen and the trajectory is pinned to ground truth.
	reg := newTestRegistry(geometry.Identity())

	base := time.Unix(1000, 0)
	step := 100 * time.Millisecond
	var bodyPoses []geometry.Transform // world frame, ground truth
	var refPoses []geometry.Transform  // reference frame, drives synthesis
	for k := 0; k < 10; k++ {
		ref := geometry.Transform{
			Pos: r3.Vec{
				X: 0.2 * math.Sin(float64(k)*0.3),
				Y: 0.1 * math.Cos(float64(k)*0.3),
				Z: 2.0 + 0.05*float64(k%3),
			},
			Rot: geometry.FromAxisAngle(r3.Vec{Z: 0.02 * float64(k)}),
		}
		refPoses = append(refPoses, ref)
		bodyPoses = append(bodyPoses, truthReg.Compose(ref))
	}

	cfg := DefaultRefineConfig()
	cfg.TrajectoryFromCorrections = true
	cfg.Freeze = FreezeFlags{
		Lighthouses: true, Params: true,
		BodyFromHead: true, TrackingFromHead: true, Sensors: true,
	}

	r := NewRefiner(reg, cfg)
	_, _, err := r.Trigger(context.Background())
	require.NoError(t, err)

	// Angles depend on the pose relative to the lighthouse, so synthesis
	// uses the reference-frame poses with an identity registration.
	for _, sw := range synthesizeSweeps(reg, geometry.Identity(), refPoses, base, step) {
		r.AddSweep(sw)
	}
	for k, wb := range bodyPoses {
		r.AddCorrection(CorrectionSample{
			Time: base.Add(time.Duration(k) * step),
			Pose: wb,
		})
	}

	state, msg, err := r.Trigger(context.Background())
	require.NoError(t, err, msg)
	assert.Equal(t, StateIdle, state)

	got := reg.WorldFromReference()
	assert.InDelta(t, truthReg.Pos.X, got.Pos.X, 1e-5)
	assert.InDelta(t, truthReg.Pos.Y, got.Pos.Y, 1e-5)
	assert.InDelta(t, truthReg.Pos.Z, got.Pos.Z, 1e-5)
	rel := geometry.ToAxisAngle(geometry.Normalize(
		truthReg.Inverse().Compose(got).Rot))
	assert.Less(t, r3.Norm(rel), 1e-4)
}

func TestRefinerPlanarMode(t *testing.T) {
	// Lighthouse two metres behind the origin looking along +z keeps a
	// body moving in the z=1 plane inside its field of view.
	lhPose := geometry.Transform{Pos: r3.Vec{Z: -2}, Rot: geometry.Identity().Rot}
	reg := newTestRegistry(lhPose)

	base := time.Unix(2000, 0)
	step := 100 * time.Millisecond
	var poses []geometry.Transform
	for k := 0; k < 6; k++ {
		poses = append(poses, geometry.Transform{
			Pos: r3.Vec{
				X: 0.1 * float64(k),
				Y: 0.05 * math.Sin(float64(k)),
				Z: 1.0,
			},
			Rot: geometry.FromAxisAngle(r3.Vec{Z: 0.1 * float64(k)}),
		})
	}

	cfg := DefaultRefineConfig()
	cfg.Planar = true
	cfg.Freeze = FreezeFlags{
		World: true, Lighthouses: true, Params: true,
		BodyFromHead: true, TrackingFromHead: true, Sensors: true,
	}

	r := NewRefiner(reg, cfg)
	_, _, err := r.Trigger(context.Background())
	require.NoError(t, err)
	for _, sw := range synthesizeSweeps(reg, geometry.Identity(), poses, base, step) {
		r.AddSweep(sw)
	}
	_, msg, err := r.Trigger(context.Background())
	require.NoError(t, err, msg)

	res := r.LastResult()
	require.NotNil(t, res)
	assert.NotEqual(t, uuid.Nil, res.ID)
	require.Len(t, res.Trajectory, len(poses))
	assert.InDelta(t, 1.0, res.MeanHeight, 1e-3)

	for _, tp := range res.Trajectory {
		assert.Equal(t, res.MeanHeight, tp.Pose.Pos.Z)
		aa := geometry.ToAxisAngle(tp.Pose.Rot)
		assert.InDelta(t, 0, aa.X, 1e-12)
		assert.InDelta(t, 0, aa.Y, 1e-12)
	}
}

func TestRefinerStateMachine(t *testing.T) {
	reg := newTestRegistry(geometry.Identity())
	r := NewRefiner(reg, DefaultRefineConfig())
	assert.Equal(t, StateIdle, r.State())

	// Sweeps outside a recording window are dropped.
	r.AddSweep(bundle.Sweep{Tracker: "LHR-TEST", Lighthouse: "LHB-MASTER"})

	state, msg, err := r.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAccumulating, state)
	assert.Equal(t, "recording started", msg)

	// Stopping with no recorded data fails but returns to idle with
	// buffers cleared.
	state, _, err = r.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, StateIdle, state)
	assert.Nil(t, r.LastResult())
}

func TestRefinerTrajectoryChronological(t *testing.T) {
	lhPose := geometry.Transform{Pos: r3.Vec{Z: -2}, Rot: geometry.Identity().Rot}
	reg := newTestRegistry(lhPose)

	base := time.Unix(3000, 0)
	step := 100 * time.Millisecond
	var poses []geometry.Transform
	for k := 0; k < 5; k++ {
		poses = append(poses, geometry.Transform{
			Pos: r3.Vec{X: 0.05 * float64(k), Z: 1.0},
			Rot: geometry.Identity().Rot,
		})
	}

	cfg := DefaultRefineConfig()
	// A weak continuity prior so the recovered poses reflect the
	// measurements rather than the smoothing pull.
	cfg.Smoothing = 0.01
	cfg.Freeze = FreezeFlags{
		World: true, Lighthouses: true, Params: true,
		BodyFromHead: true, TrackingFromHead: true, Sensors: true,
	}
	r := NewRefiner(reg, cfg)
	_, _, err := r.Trigger(context.Background())
	require.NoError(t, err)
	for _, sw := range synthesizeSweeps(reg, geometry.Identity(), poses, base, step) {
		r.AddSweep(sw)
	}
	_, msg, err := r.Trigger(context.Background())
	require.NoError(t, err, msg)

	res := r.LastResult()
	require.NotNil(t, res)
	require.Len(t, res.Trajectory, len(poses))
	for i := 1; i < len(res.Trajectory); i++ {
		assert.True(t, res.Trajectory[i-1].Time.Before(res.Trajectory[i].Time))
	}
	// Noiseless data: refined poses match the synthesized trajectory.
	for i, tp := range res.Trajectory {
		assert.InDelta(t, poses[i].Pos.X, tp.Pose.Pos.X, 5e-3)
		assert.InDelta(t, poses[i].Pos.Z, tp.Pose.Pos.Z, 5e-3)
	}
}
