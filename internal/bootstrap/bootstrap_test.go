package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/geometry"
)

var testSensors = []r3.Vec{
	{X: 0.05, Y: 0.02},
	{X: -0.05, Y: 0.03, Z: 0.01},
	{X: 0.02, Y: -0.06, Z: 0.02},
	{X: -0.03, Y: -0.04},
	{X: 0.07, Y: 0.07, Z: 0.015},
	{X: -0.06, Y: 0.06, Z: 0.005},
	{X: 0.01, Y: 0.08, Z: 0.025},
	{X: -0.02, Y: -0.07, Z: 0.01},
}

func observe(pose geometry.Transform, sensors []r3.Vec) []Observation {
	obs := make([]Observation, len(sensors))
	for i, s := range sensors {
		ang := geometry.SweepAngles(pose.Apply(s))
		obs[i] = Observation{Sensor: s, Azimuth: ang[0], Elevation: ang[1]}
	}
	return obs
}

func TestEstimatePoseExact(t *testing.T) {
	truth := geometry.Transform{
		Pos: r3.Vec{X: 0.3, Y: -0.2, Z: 2.5},
		Rot: geometry.FromAxisAngle(r3.Vec{X: 0.1, Y: 0.2, Z: -0.15}),
	}
	obs := observe(truth, testSensors)

	got, err := EstimatePose(obs, DefaultConfig())
	require.NoError(t, err)

	assert.InDelta(t, truth.Pos.X, got.Pos.X, 1e-4)
	assert.InDelta(t, truth.Pos.Y, got.Pos.Y, 1e-4)
	assert.InDelta(t, truth.Pos.Z, got.Pos.Z, 1e-4)

	// Rotation error as the magnitude of the relative axis-angle.
	rel := geometry.ToAxisAngle(geometry.Normalize(
		truth.Inverse().Compose(got).Rot))
	assert.Less(t, r3.Norm(rel), 1e-3)
}

func TestEstimatePoseRejectsOutlier(t *testing.T) {
	truth := geometry.Transform{
		Pos: r3.Vec{X: -0.1, Y: 0.15, Z: 1.8},
		Rot: geometry.FromAxisAngle(r3.Vec{Z: 0.3}),
	}
	obs := observe(truth, testSensors)
	obs[2].Azimuth += 0.2 // one corrupted sweep

	got, err := EstimatePose(obs, DefaultConfig())
	require.NoError(t, err)
	assert.InDelta(t, truth.Pos.X, got.Pos.X, 1e-3)
	assert.InDelta(t, truth.Pos.Y, got.Pos.Y, 1e-3)
	assert.InDelta(t, truth.Pos.Z, got.Pos.Z, 1e-3)
}

func TestEstimatePoseMinimalSensors(t *testing.T) {
	truth := geometry.Transform{
		Pos: r3.Vec{X: 0.2, Y: -0.1, Z: 2.2},
		Rot: geometry.FromAxisAngle(r3.Vec{X: -0.05, Y: 0.1, Z: 0.08}),
	}
	obs := observe(truth, testSensors[:4])

	got, err := EstimatePose(obs, DefaultConfig())
	require.NoError(t, err)
	assert.InDelta(t, truth.Pos.X, got.Pos.X, 1e-3)
	assert.InDelta(t, truth.Pos.Y, got.Pos.Y, 1e-3)
	assert.InDelta(t, truth.Pos.Z, got.Pos.Z, 1e-3)
}

func TestEstimatePoseTooFewSensors(t *testing.T) {
	truth := geometry.Transform{Pos: r3.Vec{Z: 2}, Rot: geometry.Identity().Rot}
	obs := observe(truth, testSensors[:3])

	_, err := EstimatePose(obs, DefaultConfig())
	assert.ErrorIs(t, err, ErrTooFewSensors)
}
