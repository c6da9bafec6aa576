package calstore

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/device"
	"github.com/AvatarWorld/deepdive/internal/geometry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTransformRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := geometry.Transform{
		Pos: r3.Vec{X: 1.5, Y: -0.25, Z: 3},
		Rot: geometry.FromAxisAngle(r3.Vec{X: 0.2, Y: -0.4, Z: 0.6}),
	}
	require.NoError(t, s.SaveTransform("registration", want))

	got, err := s.Transform("registration")
	require.NoError(t, err)
	assertTransformNear(t, want, got)

	// Upsert replaces in place.
	want.Pos.X = 9
	require.NoError(t, s.SaveTransform("registration", want))
	got, err = s.Transform("registration")
	require.NoError(t, err)
	assert.InDelta(t, 9.0, got.Pos.X, 1e-12)
}

func TestTransformMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Transform("no-such-name")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRegistryRoundTrip(t *testing.T) {
	s := openTestStore(t)

	reg := device.NewRegistry()
	reg.SetWorldFromReference(geometry.Transform{
		Pos: r3.Vec{X: 0.1, Y: 0.2, Z: 0.3},
		Rot: geometry.FromAxisAngle(r3.Vec{Z: 0.5}),
	})
	reg.AddLighthouse(&device.Lighthouse{
		Serial: "LHB-AAAA",
		Pose:   geometry.Transform{Pos: r3.Vec{X: -1}, Rot: geometry.Identity().Rot},
		Params: [2]geometry.Distortion{
			{Phase: 0.01, Tilt: 0.002, GibPhase: 0.3, GibMag: 0.004, Curve: 0.005},
			{Phase: -0.01, Tilt: -0.002, GibPhase: 1.3, GibMag: 0.006, Curve: -0.005},
		},
		Ready: true,
	})
	reg.AddLighthouse(&device.Lighthouse{
		Serial: "LHB-BBBB",
		Pose: geometry.Transform{
			Pos: r3.Vec{X: 2, Z: 0.5},
			Rot: geometry.FromAxisAngle(r3.Vec{Y: 0.8}),
		},
		Ready: true,
	})
	reg.AddTracker(&device.Tracker{
		Serial:           "LHR-CCCC",
		BodyFromHead:     geometry.Transform{Pos: r3.Vec{Z: 0.05}, Rot: geometry.Identity().Rot},
		TrackingFromHead: geometry.Transform{Pos: r3.Vec{Y: 0.01}, Rot: geometry.FromAxisAngle(r3.Vec{X: 0.1})},
		ImuFromTracking:  geometry.Identity(),
		Ready:            true,
	})

	require.NoError(t, s.SaveRegistry(reg))

	loaded := device.NewRegistry()
	loaded.AddTracker(&device.Tracker{Serial: "LHR-CCCC"})
	require.NoError(t, s.LoadRegistry(loaded))

	assertTransformNear(t, reg.WorldFromReference(), loaded.WorldFromReference())

	for _, serial := range []string{"LHB-AAAA", "LHB-BBBB"} {
		want, _ := reg.Lighthouse(serial)
		got, ok := loaded.Lighthouse(serial)
		require.True(t, ok, serial)
		assertTransformNear(t, want.Pose, got.Pose)
		if diff := cmp.Diff(want.Params, got.Params); diff != "" {
			t.Errorf("distortion params mismatch (-want +got):\n%s", diff)
		}
	}

	wantTr, _ := reg.Tracker("LHR-CCCC")
	gotTr, ok := loaded.Tracker("LHR-CCCC")
	require.True(t, ok)
	assertTransformNear(t, wantTr.BodyFromHead, gotTr.BodyFromHead)
	assertTransformNear(t, wantTr.TrackingFromHead, gotTr.TrackingFromHead)
}

func TestSaveRegistryRewrites(t *testing.T) {
	s := openTestStore(t)

	reg := device.NewRegistry()
	reg.AddLighthouse(&device.Lighthouse{Serial: "LHB-OLD", Pose: geometry.Identity()})
	require.NoError(t, s.SaveRegistry(reg))

	reg2 := device.NewRegistry()
	reg2.AddLighthouse(&device.Lighthouse{Serial: "LHB-NEW", Pose: geometry.Identity()})
	require.NoError(t, s.SaveRegistry(reg2))

	loaded := device.NewRegistry()
	require.NoError(t, s.LoadRegistry(loaded))
	_, oldExists := loaded.Lighthouse("LHB-OLD")
	_, newExists := loaded.Lighthouse("LHB-NEW")
	assert.False(t, oldExists)
	assert.True(t, newExists)
}

func assertTransformNear(t *testing.T, want, got geometry.Transform) {
	t.Helper()
	assert.InDelta(t, want.Pos.X, got.Pos.X, 1e-9)
	assert.InDelta(t, want.Pos.Y, got.Pos.Y, 1e-9)
	assert.InDelta(t, want.Pos.Z, got.Pos.Z, 1e-9)
	rel := geometry.ToAxisAngle(geometry.Normalize(
		want.Inverse().Compose(got).Rot))
	assert.Less(t, r3.Norm(rel), 1e-9)
}
