package track

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/api"
	"github.com/AvatarWorld/deepdive/internal/bundle"
	"github.com/AvatarWorld/deepdive/internal/device"
	"github.com/AvatarWorld/deepdive/internal/filter"
	"github.com/AvatarWorld/deepdive/internal/geometry"
	"github.com/AvatarWorld/deepdive/internal/ingest"
	"github.com/AvatarWorld/deepdive/internal/refine"
	"github.com/AvatarWorld/deepdive/internal/timeutil"
)

type fakePublisher struct {
	mu      sync.Mutex
	updates []api.PoseUpdate
}

func (p *fakePublisher) Broadcast(u api.PoseUpdate) {
	p.mu.Lock()
	p.updates = append(p.updates, u)
	p.mu.Unlock()
}

func (p *fakePublisher) Updates() []api.PoseUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]api.PoseUpdate, len(p.updates))
	copy(out, p.updates)
	return out
}

type fakeRecorder struct {
	mu          sync.Mutex
	sweeps      []bundle.Sweep
	corrections []refine.CorrectionSample
}

func (r *fakeRecorder) AddSweep(s bundle.Sweep) {
	r.mu.Lock()
	r.sweeps = append(r.sweeps, s)
	r.mu.Unlock()
}

func (r *fakeRecorder) AddCorrection(c refine.CorrectionSample) {
	r.mu.Lock()
	r.corrections = append(r.corrections, c)
	r.mu.Unlock()
}

var trackSensors = []r3.Vec{
	{X: 0.08, Y: 0.02, Z: 0.01},
	{X: -0.07, Y: 0.05, Z: -0.02},
	{X: 0.03, Y: -0.08, Z: 0.02},
	{X: -0.04, Y: -0.04, Z: -0.03},
	{X: 0.06, Y: 0.07, Z: -0.01},
	{X: -0.08, Y: -0.01, Z: 0.03},
	{X: 0.01, Y: 0.08, Z: 0.02},
	{X: -0.02, Y: -0.06, Z: -0.02},
}

func newTrackRegistry() *device.Registry {
	reg := device.NewRegistry()
	trk := &device.Tracker{
		Serial:           "LHR-TRACK",
		Frame:            "body",
		TrackingFromHead: geometry.Identity(),
		BodyFromHead:     geometry.Identity(),
		ImuFromTracking:  geometry.Identity(),
		Ready:            true,
	}
	for _, p := range trackSensors {
		trk.Sensors = append(trk.Sensors, device.Sensor{Position: p, Normal: r3.Vec{Z: -1}})
	}
	reg.AddTracker(trk)
	reg.AddLighthouse(&device.Lighthouse{
		Serial: "LHB-MASTER",
		Pose:   geometry.Identity(),
		Ready:  true,
	})
	return reg
}

// synthSweep builds a sweep whose pulses match a body at the given pose.
func synthSweep(body geometry.Transform, axis int, at time.Time) bundle.Sweep {
	s := bundle.Sweep{
		Tracker:    "LHR-TRACK",
		Lighthouse: "LHB-MASTER",
		Axis:       axis,
		Time:       at,
	}
	for id, pos := range trackSensors {
		ang := geometry.PredictedAngle(body, pos, geometry.Identity(), nil, axis, false)
		s.Pulses = append(s.Pulses, bundle.Pulse{Sensor: id, Angle: ang, Duration: 1e-4})
	}
	return s
}

func newTrackDaemon(t *testing.T, clock timeutil.Clock, pub Publisher, rec Recorder) *Daemon {
	t.Helper()
	cfg := filter.DefaultConfig(filter.ModeReduced)
	cfg.Initial.Pos = r3.Vec{Z: 1.8}
	flt, err := filter.New(cfg)
	require.NoError(t, err)
	return New(DefaultConfig("LHR-TRACK"), newTrackRegistry(), flt, clock, pub, rec)
}

func TestDaemonConvergesAndPublishes(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(base)
	pub := &fakePublisher{}
	d := newTrackDaemon(t, clock, pub, nil)

	truth := geometry.Transform{
		Pos: r3.Vec{X: 0.1, Y: -0.2, Z: 2.0},
		Rot: geometry.Identity().Rot,
	}
	for i := 0; i < 20; i++ {
		clock.Advance(10 * time.Millisecond)
		now := clock.Now()
		d.HandleSweep(synthSweep(truth, 0, now))
		d.HandleSweep(synthSweep(truth, 1, now))
	}

	clock.Advance(10 * time.Millisecond)
	d.Tick(clock.Now())

	updates := pub.Updates()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, "body", last.Frame)
	assert.InDelta(t, truth.Pos.X, last.Position[0], 0.01)
	assert.InDelta(t, truth.Pos.Y, last.Position[1], 0.01)
	assert.InDelta(t, truth.Pos.Z, last.Position[2], 0.01)
}

func TestDaemonNoPublishBeforeFuse(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(base)
	pub := &fakePublisher{}
	d := newTrackDaemon(t, clock, pub, nil)

	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Millisecond)
		d.Tick(clock.Now())
	}
	assert.Empty(t, pub.Updates())
}

func TestDaemonSkipsForeignTracker(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(base)
	rec := &fakeRecorder{}
	d := newTrackDaemon(t, clock, nil, rec)

	s := synthSweep(geometry.Identity(), 0, base)
	s.Tracker = "LHR-OTHER"
	d.HandleSweep(s)

	assert.Equal(t, uint64(1), d.Skipped())
	// The recorder still sees the raw sweep; recording is not limited to
	// the tracker this loop estimates.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.sweeps, 1)
}

func TestDaemonSkipsForeignIMU(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(base)
	d := newTrackDaemon(t, clock, nil, nil)

	d.HandleIMU(ingest.IMUMessage{Tracker: "LHR-OTHER", Time: base})
	assert.Equal(t, uint64(1), d.Skipped())

	// A matching sample is accepted without error even in the reduced
	// configuration, where the filter ignores inertial innovations.
	d.HandleIMU(ingest.IMUMessage{
		Tracker: "LHR-TRACK",
		Time:    base,
		Accel:   ingest.Vec3{0, 0, 9.8},
	})
	assert.Equal(t, uint64(1), d.Skipped())
}

func TestDaemonDeviceRegistration(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(base)
	d := newTrackDaemon(t, clock, nil, nil)

	d.HandleDevice(ingest.DeviceMessage{
		Lighthouse: &ingest.LighthouseDescription{Serial: "LHB-SECOND"},
	})
	lh, ok := d.reg.Lighthouse("LHB-SECOND")
	require.True(t, ok)
	assert.True(t, lh.Ready)
	// The first lighthouse keeps the master role.
	assert.Equal(t, "LHB-MASTER", d.reg.Master())
}

func TestDaemonForwardsCorrections(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(base)
	rec := &fakeRecorder{}
	d := newTrackDaemon(t, clock, nil, rec)

	d.HandleCorrection(ingest.CorrectionMessage{
		Time: base,
		Pose: [6]float64{1, 2, 3, 0, 0, 0},
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.corrections, 1)
	assert.Equal(t, 1.0, rec.corrections[0].Pose.Pos.X)
}

func TestCalibrateDefaultsScale(t *testing.T) {
	got := calibrate(r3.Vec{X: 2, Y: 4, Z: 6}, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{})
	assert.Equal(t, r3.Vec{X: 1, Y: 3, Z: 5}, got)

	got = calibrate(r3.Vec{X: 2}, r3.Vec{}, r3.Vec{X: 0.5, Y: 1, Z: 1})
	assert.Equal(t, r3.Vec{X: 1}, got)
}
