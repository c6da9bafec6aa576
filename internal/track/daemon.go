// Package track runs the real-time tracking loop: it feeds sweep and
// inertial measurements into the recursive filter, republishes the fused
// pose at a fixed rate, and forwards recorded data to the refiner.
package track

import (
	"context"
	"log"
	"sync"
	"time"

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

// Publisher receives fused pose updates. *api.Hub satisfies it.
type Publisher interface {
	Broadcast(api.PoseUpdate)
}

// Recorder receives raw measurements for offline refinement. *refine.Refiner
// satisfies it; the refiner drops everything outside a recording window.
type Recorder interface {
	AddSweep(bundle.Sweep)
	AddCorrection(refine.CorrectionSample)
}

// Config tunes the tracking loop.
type Config struct {
	// Serial is the tracker this loop estimates. Measurements from other
	// trackers are forwarded to the recorder but never enter the filter.
	Serial string
	// Rate is the pose publication rate in Hz.
	Rate float64
	// Thresholds gate low-quality pulses before they reach the filter.
	Thresholds bundle.Thresholds
}

// DefaultConfig returns a working loop configuration for one tracker.
func DefaultConfig(serial string) Config {
	return Config{
		Serial:     serial,
		Rate:       100,
		Thresholds: bundle.DefaultThresholds(),
	}
}

type angleKey struct {
	Sensor int
	Axis   int
}

// Daemon owns one filter instance and serializes all measurement and
// timer traffic into it.
type Daemon struct {
	cfg   Config
	reg   *device.Registry
	flt   *filter.Filter
	clock timeutil.Clock
	pub   Publisher
	rec   Recorder

	mu        sync.Mutex
	lastEvent time.Time
	// lastAngle keeps the most recent measured angle per sensor and axis.
	// The distortion model couples the two axes, so undistorting one axis
	// needs the latest measurement of the other.
	lastAngle map[angleKey]float64
	skipped   uint64
}

// New creates a tracking loop around an existing filter. pub and rec may
// be nil when pose publication or recording is not wanted.
func New(cfg Config, reg *device.Registry, flt *filter.Filter, clock timeutil.Clock, pub Publisher, rec Recorder) *Daemon {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Daemon{
		cfg:       cfg,
		reg:       reg,
		flt:       flt,
		clock:     clock,
		pub:       pub,
		rec:       rec,
		lastEvent: clock.Now(),
		lastAngle: make(map[angleKey]float64),
	}
}

// Run drives the fixed-rate predict and publish cycle until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	period := time.Duration(float64(time.Second) / d.cfg.Rate)
	ticker := d.clock.NewTicker(period)
	defer ticker.Stop()

	log.Printf("track: loop for %s at %.0f Hz", d.cfg.Serial, d.cfg.Rate)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			d.Tick(now)
		}
	}
}

// Tick advances the filter to now and publishes the fused pose. It is
// exported so tests can drive the loop without a running ticker.
func (d *Daemon) Tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.advance(now)
	d.flt.Commit()

	if d.pub == nil || !d.flt.Fused() {
		return
	}
	s := d.flt.State()
	frame := d.cfg.Serial
	if trk, ok := d.reg.Tracker(d.cfg.Serial); ok && trk.Frame != "" {
		frame = trk.Frame
	}
	d.pub.Broadcast(api.PoseUpdate{
		Time:        now,
		Frame:       frame,
		Position:    [3]float64{s.Pos.X, s.Pos.Y, s.Pos.Z},
		Orientation: [4]float64{s.Att.Real, s.Att.Imag, s.Att.Jmag, s.Att.Kmag},
	})
}

// advance runs a covariance prediction over the time elapsed since the
// last event. Caller holds d.mu. A stale or oversized step leaves the
// filter untouched.
func (d *Daemon) advance(now time.Time) {
	dt := now.Sub(d.lastEvent).Seconds()
	d.lastEvent = now
	_ = d.flt.Predict(dt)
}

// HandleSweep forwards the raw sweep to the recorder, then gates and
// feeds it to the filter.
func (d *Daemon) HandleSweep(s bundle.Sweep) {
	if d.rec != nil {
		d.rec.AddSweep(s)
	}
	if s.Tracker != d.cfg.Serial {
		d.skip()
		return
	}
	fs, err := bundle.FilterSweep(s, d.cfg.Thresholds)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	trk, ok := d.reg.Tracker(fs.Tracker)
	if !ok || !trk.Ready {
		d.skipped++
		return
	}
	lh, ok := d.reg.Lighthouse(fs.Lighthouse)
	if !ok || !lh.Ready {
		d.skipped++
		return
	}

	d.advance(d.clock.Now())

	worldFromLighthouse := d.reg.WorldFromReference().Compose(lh.Pose)
	bodyFromTracking := trk.BodyFromTracking()
	for _, p := range fs.Pulses {
		pos, err := trk.SensorPosition(p.Sensor)
		if err != nil {
			continue
		}
		d.lastAngle[angleKey{p.Sensor, fs.Axis}] = p.Angle

		var pair [2]float64
		pair[fs.Axis] = p.Angle
		pair[1-fs.Axis] = d.lastAngle[angleKey{p.Sensor, 1 - fs.Axis}]
		ideal := geometry.Undistort(&lh.Params, pair)

		d.flt.UpdateAngle(ideal[fs.Axis], bodyFromTracking.Apply(pos), worldFromLighthouse, fs.Axis)
	}
	d.flt.Commit()
}

// HandleIMU feeds an inertial sample to the filter after applying the
// device's bias and scale calibration and rotating into the body frame.
func (d *Daemon) HandleIMU(m ingest.IMUMessage) {
	if m.Tracker != d.cfg.Serial {
		d.skip()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	trk, ok := d.reg.Tracker(m.Tracker)
	if !ok || !trk.Ready {
		d.skipped++
		return
	}

	d.advance(d.clock.Now())

	accel := calibrate(m.Accel.R3(), trk.AccelBias, trk.AccelScale)
	gyro := calibrate(m.Gyro.R3(), trk.GyroBias, trk.GyroScale)

	// IMU samples arrive in the IMU frame. The filter models them in the
	// body frame.
	bodyFromImu := trk.BodyFromTracking().Compose(trk.ImuFromTracking.Inverse())
	d.flt.UpdateIMU(
		geometry.Rotate(bodyFromImu.Rot, accel),
		geometry.Rotate(bodyFromImu.Rot, gyro),
	)
	d.flt.Commit()
}

// HandleDevice registers or replaces a device description.
func (d *Daemon) HandleDevice(m ingest.DeviceMessage) {
	if m.Tracker != nil {
		d.reg.AddTracker(m.Tracker.Device())
		log.Printf("track: registered tracker %s", m.Tracker.Serial)
	}
	if m.Lighthouse != nil {
		d.reg.AddLighthouse(m.Lighthouse.Device())
		log.Printf("track: registered lighthouse %s", m.Lighthouse.Serial)
	}
}

// HandleCorrection forwards a ground-truth pose sample to the recorder.
func (d *Daemon) HandleCorrection(m ingest.CorrectionMessage) {
	if d.rec == nil {
		return
	}
	d.rec.AddCorrection(refine.CorrectionSample{
		Time: m.Time,
		Pose: m.Transform(),
	})
}

// Skipped reports how many measurements were dropped for identity or
// readiness mismatches.
func (d *Daemon) Skipped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.skipped
}

func (d *Daemon) skip() {
	d.mu.Lock()
	d.skipped++
	d.mu.Unlock()
}

// calibrate applies offset and per-axis scale to a raw sample.
func calibrate(raw, bias, scale r3.Vec) r3.Vec {
	if scale == (r3.Vec{}) {
		scale = r3.Vec{X: 1, Y: 1, Z: 1}
	}
	return r3.Vec{
		X: (raw.X - bias.X) * scale.X,
		Y: (raw.Y - bias.Y) * scale.Y,
		Z: (raw.Z - bias.Z) * scale.Z,
	}
}
