// Package device holds the tracked-device descriptions: trackers with their
// photosensor arrays and IMU calibration, and lighthouses with their vive
// frame registration and rotor distortion parameters. A Registry owns the
// maps; configuration load and device-description ingest write them, the
// real-time filter only reads, and the batch refiner writes back refined
// values after a successful solve.
package device

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/geometry"
)

// MaxSensors is the maximum photosensor count per tracker.
const MaxSensors = 32

// Sensor is one photosensor on a tracker, in the tracking frame.
type Sensor struct {
	Position r3.Vec
	Normal   r3.Vec
}

// Tracker describes one tracked device.
type Tracker struct {
	Serial string
	Frame  string // frame id used when broadcasting poses

	// IMU calibration, read from the device.
	AccelBias  r3.Vec
	AccelScale r3.Vec
	GyroBias   r3.Vec
	GyroScale  r3.Vec

	// Photosensor array in the tracking frame.
	Sensors []Sensor

	// Rigid transforms between the device's internal frames.
	ImuFromTracking  geometry.Transform // tracking → IMU
	TrackingFromHead geometry.Transform // head → tracking
	BodyFromHead     geometry.Transform // head → body

	// Ready flips once a device description has been received; measurements
	// for a tracker that is not ready are skipped.
	Ready bool
}

// SensorPosition returns the position of sensor id in the tracking frame.
func (t *Tracker) SensorPosition(id int) (r3.Vec, error) {
	if id < 0 || id >= len(t.Sensors) {
		return r3.Vec{}, fmt.Errorf("tracker %s: sensor %d out of range", t.Serial, id)
	}
	return t.Sensors[id].Position, nil
}

// BodyFromTracking composes the tracking → body transform from the device's
// internal chain: tracking → head → body.
func (t *Tracker) BodyFromTracking() geometry.Transform {
	return t.BodyFromHead.Compose(t.TrackingFromHead.Inverse())
}

// Lighthouse describes one sweep beacon.
type Lighthouse struct {
	Serial string

	// Pose maps the lighthouse frame into the vive reference frame (vTl).
	Pose geometry.Transform

	// Params holds the per-axis scan distortion coefficients.
	Params [2]geometry.Distortion

	Ready bool
}

// Registry owns the tracker and lighthouse maps for one process. The first
// lighthouse added is the master: its pose anchors the vive frame and is
// never free during refinement.
type Registry struct {
	mu          sync.RWMutex
	trackers    map[string]*Tracker
	lighthouses map[string]*Lighthouse
	order       []string // lighthouse serials in registration order

	// registration maps the vive reference frame into the world frame
	// (wTv).
	registration geometry.Transform
}

// NewRegistry returns an empty registry with an identity world
// registration.
func NewRegistry() *Registry {
	return &Registry{
		trackers:     make(map[string]*Tracker),
		lighthouses:  make(map[string]*Lighthouse),
		registration: geometry.Identity(),
	}
}

// WorldFromReference returns the vive → world registration.
func (r *Registry) WorldFromReference() geometry.Transform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registration
}

// SetWorldFromReference replaces the vive → world registration.
func (r *Registry) SetWorldFromReference(t geometry.Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registration = t
}

// AddTracker registers or replaces a tracker description.
func (r *Registry) AddTracker(t *Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackers[t.Serial] = t
}

// AddLighthouse registers or replaces a lighthouse description. Registration
// order is preserved so the master designation is stable.
func (r *Registry) AddLighthouse(l *Lighthouse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.lighthouses[l.Serial]; !seen {
		r.order = append(r.order, l.Serial)
	}
	r.lighthouses[l.Serial] = l
}

// Tracker looks up a tracker by serial.
func (r *Registry) Tracker(serial string) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[serial]
	return t, ok
}

// Lighthouse looks up a lighthouse by serial.
func (r *Registry) Lighthouse(serial string) (*Lighthouse, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.lighthouses[serial]
	return l, ok
}

// Master returns the serial of the master lighthouse, or "" when none is
// registered.
func (r *Registry) Master() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return ""
	}
	return r.order[0]
}

// Trackers returns the registered trackers in no particular order.
func (r *Registry) Trackers() []*Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		out = append(out, t)
	}
	return out
}

// Lighthouses returns the registered lighthouses in registration order.
func (r *Registry) Lighthouses() []*Lighthouse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Lighthouse, 0, len(r.order))
	for _, serial := range r.order {
		out = append(out, r.lighthouses[serial])
	}
	return out
}
