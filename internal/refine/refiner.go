// Package refine implements the offline batch calibration: it accumulates
// recorded sweeps between triggers, bundles them into epochs, bootstraps
// per-epoch poses by perspective-pose solving, and jointly refines body
// trajectories, lighthouse poses, distortion coefficients, and tracker
// extrinsics in one robust nonlinear least-squares problem.
package refine

import (
	"context"
	"errors"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AvatarWorld/deepdive/internal/bootstrap"
	"github.com/AvatarWorld/deepdive/internal/bundle"
	"github.com/AvatarWorld/deepdive/internal/device"
	"github.com/AvatarWorld/deepdive/internal/geometry"
)

// ErrBusy reports a trigger that arrived while a solve was running.
var ErrBusy = errors.New("refine: solve in progress")

// ErrNoData reports a solve attempted with no usable epochs.
var ErrNoData = errors.New("refine: no usable epochs")

// State is the refiner lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateSolving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateSolving:
		return "solving"
	default:
		return "unknown"
	}
}

// FreezeFlags hold each parameter family constant during refinement. The
// master lighthouse pose is frozen unconditionally.
type FreezeFlags struct {
	World            bool `json:"world"`
	Lighthouses      bool `json:"lighthouses"`
	Params           bool `json:"params"`
	BodyFromHead     bool `json:"body_from_head"`
	TrackingFromHead bool `json:"tracking_from_head"`
	Sensors          bool `json:"sensors"`
}

// Config tunes one refinement cycle.
type Config struct {
	Resolution time.Duration
	Smoothing  float64
	Thresholds bundle.Thresholds
	HuberDelta float64
	Planar     bool
	Freeze     FreezeFlags
	Solver     Options
	Bootstrap  bootstrap.Config

	// TrajectoryFromCorrections pins each epoch pose to the nearest
	// ground-truth correction sample and freezes it. With the trajectory
	// externally fixed the world registration becomes observable, so this
	// mode aligns the vive frame against an external reference system.
	TrajectoryFromCorrections bool
}

// DefaultRefineConfig returns the standard tuning.
func DefaultRefineConfig() Config {
	return Config{
		Resolution: 100 * time.Millisecond,
		Smoothing:  10,
		Thresholds: bundle.DefaultThresholds(),
		HuberDelta: 1.0,
		Solver:     DefaultOptions(),
		Bootstrap:  bootstrap.DefaultConfig(),
	}
}

// CorrectionSample is an external ground-truth pose used only for
// evaluation, never for estimation.
type CorrectionSample struct {
	Time time.Time
	Pose geometry.Transform
}

// TrajectoryPoint is one refined body pose.
type TrajectoryPoint struct {
	Time    time.Time
	Tracker string
	Pose    geometry.Transform
}

// PerformancePair couples a refined pose with the nearest ground-truth
// correction sample of the same epoch.
type PerformancePair struct {
	Time      time.Time
	Tracker   string
	Estimated geometry.Transform
	Truth     geometry.Transform
}

// Result is the outcome of a successful solve.
type Result struct {
	// ID tags one solve across log lines, reports and the API.
	ID                 uuid.UUID
	Summary            Summary
	WorldFromReference geometry.Transform
	Trajectory         []TrajectoryPoint
	Performance        []PerformancePair
	MeanHeight         float64
}

// Refiner accumulates recorded measurements and refines calibration on
// demand. It owns the write path into the device registry.
type Refiner struct {
	mu          sync.Mutex
	cfg         Config
	reg         *device.Registry
	state       State
	sweeps      []bundle.Sweep
	corrections []CorrectionSample
	lastSweep   time.Time
	last        *Result
}

// NewRefiner returns an idle refiner over the given registry.
func NewRefiner(reg *device.Registry, cfg Config) *Refiner {
	if cfg.Resolution <= 0 {
		cfg.Resolution = DefaultRefineConfig().Resolution
	}
	if cfg.Smoothing == 0 {
		cfg.Smoothing = DefaultRefineConfig().Smoothing
	}
	if cfg.HuberDelta <= 0 {
		cfg.HuberDelta = DefaultRefineConfig().HuberDelta
	}
	return &Refiner{cfg: cfg, reg: reg}
}

// State returns the current lifecycle state.
func (r *Refiner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastResult returns the most recent successful solve, or nil.
func (r *Refiner) LastResult() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// IdleSince returns the time of the last recorded sweep, for continuous
// mode idle-timeout triggering.
func (r *Refiner) IdleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSweep
}

// AddSweep records one sweep. Sweeps arriving outside a recording window
// are dropped.
func (r *Refiner) AddSweep(s bundle.Sweep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateAccumulating {
		return
	}
	r.sweeps = append(r.sweeps, s)
	r.lastSweep = time.Now()
}

// AddCorrection records one ground-truth pose sample.
func (r *Refiner) AddCorrection(c CorrectionSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateAccumulating {
		return
	}
	r.corrections = append(r.corrections, c)
}

// Trigger toggles the recording window. The first call starts recording;
// the second stops it and runs a solve before returning. A call during a
// solve fails with ErrBusy.
func (r *Refiner) Trigger(ctx context.Context) (State, string, error) {
	r.mu.Lock()
	switch r.state {
	case StateSolving:
		r.mu.Unlock()
		return StateSolving, "solve in progress", ErrBusy
	case StateIdle:
		r.state = StateAccumulating
		r.mu.Unlock()
		return StateAccumulating, "recording started", nil
	}

	// Stop recording: snapshot the buffers and solve. Buffers are cleared
	// at snapshot time, so a failed solve never leaves stale data behind.
	r.state = StateSolving
	sweeps := r.sweeps
	corrections := r.corrections
	r.sweeps = nil
	r.corrections = nil
	r.mu.Unlock()

	res, err := r.solve(ctx, sweeps, corrections)

	r.mu.Lock()
	r.state = StateIdle
	if err == nil {
		r.last = res
	}
	r.mu.Unlock()

	if err != nil {
		return StateIdle, "refinement failed: " + err.Error(), err
	}
	return StateIdle, "refinement complete", nil
}

// epochBlocks are the four pose sub-blocks of one (tracker, epoch).
type epochBlocks struct {
	time  time.Time
	posXY *Block
	posZ  *Block
	rotXY *Block
	rotZ  *Block
}

func (e *epochBlocks) pose() geometry.Transform {
	return geometry.FromParam6([6]float64{
		e.posXY.Values[0], e.posXY.Values[1], e.posZ.Values[0],
		e.rotXY.Values[0], e.rotXY.Values[1], e.rotZ.Values[0],
	})
}

// lighthouseBlocks are the pose and distortion blocks of one lighthouse.
type lighthouseBlocks struct {
	pose   *Block
	params *Block
}

// trackerBlocks are the extrinsic blocks of one tracker.
type trackerBlocks struct {
	bodyFromHead     *Block
	trackingFromHead *Block
	sensors          *Block
}

func (r *Refiner) solve(ctx context.Context, sweeps []bundle.Sweep, corrections []CorrectionSample) (*Result, error) {
	id := uuid.New()
	kept := make([]bundle.Sweep, 0, len(sweeps))
	for _, s := range sweeps {
		f, err := bundle.FilterSweep(s, r.cfg.Thresholds)
		if err != nil {
			continue
		}
		kept = append(kept, f)
	}
	series := bundle.Bundle(kept, r.cfg.Resolution)
	if len(series) == 0 {
		return nil, ErrNoData
	}

	// Initial world-frame body pose per (tracker, epoch): either bootstrap
	// estimates, preferring the master lighthouse's solution, or pinned
	// ground-truth corrections. The running mean height feeds planar mode.
	var height Statistic
	var inits map[string]map[time.Time]geometry.Transform
	if r.cfg.TrajectoryFromCorrections {
		inits = posesFromCorrections(series, corrections, r.cfg.Resolution)
	} else {
		inits = r.bootstrapPoses(series, &height)
	}
	if len(inits) == 0 {
		return nil, ErrNoData
	}

	p := NewProblem()

	wTv := r.reg.WorldFromReference().Param6()
	worldBlock := p.AddBlock(wTv[:])
	if r.cfg.Freeze.World {
		worldBlock.Freeze()
	}

	master := r.reg.Master()
	lhBlocks := make(map[string]*lighthouseBlocks)
	for _, lh := range r.reg.Lighthouses() {
		pose := lh.Pose.Param6()
		lb := &lighthouseBlocks{
			pose:   p.AddBlock(pose[:]),
			params: p.AddBlock(flattenDistortion(lh.Params)),
		}
		if r.cfg.Freeze.Lighthouses || lh.Serial == master {
			lb.pose.Freeze()
		}
		if r.cfg.Freeze.Params {
			lb.params.Freeze()
		}
		lhBlocks[lh.Serial] = lb
	}

	trBlocks := make(map[string]*trackerBlocks)
	for _, tr := range r.reg.Trackers() {
		bTh := tr.BodyFromHead.Param6()
		tTh := tr.TrackingFromHead.Param6()
		sensors := make([]float64, 0, 3*len(tr.Sensors))
		for _, s := range tr.Sensors {
			sensors = append(sensors, s.Position.X, s.Position.Y, s.Position.Z)
		}
		tb := &trackerBlocks{
			bodyFromHead:     p.AddBlock(bTh[:]),
			trackingFromHead: p.AddBlock(tTh[:]),
			sensors:          p.AddBlock(sensors),
		}
		if r.cfg.Freeze.BodyFromHead {
			tb.bodyFromHead.Freeze()
		}
		if r.cfg.Freeze.TrackingFromHead {
			tb.trackingFromHead.Freeze()
		}
		if r.cfg.Freeze.Sensors {
			tb.sensors.Freeze()
		}
		trBlocks[tr.Serial] = tb
	}

	// Per-epoch pose blocks, initialized from the bootstrap estimates.
	epochs := make(map[string]map[time.Time]*epochBlocks)
	for tracker, byTime := range inits {
		m := make(map[time.Time]*epochBlocks, len(byTime))
		for t, pose := range byTime {
			p6 := pose.Param6()
			eb := &epochBlocks{
				time:  t,
				posXY: p.AddBlock([]float64{p6[0], p6[1]}),
				posZ:  p.AddBlock([]float64{p6[2]}),
				rotXY: p.AddBlock([]float64{p6[3], p6[4]}),
				rotZ:  p.AddBlock([]float64{p6[5]}),
			}
			if r.cfg.TrajectoryFromCorrections {
				eb.posXY.Freeze()
				eb.posZ.Freeze()
				eb.rotXY.Freeze()
				eb.rotZ.Freeze()
			} else if r.cfg.Planar {
				eb.posZ.Values[0] = height.Mean()
				eb.posZ.Freeze()
				eb.rotXY.Values[0] = 0
				eb.rotXY.Values[1] = 0
				eb.rotXY.Freeze()
			}
			m[t] = eb
		}
		epochs[tracker] = m
	}

	loss := HuberLoss{Delta: r.cfg.HuberDelta}
	residuals := 0
	for _, s := range series {
		lb, ok := lhBlocks[s.Lighthouse]
		if !ok {
			continue
		}
		tb, ok := trBlocks[s.Tracker]
		if !ok {
			continue
		}
		tr, _ := r.reg.Tracker(s.Tracker)
		for _, ep := range s.Epochs {
			eb, ok := epochs[s.Tracker][ep.Time]
			if !ok {
				continue
			}
			for _, sensor := range ep.UsableSensors() {
				if sensor < 0 || sensor >= len(tr.Sensors) {
					continue
				}
				for axis := 0; axis < 2; axis++ {
					mean := ep.Mean[bundle.SampleKey{Sensor: sensor, Axis: axis}]
					p.AddResidual(
						angleCost{sensor: sensor, axis: axis, measured: mean},
						loss,
						worldBlock, lb.pose, lb.params,
						tb.bodyFromHead, tb.trackingFromHead, tb.sensors,
						eb.posXY, eb.posZ, eb.rotXY, eb.rotZ,
					)
					residuals++
				}
			}
		}
	}
	if residuals == 0 {
		return nil, ErrNoData
	}

	// Continuity prior between adjacent epochs of each tracker. A pinned
	// trajectory needs no prior.
	if !r.cfg.TrajectoryFromCorrections {
		for _, byTime := range epochs {
			ordered := sortedEpochs(byTime)
			for i := 1; i < len(ordered); i++ {
				prev, next := ordered[i-1], ordered[i]
				p.AddResidual(
					motionCost{smoothing: r.cfg.Smoothing},
					nil,
					prev.posXY, prev.posZ, prev.rotXY, prev.rotZ,
					next.posXY, next.posZ, next.rotXY, next.rotZ,
				)
			}
		}
	}

	sum, err := Solve(ctx, p, r.cfg.Solver)
	if err != nil || !sum.Usable() {
		log.Printf("refine: solve %s unusable (%s), calibration unchanged", id, sum.Termination)
		if err == nil {
			err = ErrSolveFailed
		}
		return nil, err
	}
	log.Printf("refine: solve %s %s after %d iterations, cost %.3e -> %.3e",
		id, sum.Termination, sum.Iterations, sum.InitialCost, sum.FinalCost)

	// Commit refined values to the registry.
	r.reg.SetWorldFromReference(geometry.FromParam6([6]float64(worldBlock.Values[:6])))
	for _, lh := range r.reg.Lighthouses() {
		lb := lhBlocks[lh.Serial]
		lh.Pose = geometry.FromParam6([6]float64(lb.pose.Values[:6]))
		lh.Params = unflattenDistortion(lb.params.Values)
	}
	for _, tr := range r.reg.Trackers() {
		tb := trBlocks[tr.Serial]
		tr.BodyFromHead = geometry.FromParam6([6]float64(tb.bodyFromHead.Values[:6]))
		tr.TrackingFromHead = geometry.FromParam6([6]float64(tb.trackingFromHead.Values[:6]))
		for i := range tr.Sensors {
			o := 3 * i
			tr.Sensors[i].Position.X = tb.sensors.Values[o]
			tr.Sensors[i].Position.Y = tb.sensors.Values[o+1]
			tr.Sensors[i].Position.Z = tb.sensors.Values[o+2]
		}
	}

	res := &Result{
		ID:                 id,
		Summary:            sum,
		WorldFromReference: r.reg.WorldFromReference(),
		MeanHeight:         height.Mean(),
	}
	for tracker, byTime := range epochs {
		for _, eb := range sortedEpochs(byTime) {
			res.Trajectory = append(res.Trajectory, TrajectoryPoint{
				Time:    eb.time,
				Tracker: tracker,
				Pose:    eb.pose(),
			})
		}
	}
	sort.Slice(res.Trajectory, func(i, j int) bool {
		if !res.Trajectory[i].Time.Equal(res.Trajectory[j].Time) {
			return res.Trajectory[i].Time.Before(res.Trajectory[j].Time)
		}
		return res.Trajectory[i].Tracker < res.Trajectory[j].Tracker
	})
	res.Performance = pairCorrections(res.Trajectory, corrections, r.cfg.Resolution)
	return res, nil
}

// bootstrapPoses runs the perspective-pose estimator on every (tracker,
// lighthouse, epoch) with enough usable sensors, composing the result into
// a world-frame body pose. When several lighthouses see the same epoch the
// master's estimate wins.
func (r *Refiner) bootstrapPoses(series []bundle.Series, height *Statistic) map[string]map[time.Time]geometry.Transform {
	master := r.reg.Master()
	wTv := r.reg.WorldFromReference()

	out := make(map[string]map[time.Time]geometry.Transform)
	fromMaster := make(map[string]map[time.Time]bool)

	for _, s := range series {
		lh, ok := r.reg.Lighthouse(s.Lighthouse)
		if !ok {
			continue
		}
		tr, ok := r.reg.Tracker(s.Tracker)
		if !ok {
			continue
		}
		bodyFromTracking := tr.BodyFromTracking()

		for _, ep := range s.Epochs {
			if out[s.Tracker] != nil && fromMaster[s.Tracker][ep.Time] {
				continue
			}
			var obs []bootstrap.Observation
			for _, sensor := range ep.UsableSensors() {
				pos, err := tr.SensorPosition(sensor)
				if err != nil {
					continue
				}
				measured := [2]float64{
					ep.Mean[bundle.SampleKey{Sensor: sensor, Axis: 0}],
					ep.Mean[bundle.SampleKey{Sensor: sensor, Axis: 1}],
				}
				ideal := geometry.Undistort(&lh.Params, measured)
				obs = append(obs, bootstrap.Observation{
					Sensor:    pos,
					Azimuth:   ideal[0],
					Elevation: ideal[1],
				})
			}
			lTt, err := bootstrap.EstimatePose(obs, r.cfg.Bootstrap)
			if err != nil {
				continue
			}
			wTb := wTv.Compose(lh.Pose).Compose(lTt).Compose(bodyFromTracking.Inverse())
			if out[s.Tracker] == nil {
				out[s.Tracker] = make(map[time.Time]geometry.Transform)
				fromMaster[s.Tracker] = make(map[time.Time]bool)
			}
			out[s.Tracker][ep.Time] = wTb
			fromMaster[s.Tracker][ep.Time] = s.Lighthouse == master
			height.Add(wTb.Pos.Z)
		}
	}
	return out
}

// posesFromCorrections pins each epoch seen in the series to the nearest
// correction sample within half an epoch. Epochs without a matching sample
// are skipped.
func posesFromCorrections(series []bundle.Series, corrections []CorrectionSample, resolution time.Duration) map[string]map[time.Time]geometry.Transform {
	if len(corrections) == 0 {
		return nil
	}
	sorted := append([]CorrectionSample(nil), corrections...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	half := resolution / 2

	out := make(map[string]map[time.Time]geometry.Transform)
	for _, s := range series {
		for _, ep := range s.Epochs {
			idx := sort.Search(len(sorted), func(i int) bool {
				return !sorted[i].Time.Before(ep.Time)
			})
			best := -1
			bestDt := time.Duration(math.MaxInt64)
			for _, i := range []int{idx - 1, idx} {
				if i < 0 || i >= len(sorted) {
					continue
				}
				dt := sorted[i].Time.Sub(ep.Time)
				if dt < 0 {
					dt = -dt
				}
				if dt < bestDt {
					best, bestDt = i, dt
				}
			}
			if best < 0 || bestDt > half {
				continue
			}
			if out[s.Tracker] == nil {
				out[s.Tracker] = make(map[time.Time]geometry.Transform)
			}
			out[s.Tracker][ep.Time] = sorted[best].Pose
		}
	}
	return out
}

func sortedEpochs(byTime map[time.Time]*epochBlocks) []*epochBlocks {
	out := make([]*epochBlocks, 0, len(byTime))
	for _, eb := range byTime {
		out = append(out, eb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].time.Before(out[j].time) })
	return out
}

// pairCorrections matches each trajectory point with the nearest
// correction sample within half an epoch.
func pairCorrections(traj []TrajectoryPoint, corrections []CorrectionSample, resolution time.Duration) []PerformancePair {
	if len(corrections) == 0 {
		return nil
	}
	sort.Slice(corrections, func(i, j int) bool {
		return corrections[i].Time.Before(corrections[j].Time)
	})
	half := resolution / 2

	var out []PerformancePair
	for _, tp := range traj {
		idx := sort.Search(len(corrections), func(i int) bool {
			return !corrections[i].Time.Before(tp.Time)
		})
		best := -1
		bestDt := time.Duration(math.MaxInt64)
		for _, i := range []int{idx - 1, idx} {
			if i < 0 || i >= len(corrections) {
				continue
			}
			dt := corrections[i].Time.Sub(tp.Time)
			if dt < 0 {
				dt = -dt
			}
			if dt < bestDt {
				best, bestDt = i, dt
			}
		}
		if best < 0 || bestDt > half {
			continue
		}
		out = append(out, PerformancePair{
			Time:      tp.Time,
			Tracker:   tp.Tracker,
			Estimated: tp.Pose,
			Truth:     corrections[best].Pose,
		})
	}
	return out
}
