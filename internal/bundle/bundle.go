// Package bundle filters raw lighthouse pulses by quality thresholds and
// aggregates them into fixed-width time epochs so downstream estimation can
// work with averaged angles instead of single noisy samples.
package bundle

import (
	"errors"
	"math"
	"sort"
	"time"
)

// ErrInsufficientData reports that a sweep or epoch did not retain enough
// pulses to be useful. Callers drop the batch and continue.
var ErrInsufficientData = errors.New("bundle: insufficient data")

// Pulse is one photodiode hit inside a sweep.
type Pulse struct {
	Sensor   int     `json:"sensor"`
	Angle    float64 `json:"angle"`    // radians
	Duration float64 `json:"duration"` // seconds
}

// Sweep is one rotor pass of one lighthouse as seen by one tracker: every
// pulse shares the tracker, lighthouse, axis and timestamp.
type Sweep struct {
	Tracker    string    `json:"tracker"`
	Lighthouse string    `json:"lighthouse"`
	Axis       int       `json:"axis"`
	Time       time.Time `json:"time"`
	Pulses     []Pulse   `json:"pulses"`
}

// Thresholds are the pulse quality gates.
type Thresholds struct {
	// MaxAngle is the angle beyond which a pulse is suspect (radians).
	MaxAngle float64
	// MinDuration is the duration below which a pulse is suspect (seconds).
	MinDuration float64
	// MinCount is the minimum number of retained pulses for a sweep to be
	// kept at all.
	MinCount int
}

// DefaultThresholds matches the tracker hardware: 60° angle limit, 1 µs
// duration floor, at least 4 pulses per sweep.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxAngle:    60.0 / 57.2958,
		MinDuration: 1e-6,
		MinCount:    4,
	}
}

// Retain returns the pulses that pass the quality gate. A pulse is dropped
// only when its angle exceeds MaxAngle AND its duration is below
// MinDuration; either condition alone keeps the pulse. The input slice is
// not modified.
func Retain(pulses []Pulse, th Thresholds) []Pulse {
	out := make([]Pulse, 0, len(pulses))
	for _, p := range pulses {
		if math.Abs(p.Angle) > th.MaxAngle && p.Duration < th.MinDuration {
			continue
		}
		out = append(out, p)
	}
	return out
}

// FilterSweep applies Retain to a sweep and enforces the per-sweep count
// threshold. The returned sweep shares no pulse storage with the input.
func FilterSweep(s Sweep, th Thresholds) (Sweep, error) {
	kept := Retain(s.Pulses, th)
	if len(kept) < th.MinCount {
		return Sweep{}, ErrInsufficientData
	}
	s.Pulses = kept
	return s, nil
}

// Epoch quantizes a timestamp to the nearest multiple of resolution.
func Epoch(t time.Time, resolution time.Duration) time.Time {
	return t.Round(resolution)
}

// SampleKey identifies one averaged angle inside an epoch.
type SampleKey struct {
	Sensor int
	Axis   int
}

// EpochSamples holds the mean angles of one epoch for one
// (tracker, lighthouse) pair.
type EpochSamples struct {
	Time time.Time
	Mean map[SampleKey]float64
}

// UsableSensors returns the sensors for which both axis means exist,
// sorted by id. Only these sensors participate in pose estimation.
func (e EpochSamples) UsableSensors() []int {
	var out []int
	for k := range e.Mean {
		if k.Axis != 0 {
			continue
		}
		if _, ok := e.Mean[SampleKey{Sensor: k.Sensor, Axis: 1}]; ok {
			out = append(out, k.Sensor)
		}
	}
	sort.Ints(out)
	return out
}

// Series is the bundled measurement history for one (tracker, lighthouse)
// pair, epochs in ascending time order.
type Series struct {
	Tracker    string
	Lighthouse string
	Epochs     []EpochSamples
}

type seriesKey struct {
	tracker    string
	lighthouse string
}

type accum struct {
	sum   float64
	count int
}

// Bundle groups sweeps into epochs of the given resolution and averages the
// angle per (tracker, lighthouse, epoch, sensor, axis). The result is sorted
// by (tracker, lighthouse) and by epoch time within each series.
func Bundle(sweeps []Sweep, resolution time.Duration) []Series {
	sums := make(map[seriesKey]map[time.Time]map[SampleKey]*accum)
	for _, s := range sweeps {
		sk := seriesKey{tracker: s.Tracker, lighthouse: s.Lighthouse}
		epochs := sums[sk]
		if epochs == nil {
			epochs = make(map[time.Time]map[SampleKey]*accum)
			sums[sk] = epochs
		}
		et := Epoch(s.Time, resolution)
		samples := epochs[et]
		if samples == nil {
			samples = make(map[SampleKey]*accum)
			epochs[et] = samples
		}
		for _, p := range s.Pulses {
			key := SampleKey{Sensor: p.Sensor, Axis: s.Axis}
			a := samples[key]
			if a == nil {
				a = &accum{}
				samples[key] = a
			}
			a.sum += p.Angle
			a.count++
		}
	}

	out := make([]Series, 0, len(sums))
	for sk, epochs := range sums {
		series := Series{Tracker: sk.tracker, Lighthouse: sk.lighthouse}
		for et, samples := range epochs {
			es := EpochSamples{Time: et, Mean: make(map[SampleKey]float64, len(samples))}
			for key, a := range samples {
				es.Mean[key] = a.sum / float64(a.count)
			}
			series.Epochs = append(series.Epochs, es)
		}
		sort.Slice(series.Epochs, func(i, j int) bool {
			return series.Epochs[i].Time.Before(series.Epochs[j].Time)
		})
		out = append(out, series)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tracker != out[j].Tracker {
			return out[i].Tracker < out[j].Tracker
		}
		return out[i].Lighthouse < out[j].Lighthouse
	})
	return out
}
