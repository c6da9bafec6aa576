package bundle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetainRejectsOnlyBothConditions(t *testing.T) {
	th := DefaultThresholds()
	pulses := []Pulse{
		{Sensor: 0, Angle: 0.1, Duration: 2e-6},             // fine
		{Sensor: 1, Angle: 1.2, Duration: 2e-6},             // wide but long
		{Sensor: 2, Angle: 0.1, Duration: 1e-7},             // narrow but short
		{Sensor: 3, Angle: 1.2, Duration: 1e-7},             // wide and short
		{Sensor: 4, Angle: -1.2, Duration: 5e-7},            // wide and short, negative
		{Sensor: 5, Angle: th.MaxAngle, Duration: th.MinDuration}, // exactly at limits
	}
	kept := Retain(pulses, th)
	var ids []int
	for _, p := range kept {
		ids = append(ids, p.Sensor)
	}
	assert.Equal(t, []int{0, 1, 2, 5}, ids)
}

func TestFilterSweepMinCount(t *testing.T) {
	th := DefaultThresholds()
	s := Sweep{
		Tracker:    "T1",
		Lighthouse: "L1",
		Axis:       0,
		Pulses: []Pulse{
			{Sensor: 0, Angle: 0.1, Duration: 2e-6},
			{Sensor: 1, Angle: 0.2, Duration: 2e-6},
			{Sensor: 2, Angle: 0.3, Duration: 2e-6},
		},
	}
	_, err := FilterSweep(s, th)
	assert.ErrorIs(t, err, ErrInsufficientData)

	s.Pulses = append(s.Pulses, Pulse{Sensor: 3, Angle: 0.15, Duration: 2e-6})
	out, err := FilterSweep(s, th)
	require.NoError(t, err)
	assert.Len(t, out.Pulses, 4)
}

func TestEpochRounding(t *testing.T) {
	res := 100 * time.Millisecond
	base := time.Unix(100, 0)

	assert.Equal(t, base, Epoch(base.Add(40*time.Millisecond), res))
	assert.Equal(t, base, Epoch(base.Add(49*time.Millisecond), res))
	assert.Equal(t, base.Add(100*time.Millisecond), Epoch(base.Add(51*time.Millisecond), res))
	assert.Equal(t, base.Add(100*time.Millisecond), Epoch(base.Add(60*time.Millisecond), res))
}

func TestBundleAveragesWithinEpoch(t *testing.T) {
	res := 100 * time.Millisecond
	base := time.Unix(200, 0)
	sweeps := []Sweep{
		{
			Tracker: "T1", Lighthouse: "L1", Axis: 0,
			Time:   base.Add(10 * time.Millisecond),
			Pulses: []Pulse{{Sensor: 0, Angle: 0.10, Duration: 2e-6}},
		},
		{
			Tracker: "T1", Lighthouse: "L1", Axis: 0,
			Time:   base.Add(30 * time.Millisecond),
			Pulses: []Pulse{{Sensor: 0, Angle: 0.20, Duration: 2e-6}},
		},
		{
			Tracker: "T1", Lighthouse: "L1", Axis: 1,
			Time:   base.Add(20 * time.Millisecond),
			Pulses: []Pulse{{Sensor: 0, Angle: -0.05, Duration: 2e-6}},
		},
		{
			Tracker: "T1", Lighthouse: "L2", Axis: 0,
			Time:   base.Add(20 * time.Millisecond),
			Pulses: []Pulse{{Sensor: 0, Angle: 0.5, Duration: 2e-6}},
		},
	}

	series := Bundle(sweeps, res)
	require.Len(t, series, 2)

	var l1 *Series
	for i := range series {
		if series[i].Lighthouse == "L1" {
			l1 = &series[i]
		}
	}
	require.NotNil(t, l1)
	require.Len(t, l1.Epochs, 1)

	ep := l1.Epochs[0]
	assert.Equal(t, base, ep.Time)
	assert.InDelta(t, 0.15, ep.Mean[SampleKey{Sensor: 0, Axis: 0}], 1e-12)
	assert.InDelta(t, -0.05, ep.Mean[SampleKey{Sensor: 0, Axis: 1}], 1e-12)
	assert.Equal(t, []int{0}, ep.UsableSensors())
}

func TestUsableSensorsRequiresBothAxes(t *testing.T) {
	ep := EpochSamples{Mean: map[SampleKey]float64{
		{Sensor: 3, Axis: 0}: 0.1,
		{Sensor: 3, Axis: 1}: 0.2,
		{Sensor: 7, Axis: 0}: 0.3,
	}}
	assert.Equal(t, []int{3}, ep.UsableSensors())
}
