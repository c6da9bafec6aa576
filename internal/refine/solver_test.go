package refine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineCost fits y = a + b·t to one sample.
type lineCost struct {
	t, y float64
}

func (lineCost) Dim() int { return 1 }

func (c lineCost) Evaluate(params [][]float64, out []float64) bool {
	ab := params[0]
	out[0] = ab[0] + ab[1]*c.t - c.y
	return true
}

func TestSolveLinearFit(t *testing.T) {
	p := NewProblem()
	ab := p.AddBlock([]float64{0, 0})
	for i := 0; i < 10; i++ {
		ti := float64(i) * 0.5
		p.AddResidual(lineCost{t: ti, y: 2 + 3*ti}, nil, ab)
	}

	sum, err := Solve(context.Background(), p, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, sum.Usable())
	assert.Equal(t, TerminationConverged, sum.Termination)
	assert.InDelta(t, 2.0, ab.Values[0], 1e-6)
	assert.InDelta(t, 3.0, ab.Values[1], 1e-6)
	assert.Less(t, sum.FinalCost, sum.InitialCost)
}

func TestSolveFrozenBlockUnchanged(t *testing.T) {
	p := NewProblem()
	fixed := p.AddBlock([]float64{7})
	fixed.Freeze()
	free := p.AddBlock([]float64{0})

	// residual = fixed + free − 10, minimized at free = 3
	p.AddResidual(sumCost{target: 10}, nil, fixed, free)

	sum, err := Solve(context.Background(), p, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, sum.Usable())
	assert.Equal(t, 7.0, fixed.Values[0])
	assert.InDelta(t, 3.0, free.Values[0], 1e-6)
}

type sumCost struct {
	target float64
}

func (sumCost) Dim() int { return 1 }

func (c sumCost) Evaluate(params [][]float64, out []float64) bool {
	out[0] = params[0][0] + params[1][0] - c.target
	return true
}

func TestSolveEmptyProblem(t *testing.T) {
	p := NewProblem()
	_, err := Solve(context.Background(), p, DefaultOptions())
	assert.ErrorIs(t, err, ErrSolveFailed)
}

func TestSolveHonorsContext(t *testing.T) {
	p := NewProblem()
	ab := p.AddBlock([]float64{0, 0})
	p.AddResidual(lineCost{t: 1, y: 5}, nil, ab)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := Solve(ctx, p, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, TerminationTimeout, sum.Termination)
	assert.True(t, sum.Usable())
}

func TestHuberWeight(t *testing.T) {
	l := HuberLoss{Delta: 1.0}
	assert.Equal(t, 1.0, l.Weight(0.5))
	assert.Equal(t, 1.0, l.Weight(1.0))
	assert.InDelta(t, 0.5, l.Weight(4.0), 1e-12)
}

func TestSolverTimeoutBudget(t *testing.T) {
	p := NewProblem()
	ab := p.AddBlock([]float64{0, 0})
	for i := 0; i < 5; i++ {
		p.AddResidual(lineCost{t: float64(i), y: 1 + float64(i)}, nil, ab)
	}

	opts := DefaultOptions()
	opts.Timeout = time.Nanosecond
	sum, err := Solve(context.Background(), p, opts)
	require.NoError(t, err)
	assert.Equal(t, TerminationTimeout, sum.Termination)
	assert.True(t, sum.Usable())
}

func TestStatistic(t *testing.T) {
	var s Statistic
	assert.Equal(t, 0.0, s.Mean())
	for _, x := range []float64{1, 2, 3, 4} {
		s.Add(x)
	}
	assert.Equal(t, 4, s.Count())
	assert.InDelta(t, 2.5, s.Mean(), 1e-12)
	assert.InDelta(t, 5.0/3.0, s.Variance(), 1e-12)

	s.Reset()
	assert.Equal(t, 0, s.Count())
}
