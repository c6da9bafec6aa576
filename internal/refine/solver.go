package refine

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ErrSolveFailed reports a solve whose result must not be trusted: the
// problem was degenerate or the iteration produced non-finite values.
var ErrSolveFailed = errors.New("refine: solve failed")

// Termination describes how a solve ended.
type Termination int

const (
	// TerminationConverged means the cost decrease fell below tolerance.
	TerminationConverged Termination = iota
	// TerminationMaxIterations means the iteration budget ran out. The
	// solution is still usable.
	TerminationMaxIterations
	// TerminationTimeout means the wall-clock budget ran out. The
	// solution is still usable.
	TerminationTimeout
	// TerminationFailure means the result is unusable.
	TerminationFailure
)

func (t Termination) String() string {
	switch t {
	case TerminationConverged:
		return "converged"
	case TerminationMaxIterations:
		return "max iterations"
	case TerminationTimeout:
		return "timeout"
	default:
		return "failure"
	}
}

// Summary reports the outcome of a solve.
type Summary struct {
	Termination Termination
	Iterations  int
	InitialCost float64
	FinalCost   float64
	Duration    time.Duration
}

// Usable reports whether the final parameter values may be adopted.
func (s Summary) Usable() bool {
	return s.Termination != TerminationFailure
}

// Options tunes the Levenberg-Marquardt iteration.
type Options struct {
	MaxIterations int
	Timeout       time.Duration
	// Workers bounds the goroutines evaluating Jacobian rows. Zero means
	// GOMAXPROCS.
	Workers       int
	CostTolerance float64
	// step size for central-difference Jacobians
	DiffStep float64
}

// DefaultOptions returns the standard solver tuning.
func DefaultOptions() Options {
	return Options{
		MaxIterations: 100,
		Timeout:       5 * time.Minute,
		CostTolerance: 1e-9,
		DiffStep:      1e-7,
	}
}

// Solve minimizes the problem in place by Levenberg-Marquardt, leaving the
// final values in the parameter blocks. Robust losses are handled by
// reweighting residual rows at each linearization point.
func Solve(ctx context.Context, p *Problem, opts Options) (Summary, error) {
	start := time.Now()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}
	if opts.CostTolerance <= 0 {
		opts.CostTolerance = DefaultOptions().CostTolerance
	}
	if opts.DiffStep <= 0 {
		opts.DiffStep = DefaultOptions().DiffStep
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	deadline := start.Add(opts.Timeout)
	if opts.Timeout <= 0 {
		deadline = start.Add(DefaultOptions().Timeout)
	}

	n := p.freeSize()
	m := p.residualSize()
	if m == 0 {
		return Summary{Termination: TerminationFailure, Duration: time.Since(start)}, ErrSolveFailed
	}

	r := make([]float64, m)
	if !evaluateResiduals(p, r) {
		return Summary{Termination: TerminationFailure, Duration: time.Since(start)}, ErrSolveFailed
	}
	cost := halfSquaredNorm(r)
	sum := Summary{InitialCost: cost, FinalCost: cost}
	if n == 0 {
		sum.Termination = TerminationConverged
		sum.Duration = time.Since(start)
		return sum, nil
	}

	lambda := 1e-4
	J := mat.NewDense(m, n, nil)
	timedOut := false

	for iter := 0; iter < opts.MaxIterations; iter++ {
		if ctx.Err() != nil || time.Now().After(deadline) {
			timedOut = true
			break
		}

		if !evaluateJacobian(p, J, opts) {
			sum.Termination = TerminationFailure
			sum.Duration = time.Since(start)
			return sum, ErrSolveFailed
		}

		var jtj mat.Dense
		jtj.Mul(J.T(), J)
		g := mat.NewVecDense(n, nil)
		g.MulVec(J.T(), mat.NewVecDense(m, r))

		accepted := false
		for attempt := 0; attempt < 10; attempt++ {
			delta, ok := solveDamped(&jtj, g, lambda)
			if !ok {
				lambda *= 10
				continue
			}

			saved := saveValues(p)
			applyStep(p, delta)

			trial := make([]float64, m)
			if !evaluateResiduals(p, trial) {
				restoreValues(p, saved)
				lambda *= 10
				continue
			}
			trialCost := halfSquaredNorm(trial)
			if math.IsNaN(trialCost) || math.IsInf(trialCost, 0) || trialCost >= cost {
				restoreValues(p, saved)
				lambda *= 10
				continue
			}

			decrease := (cost - trialCost) / math.Max(cost, 1e-300)
			cost = trialCost
			copy(r, trial)
			lambda = math.Max(lambda/3, 1e-12)
			accepted = true
			sum.Iterations = iter + 1
			sum.FinalCost = cost
			if decrease < opts.CostTolerance {
				sum.Termination = TerminationConverged
				sum.Duration = time.Since(start)
				return sum, nil
			}
			break
		}
		if !accepted {
			// Stalled: no damping value yields progress.
			sum.Termination = TerminationConverged
			sum.Duration = time.Since(start)
			return sum, nil
		}
	}

	if timedOut {
		sum.Termination = TerminationTimeout
	} else {
		sum.Termination = TerminationMaxIterations
	}
	sum.FinalCost = cost
	sum.Duration = time.Since(start)
	return sum, nil
}

// solveDamped solves (JᵀJ + λ·diag(JᵀJ))·x = g by Cholesky.
func solveDamped(jtj *mat.Dense, g *mat.VecDense, lambda float64) (*mat.VecDense, bool) {
	n := g.Len()
	damped := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := 0.5 * (jtj.At(i, j) + jtj.At(j, i))
			if i == j {
				v += lambda*jtj.At(i, i) + 1e-12
			}
			damped.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(damped) {
		return nil, false
	}
	x := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(x, g); err != nil {
		return nil, false
	}
	return x, true
}

// evaluateResiduals fills out with the loss-weighted residuals of every
// entry, in registration order.
func evaluateResiduals(p *Problem, out []float64) bool {
	row := 0
	for _, e := range p.residuals {
		d := e.cost.Dim()
		params := make([][]float64, len(e.blocks))
		for i, b := range e.blocks {
			params[i] = b.Values
		}
		seg := out[row : row+d]
		if !e.cost.Evaluate(params, seg) {
			return false
		}
		w := e.loss.Weight(norm(seg))
		if w != 1 {
			for i := range seg {
				seg[i] *= w
			}
		}
		row += d
	}
	return true
}

// evaluateJacobian fills J with central-difference derivatives of the
// weighted residuals. Entries are distributed over a worker pool; each
// worker perturbs private copies of the parameter values, so shared blocks
// are never mutated concurrently.
func evaluateJacobian(p *Problem, J *mat.Dense, opts Options) bool {
	J.Zero()

	offsets := make([]int, len(p.residuals))
	row := 0
	for i, e := range p.residuals {
		offsets[i] = row
		row += e.cost.Dim()
	}

	type job struct {
		entry residualEntry
		row   int
	}
	jobs := make(chan job)
	var wg sync.WaitGroup
	var failed sync.Once
	ok := true

	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for jb := range jobs {
				if !jacobianRows(jb.entry, jb.row, J, opts.DiffStep) {
					failed.Do(func() { ok = false })
				}
			}
		}()
	}
	for i, e := range p.residuals {
		jobs <- job{entry: e, row: offsets[i]}
	}
	close(jobs)
	wg.Wait()
	return ok
}

// jacobianRows computes the rows of one residual entry. The IRLS weight is
// held at the linearization point, recovered from the weighted residual
// already computed for this entry.
func jacobianRows(e residualEntry, row int, J *mat.Dense, step float64) bool {
	d := e.cost.Dim()

	// Private copies so perturbation never touches shared block storage.
	params := make([][]float64, len(e.blocks))
	for i, b := range e.blocks {
		params[i] = append([]float64(nil), b.Values...)
	}

	base := make([]float64, d)
	if !e.cost.Evaluate(params, base) {
		return false
	}
	w := e.loss.Weight(norm(base))

	plus := make([]float64, d)
	minus := make([]float64, d)
	for bi, b := range e.blocks {
		if b.frozen {
			continue
		}
		for k := range params[bi] {
			orig := params[bi][k]
			params[bi][k] = orig + step
			okp := e.cost.Evaluate(params, plus)
			params[bi][k] = orig - step
			okm := e.cost.Evaluate(params, minus)
			params[bi][k] = orig
			if !okp || !okm {
				return false
			}
			col := b.offset + k
			for i := 0; i < d; i++ {
				J.Set(row+i, col, w*(plus[i]-minus[i])/(2*step))
			}
		}
	}
	return true
}

// applyStep moves every free block by -delta.
func applyStep(p *Problem, delta *mat.VecDense) {
	for _, b := range p.blocks {
		if b.frozen {
			continue
		}
		for k := range b.Values {
			b.Values[k] -= delta.AtVec(b.offset + k)
		}
	}
}

func saveValues(p *Problem) [][]float64 {
	out := make([][]float64, len(p.blocks))
	for i, b := range p.blocks {
		out[i] = append([]float64(nil), b.Values...)
	}
	return out
}

func restoreValues(p *Problem, saved [][]float64) {
	for i, b := range p.blocks {
		copy(b.Values, saved[i])
	}
}

func halfSquaredNorm(r []float64) float64 {
	var s float64
	for _, v := range r {
		s += v * v
	}
	return 0.5 * s
}

func norm(r []float64) float64 {
	var s float64
	for _, v := range r {
		s += v * v
	}
	return math.Sqrt(s)
}
