package refine

import "math"

// Cost evaluates one residual vector from the current values of its
// parameter blocks. params holds one slice per attached block, in the
// order the blocks were passed to AddResidual. Evaluate returns false when
// the residual is undefined at the current point (for example a sensor
// behind a lighthouse), which makes the solver reject the step.
type Cost interface {
	Dim() int
	Evaluate(params [][]float64, out []float64) bool
}

// Loss reweights a residual block by its Euclidean norm. Weight returns
// the factor applied to both the residual and its Jacobian rows, following
// the iteratively-reweighted least-squares form of a robust loss.
type Loss interface {
	Weight(norm float64) float64
}

// TrivialLoss leaves residuals untouched.
type TrivialLoss struct{}

func (TrivialLoss) Weight(float64) float64 { return 1 }

// HuberLoss is quadratic within Delta of zero and linear beyond it, which
// bounds the influence of gross outliers on the normal equations.
type HuberLoss struct {
	Delta float64
}

func (l HuberLoss) Weight(norm float64) float64 {
	if norm <= l.Delta {
		return 1
	}
	return math.Sqrt(l.Delta / norm)
}

// Block is one parameter block of a problem. Its Values slice is shared
// with the caller: the solver updates it in place.
type Block struct {
	Values []float64
	frozen bool
	offset int // column offset in the free-parameter vector, -1 when frozen
}

// Freeze excludes the block from optimization. Its current values still
// feed every residual that references it.
func (b *Block) Freeze() { b.frozen = true }

// Frozen reports whether the block is held constant.
func (b *Block) Frozen() bool { return b.frozen }

type residualEntry struct {
	cost   Cost
	loss   Loss
	blocks []*Block
}

// Problem is a sparse nonlinear least-squares problem: a set of parameter
// blocks and residuals referencing them.
type Problem struct {
	blocks    []*Block
	residuals []residualEntry
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{}
}

// AddBlock registers a parameter block. The slice is retained and mutated
// by the solver.
func (p *Problem) AddBlock(values []float64) *Block {
	b := &Block{Values: values, offset: -1}
	p.blocks = append(p.blocks, b)
	return b
}

// AddResidual attaches a residual to the problem. A nil loss means the
// trivial quadratic loss.
func (p *Problem) AddResidual(cost Cost, loss Loss, blocks ...*Block) {
	if loss == nil {
		loss = TrivialLoss{}
	}
	p.residuals = append(p.residuals, residualEntry{cost: cost, loss: loss, blocks: blocks})
}

// freeSize assigns column offsets to unfrozen blocks and returns the total
// number of free parameters.
func (p *Problem) freeSize() int {
	n := 0
	for _, b := range p.blocks {
		if b.frozen {
			b.offset = -1
			continue
		}
		b.offset = n
		n += len(b.Values)
	}
	return n
}

// residualSize returns the total residual dimension.
func (p *Problem) residualSize() int {
	n := 0
	for _, r := range p.residuals {
		n += r.cost.Dim()
	}
	return n
}
