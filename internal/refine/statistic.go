package refine

// Statistic accumulates a running mean and variance using Welford's
// update, so planar constraints can track the observed height without
// storing samples.
type Statistic struct {
	count int
	mean  float64
	m2    float64
}

// Add folds one sample into the statistic.
func (s *Statistic) Add(x float64) {
	s.count++
	d := x - s.mean
	s.mean += d / float64(s.count)
	s.m2 += d * (x - s.mean)
}

// Count returns the number of samples seen.
func (s *Statistic) Count() int { return s.count }

// Mean returns the running mean, or zero before any sample.
func (s *Statistic) Mean() float64 { return s.mean }

// Variance returns the sample variance, or zero with fewer than two
// samples.
func (s *Statistic) Variance() float64 {
	if s.count < 2 {
		return 0
	}
	return s.m2 / float64(s.count-1)
}

// Reset clears the statistic.
func (s *Statistic) Reset() { *s = Statistic{} }
