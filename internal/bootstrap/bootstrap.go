// Package bootstrap recovers an initial rigid-body pose from one epoch of
// bundled sweep angles. The two sweep angles of a sensor are mapped onto a
// synthetic pinhole camera, turning the problem into classic
// perspective-n-point: find the pose placing the known body-frame sensor
// positions so that their projections match the observed image points.
package bootstrap

import (
	"errors"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/geometry"
)

// ErrTooFewSensors reports an epoch without the minimum number of sensors
// seen on both axes.
var ErrTooFewSensors = errors.New("bootstrap: too few sensors")

// ErrNoConsensus reports that no sampled minimal set produced a pose with
// enough inliers.
var ErrNoConsensus = errors.New("bootstrap: no consensus pose")

// minCorrespondences is the smallest sensor count a pose can be recovered
// from.
const minCorrespondences = 4

// Observation is one sensor seen on both sweep axes within a single epoch.
type Observation struct {
	Sensor    r3.Vec // position in the body frame
	Azimuth   float64
	Elevation float64
}

// Config tunes the consensus loop. The synthetic camera has a one-unit
// sensor and a 120 degree field of view, so a focal length of
// 1/(2·tan 60°).
type Config struct {
	FOV        float64 // radians
	Width      float64 // synthetic sensor width
	Iterations int
	// InlierThreshold is the reprojection residual, in synthetic image
	// units, below which a correspondence counts toward consensus.
	InlierThreshold float64
	Seed            int64
}

// DefaultConfig returns the standard consensus tuning.
func DefaultConfig() Config {
	return Config{
		FOV:             2.0944,
		Width:           1.0,
		Iterations:      128,
		InlierThreshold: 0.01,
		Seed:            1,
	}
}

func (c Config) focal() float64 {
	return c.Width / (2 * math.Tan(c.FOV/2))
}

// imagePoint maps a pair of sweep angles onto the synthetic image plane.
// Azimuth grows with +x/z and elevation with −y/z, so the v coordinate is
// negated to recover the camera-frame ray.
func imagePoint(f, az, el float64) (u, v float64) {
	return f * math.Tan(az), -f * math.Tan(el)
}

// project returns the synthetic image point of a body-frame sensor under
// pose (body expressed in the lighthouse frame).
func project(f float64, pose geometry.Transform, sensor r3.Vec) (u, v float64, ok bool) {
	p := pose.Apply(sensor)
	if p.Z <= 1e-9 {
		return 0, 0, false
	}
	return f * p.X / p.Z, f * p.Y / p.Z, true
}

// EstimatePose recovers the pose of the body in the lighthouse frame from
// one epoch of observations. It runs a random-sample consensus loop over
// minimal four-sensor subsets, refining each hypothesis by damped
// Gauss-Newton, then polishes the best hypothesis on its full inlier set.
func EstimatePose(obs []Observation, cfg Config) (geometry.Transform, error) {
	if len(obs) < minCorrespondences {
		return geometry.Identity(), ErrTooFewSensors
	}
	f := cfg.focal()
	rng := rand.New(rand.NewSource(cfg.Seed))

	var (
		best        geometry.Transform
		bestInliers []int
	)
	for it := 0; it < cfg.Iterations; it++ {
		sample := sampleIndices(rng, len(obs), minCorrespondences)
		pose, ok := refinePose(obs, sample, f, initialGuess())
		if !ok {
			continue
		}
		inliers := consensus(obs, pose, f, cfg.InlierThreshold)
		if len(inliers) > len(bestInliers) {
			best, bestInliers = pose, inliers
		}
	}
	if len(bestInliers) < minCorrespondences {
		return geometry.Identity(), ErrNoConsensus
	}

	pose, ok := refinePose(obs, bestInliers, f, best)
	if !ok {
		return best, nil
	}
	return pose, nil
}

// initialGuess places the body two metres in front of the lighthouse with
// no rotation, well within the field of view for any plausible setup.
func initialGuess() geometry.Transform {
	return geometry.Transform{
		Pos: r3.Vec{Z: 2},
		Rot: geometry.Identity().Rot,
	}
}

func sampleIndices(rng *rand.Rand, n, k int) []int {
	perm := rng.Perm(n)
	return perm[:k]
}

// consensus returns the indices whose reprojection residual is within the
// threshold on both image axes.
func consensus(obs []Observation, pose geometry.Transform, f, thresh float64) []int {
	var in []int
	for i, o := range obs {
		u, v, ok := project(f, pose, o.Sensor)
		if !ok {
			continue
		}
		mu, mv := imagePoint(f, o.Azimuth, o.Elevation)
		if math.Abs(u-mu) <= thresh && math.Abs(v-mv) <= thresh {
			in = append(in, i)
		}
	}
	return in
}

// refinePose minimizes the reprojection error over the selected
// observations by Gauss-Newton with Levenberg damping on the six pose
// parameters. Jacobians are central differences.
func refinePose(obs []Observation, idx []int, f float64, init geometry.Transform) (geometry.Transform, bool) {
	const (
		iterations = 25
		step       = 1e-7
		tolerance  = 1e-12
	)
	params := init.Param6()
	p := params[:]
	m := 2 * len(idx)

	residuals := func(p []float64, out []float64) bool {
		pose := geometry.FromParam6([6]float64(p[:6]))
		for k, i := range idx {
			u, v, ok := project(f, pose, obs[i].Sensor)
			if !ok {
				return false
			}
			mu, mv := imagePoint(f, obs[i].Azimuth, obs[i].Elevation)
			out[2*k] = u - mu
			out[2*k+1] = v - mv
		}
		return true
	}

	r := make([]float64, m)
	if !residuals(p, r) {
		return geometry.Identity(), false
	}
	cost := dot(r, r)

	lambda := 1e-3
	rp := make([]float64, m)
	rm := make([]float64, m)
	trial := make([]float64, 6)
	rTrial := make([]float64, m)

	for it := 0; it < iterations; it++ {
		J := mat.NewDense(m, 6, nil)
		for j := 0; j < 6; j++ {
			orig := p[j]
			p[j] = orig + step
			okp := residuals(p, rp)
			p[j] = orig - step
			okm := residuals(p, rm)
			p[j] = orig
			if !okp || !okm {
				return geometry.Identity(), false
			}
			for i := 0; i < m; i++ {
				J.Set(i, j, (rp[i]-rm[i])/(2*step))
			}
		}

		var jtj mat.Dense
		jtj.Mul(J.T(), J)
		jtr := mat.NewVecDense(6, nil)
		rv := mat.NewVecDense(m, r)
		jtr.MulVec(J.T(), rv)

		stepped := false
		for attempt := 0; attempt < 8; attempt++ {
			var damped mat.Dense
			damped.CloneFrom(&jtj)
			for d := 0; d < 6; d++ {
				damped.Set(d, d, damped.At(d, d)+lambda*jtj.At(d, d)+1e-12)
			}
			var delta mat.VecDense
			if err := delta.SolveVec(&damped, jtr); err != nil {
				lambda *= 10
				continue
			}
			for d := 0; d < 6; d++ {
				trial[d] = p[d] - delta.AtVec(d)
			}
			if !residuals(trial, rTrial) {
				lambda *= 10
				continue
			}
			trialCost := dot(rTrial, rTrial)
			if trialCost < cost {
				copy(p, trial)
				copy(r, rTrial)
				improvement := cost - trialCost
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-12)
				stepped = true
				if improvement < tolerance {
					return geometry.FromParam6([6]float64(p[:6])), true
				}
				break
			}
			lambda *= 10
		}
		if !stepped {
			break
		}
	}
	return geometry.FromParam6([6]float64(p[:6])), cost < 1e-3
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
