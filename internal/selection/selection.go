// Package selection ranks a generation's particles by distance, keeps the
// predictive prior and computes its importance weights.
package selection

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"abcsmc/internal/kernel"
	"abcsmc/internal/model"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

const weightSumTolerance = 1e-9

var ErrDegenerateWeights = errors.New("importance weights are degenerate")

// Rank returns particle indices ordered by ascending distance with ties
// broken by ascending serial.
func Rank(particles []model.Particle, distances []float64) []int {
	order := make([]int, len(particles))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		da, db := distances[order[a]], distances[order[b]]
		if da != db {
			return da < db
		}
		return particles[order[a]].Serial < particles[order[b]].Serial
	})
	return order
}

// Select keeps the size best-ranked particles.
func Select(particles []model.Particle, distances []float64, size int) ([]int, error) {
	if len(particles) != len(distances) {
		return nil, fmt.Errorf("distances mismatch: particles=%d distances=%d", len(particles), len(distances))
	}
	if size <= 0 || size > len(particles) {
		return nil, fmt.Errorf("predictive prior size must be in [1, %d], got %d", len(particles), size)
	}
	return Rank(particles, distances)[:size], nil
}

func UniformWeights(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1 / float64(n)
	}
	return out
}

// Normalize scales weights in place to sum to one.
func Normalize(weights []float64) error {
	total := floats.Sum(weights)
	if !(total > 0) || math.IsInf(total, 0) {
		return fmt.Errorf("%w: sum=%g", ErrDegenerateWeights, total)
	}
	floats.Scale(1/total, weights)
	return nil
}

// SumsToOne checks the normalization invariant.
func SumsToOne(weights []float64) bool {
	return math.Abs(floats.Sum(weights)-1) <= weightSumTolerance
}

// PriorLogDensity is the log prior density of a raw vector over the free
// parameters. Fixed parameters are swept or looked up and do not contribute.
func PriorLogDensity(params []model.Parameter, raw []float64) float64 {
	total := 0.0
	for i, p := range params {
		switch p.Prior {
		case model.PriorUniform:
			if !p.InBounds(raw[i]) {
				return math.Inf(-1)
			}
			if p.Numeric == model.NumericInt {
				total -= math.Log(p.Max - p.Min + 1)
			} else {
				total += distuv.Uniform{Min: p.Min, Max: p.Max}.LogProb(raw[i])
			}
		case model.PriorNormal:
			total += distuv.Normal{Mu: p.Mean, Sigma: p.Stdev}.LogProb(raw[i])
		}
	}
	return total
}

// ImportanceWeights computes the SMC-ABC weights of the retained particles of
// a generation t>0:
//
//	w_i ∝ π(θ_i) / Σ_j w_j K_{t-1}(θ_i | θ_j)
//
// where j runs over generation t-1's predictive prior and K_{t-1} is the kernel
// that generated the proposals. The result is normalized.
func ImportanceWeights(params []model.Parameter, retained []model.Particle, prev model.Set, k kernel.Kernel) ([]float64, error) {
	if len(prev.PredictivePrior) == 0 || len(prev.PredictivePrior) != len(prev.Weights) {
		return nil, fmt.Errorf("generation %d has no weighted predictive prior", prev.Generation)
	}
	if k.Generation != prev.Generation {
		return nil, fmt.Errorf("kernel generation %d does not match previous generation %d", k.Generation, prev.Generation)
	}

	centers := prev.PriorParticles()
	logPrevWeights := make([]float64, len(prev.Weights))
	for j, w := range prev.Weights {
		logPrevWeights[j] = math.Log(w)
	}

	logWeights := make([]float64, len(retained))
	terms := make([]float64, len(centers))
	for i, particle := range retained {
		for j, center := range centers {
			terms[j] = logPrevWeights[j] + k.LogDensity(particle.Raw, center.Raw)
		}
		denominator := floats.LogSumExp(terms)
		logWeights[i] = PriorLogDensity(params, particle.Raw) - denominator
	}

	maxLog := math.Inf(-1)
	for _, lw := range logWeights {
		if !math.IsNaN(lw) && lw > maxLog {
			maxLog = lw
		}
	}
	if math.IsInf(maxLog, 0) {
		return nil, fmt.Errorf("%w: max log weight %g", ErrDegenerateWeights, maxLog)
	}

	weights := make([]float64, len(logWeights))
	for i, lw := range logWeights {
		if math.IsNaN(lw) || math.IsInf(lw, -1) {
			continue
		}
		weights[i] = math.Exp(lw - maxLog)
	}
	if err := Normalize(weights); err != nil {
		return nil, err
	}
	return weights, nil
}
