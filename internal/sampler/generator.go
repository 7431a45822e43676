// Package sampler proposes parameter vectors, either from the priors or by
// perturbing particles retained in the previous generation.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"abcsmc/internal/kernel"
	"abcsmc/internal/model"
)

const maxRedraws = 100000

var ErrRedrawLimit = errors.New("perturbation redraw limit reached")

// Posterior supplies previously accepted parameter values by row rank.
type Posterior interface {
	Len() int
	Lookup(rank int, parameter string) (float64, error)
}

type Options struct {
	Posterior           Posterior
	RetainPosteriorRank bool
}

// Generator owns the proposal RNG and the PSEUDO traversal cursor for one
// proposal pass. Parameters themselves are never mutated.
type Generator struct {
	params []model.Parameter
	rng    *rand.Rand
	opts   Options

	cursor    []float64
	pseudo    []int
	posterior []int
	rankMin   int
	rankMax   int
}

func NewGenerator(params []model.Parameter, rng *rand.Rand, opts Options) (*Generator, error) {
	if len(params) == 0 {
		return nil, errors.New("at least one parameter is required")
	}
	if rng == nil {
		return nil, errors.New("rng is required")
	}
	g := &Generator{
		params: params,
		rng:    rng,
		opts:   opts,
		cursor: make([]float64, len(params)),
	}
	for i, p := range params {
		switch p.Prior {
		case model.PriorPseudo:
			g.pseudo = append(g.pseudo, i)
			g.cursor[i] = p.Min
		case model.PriorPosterior:
			if len(g.posterior) == 0 {
				g.rankMin, g.rankMax = int(p.Min), int(p.Max)
			} else if int(p.Min) != g.rankMin || int(p.Max) != g.rankMax {
				return nil, fmt.Errorf("posterior parameter %s has row range [%g, %g], expected [%d, %d]", p.Name, p.Min, p.Max, g.rankMin, g.rankMax)
			}
			g.posterior = append(g.posterior, i)
		case model.PriorNormal:
			if p.Numeric == model.NumericInt {
				return nil, fmt.Errorf("%w: normal prior does not support INT parameter %s", model.ErrUnsupportedPrior, p.Name)
			}
		}
	}
	if len(g.posterior) > 0 {
		if opts.Posterior == nil {
			return nil, errors.New("posterior parameters require a posterior source")
		}
		if g.rankMax >= opts.Posterior.Len() {
			return nil, fmt.Errorf("posterior row range [%d, %d] exceeds posterior size %d", g.rankMin, g.rankMax, opts.Posterior.Len())
		}
	}
	return g, nil
}

// SampleFromPriors draws one raw parameter vector. The returned rank is the
// posterior row shared by all POSTERIOR parameters, or -1 when there are none.
func (g *Generator) SampleFromPriors() ([]float64, int, error) {
	raw := make([]float64, len(g.params))
	for i, p := range g.params {
		switch p.Prior {
		case model.PriorUniform:
			if p.Numeric == model.NumericInt {
				raw[i] = p.Min + float64(g.rng.Intn(int(p.Max-p.Min)+1))
			} else {
				raw[i] = p.Min + g.rng.Float64()*(p.Max-p.Min)
			}
		case model.PriorNormal:
			raw[i] = p.Mean + p.Stdev*g.rng.NormFloat64()
		case model.PriorPseudo:
			raw[i] = g.cursor[i]
		case model.PriorPosterior:
		default:
			return nil, -1, fmt.Errorf("%w: %q for parameter %s", model.ErrUnsupportedPrior, p.Prior, p.Name)
		}
	}
	g.advanceCursor()

	rank, err := g.fillPosterior(raw, -1)
	if err != nil {
		return nil, -1, err
	}
	return raw, rank, nil
}

// advanceCursor steps PSEUDO parameters like an odometer: the first one moves
// by its step and carries into the next when it passes its maximum.
func (g *Generator) advanceCursor() {
	for _, i := range g.pseudo {
		p := g.params[i]
		next := g.cursor[i] + p.Step
		if p.Step > 0 && next <= p.Max+p.Step*1e-9 {
			g.cursor[i] = math.Min(next, p.Max)
			return
		}
		g.cursor[i] = p.Min
	}
}

func (g *Generator) fillPosterior(raw []float64, rank int) (int, error) {
	if len(g.posterior) == 0 {
		return -1, nil
	}
	if rank < 0 {
		rank = g.rankMin + g.rng.Intn(g.rankMax-g.rankMin+1)
	}
	for _, i := range g.posterior {
		v, err := g.opts.Posterior.Lookup(rank, g.params[i].Name)
		if err != nil {
			return -1, fmt.Errorf("posterior lookup %s rank %d: %w", g.params[i].Name, rank, err)
		}
		raw[i] = v
	}
	return rank, nil
}

// SampleFromPredictivePrior picks a retained particle of prev by weight and
// perturbs its free parameters with k, redrawing values that leave the bounds.
func (g *Generator) SampleFromPredictivePrior(prev model.Set, k kernel.Kernel) ([]float64, int, error) {
	if len(prev.PredictivePrior) == 0 || len(prev.PredictivePrior) != len(prev.Weights) {
		return nil, -1, fmt.Errorf("generation %d has no weighted predictive prior", prev.Generation)
	}
	base := prev.Particles[prev.PredictivePrior[g.pickWeighted(prev.Weights)]]
	raw := append([]float64(nil), base.Raw...)

	if k.Kind == model.KernelMultivariate {
		if err := g.perturbCorrelated(raw, base.Raw, k); err != nil {
			return nil, -1, err
		}
	} else {
		if err := g.perturbDiagonal(raw, base.Raw, k); err != nil {
			return nil, -1, err
		}
	}

	rank := base.PosteriorRank
	if len(g.posterior) > 0 && !g.opts.RetainPosteriorRank {
		var err error
		if rank, err = g.fillPosterior(raw, -1); err != nil {
			return nil, -1, err
		}
	}
	return raw, rank, nil
}

func (g *Generator) pickWeighted(weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	pick := g.rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if pick < acc {
			return i
		}
	}
	return len(weights) - 1
}

func (g *Generator) perturbDiagonal(raw, base []float64, k kernel.Kernel) error {
	for _, i := range k.Free {
		p := g.params[i]
		sd := math.Sqrt(k.DoubledVariances[i])
		accepted := false
		for attempt := 0; attempt < maxRedraws; attempt++ {
			v := roundFor(p, base[i]+sd*g.rng.NormFloat64())
			if p.InBounds(v) {
				raw[i] = v
				accepted = true
				break
			}
		}
		if !accepted {
			return fmt.Errorf("%w: parameter %s", ErrRedrawLimit, p.Name)
		}
	}
	return nil
}

func (g *Generator) perturbCorrelated(raw, base []float64, k kernel.Kernel) error {
	for attempt := 0; attempt < maxRedraws; attempt++ {
		noise := k.Noise(g.rng)
		ok := true
		for c, i := range k.Free {
			v := roundFor(g.params[i], base[i]+noise[c])
			if !g.params[i].InBounds(v) {
				ok = false
				break
			}
			raw[i] = v
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: multivariate kernel", ErrRedrawLimit)
}

func roundFor(p model.Parameter, v float64) float64 {
	if p.Numeric == model.NumericInt {
		return math.Round(v)
	}
	return v
}
