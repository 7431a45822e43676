// Package report summarizes completed generations for convergence
// diagnostics and writes per-generation artifacts to a run directory.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"

	"abcsmc/internal/kernel"
	"abcsmc/internal/model"
	"abcsmc/internal/storage"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type ParameterSummary struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Q05    float64 `json:"q05"`
	Q95    float64 `json:"q95"`
	Stdev  float64 `json:"stdev"`
}

type MetricSummary struct {
	Name     string  `json:"name"`
	Observed float64 `json:"observed"`
	Mean     float64 `json:"mean"`
	NRMSE    float64 `json:"nrmse"`
}

type GenerationSummary struct {
	Generation   int                `json:"generation"`
	KernelKind   model.KernelKind   `json:"kernel_kind"`
	Retained     int                `json:"retained"`
	BestDistance float64            `json:"best_distance"`
	Threshold    float64            `json:"threshold"`
	NRMSE        float64            `json:"nrmse"`
	Parameters   []ParameterSummary `json:"parameters"`
	Metrics      []MetricSummary    `json:"metrics"`
}

// Summarize computes weighted posterior statistics of the predictive prior
// of set and the fit of its metrics to the observations.
func Summarize(defs model.Definitions, set model.Set, kind model.KernelKind) (GenerationSummary, error) {
	prior := set.PriorParticles()
	if len(prior) == 0 {
		return GenerationSummary{}, fmt.Errorf("generation %d has no predictive prior", set.Generation)
	}
	if len(prior) != len(set.Weights) {
		return GenerationSummary{}, fmt.Errorf("generation %d weights mismatch: members=%d weights=%d", set.Generation, len(prior), len(set.Weights))
	}

	out := GenerationSummary{
		Generation:   set.Generation,
		KernelKind:   kind,
		Retained:     len(prior),
		BestDistance: set.Distances[set.PredictivePrior[0]],
		Threshold:    set.Distances[set.PredictivePrior[len(set.PredictivePrior)-1]],
		Parameters:   make([]ParameterSummary, len(defs.Parameters)),
		Metrics:      make([]MetricSummary, len(defs.Metrics)),
	}

	values := make([]float64, len(prior))
	for i, p := range defs.Parameters {
		for r, particle := range prior {
			values[r] = particle.Raw[i]
		}
		out.Parameters[i] = summarizeParameter(p.Name, values, set.Weights)
	}

	for i, m := range defs.Metrics {
		for r, particle := range prior {
			values[r] = particle.Metrics[i]
		}
		out.Metrics[i] = MetricSummary{
			Name:     m.Name,
			Observed: m.Observed,
			Mean:     stat.Mean(values, set.Weights),
			NRMSE:    NRMSE(values, m.Observed),
		}
		out.NRMSE += out.Metrics[i].NRMSE
	}
	out.NRMSE /= float64(len(defs.Metrics))
	return out, nil
}

func summarizeParameter(name string, values, weights []float64) ParameterSummary {
	x := append([]float64(nil), values...)
	w := append([]float64(nil), weights...)
	sortPaired(x, w)
	return ParameterSummary{
		Name:   name,
		Mean:   stat.Mean(x, w),
		Median: stat.Quantile(0.5, stat.Empirical, x, w),
		Q05:    stat.Quantile(0.05, stat.Empirical, x, w),
		Q95:    stat.Quantile(0.95, stat.Empirical, x, w),
		Stdev:  math.Sqrt(stat.PopVariance(x, w)),
	}
}

// NRMSE is the root mean squared error of values against observed, divided
// by |observed|. A zero observation leaves the error unscaled.
func NRMSE(values []float64, observed float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	diff := make([]float64, len(values))
	for i, v := range values {
		diff[i] = v - observed
	}
	rmse := floats.Norm(diff, 2) / math.Sqrt(float64(len(values)))
	if observed == 0 {
		return rmse
	}
	return rmse / math.Abs(observed)
}

type byValue struct {
	x, w []float64
}

func (b byValue) Len() int           { return len(b.x) }
func (b byValue) Less(i, j int) bool { return b.x[i] < b.x[j] }
func (b byValue) Swap(i, j int) {
	b.x[i], b.x[j] = b.x[j], b.x[i]
	b.w[i], b.w[j] = b.w[j], b.w[i]
}

func sortPaired(x, w []float64) {
	sort.Stable(byValue{x: x, w: w})
}

// FromStore rebuilds summaries for every complete set in store.
func FromStore(ctx context.Context, store storage.Store) ([]GenerationSummary, error) {
	defs, ok, err := store.GetDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("store has no run definitions")
	}
	summaries, err := store.GetSetSummaries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]GenerationSummary, 0, len(summaries))
	for _, s := range summaries {
		if !s.Complete {
			continue
		}
		set, err := LoadSet(ctx, store, s)
		if err != nil {
			return nil, err
		}
		summary, err := Summarize(defs, set, s.KernelKind)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

// LoadSet joins a set summary with its particle rows.
func LoadSet(ctx context.Context, store storage.Store, s model.SetSummary) (model.Set, error) {
	particles, ok, err := store.GetParticles(ctx, s.Generation)
	if err != nil {
		return model.Set{}, fmt.Errorf("load set %d: %w", s.Generation, err)
	}
	if !ok {
		return model.Set{}, fmt.Errorf("%w: set %d has no particle table", storage.ErrSchemaMismatch, s.Generation)
	}
	return model.Set{
		Generation:      s.Generation,
		Particles:       particles,
		Distances:       s.Distances,
		PredictivePrior: s.PredictivePrior,
		Weights:         s.Weights,
	}, nil
}

func kindOf(k kernel.Kernel) model.KernelKind {
	if k.Kind == "" {
		return model.KernelDiagonal
	}
	return k.Kind
}
