package smc

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"abcsmc/internal/dispatch"
	"abcsmc/internal/kernel"
	"abcsmc/internal/model"
	"abcsmc/internal/simulator"
	"abcsmc/internal/storage"

	"github.com/stretchr/testify/require"
)

func testDefinitions(t *testing.T, n, size int) model.Definitions {
	t.Helper()

	mu, err := model.NewParameter(model.ParameterSpec{Name: "mu", Prior: model.PriorUniform, Numeric: model.NumericFloat, Par1: 0, Par2: 10})
	require.NoError(t, err)
	sigma, err := model.NewParameter(model.ParameterSpec{Name: "sigma", Prior: model.PriorUniform, Numeric: model.NumericFloat, Par1: 0.1, Par2: 2})
	require.NoError(t, err)
	mean, err := model.NewMetric("mean", "", model.NumericFloat, 3)
	require.NoError(t, err)
	spread, err := model.NewMetric("spread", "", model.NumericFloat, 0.5)
	require.NoError(t, err)
	return model.Definitions{
		Parameters:          []model.Parameter{mu, sigma},
		Metrics:             []model.Metric{mean, spread},
		NumParticles:        n,
		PredictivePriorSize: size,
	}
}

// gaussianModel summarizes a few seeded draws from N(mu, sigma).
func gaussianModel(_ context.Context, pars []float64, seed uint64, _ int, _ *simulator.Context) ([]float64, error) {
	rng := rand.New(rand.NewSource(int64(seed)))
	const draws = 8
	sum, sumSq := 0.0, 0.0
	for i := 0; i < draws; i++ {
		v := pars[0] + pars[1]*rng.NormFloat64()
		sum += v
		sumSq += v * v
	}
	mean := sum / draws
	return []float64{mean, math.Sqrt(math.Max(sumSq/draws-mean*mean, 0))}, nil
}

func newTestEngine(t *testing.T, store storage.Store, generations int, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Definitions: testDefinitions(t, 60, 12),
		Generations: generations,
		Store:       store,
		Simulator:   simulator.FuncSimulator{Fn: gaussianModel, Metrics: 2},
		Seed:        42,
		Resume:      true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return engine
}

func membership(result RunResult) [][]float64 {
	final, _ := result.Final()
	out := make([][]float64, 0, len(final.PredictivePrior))
	for _, p := range final.PriorParticles() {
		out = append(out, p.Raw)
	}
	return out
}

func TestEngineRetainsLowestDistancesAtFirstGeneration(t *testing.T) {
	store := storage.NewMemoryStore()
	engine := newTestEngine(t, store, 1, func(cfg *Config) {
		cfg.Definitions = testDefinitions(t, 100, 20)
	})

	result, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Sets, 1)

	set := result.Sets[0]
	require.Len(t, set.Particles, 100)
	require.Len(t, set.PredictivePrior, 20)

	sorted := append([]float64(nil), set.Distances...)
	sort.Float64s(sorted)
	threshold := sorted[19]
	for _, idx := range set.PredictivePrior {
		require.LessOrEqual(t, set.Distances[idx], threshold)
	}
	for i := 1; i < len(set.PredictivePrior); i++ {
		require.LessOrEqual(t, set.Distances[set.PredictivePrior[i-1]], set.Distances[set.PredictivePrior[i]])
	}

	total := 0.0
	for _, w := range set.Weights {
		require.InDelta(t, 1.0/20, w, 1e-12)
		total += w
	}
	require.InDelta(t, 1.0, total, 1e-9)
}

func TestEngineLaterGenerationsAreWeightedAndPersisted(t *testing.T) {
	store := storage.NewMemoryStore()
	engine := newTestEngine(t, store, 3, nil)

	result, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Sets, 3)
	require.Len(t, result.Kernels, 3)

	for _, set := range result.Sets {
		total := 0.0
		for _, w := range set.Weights {
			require.GreaterOrEqual(t, w, 0.0)
			total += w
		}
		require.InDelta(t, 1.0, total, 1e-9)
		for _, p := range set.Particles {
			require.True(t, p.Complete())
			require.Equal(t, model.SerialFor(set.Generation, p.Index, 60), p.Serial)
			require.Equal(t, dispatch.SerialSeed(42, p.Serial), p.Seed)
		}
	}

	summaries, err := store.GetSetSummaries(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	for i, s := range summaries {
		require.True(t, s.Complete)
		require.Equal(t, result.Sets[i].PredictivePrior, s.PredictivePrior)
		require.Equal(t, result.Kernels[i].DoubledVariances, s.DoubledVariances)
	}
}

func TestEngineResumeAfterCompletedGenerationsIsIdempotent(t *testing.T) {
	ctx := context.Background()

	full, err := newTestEngine(t, storage.NewMemoryStore(), 4, nil).Run(ctx)
	require.NoError(t, err)

	store := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "resume.db"))
	t.Cleanup(func() {
		_ = store.Close()
	})
	partial, err := newTestEngine(t, store, 2, nil).Run(ctx)
	require.NoError(t, err)
	require.Len(t, partial.Sets, 2)

	resumed, err := newTestEngine(t, store, 4, nil).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, resumed.Restored)
	require.Len(t, resumed.Sets, 4)
	require.Equal(t, membership(full), membership(resumed))

	fullFinal, _ := full.Final()
	resumedFinal, _ := resumed.Final()
	require.Equal(t, fullFinal.PredictivePrior, resumedFinal.PredictivePrior)
	require.Equal(t, fullFinal.Weights, resumedFinal.Weights)
}

func TestEngineResumeAfterMidGenerationInterruptIsIdempotent(t *testing.T) {
	full, err := newTestEngine(t, storage.NewMemoryStore(), 3, nil).Run(context.Background())
	require.NoError(t, err)

	store := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "interrupt.db"))
	t.Cleanup(func() {
		_ = store.Close()
	})

	// Stop part way through the second generation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	interrupting := simulator.FuncSimulator{
		Metrics: 2,
		Fn: func(ctx context.Context, pars []float64, seed uint64, serial int, handle *simulator.Context) ([]float64, error) {
			calls++
			if calls == 60+25 {
				cancel()
			}
			return gaussianModel(ctx, pars, seed, serial, handle)
		},
	}
	_, err = newTestEngine(t, store, 3, func(cfg *Config) {
		cfg.Simulator = interrupting
	}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	particles, ok, err := store.GetParticles(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	completed := 0
	for _, p := range particles {
		if p.Complete() {
			completed++
		}
	}
	require.Greater(t, completed, 0)
	require.Less(t, completed, 60)

	resumedCalls := 0
	counting := simulator.FuncSimulator{
		Metrics: 2,
		Fn: func(ctx context.Context, pars []float64, seed uint64, serial int, handle *simulator.Context) ([]float64, error) {
			resumedCalls++
			return gaussianModel(ctx, pars, seed, serial, handle)
		},
	}
	resumed, err := newTestEngine(t, store, 3, func(cfg *Config) {
		cfg.Simulator = counting
	}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, resumed.Restored)
	require.Equal(t, 60-completed+60, resumedCalls)
	require.Equal(t, membership(full), membership(resumed))
}

func TestEnginePoolMatchesSequential(t *testing.T) {
	ctx := context.Background()
	sequential, err := newTestEngine(t, storage.NewMemoryStore(), 2, nil).Run(ctx)
	require.NoError(t, err)

	pooled, err := newTestEngine(t, storage.NewMemoryStore(), 2, func(cfg *Config) {
		cfg.Workers = 4
	}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, membership(sequential), membership(pooled))
}

func TestEngineMultivariateKernel(t *testing.T) {
	result, err := newTestEngine(t, storage.NewMemoryStore(), 2, func(cfg *Config) {
		cfg.Multivariate = true
	}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.KernelMultivariate, result.Kernels[0].Kind)
	require.NotNil(t, result.Kernels[0].Covariance())
}

func TestEngineRejectsExistingRunWithoutResume(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := newTestEngine(t, store, 1, nil).Run(ctx)
	require.NoError(t, err)

	_, err = newTestEngine(t, store, 1, func(cfg *Config) {
		cfg.Resume = false
	}).Run(ctx)
	require.ErrorIs(t, err, ErrRunExists)
}

func TestEngineResumeRejectsChangedDefinitions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := newTestEngine(t, store, 1, nil).Run(ctx)
	require.NoError(t, err)

	_, err = newTestEngine(t, store, 2, func(cfg *Config) {
		cfg.Definitions.Metrics[0].Observed = 4
	}).Run(ctx)
	require.ErrorIs(t, err, storage.ErrSchemaMismatch)
}

func TestEngineResumeRejectsChangedSeedOrKernel(t *testing.T) {
	ctx := context.Background()
	store := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "run.db"))
	t.Cleanup(func() { _ = store.Close() })
	_, err := newTestEngine(t, store, 2, func(cfg *Config) {
		cfg.Multivariate = true
	}).Run(ctx)
	require.NoError(t, err)

	_, err = newTestEngine(t, store, 3, nil).Run(ctx)
	require.ErrorIs(t, err, storage.ErrSchemaMismatch)

	_, err = newTestEngine(t, store, 3, func(cfg *Config) {
		cfg.Multivariate = true
		cfg.Seed = 7
	}).Run(ctx)
	require.ErrorIs(t, err, storage.ErrSchemaMismatch)

	result, err := newTestEngine(t, store, 3, func(cfg *Config) {
		cfg.Multivariate = true
	}).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Restored)
}

func TestEngineResumeRejectsTamperedKernelRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := newTestEngine(t, store, 2, nil).Run(ctx)
	require.NoError(t, err)

	summaries, err := store.GetSetSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	tampered := summaries[0]
	tampered.DoubledVariances = append([]float64(nil), tampered.DoubledVariances...)
	tampered.DoubledVariances[0] *= 2
	require.NoError(t, store.SaveSetSummary(ctx, tampered))

	_, err = newTestEngine(t, store, 3, nil).Run(ctx)
	require.ErrorIs(t, err, storage.ErrSchemaMismatch)

	tampered.DoubledVariances = summaries[0].DoubledVariances
	tampered.KernelKind = model.KernelMultivariate
	require.NoError(t, store.SaveSetSummary(ctx, tampered))

	_, err = newTestEngine(t, store, 3, nil).Run(ctx)
	require.ErrorIs(t, err, storage.ErrSchemaMismatch)
}

func TestEngineAbortsWhenRetriesAreExhausted(t *testing.T) {
	failing := simulator.FuncSimulator{
		Fn: func(context.Context, []float64, uint64, int, *simulator.Context) ([]float64, error) {
			return nil, errors.New("model crashed")
		},
	}
	_, err := newTestEngine(t, storage.NewMemoryStore(), 1, func(cfg *Config) {
		cfg.Simulator = failing
		cfg.MaxRetries = 2
	}).Run(context.Background())
	require.ErrorIs(t, err, dispatch.ErrRetriesExhausted)
	require.Contains(t, err.Error(), "serial 0")
}

func TestNewEngineRejectsSetupErrors(t *testing.T) {
	base := Config{
		Definitions: testDefinitions(t, 10, 20),
		Generations: 1,
		Store:       storage.NewMemoryStore(),
		Simulator:   simulator.FuncSimulator{Fn: gaussianModel},
	}
	_, err := NewEngine(base)
	require.Error(t, err)

	base.Definitions = testDefinitions(t, 10, 5)
	base.Generations = 0
	_, err = NewEngine(base)
	require.Error(t, err)

	posterior, perr := model.NewParameter(model.ParameterSpec{Name: "p", Prior: model.PriorPosterior, Numeric: model.NumericInt, Par1: 0, Par2: 3})
	require.NoError(t, perr)
	base.Generations = 1
	base.Definitions.Parameters = append(base.Definitions.Parameters, posterior)
	_, err = NewEngine(base)
	require.Error(t, err)
}

type recordingReporter struct {
	generations []int
	kinds       []model.KernelKind
}

func (r *recordingReporter) ReportGeneration(_ context.Context, _ model.Definitions, set model.Set, k kernel.Kernel) error {
	r.generations = append(r.generations, set.Generation)
	r.kinds = append(r.kinds, k.Kind)
	return nil
}

func TestEngineNotifiesReporters(t *testing.T) {
	reporter := &recordingReporter{}
	_, err := newTestEngine(t, storage.NewMemoryStore(), 3, func(cfg *Config) {
		cfg.Reporters = []Reporter{reporter}
	}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, reporter.generations)
	require.Equal(t, []model.KernelKind{model.KernelDiagonal, model.KernelDiagonal, model.KernelDiagonal}, reporter.kinds)
}
