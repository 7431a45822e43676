// Package smc runs the ABC-SMC generation loop: propose, simulate, score,
// select, weight and rebuild the kernel, persisting every step.
package smc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"abcsmc/internal/dispatch"
	"abcsmc/internal/distance"
	"abcsmc/internal/kernel"
	"abcsmc/internal/model"
	"abcsmc/internal/sampler"
	"abcsmc/internal/selection"
	"abcsmc/internal/simulator"
	"abcsmc/internal/storage"
)

var ErrRunExists = errors.New("store already holds a run")

// Reporter is notified after each generation is durably complete.
type Reporter interface {
	ReportGeneration(ctx context.Context, defs model.Definitions, set model.Set, k kernel.Kernel) error
}

type Config struct {
	Definitions         model.Definitions
	Generations         int
	Store               storage.Store
	Simulator           simulator.Simulator
	Workers             int
	MaxRetries          int
	Seed                int64
	Multivariate        bool
	Posterior           sampler.Posterior
	RetainPosteriorRank bool
	Resume              bool
	Logger              *slog.Logger
	Observer            dispatch.Observer
	Reporters           []Reporter
}

type RunResult struct {
	Sets     []model.Set
	Kernels  []kernel.Kernel
	Restored int
}

// Final returns the last completed set.
func (r RunResult) Final() (model.Set, bool) {
	if len(r.Sets) == 0 {
		return model.Set{}, false
	}
	return r.Sets[len(r.Sets)-1], true
}

type Engine struct {
	cfg         Config
	dispatcher  dispatch.Dispatcher
	untransform *sampler.Untransformer
	observed    []float64
	samplerOpts sampler.Options
	kernelKind  model.KernelKind
}

// NewEngine validates the run. Every error returned here happens before any
// simulation starts.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Simulator == nil {
		return nil, fmt.Errorf("simulator is required")
	}
	if cfg.Generations <= 0 {
		return nil, fmt.Errorf("generations must be > 0")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.Definitions.Validate(); err != nil {
		return nil, err
	}
	cfg.Definitions.VersionedRecord = storage.Stamp()
	cfg.Definitions.Seed = cfg.Seed
	cfg.Definitions.KernelKind = model.KernelDiagonal
	if cfg.Multivariate {
		cfg.Definitions.KernelKind = model.KernelMultivariate
	}

	opts := sampler.Options{Posterior: cfg.Posterior, RetainPosteriorRank: cfg.RetainPosteriorRank}
	if _, err := sampler.NewGenerator(cfg.Definitions.Parameters, rand.New(rand.NewSource(cfg.Seed)), opts); err != nil {
		return nil, err
	}
	untransform, err := sampler.NewUntransformer(cfg.Definitions.Parameters)
	if err != nil {
		return nil, err
	}
	d, err := dispatch.New(dispatch.Config{
		Simulator:  cfg.Simulator,
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		Logger:     cfg.Logger,
		Observer:   cfg.Observer,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:         cfg,
		dispatcher:  d,
		untransform: untransform,
		observed:    model.Observed(cfg.Definitions.Metrics),
		samplerOpts: opts,
		kernelKind:  cfg.Definitions.KernelKind,
	}, nil
}

func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	store := e.cfg.Store
	if err := store.Init(ctx); err != nil {
		return RunResult{}, fmt.Errorf("init store: %w", err)
	}
	if err := e.reconcileDefinitions(ctx); err != nil {
		return RunResult{}, err
	}

	sets, history, err := e.restore(ctx)
	if err != nil {
		return RunResult{}, err
	}
	result := RunResult{Restored: len(sets)}
	if result.Restored > 0 {
		e.cfg.Logger.Info("resumed run", "completed_generations", result.Restored)
	}

	for gen := len(sets); gen < e.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}

		var prev *model.Set
		var prevKernel kernel.Kernel
		if gen > 0 {
			prev = &sets[gen-1]
			prevKernel, _ = history.At(gen - 1)
		}

		set, k, err := e.runGeneration(ctx, gen, prev, prevKernel)
		if err != nil {
			return RunResult{}, fmt.Errorf("generation %d: %w", gen, err)
		}
		if err := history.Append(k); err != nil {
			return RunResult{}, err
		}
		sets = append(sets, set)

		for _, r := range e.cfg.Reporters {
			if err := r.ReportGeneration(ctx, e.cfg.Definitions, set, k); err != nil {
				return RunResult{}, fmt.Errorf("report generation %d: %w", gen, err)
			}
		}
	}

	result.Sets = sets
	result.Kernels = make([]kernel.Kernel, history.Len())
	for i := range result.Kernels {
		result.Kernels[i], _ = history.At(i)
	}
	return result, nil
}

func (e *Engine) reconcileDefinitions(ctx context.Context) error {
	stored, ok, err := e.cfg.Store.GetDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	if !ok {
		if err := e.cfg.Store.SaveDefinitions(ctx, e.cfg.Definitions); err != nil {
			return fmt.Errorf("save definitions: %w", err)
		}
		return nil
	}
	if !e.cfg.Resume {
		return fmt.Errorf("%w: enable resume to continue it", ErrRunExists)
	}
	return storage.CompareDefinitions(stored, e.cfg.Definitions)
}

// restore rebuilds completed generations and their kernels. Only sets whose
// summary is marked complete are trusted; the first gap ends the history.
func (e *Engine) restore(ctx context.Context) ([]model.Set, *kernel.History, error) {
	history := &kernel.History{}
	if !e.cfg.Resume {
		return nil, history, nil
	}
	summaries, err := e.cfg.Store.GetSetSummaries(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load set summaries: %w", err)
	}

	var sets []model.Set
	for _, summary := range summaries {
		if !summary.Complete || summary.Generation != len(sets) || len(sets) >= e.cfg.Generations {
			break
		}
		particles, ok, err := e.cfg.Store.GetParticles(ctx, summary.Generation)
		if err != nil {
			return nil, nil, fmt.Errorf("load set %d: %w", summary.Generation, err)
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: set %d is complete but its particle table is missing", storage.ErrSchemaMismatch, summary.Generation)
		}
		set := model.Set{
			Generation:      summary.Generation,
			Particles:       particles,
			Distances:       summary.Distances,
			PredictivePrior: summary.PredictivePrior,
			Weights:         summary.Weights,
		}
		if err := e.checkRestoredSet(set); err != nil {
			return nil, nil, err
		}
		k, err := e.buildKernel(set)
		if err != nil {
			return nil, nil, err
		}
		if err := checkRestoredKernel(summary, k); err != nil {
			return nil, nil, err
		}
		if err := history.Append(k); err != nil {
			return nil, nil, err
		}
		sets = append(sets, set)
	}
	return sets, history, nil
}

func (e *Engine) checkRestoredSet(set model.Set) error {
	n := e.cfg.Definitions.NumParticles
	if len(set.Particles) != n || len(set.Distances) != n {
		return fmt.Errorf("%w: set %d has %d particles and %d distances, expected %d", storage.ErrSchemaMismatch, set.Generation, len(set.Particles), len(set.Distances), n)
	}
	if len(set.PredictivePrior) != len(set.Weights) || len(set.PredictivePrior) != e.cfg.Definitions.PredictivePriorSize {
		return fmt.Errorf("%w: set %d predictive prior has %d members and %d weights", storage.ErrSchemaMismatch, set.Generation, len(set.PredictivePrior), len(set.Weights))
	}
	for _, idx := range set.PredictivePrior {
		if idx < 0 || idx >= n || !set.Particles[idx].Complete() {
			return fmt.Errorf("%w: set %d predictive prior references incomplete particle %d", storage.ErrSchemaMismatch, set.Generation, idx)
		}
	}
	return nil
}

// checkRestoredKernel compares a rebuilt kernel with the one recorded when
// the set completed. Later proposals and weights depend on it exactly.
func checkRestoredKernel(summary model.SetSummary, k kernel.Kernel) error {
	if summary.KernelKind != k.Kind {
		return fmt.Errorf("%w: set %d was recorded with a %s kernel, rebuilt %s", storage.ErrSchemaMismatch, summary.Generation, summary.KernelKind, k.Kind)
	}
	if len(summary.DoubledVariances) != len(k.DoubledVariances) {
		return fmt.Errorf("%w: set %d records %d doubled variances, rebuilt %d", storage.ErrSchemaMismatch, summary.Generation, len(summary.DoubledVariances), len(k.DoubledVariances))
	}
	for i, v := range summary.DoubledVariances {
		if v != k.DoubledVariances[i] {
			return fmt.Errorf("%w: set %d doubled variance %d is %g, rebuilt %g", storage.ErrSchemaMismatch, summary.Generation, i, v, k.DoubledVariances[i])
		}
	}
	return nil
}

func (e *Engine) runGeneration(ctx context.Context, gen int, prev *model.Set, prevKernel kernel.Kernel) (model.Set, kernel.Kernel, error) {
	particles, err := e.loadOrPropose(ctx, gen, prev, prevKernel)
	if err != nil {
		return model.Set{}, kernel.Kernel{}, err
	}

	jobs := make([]dispatch.Job, 0, len(particles))
	for _, p := range particles {
		if p.Complete() {
			continue
		}
		jobs = append(jobs, dispatch.Job{Generation: gen, Index: p.Index, Serial: p.Serial, Pars: p.Sim, Seed: p.Seed})
	}
	if skipped := len(particles) - len(jobs); skipped > 0 {
		e.cfg.Logger.Info("reusing completed particles", "generation", gen, "completed", skipped, "pending", len(jobs))
	}

	commit := func(ctx context.Context, r dispatch.Result) error {
		if len(r.Metrics) != len(e.observed) {
			return fmt.Errorf("%w: serial %d returned %d metrics, expected %d", simulator.ErrBadOutput, r.Job.Serial, len(r.Metrics), len(e.observed))
		}
		if err := e.cfg.Store.CompleteParticle(ctx, gen, storage.Completion{
			Serial:    r.Job.Serial,
			Metrics:   r.Metrics,
			Attempts:  r.Attempts,
			StartedAt: r.Started,
			Duration:  r.Duration,
		}); err != nil {
			return err
		}
		p := &particles[r.Job.Index]
		p.Metrics = append([]float64(nil), r.Metrics...)
		p.Status = model.StatusComplete
		p.Attempts = r.Attempts
		p.StartedAt = r.Started
		p.Duration = r.Duration
		e.cfg.Logger.Debug("particle complete", "generation", gen, "serial", r.Job.Serial, "attempt", r.Attempts, "worker", r.WorkerID)
		return nil
	}
	started := time.Now()
	if err := e.dispatcher.Dispatch(ctx, jobs, commit); err != nil {
		return model.Set{}, kernel.Kernel{}, err
	}

	set, err := e.score(gen, particles, prev, prevKernel)
	if err != nil {
		return model.Set{}, kernel.Kernel{}, err
	}
	k, err := e.buildKernel(set)
	if err != nil {
		return model.Set{}, kernel.Kernel{}, err
	}

	summary := model.SetSummary{
		VersionedRecord:  storage.Stamp(),
		Generation:       gen,
		Complete:         true,
		KernelKind:       k.Kind,
		PredictivePrior:  set.PredictivePrior,
		Weights:          set.Weights,
		Distances:        set.Distances,
		DoubledVariances: k.DoubledVariances,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.cfg.Store.SaveSetSummary(ctx, summary); err != nil {
		return model.Set{}, kernel.Kernel{}, fmt.Errorf("save set summary: %w", err)
	}

	e.cfg.Logger.Info("generation complete",
		"generation", gen,
		"simulations", len(jobs),
		"best_distance", set.Distances[set.PredictivePrior[0]],
		"threshold", set.Distances[set.PredictivePrior[len(set.PredictivePrior)-1]],
		"kernel", k.Kind,
		"elapsed", time.Since(started),
	)
	return set, k, nil
}

// loadOrPropose returns the particles of gen, proposing and persisting them
// first if the set does not exist yet. Proposals come from an RNG seeded by
// the generation alone, so a set interrupted before CreateSet is proposed
// again identically.
func (e *Engine) loadOrPropose(ctx context.Context, gen int, prev *model.Set, prevKernel kernel.Kernel) ([]model.Particle, error) {
	n := e.cfg.Definitions.NumParticles
	particles, ok, err := e.cfg.Store.GetParticles(ctx, gen)
	if err != nil {
		return nil, fmt.Errorf("load particles: %w", err)
	}
	if ok {
		if len(particles) != n {
			return nil, fmt.Errorf("%w: set %d has %d particles, expected %d", storage.ErrSchemaMismatch, gen, len(particles), n)
		}
		for i := range particles {
			if particles[i].Index != i || particles[i].Serial != model.SerialFor(gen, i, n) {
				return nil, fmt.Errorf("%w: set %d row %d has index %d serial %d", storage.ErrSchemaMismatch, gen, i, particles[i].Index, particles[i].Serial)
			}
			particles[i].Generation = gen
		}
		return particles, nil
	}

	rng := rand.New(rand.NewSource(dispatch.GenerationSeed(e.cfg.Seed, gen)))
	generator, err := sampler.NewGenerator(e.cfg.Definitions.Parameters, rng, e.samplerOpts)
	if err != nil {
		return nil, err
	}
	particles = make([]model.Particle, n)
	for i := range particles {
		var raw []float64
		var rank int
		if prev == nil {
			raw, rank, err = generator.SampleFromPriors()
		} else {
			raw, rank, err = generator.SampleFromPredictivePrior(*prev, prevKernel)
		}
		if err != nil {
			return nil, fmt.Errorf("propose particle %d: %w", i, err)
		}
		sim, err := e.untransform.Apply(raw)
		if err != nil {
			return nil, fmt.Errorf("untransform particle %d: %w", i, err)
		}
		serial := model.SerialFor(gen, i, n)
		particles[i] = model.Particle{
			Serial:        serial,
			Generation:    gen,
			Index:         i,
			Seed:          dispatch.SerialSeed(e.cfg.Seed, serial),
			Raw:           raw,
			Sim:           sim,
			Status:        model.StatusInProgress,
			PosteriorRank: rank,
		}
	}
	if err := e.cfg.Store.CreateSet(ctx, gen, particles); err != nil {
		return nil, fmt.Errorf("create set: %w", err)
	}
	return particles, nil
}

func (e *Engine) score(gen int, particles []model.Particle, prev *model.Set, prevKernel kernel.Kernel) (model.Set, error) {
	metrics := make([][]float64, len(particles))
	for i, p := range particles {
		if !p.Complete() {
			return model.Set{}, fmt.Errorf("serial %d has no metrics after dispatch", p.Serial)
		}
		metrics[i] = p.Metrics
	}
	distances, _, err := distance.Distances(e.observed, metrics)
	if err != nil {
		return model.Set{}, err
	}
	members, err := selection.Select(particles, distances, e.cfg.Definitions.PredictivePriorSize)
	if err != nil {
		return model.Set{}, err
	}

	var weights []float64
	if prev == nil {
		weights = selection.UniformWeights(len(members))
	} else {
		retained := make([]model.Particle, len(members))
		for i, idx := range members {
			retained[i] = particles[idx]
		}
		weights, err = selection.ImportanceWeights(e.cfg.Definitions.Parameters, retained, *prev, prevKernel)
		if err != nil {
			return model.Set{}, err
		}
	}
	return model.Set{
		Generation:      gen,
		Particles:       particles,
		Distances:       distances,
		PredictivePrior: members,
		Weights:         weights,
	}, nil
}

func (e *Engine) buildKernel(set model.Set) (kernel.Kernel, error) {
	prior := set.PriorParticles()
	rows := make([][]float64, len(prior))
	for i, p := range prior {
		rows[i] = p.Raw
	}
	k, err := kernel.Build(set.Generation, e.cfg.Definitions.Parameters, rows, set.Weights, e.kernelKind == model.KernelMultivariate)
	if errors.Is(err, kernel.ErrNotPositiveDefinite) {
		e.cfg.Logger.Warn("falling back to diagonal kernel", "generation", set.Generation, "err", err)
		return k, nil
	}
	return k, err
}
