// Package abcsmc is the public entry point for running and inspecting
// ABC-SMC calibrations.
package abcsmc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"abcsmc/internal/config"
	"abcsmc/internal/logging"
	"abcsmc/internal/posterior"
	"abcsmc/internal/report"
	"abcsmc/internal/sampler"
	"abcsmc/internal/simulator"
	"abcsmc/internal/smc"
	"abcsmc/internal/storage"
	"abcsmc/internal/telemetry"
	"abcsmc/internal/transform"
)

type (
	Config            = config.RunConfig
	SimulatorFunc     = simulator.Func
	SimulatorContext  = simulator.Context
	GenerationSummary = report.GenerationSummary
)

var ErrUnknownSimulator = errors.New("unknown simulator")

var simulators = struct {
	mu sync.RWMutex
	m  map[string]SimulatorFunc
}{m: make(map[string]SimulatorFunc)}

// RegisterSimulator makes an in-process simulator available to configs that
// name it in their simulator field.
func RegisterSimulator(name string, fn SimulatorFunc) error {
	if name == "" {
		return errors.New("simulator name is required")
	}
	if fn == nil {
		return errors.New("simulator function is required")
	}
	simulators.mu.Lock()
	defer simulators.mu.Unlock()
	if _, exists := simulators.m[name]; exists {
		return fmt.Errorf("simulator %s already registered", name)
	}
	simulators.m[name] = fn
	return nil
}

func Simulators() []string {
	simulators.mu.RLock()
	defer simulators.mu.RUnlock()
	names := make([]string, 0, len(simulators.m))
	for name := range simulators.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterTransform adds a named untransform function.
func RegisterTransform(name string, fn func(float64) float64) error {
	return transform.RegisterCustom(name, fn)
}

func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

type Options struct {
	Logger *slog.Logger
}

type Client struct {
	cfg      *Config
	store    storage.Store
	logger   *slog.Logger
	recorder *telemetry.Recorder
}

type RunSummary struct {
	RunID       string
	Generations int
	Restored    int
	Directory   string
	Final       GenerationSummary
}

type SetItem struct {
	Generation       int
	Complete         bool
	KernelKind       string
	Retained         int
	DoubledVariances []float64
	CreatedAt        string
}

type PosteriorTable struct {
	Names []string
	Rows  [][]float64
}

func New(cfg *Config, opts Options) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	}
	store, err := storage.NewStore(cfg.Store, cfg.Database)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		recorder: telemetry.NewRecorder(cfg.RunID),
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// MetricsHandler serves the run's Prometheus metrics.
func (c *Client) MetricsHandler() http.Handler {
	return c.recorder.Handler()
}

func (c *Client) Run(ctx context.Context) (RunSummary, error) {
	defs, err := c.cfg.Definitions()
	if err != nil {
		return RunSummary{}, err
	}
	sim, err := c.simulator(len(defs.Metrics))
	if err != nil {
		return RunSummary{}, err
	}

	var post sampler.Posterior
	if c.cfg.PosteriorDatabase != "" {
		m, err := posterior.Open(ctx, c.cfg.PosteriorDatabase)
		if err != nil {
			return RunSummary{}, err
		}
		post = m
	}

	writer := report.NewWriter(c.cfg.ResumeDirectory)
	writer.WriteParticles = c.cfg.WriteParticles()
	writer.WritePredictivePrior = c.cfg.WritePredictivePrior()

	engine, err := smc.NewEngine(smc.Config{
		Definitions:         defs,
		Generations:         c.cfg.SMCIterations,
		Store:               c.store,
		Simulator:           sim,
		Workers:             c.cfg.Workers,
		MaxRetries:          c.cfg.MaxRetries,
		Seed:                c.cfg.Seed,
		Multivariate:        c.cfg.Multivariate(),
		Posterior:           post,
		RetainPosteriorRank: c.cfg.RetainPosteriorRank,
		Resume:              c.cfg.Resume,
		Logger:              c.logger.With("run_id", c.cfg.RunID),
		Observer:            c.recorder,
		Reporters:           []smc.Reporter{writer, c.recorder},
	})
	if err != nil {
		return RunSummary{}, err
	}

	result, err := engine.Run(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	final, _ := result.Final()
	summary, err := report.Summarize(defs, final, result.Kernels[len(result.Kernels)-1].Kind)
	if err != nil {
		return RunSummary{}, err
	}
	return RunSummary{
		RunID:       c.cfg.RunID,
		Generations: len(result.Sets),
		Restored:    result.Restored,
		Directory:   c.cfg.ResumeDirectory,
		Final:       summary,
	}, nil
}

func (c *Client) simulator(metrics int) (simulator.Simulator, error) {
	if c.cfg.Executable != "" {
		return simulator.ExecSimulator{Path: c.cfg.Executable, Args: c.cfg.ExecutableArgs, Metrics: metrics}, nil
	}
	simulators.mu.RLock()
	fn, ok := simulators.m[c.cfg.Simulator]
	simulators.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSimulator, c.cfg.Simulator)
	}
	return simulator.FuncSimulator{Fn: fn, Metrics: metrics}, nil
}

// Report summarizes every complete generation held by the store.
func (c *Client) Report(ctx context.Context) ([]GenerationSummary, error) {
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}
	return report.FromStore(ctx, c.store)
}

func (c *Client) Sets(ctx context.Context) ([]SetItem, error) {
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}
	summaries, err := c.store.GetSetSummaries(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]SetItem, 0, len(summaries))
	for _, s := range summaries {
		items = append(items, SetItem{
			Generation:       s.Generation,
			Complete:         s.Complete,
			KernelKind:       string(s.KernelKind),
			Retained:         len(s.PredictivePrior),
			DoubledVariances: s.DoubledVariances,
			CreatedAt:        s.CreatedAt.Format(time.RFC3339),
		})
	}
	return items, nil
}

// Posterior returns the final predictive prior in rank order.
func (c *Client) Posterior(ctx context.Context) (PosteriorTable, error) {
	if err := c.store.Init(ctx); err != nil {
		return PosteriorTable{}, err
	}
	m, err := posterior.FromStore(ctx, c.store)
	if err != nil {
		return PosteriorTable{}, err
	}
	return PosteriorTable{Names: m.Names, Rows: m.Rows}, nil
}
