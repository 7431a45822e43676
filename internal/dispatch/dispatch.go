// Package dispatch runs particles through a simulator, either inline or on a
// fixed worker pool fed by a job queue. Only the coordinating goroutine
// commits results.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"abcsmc/internal/simulator"

	"golang.org/x/sync/errgroup"
)

var ErrRetriesExhausted = errors.New("simulator retries exhausted")

type Job struct {
	Generation int
	Index      int
	Serial     int
	Pars       []float64
	Seed       uint64
}

type Result struct {
	Job      Job
	Metrics  []float64
	Err      error
	WorkerID int
	Attempts int
	Started  time.Time
	Duration time.Duration
}

// CommitFunc persists one completed particle.
type CommitFunc func(ctx context.Context, r Result) error

// Observer receives progress events from the coordinator.
type Observer interface {
	Dispatched(job Job)
	Completed(r Result)
	Failed(r Result)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, jobs []Job, commit CommitFunc) error
}

type Config struct {
	Simulator  simulator.Simulator
	Workers    int
	MaxRetries int
	Logger     *slog.Logger
	Observer   Observer
}

// New returns a Sequential dispatcher for a single worker and a Pool otherwise.
func New(cfg Config) (Dispatcher, error) {
	if cfg.Simulator == nil {
		return nil, errors.New("simulator is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Workers <= 1 {
		return &Sequential{cfg: cfg}, nil
	}
	return &Pool{cfg: cfg}, nil
}

type noopObserver struct{}

func (noopObserver) Dispatched(Job)   {}
func (noopObserver) Completed(Result) {}
func (noopObserver) Failed(Result)    {}

func evaluate(ctx context.Context, sim simulator.Simulator, workerID int, job Job) Result {
	started := time.Now()
	metrics, err := sim.Evaluate(ctx, job.Pars, job.Seed, job.Serial)
	return Result{
		Job:      job,
		Metrics:  metrics,
		Err:      err,
		WorkerID: workerID,
		Started:  started,
		Duration: time.Since(started),
	}
}

func exhausted(r Result) error {
	return fmt.Errorf("%w: serial %d failed %d times: %v", ErrRetriesExhausted, r.Job.Serial, r.Attempts, r.Err)
}

// Sequential evaluates jobs one at a time on the calling goroutine.
type Sequential struct {
	cfg Config
}

func (s *Sequential) Dispatch(ctx context.Context, jobs []Job, commit CommitFunc) error {
	for _, job := range jobs {
		for attempt := 1; ; attempt++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.cfg.Observer.Dispatched(job)
			r := evaluate(ctx, s.cfg.Simulator, 0, job)
			r.Attempts = attempt
			if r.Err == nil {
				s.cfg.Observer.Completed(r)
				if err := commit(ctx, r); err != nil {
					return fmt.Errorf("commit serial %d: %w", job.Serial, err)
				}
				break
			}
			s.cfg.Observer.Failed(r)
			s.cfg.Logger.Warn("simulation failed", "generation", job.Generation, "serial", job.Serial, "attempt", attempt, "err", r.Err)
			if attempt > s.cfg.MaxRetries {
				return exhausted(r)
			}
		}
	}
	return nil
}

// Pool hands jobs to a fixed set of workers through a queue and collects
// results on the calling goroutine, which alone invokes commit.
type Pool struct {
	cfg Config
}

type workerBound interface {
	ForWorker(id, workers int) simulator.Simulator
}

func (p *Pool) Dispatch(ctx context.Context, jobs []Job, commit CommitFunc) error {
	if len(jobs) == 0 {
		return nil
	}
	workerCount := p.cfg.Workers
	if workerCount > len(jobs) {
		workerCount = len(jobs)
	}

	// Every job is in exactly one of queue, a worker, or results, so
	// buffers sized to len(jobs) never block, re-dispatches included.
	queue := make(chan Job, len(jobs))
	results := make(chan Result, len(jobs))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < workerCount; w++ {
		id := w
		sim := p.cfg.Simulator
		if bound, ok := sim.(workerBound); ok {
			sim = bound.ForWorker(id, workerCount)
		}
		g.Go(func() error {
			for job := range queue {
				if gctx.Err() != nil {
					continue
				}
				results <- evaluate(gctx, sim, id, job)
			}
			return nil
		})
	}

	for _, job := range jobs {
		p.cfg.Observer.Dispatched(job)
		queue <- job
	}
	err := p.collect(ctx, queue, results, len(jobs), commit)
	cancel()
	close(queue)
	if waitErr := g.Wait(); err == nil {
		err = waitErr
	}
	return err
}

func (p *Pool) collect(ctx context.Context, queue chan<- Job, results <-chan Result, total int, commit CommitFunc) error {
	attempts := make(map[int]int, total)
	for remaining := total; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-results:
			attempts[r.Job.Serial]++
			r.Attempts = attempts[r.Job.Serial]
			if r.Err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.cfg.Observer.Failed(r)
				p.cfg.Logger.Warn("simulation failed", "generation", r.Job.Generation, "serial", r.Job.Serial, "worker", r.WorkerID, "attempt", r.Attempts, "err", r.Err)
				if r.Attempts > p.cfg.MaxRetries {
					return exhausted(r)
				}
				p.cfg.Observer.Dispatched(r.Job)
				queue <- r.Job
				continue
			}
			p.cfg.Observer.Completed(r)
			if err := commit(ctx, r); err != nil {
				return fmt.Errorf("commit serial %d: %w", r.Job.Serial, err)
			}
			remaining--
		}
	}
	return nil
}
