package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"abcsmc/internal/simulator"
)

// flaky fails the first failures[serial] evaluations of a serial.
type flaky struct {
	mu       sync.Mutex
	failures map[int]int
	calls    map[int]int
}

func newFlaky(failures map[int]int) *flaky {
	return &flaky{failures: failures, calls: make(map[int]int)}
}

func (f *flaky) Evaluate(_ context.Context, pars []float64, seed uint64, serial int) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[serial]++
	if f.calls[serial] <= f.failures[serial] {
		return nil, errors.New("transient failure")
	}
	return []float64{pars[0] * 2, float64(seed % 1000)}, nil
}

type countingObserver struct {
	mu         sync.Mutex
	dispatched int
	completed  int
	failed     int
}

func (o *countingObserver) Dispatched(Job) {
	o.mu.Lock()
	o.dispatched++
	o.mu.Unlock()
}

func (o *countingObserver) Completed(Result) {
	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
}

func (o *countingObserver) Failed(Result) {
	o.mu.Lock()
	o.failed++
	o.mu.Unlock()
}

func testJobs(n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{Generation: 1, Index: i, Serial: 100 + i, Pars: []float64{float64(i)}, Seed: SerialSeed(9, 100+i)}
	}
	return jobs
}

func runDispatch(t *testing.T, workers, maxRetries int, sim simulator.Simulator, jobs []Job, obs Observer) (map[int]Result, error) {
	t.Helper()
	d, err := New(Config{Simulator: sim, Workers: workers, MaxRetries: maxRetries, Observer: obs})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	committed := make(map[int]Result)
	err = d.Dispatch(context.Background(), jobs, func(_ context.Context, r Result) error {
		if _, dup := committed[r.Job.Serial]; dup {
			t.Errorf("serial %d committed twice", r.Job.Serial)
		}
		committed[r.Job.Serial] = r
		return nil
	})
	return committed, err
}

func TestNewChoosesImplementation(t *testing.T) {
	sim := newFlaky(nil)
	if d, _ := New(Config{Simulator: sim, Workers: 1}); d == nil {
		t.Fatal("expected dispatcher")
	} else if _, ok := d.(*Sequential); !ok {
		t.Fatalf("expected sequential dispatcher, got %T", d)
	}
	if d, _ := New(Config{Simulator: sim, Workers: 3}); d == nil {
		t.Fatal("expected dispatcher")
	} else if _, ok := d.(*Pool); !ok {
		t.Fatalf("expected pool dispatcher, got %T", d)
	}
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected missing simulator to fail")
	}
	if _, err := New(Config{Simulator: sim, MaxRetries: -1}); err == nil {
		t.Fatal("expected negative retries to fail")
	}
}

func TestDispatchCommitsEveryJobOnce(t *testing.T) {
	for _, workers := range []int{1, 4} {
		obs := &countingObserver{}
		jobs := testJobs(25)
		committed, err := runDispatch(t, workers, 0, newFlaky(nil), jobs, obs)
		if err != nil {
			t.Fatalf("workers=%d: dispatch: %v", workers, err)
		}
		if len(committed) != len(jobs) {
			t.Fatalf("workers=%d: committed %d of %d", workers, len(committed), len(jobs))
		}
		for _, job := range jobs {
			r := committed[job.Serial]
			if r.Metrics[0] != job.Pars[0]*2 || r.Metrics[1] != float64(job.Seed%1000) || r.Attempts != 1 {
				t.Fatalf("workers=%d: unexpected result for serial %d: %+v", workers, job.Serial, r)
			}
		}
		if obs.dispatched != 25 || obs.completed != 25 || obs.failed != 0 {
			t.Fatalf("workers=%d: unexpected observer counts %+v", workers, obs)
		}
	}
}

func TestDispatchRetriesFailedSimulations(t *testing.T) {
	for _, workers := range []int{1, 3} {
		obs := &countingObserver{}
		sim := newFlaky(map[int]int{101: 2, 104: 1})
		committed, err := runDispatch(t, workers, 2, sim, testJobs(6), obs)
		if err != nil {
			t.Fatalf("workers=%d: dispatch: %v", workers, err)
		}
		if committed[101].Attempts != 3 || committed[104].Attempts != 2 || committed[100].Attempts != 1 {
			t.Fatalf("workers=%d: unexpected attempts %d %d %d", workers, committed[101].Attempts, committed[104].Attempts, committed[100].Attempts)
		}
		if obs.failed != 3 || obs.dispatched != 9 || obs.completed != 6 {
			t.Fatalf("workers=%d: unexpected observer counts %+v", workers, obs)
		}
	}
}

func TestDispatchStopsWhenRetriesAreExhausted(t *testing.T) {
	for _, workers := range []int{1, 3} {
		sim := newFlaky(map[int]int{102: 5})
		_, err := runDispatch(t, workers, 1, sim, testJobs(6), nil)
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("workers=%d: expected retries exhausted, got %v", workers, err)
		}
	}
}

func TestDispatchPropagatesCommitErrors(t *testing.T) {
	for _, workers := range []int{1, 2} {
		d, err := New(Config{Simulator: newFlaky(nil), Workers: workers})
		if err != nil {
			t.Fatalf("new dispatcher: %v", err)
		}
		boom := errors.New("disk full")
		err = d.Dispatch(context.Background(), testJobs(4), func(context.Context, Result) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("workers=%d: expected commit error, got %v", workers, err)
		}
	}
}

func TestDispatchHonorsCancellation(t *testing.T) {
	for _, workers := range []int{1, 2} {
		d, err := New(Config{Simulator: newFlaky(nil), Workers: workers})
		if err != nil {
			t.Fatalf("new dispatcher: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		commits := 0
		err = d.Dispatch(ctx, testJobs(10), func(context.Context, Result) error {
			commits++
			if commits == 3 {
				cancel()
			}
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("workers=%d: expected cancellation, got %v", workers, err)
		}
		if commits != 3 {
			t.Fatalf("workers=%d: expected commits to stop at 3, got %d", workers, commits)
		}
	}
}

func TestSeedsAreDeterministicAndDistinct(t *testing.T) {
	if SerialSeed(42, 7) != SerialSeed(42, 7) {
		t.Fatal("serial seed is not deterministic")
	}
	seen := make(map[uint64]int)
	for serial := 0; serial < 5000; serial++ {
		s := SerialSeed(42, serial)
		if prev, dup := seen[s]; dup {
			t.Fatalf("serials %d and %d share seed %d", prev, serial, s)
		}
		seen[s] = serial
	}
	if SerialSeed(42, 0) == SerialSeed(43, 0) {
		t.Fatal("different run seeds produced the same serial seed")
	}

	gens := []int64{GenerationSeed(42, 0), GenerationSeed(42, 1), GenerationSeed(42, 2)}
	for _, g := range gens {
		if g < 0 {
			t.Fatalf("generation seed %d is negative", g)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	if gens[0] == gens[1] || gens[1] == gens[2] {
		t.Fatalf("generation seeds collide: %v", gens)
	}
}
