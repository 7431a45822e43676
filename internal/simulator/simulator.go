// Package simulator defines the capability the engine uses to evaluate a
// particle, with an external-process and an in-process implementation.
package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

var ErrBadOutput = errors.New("unparsable simulator output")

// Simulator evaluates simulator-ready parameters with a deterministic seed.
type Simulator interface {
	Evaluate(ctx context.Context, pars []float64, seed uint64, serial int) ([]float64, error)
}

// Context is an optional handle passed to in-process simulators that need to
// know where they run.
type Context struct {
	WorkerID int
	Workers  int
}

type Func func(ctx context.Context, pars []float64, seed uint64, serial int, handle *Context) ([]float64, error)

// FuncSimulator runs an in-process callback.
type FuncSimulator struct {
	Fn      Func
	Handle  *Context
	Metrics int
}

func (s FuncSimulator) Evaluate(ctx context.Context, pars []float64, seed uint64, serial int) ([]float64, error) {
	if s.Fn == nil {
		return nil, errors.New("simulator function is required")
	}
	out, err := s.Fn(ctx, append([]float64(nil), pars...), seed, serial, s.Handle)
	if err != nil {
		return nil, err
	}
	if s.Metrics > 0 && len(out) != s.Metrics {
		return nil, fmt.Errorf("%w: serial %d returned %d metrics, expected %d", ErrBadOutput, serial, len(out), s.Metrics)
	}
	return out, nil
}

// ExecSimulator launches Path with the parameters, the seed and the serial as
// trailing arguments and parses whitespace separated metrics from stdout.
type ExecSimulator struct {
	Path    string
	Args    []string
	Metrics int
}

func (s ExecSimulator) Evaluate(ctx context.Context, pars []float64, seed uint64, serial int) ([]float64, error) {
	if s.Path == "" {
		return nil, errors.New("simulator executable is required")
	}
	args := make([]string, 0, len(s.Args)+len(pars)+2)
	args = append(args, s.Args...)
	for _, p := range pars {
		args = append(args, strconv.FormatFloat(p, 'g', -1, 64))
	}
	args = append(args, strconv.FormatUint(seed, 10), strconv.Itoa(serial))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("run %s for serial %d: %w: %s", s.Path, serial, err, msg)
		}
		return nil, fmt.Errorf("run %s for serial %d: %w", s.Path, serial, err)
	}
	return ParseMetrics(stdout.String(), s.Metrics)
}

// ParseMetrics reads whitespace separated floats. When want is positive the
// number of values must match it.
func ParseMetrics(output string, want int) ([]float64, error) {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no metrics", ErrBadOutput)
	}
	out := make([]float64, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadOutput, field)
		}
		out = append(out, v)
	}
	if want > 0 && len(out) != want {
		return nil, fmt.Errorf("%w: got %d metrics, expected %d", ErrBadOutput, len(out), want)
	}
	return out, nil
}

// ForWorker returns a copy bound to one worker of a pool.
func (s FuncSimulator) ForWorker(id, workers int) Simulator {
	s.Handle = &Context{WorkerID: id, Workers: workers}
	return s
}
