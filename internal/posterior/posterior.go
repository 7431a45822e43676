// Package posterior serves previously accepted particles to POSTERIOR
// parameters. Rows are ordered by acceptance rank.
package posterior

import (
	"context"
	"errors"
	"fmt"

	"abcsmc/internal/model"
	"abcsmc/internal/storage"
)

var ErrEmptyPosterior = errors.New("posterior has no accepted particles")

type Matrix struct {
	Names []string
	Rows  [][]float64

	columns map[string]int
}

func NewMatrix(names []string, rows [][]float64) (*Matrix, error) {
	columns := make(map[string]int, len(names))
	for i, name := range names {
		if _, ok := columns[name]; ok {
			return nil, fmt.Errorf("duplicate posterior column %s", name)
		}
		columns[name] = i
	}
	for r, row := range rows {
		if len(row) != len(names) {
			return nil, fmt.Errorf("posterior row %d has %d values, expected %d", r, len(row), len(names))
		}
	}
	return &Matrix{Names: names, Rows: rows, columns: columns}, nil
}

func (m *Matrix) Len() int {
	return len(m.Rows)
}

func (m *Matrix) Lookup(rank int, parameter string) (float64, error) {
	col, ok := m.columns[parameter]
	if !ok {
		return 0, fmt.Errorf("posterior has no parameter %s", parameter)
	}
	if rank < 0 || rank >= len(m.Rows) {
		return 0, fmt.Errorf("posterior rank %d out of range [0, %d)", rank, len(m.Rows))
	}
	return m.Rows[rank][col], nil
}

// FromStore builds a posterior from the last complete set in store. Rows
// follow predictive-prior rank, best particle first.
func FromStore(ctx context.Context, store storage.Store) (*Matrix, error) {
	defs, ok, err := store.GetDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load posterior definitions: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: store has no definitions", ErrEmptyPosterior)
	}
	summaries, err := store.GetSetSummaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load posterior sets: %w", err)
	}
	var last *model.SetSummary
	for i := range summaries {
		if summaries[i].Complete {
			last = &summaries[i]
		}
	}
	if last == nil {
		return nil, ErrEmptyPosterior
	}
	particles, ok, err := store.GetParticles(ctx, last.Generation)
	if err != nil {
		return nil, fmt.Errorf("load posterior set %d: %w", last.Generation, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: set %d is recorded complete but has no particles", storage.ErrSchemaMismatch, last.Generation)
	}

	names := make([]string, len(defs.Parameters))
	for i, p := range defs.Parameters {
		names[i] = p.Name
	}
	rows := make([][]float64, 0, len(last.PredictivePrior))
	for _, idx := range last.PredictivePrior {
		if idx < 0 || idx >= len(particles) {
			return nil, fmt.Errorf("%w: predictive prior index %d outside set %d", storage.ErrSchemaMismatch, idx, last.Generation)
		}
		rows = append(rows, append([]float64(nil), particles[idx].Raw...))
	}
	return NewMatrix(names, rows)
}

// Open reads the posterior of a finished run from a SQLite database.
func Open(ctx context.Context, path string) (*Matrix, error) {
	store := storage.NewReadOnlySQLiteStore(path)
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("open posterior database: %w", err)
	}
	defer store.Close()
	return FromStore(ctx, store)
}
