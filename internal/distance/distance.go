// Package distance standardizes simulated metrics against the current
// generation and scores each particle by its distance to the observations.
package distance

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Standardizer holds per-metric location and scale. A metric whose scale is
// zero carries no information about the particles and is dropped from distances.
type Standardizer struct {
	Means  []float64
	Stdevs []float64
}

// Fit computes column means and sample standard deviations of matrix.
func Fit(matrix [][]float64) (Standardizer, error) {
	if len(matrix) == 0 {
		return Standardizer{}, errors.New("metric matrix is empty")
	}
	cols := len(matrix[0])
	s := Standardizer{Means: make([]float64, cols), Stdevs: make([]float64, cols)}
	column := make([]float64, len(matrix))
	for c := 0; c < cols; c++ {
		for r, row := range matrix {
			if len(row) != cols {
				return Standardizer{}, fmt.Errorf("metric row %d has %d values, expected %d", r, len(row), cols)
			}
			column[r] = row[c]
		}
		if len(matrix) == 1 {
			s.Means[c] = column[0]
			continue
		}
		s.Means[c], s.Stdevs[c] = stat.MeanStdDev(column, nil)
	}
	return s, nil
}

// Apply standardizes one row.
func (s Standardizer) Apply(row []float64) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		if s.Stdevs[i] > 0 {
			out[i] = (v - s.Means[i]) / s.Stdevs[i]
		}
	}
	return out
}

// Standardize fits a Standardizer to matrix and returns it with the
// standardized copy of matrix.
func Standardize(matrix [][]float64) (Standardizer, [][]float64, error) {
	s, err := Fit(matrix)
	if err != nil {
		return Standardizer{}, nil, err
	}
	out := make([][]float64, len(matrix))
	for i, row := range matrix {
		out[i] = s.Apply(row)
	}
	return s, out, nil
}

// Score standardizes observed with s and returns the Euclidean distance to
// each standardized row.
func Score(s Standardizer, observed []float64, standardized [][]float64) ([]float64, error) {
	if len(observed) != len(s.Means) {
		return nil, fmt.Errorf("observed metrics length mismatch: got=%d want=%d", len(observed), len(s.Means))
	}
	obs := s.Apply(observed)
	out := make([]float64, len(standardized))
	for i, row := range standardized {
		out[i] = floats.Distance(obs, row, 2)
	}
	return out, nil
}

// Distances is Standardize followed by Score.
func Distances(observed []float64, metrics [][]float64) ([]float64, Standardizer, error) {
	s, standardized, err := Standardize(metrics)
	if err != nil {
		return nil, Standardizer{}, err
	}
	d, err := Score(s, observed, standardized)
	if err != nil {
		return nil, Standardizer{}, err
	}
	return d, s, nil
}
