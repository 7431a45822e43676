// Package kernel builds the perturbation kernels used to propose particles
// for the next generation from a retained predictive prior.
package kernel

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"abcsmc/internal/model"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrNotPositiveDefinite = errors.New("weighted covariance is not positive definite")

const log2Pi = 1.8378770664093453

// Kernel is the perturbation kernel derived from one generation's predictive
// prior. DoubledVariances has one entry per parameter; fixed parameters carry 0.
type Kernel struct {
	Generation       int
	Kind             model.KernelKind
	Free             []int
	DoubledVariances []float64

	cov  *mat.SymDense
	chol *mat.Cholesky
	l    *mat.TriDense
}

// Build computes the kernel for a generation. rows holds the raw parameter
// vectors of the retained particles and weights is aligned with rows. When
// multivariate is requested but the covariance is not positive definite the
// diagonal kernel is returned together with ErrNotPositiveDefinite so callers
// can log the fallback.
func Build(generation int, params []model.Parameter, rows [][]float64, weights []float64, multivariate bool) (Kernel, error) {
	if len(rows) == 0 {
		return Kernel{}, errors.New("predictive prior is empty")
	}
	if len(rows) != len(weights) {
		return Kernel{}, fmt.Errorf("weights mismatch: rows=%d weights=%d", len(rows), len(weights))
	}

	k := Kernel{
		Generation:       generation,
		Kind:             model.KernelDiagonal,
		Free:             model.FreeIndices(params),
		DoubledVariances: make([]float64, len(params)),
	}
	for _, i := range k.Free {
		values := make([]float64, len(rows))
		for r, row := range rows {
			values[r] = row[i]
		}
		k.DoubledVariances[i] = DoubledVariance(values, weights)
	}
	if !multivariate || len(k.Free) == 0 {
		return k, nil
	}

	cov := WeightedCovariance(rows, weights, k.Free)
	chol, l, err := Factor(cov)
	if err != nil {
		return k, err
	}
	k.Kind = model.KernelMultivariate
	k.cov = cov
	k.chol = chol
	k.l = l
	return k, nil
}

// DoubledVariance is twice the weighted population variance of values.
func DoubledVariance(values, weights []float64) float64 {
	v := stat.PopVariance(values, weights)
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return 2 * v
}

// WeightedCovariance returns the doubled weighted covariance of the columns
// listed in cols, with weights normalized to sum to one.
func WeightedCovariance(rows [][]float64, weights []float64, cols []int) *mat.SymDense {
	n, d := len(rows), len(cols)
	total := 0.0
	for _, w := range weights {
		total += w
	}

	means := make([]float64, d)
	for r, row := range rows {
		for c, col := range cols {
			means[c] += weights[r] / total * row[col]
		}
	}

	centered := mat.NewDense(n, d, nil)
	for r, row := range rows {
		scale := math.Sqrt(weights[r] / total)
		for c, col := range cols {
			centered.Set(r, c, scale*(row[col]-means[c]))
		}
	}

	cov := mat.NewSymDense(d, nil)
	cov.SymOuterK(2, centered.T())
	return cov
}

// Factor returns the Cholesky decomposition of cov and its lower factor.
func Factor(cov mat.Symmetric) (*mat.Cholesky, *mat.TriDense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, nil, ErrNotPositiveDefinite
	}
	var l mat.TriDense
	chol.LTo(&l)
	return &chol, &l, nil
}

// SampleCorrelatedNoise draws z ~ N(0, I) and returns L*z.
func SampleCorrelatedNoise(l *mat.TriDense, rng *rand.Rand) []float64 {
	d, _ := l.Dims()
	z := make([]float64, d)
	for i := range z {
		z[i] = rng.NormFloat64()
	}
	var out mat.VecDense
	out.MulVec(l, mat.NewVecDense(d, z))
	return out.RawVector().Data
}

// Noise draws one correlated perturbation over the free parameters.
func (k Kernel) Noise(rng *rand.Rand) []float64 {
	return SampleCorrelatedNoise(k.l, rng)
}

// Covariance exposes the doubled covariance of a multivariate kernel.
func (k Kernel) Covariance() *mat.SymDense {
	return k.cov
}

// LogDensity is the log density of proposing x from a particle centered at
// center. Dimensions with zero bandwidth are skipped; they contribute the same
// factor for every center that can have produced x.
func (k Kernel) LogDensity(x, center []float64) float64 {
	if k.Kind == model.KernelMultivariate && k.chol != nil {
		d := len(k.Free)
		diff := mat.NewVecDense(d, nil)
		for c, i := range k.Free {
			diff.SetVec(c, x[i]-center[i])
		}
		var solved mat.VecDense
		if err := k.chol.SolveVecTo(&solved, diff); err != nil {
			return math.Inf(-1)
		}
		quad := mat.Dot(diff, &solved)
		return -0.5 * (float64(d)*log2Pi + k.chol.LogDet() + quad)
	}

	total := 0.0
	for _, i := range k.Free {
		v := k.DoubledVariances[i]
		if v <= 0 {
			continue
		}
		total += distuv.Normal{Mu: center[i], Sigma: math.Sqrt(v)}.LogProb(x[i])
	}
	return total
}

// History keeps every generation's kernel; weights for generation t need the
// kernel of generation t-1.
type History struct {
	kernels []Kernel
}

func (h *History) Append(k Kernel) error {
	if k.Generation != len(h.kernels) {
		return fmt.Errorf("kernel generation %d appended out of order (have %d)", k.Generation, len(h.kernels))
	}
	h.kernels = append(h.kernels, k)
	return nil
}

func (h *History) At(generation int) (Kernel, bool) {
	if generation < 0 || generation >= len(h.kernels) {
		return Kernel{}, false
	}
	return h.kernels[generation], true
}

func (h *History) Len() int {
	return len(h.kernels)
}

// DoubledVariance returns parameter i's bandwidth recorded for generation t.
func (h *History) DoubledVariance(generation, i int) float64 {
	k, ok := h.At(generation)
	if !ok || i < 0 || i >= len(k.DoubledVariances) {
		return 0
	}
	return k.DoubledVariances[i]
}
