package model

import "time"

type ParticleStatus string

const (
	StatusInProgress ParticleStatus = "in_progress"
	StatusComplete   ParticleStatus = "complete"
)

// Particle is one proposal within a generation. Metrics are attached once when
// the simulation completes.
type Particle struct {
	Serial        int            `json:"serial"`
	Generation    int            `json:"generation"`
	Index         int            `json:"index"`
	Seed          uint64         `json:"seed"`
	Raw           []float64      `json:"raw"`
	Sim           []float64      `json:"sim"`
	Metrics       []float64      `json:"metrics,omitempty"`
	Status        ParticleStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	PosteriorRank int            `json:"posterior_rank"`
	StartedAt     time.Time      `json:"started_at,omitempty"`
	Duration      time.Duration  `json:"duration,omitempty"`
}

func (p Particle) Complete() bool {
	return p.Status == StatusComplete
}

// Serial numbers are dense across generations.
func SerialFor(generation, index, numParticles int) int {
	return generation*numParticles + index
}

type KernelKind string

const (
	KernelDiagonal     KernelKind = "diagonal"
	KernelMultivariate KernelKind = "multivariate"
)

// SetSummary is the durable per-generation record.
type SetSummary struct {
	VersionedRecord
	Generation       int        `json:"generation"`
	Complete         bool       `json:"complete"`
	KernelKind       KernelKind `json:"kernel_kind"`
	PredictivePrior  []int      `json:"predictive_prior"`
	Weights          []float64  `json:"weights"`
	Distances        []float64  `json:"distances"`
	DoubledVariances []float64  `json:"doubled_variances"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Set holds one completed generation. PredictivePrior indexes Particles in
// rank order and Weights is aligned with it.
type Set struct {
	Generation      int
	Particles       []Particle
	Distances       []float64
	PredictivePrior []int
	Weights         []float64
}

func (s Set) ParameterMatrix() [][]float64 {
	out := make([][]float64, len(s.Particles))
	for i, p := range s.Particles {
		out[i] = p.Raw
	}
	return out
}

func (s Set) MetricMatrix() [][]float64 {
	out := make([][]float64, len(s.Particles))
	for i, p := range s.Particles {
		out[i] = p.Metrics
	}
	return out
}

// PriorParticles returns the retained particles in rank order.
func (s Set) PriorParticles() []Particle {
	out := make([]Particle, len(s.PredictivePrior))
	for i, idx := range s.PredictivePrior {
		out[i] = s.Particles[idx]
	}
	return out
}
