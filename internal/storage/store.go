package storage

import (
	"context"
	"time"

	"abcsmc/internal/model"
)

// Completion is the durable result of one particle. Status and metrics are
// written together.
type Completion struct {
	Serial    int
	Metrics   []float64
	Attempts  int
	StartedAt time.Time
	Duration  time.Duration
}

// Store defines transaction-like persistence operations for a calibration run.
type Store interface {
	Init(ctx context.Context) error
	SaveDefinitions(ctx context.Context, defs model.Definitions) error
	GetDefinitions(ctx context.Context) (model.Definitions, bool, error)
	CreateSet(ctx context.Context, generation int, particles []model.Particle) error
	GetParticles(ctx context.Context, generation int) ([]model.Particle, bool, error)
	CompleteParticle(ctx context.Context, generation int, completion Completion) error
	SaveSetSummary(ctx context.Context, summary model.SetSummary) error
	GetSetSummaries(ctx context.Context) ([]model.SetSummary, error)
}
