package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"abcsmc/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	definitions *model.Definitions
	sets        map[int][]model.Particle
	summaries   map[int]model.SetSummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.sets = make(map[int][]model.Particle)
	s.summaries = make(map[int]model.SetSummary)
	return nil
}

func (s *MemoryStore) SaveDefinitions(_ context.Context, defs model.Definitions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	copied := copyDefinitions(defs)
	s.definitions = &copied
	return nil
}

func (s *MemoryStore) GetDefinitions(_ context.Context) (model.Definitions, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.definitions == nil {
		return model.Definitions{}, false, nil
	}
	return copyDefinitions(*s.definitions), true, nil
}

func (s *MemoryStore) CreateSet(_ context.Context, generation int, particles []model.Particle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if _, exists := s.sets[generation]; exists {
		return fmt.Errorf("set %d already exists", generation)
	}
	copied := make([]model.Particle, len(particles))
	for i, p := range particles {
		p.Status = model.StatusInProgress
		p.Metrics = nil
		copied[i] = copyParticle(p)
	}
	sort.Slice(copied, func(i, j int) bool { return copied[i].Index < copied[j].Index })
	s.sets[generation] = copied
	return nil
}

func (s *MemoryStore) GetParticles(_ context.Context, generation int) ([]model.Particle, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	particles, ok := s.sets[generation]
	if !ok {
		return nil, false, nil
	}
	out := make([]model.Particle, len(particles))
	for i, p := range particles {
		out[i] = copyParticle(p)
	}
	return out, true, nil
}

func (s *MemoryStore) CompleteParticle(_ context.Context, generation int, completion Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	particles, ok := s.sets[generation]
	if !ok {
		return fmt.Errorf("set %d does not exist", generation)
	}
	for i := range particles {
		if particles[i].Serial != completion.Serial {
			continue
		}
		particles[i].Metrics = append([]float64(nil), completion.Metrics...)
		particles[i].Status = model.StatusComplete
		particles[i].Attempts = completion.Attempts
		particles[i].StartedAt = completion.StartedAt
		particles[i].Duration = completion.Duration
		return nil
	}
	return fmt.Errorf("serial %d not found in set %d", completion.Serial, generation)
}

func (s *MemoryStore) SaveSetSummary(_ context.Context, summary model.SetSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	summary.PredictivePrior = append([]int(nil), summary.PredictivePrior...)
	summary.Weights = append([]float64(nil), summary.Weights...)
	summary.Distances = append([]float64(nil), summary.Distances...)
	summary.DoubledVariances = append([]float64(nil), summary.DoubledVariances...)
	s.summaries[summary.Generation] = summary
	return nil
}

func (s *MemoryStore) GetSetSummaries(_ context.Context) ([]model.SetSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SetSummary, 0, len(s.summaries))
	for _, summary := range s.summaries {
		summary.PredictivePrior = append([]int(nil), summary.PredictivePrior...)
		summary.Weights = append([]float64(nil), summary.Weights...)
		summary.Distances = append([]float64(nil), summary.Distances...)
		summary.DoubledVariances = append([]float64(nil), summary.DoubledVariances...)
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func copyParticle(p model.Particle) model.Particle {
	p.Raw = append([]float64(nil), p.Raw...)
	p.Sim = append([]float64(nil), p.Sim...)
	if p.Metrics != nil {
		p.Metrics = append([]float64(nil), p.Metrics...)
	}
	return p
}

func copyDefinitions(d model.Definitions) model.Definitions {
	d.Parameters = append([]model.Parameter(nil), d.Parameters...)
	d.Metrics = append([]model.Metric(nil), d.Metrics...)
	return d
}
