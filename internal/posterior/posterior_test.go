package posterior

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"abcsmc/internal/model"
	"abcsmc/internal/storage"

	"github.com/stretchr/testify/require"
)

func TestMatrixLookup(t *testing.T) {
	m, err := NewMatrix([]string{"a", "b"}, [][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	v, err := m.Lookup(1, "b")
	require.NoError(t, err)
	require.Equal(t, 4.0, v)

	_, err = m.Lookup(2, "a")
	require.Error(t, err)
	_, err = m.Lookup(0, "c")
	require.Error(t, err)
}

func TestNewMatrixRejectsRaggedRows(t *testing.T) {
	_, err := NewMatrix([]string{"a", "b"}, [][]float64{{1}})
	require.Error(t, err)
}

func seedRun(t *testing.T, ctx context.Context, store storage.Store) {
	t.Helper()

	alpha, err := model.NewParameter(model.ParameterSpec{Name: "alpha", Prior: model.PriorUniform, Numeric: model.NumericFloat, Par1: 0, Par2: 10})
	require.NoError(t, err)
	metric, err := model.NewMetric("m", "", model.NumericFloat, 1)
	require.NoError(t, err)
	defs := model.Definitions{
		VersionedRecord:     storage.Stamp(),
		Parameters:          []model.Parameter{alpha},
		Metrics:             []model.Metric{metric},
		NumParticles:        3,
		PredictivePriorSize: 2,
	}
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.SaveDefinitions(ctx, defs))

	for gen := 0; gen < 2; gen++ {
		particles := make([]model.Particle, 3)
		for i := range particles {
			v := float64(10*gen + i)
			particles[i] = model.Particle{Serial: model.SerialFor(gen, i, 3), Index: i, Raw: []float64{v}, Sim: []float64{v}, PosteriorRank: -1}
		}
		require.NoError(t, store.CreateSet(ctx, gen, particles))
		for _, p := range particles {
			require.NoError(t, store.CompleteParticle(ctx, gen, storage.Completion{Serial: p.Serial, Metrics: []float64{p.Raw[0]}, Attempts: 1}))
		}
		require.NoError(t, store.SaveSetSummary(ctx, model.SetSummary{
			VersionedRecord: storage.Stamp(),
			Generation:      gen,
			Complete:        true,
			KernelKind:      model.KernelDiagonal,
			PredictivePrior: []int{2, 0},
			Weights:         []float64{0.5, 0.5},
		}))
	}
}

func TestFromStoreUsesLastCompleteSetInRankOrder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedRun(t, ctx, store)

	m, err := FromStore(ctx, store)
	require.NoError(t, err)
	require.Equal(t, [][]float64{{12}, {10}}, m.Rows)

	v, err := m.Lookup(0, "alpha")
	require.NoError(t, err)
	require.Equal(t, 12.0, v)
}

func TestOpenReadsSQLiteRun(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "previous.db")
	store := storage.NewSQLiteStore(path)
	seedRun(t, ctx, store)
	require.NoError(t, store.Close())

	m, err := Open(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())
	require.Equal(t, []string{"alpha"}, m.Names)
}

func TestOpenMissingDatabaseCreatesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.db")

	_, err := Open(context.Background(), path)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Contains(t, err.Error(), path)

	_, statErr := os.Stat(path)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestFromStoreWithoutCompleteSet(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(ctx))
	_, err := FromStore(ctx, store)
	if !errors.Is(err, ErrEmptyPosterior) {
		t.Fatalf("expected empty posterior error, got %v", err)
	}
}
