package config

import (
	"os"
	"path/filepath"
	"testing"

	"abcsmc/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
seed: 7
num_samples: 100
smc_iterations: 3
predictive_prior_fraction: 0.2
noise: multivariate
executable: ./model.sh
database: run.db
resume_directory: out
parameters:
  - name: beta
    short_name: b
    dist_type: UNIFORM
    num_type: FLOAT
    par1: 0
    par2: 1
    untransform:
      transform: logistic
      rescale: [0, 10]
  - name: offset
    dist_type: NORMAL
    num_type: FLOAT
    par1: 0
    par2: 2
    modifies:
      beta: [shift_after]
  - name: sweep
    dist_type: PSEUDO
    num_type: INT
    par1: 1
    par2: 3
    step: 1
metrics:
  - name: peak
    num_type: FLOAT
    value: 12.5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndConverts(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	_, err = uuid.Parse(cfg.RunID)
	require.NoError(t, err, "run id should default to a uuid")
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, 1, cfg.Workers)
	assert.True(t, cfg.Multivariate())
	assert.True(t, cfg.WriteParticles())
	assert.Equal(t, "info", cfg.Logging.Level)

	defs, err := cfg.Definitions()
	require.NoError(t, err)
	assert.Equal(t, 100, defs.NumParticles)
	assert.Equal(t, 20, defs.PredictivePriorSize)
	require.Len(t, defs.Parameters, 3)

	beta := defs.Parameters[0]
	assert.Equal(t, "logistic", beta.Untransform.Transform)
	assert.Equal(t, 10.0, beta.Untransform.RescaleMax)
	assert.Equal(t, []model.ModSlot{model.ShiftAfter}, defs.Parameters[1].Modifies["beta"])
	assert.True(t, defs.Parameters[2].Fixed())
	assert.Equal(t, 12.5, defs.Metrics[0].Observed)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("ABCSMC_WORKERS", "6")
	t.Setenv("ABCSMC_RESUME", "true")
	t.Setenv("ABCSMC_LOG_LEVEL", "debug")
	t.Setenv("ABCSMC_SEED", "99")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers)
	assert.True(t, cfg.Resume)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, int64(99), cfg.Seed)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]func(*RunConfig){
		"both prior sizes": func(c *RunConfig) { c.PredictivePriorSize = 10 },
		"no simulator":     func(c *RunConfig) { c.Executable = "" },
		"two simulators":   func(c *RunConfig) { c.Simulator = "sir" },
		"prior too large":  func(c *RunConfig) { c.PredictivePriorFraction = 0; c.PredictivePriorSize = 101 },
		"bad prior":        func(c *RunConfig) { c.Parameters[0].DistType = "BETA" },
		"normal int":       func(c *RunConfig) { c.Parameters[1].NumType = "INT" },
		"bad slot":         func(c *RunConfig) { c.Parameters[1].Modifies["beta"] = []string{"twist"} },
		"unknown target":   func(c *RunConfig) { c.Parameters[1].Modifies = map[string][]string{"gamma": {"shift_after"}} },
		"no metrics":       func(c *RunConfig) { c.Metrics = nil },
		"bad noise":        func(c *RunConfig) { c.Noise = "gaussian" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Parse([]byte(sampleYAML))
			require.NoError(t, err)
			cfg.applyDefaults()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("num_samples: 10\nparticles: 4\n"))
	assert.Error(t, err)
}

func TestPriorSizeFromFraction(t *testing.T) {
	cfg := &RunConfig{NumSamples: 7, PredictivePriorFraction: 0.5}
	size, err := cfg.PriorSize()
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	cfg.PredictivePriorFraction = 0.1
	_, err = cfg.PriorSize()
	assert.Error(t, err)
}
