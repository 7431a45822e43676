// Package config loads a calibration run from YAML, applies ABCSMC_
// environment overrides and validates the result before anything runs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"abcsmc/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "ABCSMC"

type RunConfig struct {
	RunID                    string            `yaml:"run_id"`
	Seed                     int64             `yaml:"seed"`
	NumSamples               int               `yaml:"num_samples" validate:"required,min=1"`
	SMCIterations            int               `yaml:"smc_iterations" validate:"required,min=1"`
	PredictivePriorSize      int               `yaml:"predictive_prior_size" validate:"omitempty,min=1"`
	PredictivePriorFraction  float64           `yaml:"predictive_prior_fraction" validate:"omitempty,gt=0,lte=1"`
	Noise                    string            `yaml:"noise" validate:"omitempty,oneof=diagonal multivariate"`
	Executable               string            `yaml:"executable" validate:"required_without=Simulator"`
	ExecutableArgs           []string          `yaml:"executable_args"`
	Simulator                string            `yaml:"simulator" validate:"required_without=Executable"`
	MaxRetries               int               `yaml:"max_retries" validate:"min=0"`
	Workers                  int               `yaml:"workers" validate:"min=0"`
	Store                    string            `yaml:"store" validate:"omitempty,oneof=memory sqlite"`
	Database                 string            `yaml:"database" validate:"required_if=Store sqlite"`
	PosteriorDatabase        string            `yaml:"posterior_database"`
	RetainPosteriorRank      bool              `yaml:"retain_posterior_rank"`
	Resume                   bool              `yaml:"resume"`
	ResumeDirectory          string            `yaml:"resume_directory"`
	WriteParticleFile        *bool             `yaml:"write_particle_file"`
	WritePredictivePriorFile *bool             `yaml:"write_predictive_prior_file"`
	MetricsAddr              string            `yaml:"metrics_addr"`
	Logging                  LoggingConfig     `yaml:"logging"`
	Parameters               []ParameterConfig `yaml:"parameters" validate:"required,min=1,dive"`
	Metrics                  []MetricConfig    `yaml:"metrics" validate:"required,min=1,dive"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

type ParameterConfig struct {
	Name        string              `yaml:"name" validate:"required"`
	ShortName   string              `yaml:"short_name"`
	DistType    string              `yaml:"dist_type" validate:"required,oneof=UNIFORM NORMAL PSEUDO POSTERIOR"`
	NumType     string              `yaml:"num_type" validate:"required,oneof=INT FLOAT"`
	Par1        float64             `yaml:"par1"`
	Par2        float64             `yaml:"par2"`
	Step        float64             `yaml:"step"`
	Untransform *UntransformConfig  `yaml:"untransform"`
	Modifies    map[string][]string `yaml:"modifies" validate:"dive,keys,required,endkeys,dive,oneof=shift_before scale_before shift_after scale_after"`
}

type UntransformConfig struct {
	Transform string    `yaml:"transform"`
	Rescale   []float64 `yaml:"rescale" validate:"omitempty,len=2"`
}

type MetricConfig struct {
	Name      string  `yaml:"name" validate:"required"`
	ShortName string  `yaml:"short_name"`
	NumType   string  `yaml:"num_type" validate:"required,oneof=INT FLOAT"`
	Value     float64 `yaml:"value"`
}

// Overrides are read from ABCSMC_* environment variables and win over the file.
type Overrides struct {
	Seed        *int64  `envconfig:"SEED"`
	Workers     *int    `envconfig:"WORKERS"`
	MaxRetries  *int    `envconfig:"MAX_RETRIES"`
	Database    *string `envconfig:"DATABASE"`
	Resume      *bool   `envconfig:"RESUME"`
	LogLevel    *string `envconfig:"LOG_LEVEL"`
	MetricsAddr *string `envconfig:"METRICS_ADDR"`
}

var slotNames = map[string]model.ModSlot{
	"shift_before": model.ShiftBefore,
	"scale_before": model.ScaleBefore,
	"shift_after":  model.ShiftAfter,
	"scale_after":  model.ScaleAfter,
}

var validate = validator.New()

// Load reads path, applies environment overrides and defaults, and validates.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML strictly; unknown keys are errors.
func Parse(data []byte) (*RunConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg RunConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RunConfig) ApplyEnv() error {
	var o Overrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("read %s_* environment: %w", EnvPrefix, err)
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.Workers != nil {
		c.Workers = *o.Workers
	}
	if o.MaxRetries != nil {
		c.MaxRetries = *o.MaxRetries
	}
	if o.Database != nil {
		c.Database = *o.Database
	}
	if o.Resume != nil {
		c.Resume = *o.Resume
	}
	if o.LogLevel != nil {
		c.Logging.Level = *o.LogLevel
	}
	if o.MetricsAddr != nil {
		c.MetricsAddr = *o.MetricsAddr
	}
	return nil
}

func (c *RunConfig) applyDefaults() {
	if strings.TrimSpace(c.RunID) == "" {
		c.RunID = uuid.NewString()
	}
	if c.Store == "" {
		c.Store = "memory"
		if c.Database != "" {
			c.Store = "sqlite"
		}
	}
	if c.Noise == "" {
		c.Noise = "diagonal"
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.ResumeDirectory == "" {
		c.ResumeDirectory = filepath.Join("runs", c.RunID)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks struct tags and the rules that span fields.
func (c *RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if (c.PredictivePriorSize == 0) == (c.PredictivePriorFraction == 0) {
		return errors.New("invalid config: set exactly one of predictive_prior_size and predictive_prior_fraction")
	}
	if _, err := c.PriorSize(); err != nil {
		return err
	}
	if c.Executable != "" && c.Simulator != "" {
		return errors.New("invalid config: executable and simulator are mutually exclusive")
	}
	_, err := c.Definitions()
	return err
}

// PriorSize resolves the predictive prior size, either given directly or as
// floor(num_samples * fraction).
func (c *RunConfig) PriorSize() (int, error) {
	size := c.PredictivePriorSize
	if c.PredictivePriorFraction > 0 {
		size = int(math.Floor(float64(c.NumSamples) * c.PredictivePriorFraction))
	}
	if size < 1 || size > c.NumSamples {
		return 0, fmt.Errorf("invalid config: predictive prior size must be in [1, %d], got %d", c.NumSamples, size)
	}
	return size, nil
}

func (c *RunConfig) Multivariate() bool {
	return c.Noise == "multivariate"
}

func (c *RunConfig) WriteParticles() bool {
	return c.WriteParticleFile == nil || *c.WriteParticleFile
}

func (c *RunConfig) WritePredictivePrior() bool {
	return c.WritePredictivePriorFile == nil || *c.WritePredictivePriorFile
}

// Definitions converts the configured parameters and metrics.
func (c *RunConfig) Definitions() (model.Definitions, error) {
	size, err := c.PriorSize()
	if err != nil {
		return model.Definitions{}, err
	}
	defs := model.Definitions{
		Parameters:          make([]model.Parameter, 0, len(c.Parameters)),
		Metrics:             make([]model.Metric, 0, len(c.Metrics)),
		NumParticles:        c.NumSamples,
		PredictivePriorSize: size,
	}
	for _, pc := range c.Parameters {
		p, err := pc.toParameter()
		if err != nil {
			return model.Definitions{}, err
		}
		defs.Parameters = append(defs.Parameters, p)
	}
	for _, mc := range c.Metrics {
		m, err := model.NewMetric(mc.Name, mc.ShortName, model.NumericType(mc.NumType), mc.Value)
		if err != nil {
			return model.Definitions{}, err
		}
		defs.Metrics = append(defs.Metrics, m)
	}
	if err := defs.Validate(); err != nil {
		return model.Definitions{}, err
	}
	return defs, nil
}

func (pc ParameterConfig) toParameter() (model.Parameter, error) {
	spec := model.ParameterSpec{
		Name:      pc.Name,
		ShortName: pc.ShortName,
		Prior:     model.PriorType(pc.DistType),
		Numeric:   model.NumericType(pc.NumType),
		Par1:      pc.Par1,
		Par2:      pc.Par2,
		Step:      pc.Step,
	}
	if pc.Untransform != nil {
		u := model.Untransform{Transform: pc.Untransform.Transform}
		if len(pc.Untransform.Rescale) == 2 {
			u.RescaleMin, u.RescaleMax = pc.Untransform.Rescale[0], pc.Untransform.Rescale[1]
		}
		spec.Untransform = &u
	}
	if len(pc.Modifies) > 0 {
		spec.Modifies = make(map[string][]model.ModSlot, len(pc.Modifies))
		for target, names := range pc.Modifies {
			for _, name := range names {
				slot, ok := slotNames[name]
				if !ok {
					return model.Parameter{}, fmt.Errorf("%w: parameter %s has unknown modify slot %q", model.ErrInvalidParameter, pc.Name, name)
				}
				spec.Modifies[target] = append(spec.Modifies[target], slot)
			}
		}
	}
	return model.NewParameter(spec)
}
