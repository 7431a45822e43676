package model

import (
	"errors"
	"fmt"
	"math"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type PriorType string

const (
	PriorUniform   PriorType = "UNIFORM"
	PriorNormal    PriorType = "NORMAL"
	PriorPseudo    PriorType = "PSEUDO"
	PriorPosterior PriorType = "POSTERIOR"
)

type NumericType string

const (
	NumericInt   NumericType = "INT"
	NumericFloat NumericType = "FLOAT"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrUnsupportedPrior = errors.New("unsupported prior")
	ErrInvalidMetric    = errors.New("invalid metric")
)

// ModSlot names one of the four shift/scale positions in the untransform chain.
type ModSlot int

const (
	ShiftBefore ModSlot = iota
	ScaleBefore
	ShiftAfter
	ScaleAfter
)

func (s ModSlot) Valid() bool {
	return s >= ShiftBefore && s <= ScaleAfter
}

// Additive reports whether the slot accumulates by addition rather than multiplication.
func (s ModSlot) Additive() bool {
	return s == ShiftBefore || s == ShiftAfter
}

// Untransform describes how a sampled value maps into simulator space.
type Untransform struct {
	Transform  string  `json:"transform"`
	RescaleMin float64 `json:"rescale_min"`
	RescaleMax float64 `json:"rescale_max"`
}

// IdentityUntransform leaves sampled values unchanged.
func IdentityUntransform() Untransform {
	return Untransform{Transform: "identity", RescaleMin: 0, RescaleMax: 1}
}

type Parameter struct {
	Name        string               `json:"name"`
	ShortName   string               `json:"short_name,omitempty"`
	Prior       PriorType            `json:"prior"`
	Numeric     NumericType          `json:"numeric"`
	Min         float64              `json:"min"`
	Max         float64              `json:"max"`
	Mean        float64              `json:"mean"`
	Stdev       float64              `json:"stdev"`
	Step        float64              `json:"step,omitempty"`
	Untransform Untransform          `json:"untransform"`
	Modifies    map[string][]ModSlot `json:"modifies,omitempty"`
}

// ParameterSpec is the configuration-level description of a parameter. Par1 and
// Par2 are interpreted per prior: bounds for UNIFORM and PSEUDO, mean and stdev
// for NORMAL, and the posterior row range for POSTERIOR.
type ParameterSpec struct {
	Name        string
	ShortName   string
	Prior       PriorType
	Numeric     NumericType
	Par1        float64
	Par2        float64
	Step        float64
	Untransform *Untransform
	Modifies    map[string][]ModSlot
}

func NewParameter(spec ParameterSpec) (Parameter, error) {
	if spec.Name == "" {
		return Parameter{}, fmt.Errorf("%w: name is required", ErrInvalidParameter)
	}
	if spec.Numeric != NumericInt && spec.Numeric != NumericFloat {
		return Parameter{}, fmt.Errorf("%w: parameter %s has unknown numeric type %q", ErrInvalidParameter, spec.Name, spec.Numeric)
	}
	p := Parameter{
		Name:      spec.Name,
		ShortName: spec.ShortName,
		Prior:     spec.Prior,
		Numeric:   spec.Numeric,
		Step:      spec.Step,
	}
	if spec.Untransform != nil {
		p.Untransform = *spec.Untransform
		if p.Untransform.RescaleMin == 0 && p.Untransform.RescaleMax == 0 {
			p.Untransform.RescaleMax = 1
		}
	} else {
		p.Untransform = IdentityUntransform()
	}
	if len(spec.Modifies) > 0 {
		p.Modifies = make(map[string][]ModSlot, len(spec.Modifies))
		for target, slots := range spec.Modifies {
			for _, slot := range slots {
				if !slot.Valid() {
					return Parameter{}, fmt.Errorf("%w: parameter %s has invalid modification slot %d for %s", ErrInvalidParameter, spec.Name, slot, target)
				}
			}
			p.Modifies[target] = append([]ModSlot(nil), slots...)
		}
	}

	switch spec.Prior {
	case PriorUniform:
		if !(spec.Par1 < spec.Par2) {
			return Parameter{}, fmt.Errorf("%w: uniform parameter %s requires min < max (got %g, %g)", ErrInvalidParameter, spec.Name, spec.Par1, spec.Par2)
		}
		p.Min, p.Max = spec.Par1, spec.Par2
		p.Mean = (spec.Par1 + spec.Par2) / 2
		p.Stdev = math.Sqrt((spec.Par2 - spec.Par1) * (spec.Par2 - spec.Par1) / 12)
	case PriorNormal:
		if spec.Numeric == NumericInt {
			return Parameter{}, fmt.Errorf("%w: normal prior does not support INT parameter %s", ErrUnsupportedPrior, spec.Name)
		}
		if !(spec.Par2 > 0) {
			return Parameter{}, fmt.Errorf("%w: normal parameter %s requires stdev > 0", ErrInvalidParameter, spec.Name)
		}
		p.Min, p.Max = -math.MaxFloat64, math.MaxFloat64
		p.Mean, p.Stdev = spec.Par1, spec.Par2
	case PriorPseudo:
		if spec.Par1 > spec.Par2 {
			return Parameter{}, fmt.Errorf("%w: pseudo parameter %s requires min <= max", ErrInvalidParameter, spec.Name)
		}
		if !(spec.Step > 0) && spec.Par1 != spec.Par2 {
			return Parameter{}, fmt.Errorf("%w: pseudo parameter %s requires step > 0", ErrInvalidParameter, spec.Name)
		}
		p.Min, p.Max = spec.Par1, spec.Par2
	case PriorPosterior:
		if spec.Par1 < 0 || spec.Par1 > spec.Par2 || spec.Par1 != math.Trunc(spec.Par1) || spec.Par2 != math.Trunc(spec.Par2) {
			return Parameter{}, fmt.Errorf("%w: posterior parameter %s requires integer row bounds 0 <= min <= max", ErrInvalidParameter, spec.Name)
		}
		p.Min, p.Max = spec.Par1, spec.Par2
	default:
		return Parameter{}, fmt.Errorf("%w: %q for parameter %s", ErrUnsupportedPrior, spec.Prior, spec.Name)
	}
	return p, nil
}

// Label returns the short name when present.
func (p Parameter) Label() string {
	if p.ShortName == "" {
		return p.Name
	}
	return p.ShortName
}

// Fixed reports whether the parameter is swept or looked up rather than perturbed.
func (p Parameter) Fixed() bool {
	return p.Prior == PriorPseudo || p.Prior == PriorPosterior
}

func (p Parameter) InBounds(v float64) bool {
	return v >= p.Min && v <= p.Max
}

type Metric struct {
	Name      string      `json:"name"`
	ShortName string      `json:"short_name,omitempty"`
	Numeric   NumericType `json:"numeric"`
	Observed  float64     `json:"observed"`
}

func NewMetric(name, shortName string, numeric NumericType, observed float64) (Metric, error) {
	if name == "" {
		return Metric{}, fmt.Errorf("%w: name is required", ErrInvalidMetric)
	}
	if numeric != NumericInt && numeric != NumericFloat {
		return Metric{}, fmt.Errorf("%w: metric %s has unknown numeric type %q", ErrInvalidMetric, name, numeric)
	}
	if math.IsNaN(observed) || math.IsInf(observed, 0) {
		return Metric{}, fmt.Errorf("%w: metric %s observed value must be finite", ErrInvalidMetric, name)
	}
	return Metric{Name: name, ShortName: shortName, Numeric: numeric, Observed: observed}, nil
}

func (m Metric) Label() string {
	if m.ShortName == "" {
		return m.Name
	}
	return m.ShortName
}

// Observed collects the observed values of metrics in order.
func Observed(metrics []Metric) []float64 {
	out := make([]float64, len(metrics))
	for i, m := range metrics {
		out[i] = m.Observed
	}
	return out
}

// Definitions is the static description of a calibration run. Seed and
// KernelKind are stamped by the engine so a resumed run reproduces the
// proposals and kernel densities of the stored one.
type Definitions struct {
	VersionedRecord
	Parameters          []Parameter `json:"parameters"`
	Metrics             []Metric    `json:"metrics"`
	NumParticles        int         `json:"num_particles"`
	PredictivePriorSize int         `json:"predictive_prior_size"`
	Seed                int64       `json:"seed"`
	KernelKind          KernelKind  `json:"kernel_kind"`
}

func (d Definitions) Validate() error {
	if len(d.Parameters) == 0 {
		return fmt.Errorf("%w: at least one parameter is required", ErrInvalidParameter)
	}
	if len(d.Metrics) == 0 {
		return fmt.Errorf("%w: at least one metric is required", ErrInvalidMetric)
	}
	names := make(map[string]struct{}, len(d.Parameters))
	for _, p := range d.Parameters {
		if _, ok := names[p.Name]; ok {
			return fmt.Errorf("%w: duplicate parameter name %s", ErrInvalidParameter, p.Name)
		}
		names[p.Name] = struct{}{}
	}
	for _, p := range d.Parameters {
		for target := range p.Modifies {
			if _, ok := names[target]; !ok {
				return fmt.Errorf("%w: parameter %s modifies unknown parameter %s", ErrInvalidParameter, p.Name, target)
			}
		}
	}
	if d.NumParticles <= 0 {
		return errors.New("number of particles must be > 0")
	}
	if d.PredictivePriorSize <= 0 || d.PredictivePriorSize > d.NumParticles {
		return fmt.Errorf("predictive prior size must be in [1, %d], got %d", d.NumParticles, d.PredictivePriorSize)
	}
	return nil
}

// FreeIndices returns the indices of parameters that are perturbed by kernels.
func FreeIndices(params []Parameter) []int {
	out := make([]int, 0, len(params))
	for i, p := range params {
		if !p.Fixed() {
			out = append(out, i)
		}
	}
	return out
}
