package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"abcsmc/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var (
	ErrVersionMismatch = errors.New("record version mismatch")
	ErrSchemaMismatch  = errors.New("store schema mismatch")
)

func EncodeDefinitions(d model.Definitions) ([]byte, error) {
	return json.Marshal(d)
}

func DecodeDefinitions(data []byte) (model.Definitions, error) {
	var defs model.Definitions
	if err := json.Unmarshal(data, &defs); err != nil {
		return model.Definitions{}, err
	}
	if err := checkVersion(defs.VersionedRecord); err != nil {
		return model.Definitions{}, err
	}
	return defs, nil
}

func EncodeVector(v []float64) ([]byte, error) {
	if v == nil {
		v = []float64{}
	}
	return json.Marshal(v)
}

func DecodeVector(data []byte) ([]float64, error) {
	var v []float64
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func EncodeIndices(v []int) ([]byte, error) {
	if v == nil {
		v = []int{}
	}
	return json.Marshal(v)
}

func DecodeIndices(data []byte) ([]int, error) {
	var v []int
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

// Stamp sets the current schema and codec versions.
func Stamp() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

// CompareDefinitions reports why a stored run cannot be resumed with the
// configured definitions. Resuming against different parameters or metrics
// would silently mix incompatible particles.
func CompareDefinitions(stored, configured model.Definitions) error {
	if stored.Seed != configured.Seed {
		return fmt.Errorf("%w: stored run used seed %d, configured %d", ErrSchemaMismatch, stored.Seed, configured.Seed)
	}
	if stored.KernelKind != configured.KernelKind {
		return fmt.Errorf("%w: stored run uses a %s kernel, configured %s", ErrSchemaMismatch, stored.KernelKind, configured.KernelKind)
	}
	if stored.NumParticles != configured.NumParticles {
		return fmt.Errorf("%w: stored run has %d particles per set, configured %d", ErrSchemaMismatch, stored.NumParticles, configured.NumParticles)
	}
	if stored.PredictivePriorSize != configured.PredictivePriorSize {
		return fmt.Errorf("%w: stored predictive prior size %d, configured %d", ErrSchemaMismatch, stored.PredictivePriorSize, configured.PredictivePriorSize)
	}
	if len(stored.Parameters) != len(configured.Parameters) {
		return fmt.Errorf("%w: stored run has %d parameters, configured %d", ErrSchemaMismatch, len(stored.Parameters), len(configured.Parameters))
	}
	for i := range stored.Parameters {
		s, c := stored.Parameters[i], configured.Parameters[i]
		if s.Name != c.Name || s.Prior != c.Prior || s.Numeric != c.Numeric || s.Min != c.Min || s.Max != c.Max || s.Mean != c.Mean || s.Stdev != c.Stdev || s.Step != c.Step {
			return fmt.Errorf("%w: parameter %d differs (stored %s %s [%g, %g], configured %s %s [%g, %g])",
				ErrSchemaMismatch, i, s.Name, s.Prior, s.Min, s.Max, c.Name, c.Prior, c.Min, c.Max)
		}
		if s.Untransform != c.Untransform {
			return fmt.Errorf("%w: parameter %s untransform differs", ErrSchemaMismatch, s.Name)
		}
		if !sameModifies(s.Modifies, c.Modifies) {
			return fmt.Errorf("%w: parameter %s modifications differ", ErrSchemaMismatch, s.Name)
		}
	}
	if len(stored.Metrics) != len(configured.Metrics) {
		return fmt.Errorf("%w: stored run has %d metrics, configured %d", ErrSchemaMismatch, len(stored.Metrics), len(configured.Metrics))
	}
	for i := range stored.Metrics {
		s, c := stored.Metrics[i], configured.Metrics[i]
		if s.Name != c.Name || s.Observed != c.Observed || s.Numeric != c.Numeric {
			return fmt.Errorf("%w: metric %d differs (stored %s=%g, configured %s=%g)", ErrSchemaMismatch, i, s.Name, s.Observed, c.Name, c.Observed)
		}
	}
	return nil
}

func sameModifies(a, b map[string][]model.ModSlot) bool {
	if len(a) != len(b) {
		return false
	}
	for target, slots := range a {
		other, ok := b[target]
		if !ok || len(other) != len(slots) {
			return false
		}
		for i := range slots {
			if slots[i] != other[i] {
				return false
			}
		}
	}
	return true
}
