package sampler

import (
	"fmt"
	"sort"

	"abcsmc/internal/model"
	"abcsmc/internal/transform"
)

// Untransformer maps raw parameter vectors into simulator space.
type Untransformer struct {
	params     []model.Parameter
	transforms []transform.Transform
	// edges[i] lists the (target, slot) pairs parameter i modifies, targets sorted by index.
	edges [][]modEdge
}

type modEdge struct {
	target int
	slot   model.ModSlot
}

func NewUntransformer(params []model.Parameter) (*Untransformer, error) {
	index := make(map[string]int, len(params))
	for i, p := range params {
		index[p.Name] = i
	}

	u := &Untransformer{
		params:     params,
		transforms: make([]transform.Transform, len(params)),
		edges:      make([][]modEdge, len(params)),
	}
	for i, p := range params {
		tr, err := transform.Parse(p.Untransform.Transform)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		u.transforms[i] = tr

		for target, slots := range p.Modifies {
			j, ok := index[target]
			if !ok {
				return nil, fmt.Errorf("parameter %s modifies unknown parameter %s", p.Name, target)
			}
			for _, slot := range slots {
				u.edges[i] = append(u.edges[i], modEdge{target: j, slot: slot})
			}
		}
		sort.SliceStable(u.edges[i], func(a, b int) bool { return u.edges[i][a].target < u.edges[i][b].target })
	}
	return u, nil
}

// Apply runs each value through shift, scale, transform, shift, scale and the
// rescale into the parameter's output range. Modifying parameters contribute
// their raw value to the targeted slot before any value is computed.
func (u *Untransformer) Apply(raw []float64) ([]float64, error) {
	if len(raw) != len(u.params) {
		return nil, fmt.Errorf("parameter vector length mismatch: got=%d want=%d", len(raw), len(u.params))
	}

	mods := make([][4]float64, len(raw))
	for i := range mods {
		mods[i] = [4]float64{0, 1, 0, 1}
	}
	for i, edges := range u.edges {
		for _, e := range edges {
			if e.slot.Additive() {
				mods[e.target][e.slot] += raw[i]
			} else {
				mods[e.target][e.slot] *= raw[i]
			}
		}
	}

	out := make([]float64, len(raw))
	for i, p := range u.params {
		m := mods[i]
		v := (raw[i] + m[model.ShiftBefore]) * m[model.ScaleBefore]
		v = u.transforms[i].Apply(v)
		v = (v + m[model.ShiftAfter]) * m[model.ScaleAfter]
		out[i] = (p.Untransform.RescaleMax-p.Untransform.RescaleMin)*v + p.Untransform.RescaleMin
	}
	return out, nil
}
