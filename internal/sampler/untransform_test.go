package sampler

import (
	"math"
	"testing"

	"abcsmc/internal/model"
)

func TestUntransformAppliesChainAndModifiers(t *testing.T) {
	a := mustParameter(t, model.ParameterSpec{
		Name: "a", Prior: model.PriorUniform, Numeric: model.NumericFloat, Par1: 0, Par2: 3,
		Untransform: &model.Untransform{Transform: "pow10"},
	})
	b := mustParameter(t, model.ParameterSpec{
		Name: "b", Prior: model.PriorUniform, Numeric: model.NumericFloat, Par1: 0, Par2: 1,
		Untransform: &model.Untransform{Transform: "identity", RescaleMin: 1, RescaleMax: 3},
		Modifies:    map[string][]model.ModSlot{"a": {model.ScaleAfter}},
	})
	c := mustParameter(t, model.ParameterSpec{
		Name: "c", Prior: model.PriorUniform, Numeric: model.NumericFloat, Par1: 0, Par2: 1,
		Modifies: map[string][]model.ModSlot{"a": {model.ShiftBefore}},
	})
	u, err := NewUntransformer([]model.Parameter{a, b, c})
	if err != nil {
		t.Fatalf("new untransformer: %v", err)
	}

	// a: 10^(2+1) * 0.5 = 500; b: 2*0.5+1 = 2; c: identity.
	got, err := u.Apply([]float64{2, 0.5, 1})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := []float64{500, 2, 1}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("index %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

func TestUntransformRejectsUnknownTransform(t *testing.T) {
	p := mustParameter(t, model.ParameterSpec{
		Name: "a", Prior: model.PriorUniform, Numeric: model.NumericFloat, Par1: 0, Par2: 1,
		Untransform: &model.Untransform{Transform: "no-such-transform"},
	})
	if _, err := NewUntransformer([]model.Parameter{p}); err == nil {
		t.Fatal("expected unknown transform to fail")
	}
}

func TestUntransformRejectsWrongLength(t *testing.T) {
	p := mustParameter(t, model.ParameterSpec{Name: "a", Prior: model.PriorUniform, Numeric: model.NumericFloat, Par1: 0, Par2: 1})
	u, err := NewUntransformer([]model.Parameter{p})
	if err != nil {
		t.Fatalf("new untransformer: %v", err)
	}
	if _, err := u.Apply([]float64{1, 2}); err == nil {
		t.Fatal("expected length mismatch to fail")
	}
}
