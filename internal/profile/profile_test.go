package profile

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"fluxauth/internal/features"
	"fluxauth/internal/forest"
)

func vec(vals ...float64) features.Vector {
	var core [features.NumCore]float64
	copy(core[:], vals)
	return features.NewVector(core)
}

func sessions(n int) []features.Vector {
	gen := features.NewGenerator(42)
	typist := features.PredefinedTypists()[0]
	out := make([]features.Vector, n)
	for i := range out {
		out[i] = features.Extract(gen.Session(typist, 50, 0))
	}
	return out
}

// =============================================================================
// Centroid and spread
// =============================================================================

func TestComputeCentroid(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := ComputeCentroid(nil)
		if !errors.Is(err, ErrEmptyInput) {
			t.Errorf("expected ErrEmptyInput, got %v", err)
		}
	})

	t.Run("mean", func(t *testing.T) {
		c, err := ComputeCentroid([]features.Vector{
			vec(100, 20, 80, 10, 0.02, 150, 40, 0.4),
			vec(200, 40, 120, 30, 0.06, 250, 60, 0.8),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := vec(150, 30, 100, 20, 0.04, 200, 50, 0.6)
		for _, f := range features.CoreFeatures() {
			if math.Abs(c.Get(f)-want.Get(f)) > 1e-12 {
				t.Errorf("%s: expected %v, got %v", f, want.Get(f), c.Get(f))
			}
		}
		if c.Extended() {
			t.Error("centroid of core vectors should be core")
		}
	})

	t.Run("extended_propagates", func(t *testing.T) {
		c, err := ComputeCentroid([]features.Vector{
			vec(100).With(features.FocusChanges, 4),
			vec(200),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !c.Extended() || c.Get(features.FocusChanges) != 2 {
			t.Errorf("expected extended centroid with focusChanges 2, got %v", c.Map())
		}
	})
}

func TestComputeStdDevs(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := ComputeStdDevs(nil, features.Vector{})
		if !errors.Is(err, ErrEmptyInput) {
			t.Errorf("expected ErrEmptyInput, got %v", err)
		}
	})

	t.Run("singleton_is_zero", func(t *testing.T) {
		v := vec(120, 30, 90, 15, 0.05, 180, 55, 0.7)
		c, _ := ComputeCentroid([]features.Vector{v})
		s, err := ComputeStdDevs([]features.Vector{v}, c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s != (features.Vector{}) {
			t.Errorf("expected all-zero spread, got %v", s.Map())
		}
	})

	t.Run("population_formula", func(t *testing.T) {
		vs := []features.Vector{vec(100), vec(200)}
		c, _ := ComputeCentroid(vs)
		s, err := ComputeStdDevs(vs, c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s.Get(features.MeanFlight) != 50 {
			t.Errorf("expected 50, got %v", s.Get(features.MeanFlight))
		}
	})

	t.Run("relative_to_given_centroid", func(t *testing.T) {
		vs := []features.Vector{vec(100), vec(100)}
		s, err := ComputeStdDevs(vs, vec(70))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s.Get(features.MeanFlight) != 30 {
			t.Errorf("expected 30, got %v", s.Get(features.MeanFlight))
		}
	})
}

// =============================================================================
// Builder
// =============================================================================

func TestBuilder(t *testing.T) {
	forestCfg := forest.Config{NumTrees: 20, Seed: 5}

	t.Run("centroid_only_by_default", func(t *testing.T) {
		p, err := NewBuilder(BuilderConfig{}, nil).Build("alice", sessions(6))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Strategy != StrategyCentroid || p.Forest != nil {
			t.Errorf("expected centroid strategy without forest, got %s", p.Strategy)
		}
		if p.SampleCount != 6 {
			t.Errorf("expected sample count 6, got %d", p.SampleCount)
		}
		if p.CreatedAt.IsZero() || !p.CreatedAt.Equal(p.UpdatedAt) {
			t.Error("timestamps should be set and equal on creation")
		}
	})

	t.Run("forest_when_enough_vectors", func(t *testing.T) {
		p, err := NewBuilder(BuilderConfig{TrainForest: true, Forest: forestCfg}, nil).Build("bob", sessions(4))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Strategy != StrategyCentroidForest || p.Forest == nil || !p.Forest.Trained() {
			t.Errorf("expected trained forest, got strategy %s", p.Strategy)
		}
	})

	t.Run("degrades_below_minimum", func(t *testing.T) {
		p, err := NewBuilder(BuilderConfig{TrainForest: true, Forest: forestCfg}, nil).Build("carol", sessions(3))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Strategy != StrategyCentroid || p.Forest != nil {
			t.Errorf("expected centroid-only fallback, got %s", p.Strategy)
		}
	})

	t.Run("empty", func(t *testing.T) {
		_, err := NewBuilder(BuilderConfig{}, nil).Build("dave", nil)
		if !errors.Is(err, ErrEmptyInput) {
			t.Errorf("expected ErrEmptyInput, got %v", err)
		}
	})
}

// =============================================================================
// Serialization
// =============================================================================

func TestProfileJSON(t *testing.T) {
	b := NewBuilder(BuilderConfig{TrainForest: true, Forest: forest.Config{NumTrees: 10, Seed: 11}}, nil)
	p, err := b.Build("erin", sessions(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{"userId", "strategy", "centroid", "stdDevs", "sampleCount", "forest", "createdAt", "updatedAt"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}

	var back Profile
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back.Centroid != p.Centroid || back.StdDevs != p.StdDevs {
		t.Error("feature vectors did not round trip")
	}

	live := sessions(1)[0].With(features.MeanFlight, 900)
	want, _ := p.Forest.Score(live)
	got, err := back.Forest.Score(live)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(want-got) > 1e-12 {
		t.Errorf("restored forest scores %v, original %v", got, want)
	}
}

func TestProfileValidate(t *testing.T) {
	p := Default("frank")
	if err := p.Validate(); err != nil {
		t.Fatalf("default profile invalid: %v", err)
	}

	p.Strategy = StrategyCentroidForest
	if err := p.Validate(); err == nil {
		t.Error("expected error for forest strategy without forest")
	}

	var back Profile
	legacy := `{"userId":"gina","centroid":{"meanFlight":120},"stdDevs":{"meanFlight":30},"sampleCount":4}`
	if err := json.Unmarshal([]byte(legacy), &back); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back.Strategy != StrategyCentroid {
		t.Errorf("expected inferred centroid strategy, got %s", back.Strategy)
	}
}
