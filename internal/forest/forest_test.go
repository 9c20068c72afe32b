package forest

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxauth/internal/features"
)

func enrollmentVectors(t *testing.T, n int) []features.Vector {
	t.Helper()
	gen := features.NewGenerator(7)
	typist := features.PredefinedTypists()[0]
	out := make([]features.Vector, n)
	for i := range out {
		out[i] = features.Extract(gen.Session(typist, 60, float64(i)*100000))
	}
	return out
}

func trainedForest(t *testing.T, n int) *Forest {
	t.Helper()
	f := New(Config{NumTrees: 50, SubsampleSize: 256, MaxDepth: 8, Seed: 42, Workers: 4})
	require.NoError(t, f.Fit(enrollmentVectors(t, n)))
	return f
}

// =============================================================================
// Training
// =============================================================================

func TestFit(t *testing.T) {
	t.Run("too_few_samples", func(t *testing.T) {
		f := New(DefaultConfig())
		require.ErrorIs(t, f.Fit(nil), ErrTooFewSamples)
		require.ErrorIs(t, f.Fit(enrollmentVectors(t, 1)), ErrTooFewSamples)
		assert.False(t, f.Trained())
	})

	t.Run("sample_size_capped", func(t *testing.T) {
		f := trainedForest(t, 12)
		assert.Equal(t, 12, f.SampleSize())
		assert.Len(t, f.Trees(), 50)
	})

	t.Run("depth_limit", func(t *testing.T) {
		f := New(Config{NumTrees: 10, MaxDepth: 2, Seed: 1})
		require.NoError(t, f.Fit(enrollmentVectors(t, 30)))
		for _, tree := range f.Trees() {
			// A depth-2 binary tree has at most 7 nodes.
			assert.LessOrEqual(t, len(tree.Nodes), 7)
		}
	})

	t.Run("deterministic_with_seed", func(t *testing.T) {
		a := trainedForest(t, 16)
		b := trainedForest(t, 16)
		assert.Equal(t, a.Trees(), b.Trees())
	})

	t.Run("refit_discards_trees", func(t *testing.T) {
		f := New(Config{NumTrees: 5, Seed: 3})
		require.NoError(t, f.Fit(enrollmentVectors(t, 8)))
		require.NoError(t, f.Fit(enrollmentVectors(t, 4)))
		assert.Len(t, f.Trees(), 5)
		assert.Equal(t, 4, f.SampleSize())
	})

	t.Run("constant_data_yields_leaves", func(t *testing.T) {
		v := features.NewVector([features.NumCore]float64{100, 20, 80, 10, 0.05, 150, 60, 0.5})
		f := New(Config{NumTrees: 5, Seed: 9})
		require.NoError(t, f.Fit([]features.Vector{v, v, v, v}))
		for _, tree := range f.Trees() {
			require.Len(t, tree.Nodes, 1)
			assert.Equal(t, KindLeaf, tree.Nodes[0].Kind)
			assert.Equal(t, 4, tree.Nodes[0].Size)
		}
		for _, imp := range f.FeatureImportances().Core() {
			assert.Zero(t, imp)
		}
	})
}

// =============================================================================
// Scoring
// =============================================================================

func TestScore(t *testing.T) {
	t.Run("not_trained", func(t *testing.T) {
		_, err := New(DefaultConfig()).Score(features.Vector{})
		require.ErrorIs(t, err, ErrModelNotTrained)
	})

	t.Run("range", func(t *testing.T) {
		f := trainedForest(t, 20)
		for _, v := range enrollmentVectors(t, 5) {
			s, err := f.Score(v)
			require.NoError(t, err)
			assert.Greater(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	})

	t.Run("outlier_scores_higher", func(t *testing.T) {
		vectors := enrollmentVectors(t, 20)
		f := trainedForest(t, 20)

		typical, err := f.Score(vectors[0])
		require.NoError(t, err)

		outlier := vectors[0].
			With(features.MeanFlight, 5000).
			With(features.StdFlight, 2000).
			With(features.MeanHold, 1900).
			With(features.TotalKeys, 5000)
		odd, err := f.Score(outlier)
		require.NoError(t, err)
		assert.Greater(t, odd, typical)
	})
}

func TestScoreNormalizer(t *testing.T) {
	vectors := enrollmentVectors(t, 4)
	f := New(Config{NumTrees: 25, SubsampleSize: 256, MaxDepth: 8, Seed: 11})
	require.NoError(t, f.Fit(vectors))
	require.Equal(t, 4, f.SampleSize())
	require.Equal(t, 256, f.SubsampleSize())

	point := vectors[1].Core()
	var total float64
	for _, tree := range f.Trees() {
		total += tree.pathLength(point)
	}
	avg := total / float64(len(f.Trees()))

	got, err := f.Score(vectors[1])
	require.NoError(t, err)
	assert.InDelta(t, math.Pow(2, -avg/averagePathLength(4)), got, 1e-12)
	assert.Greater(t, math.Pow(2, -avg/averagePathLength(256)), got)
}

func TestAveragePathLength(t *testing.T) {
	assert.Zero(t, averagePathLength(0))
	assert.Zero(t, averagePathLength(1))
	assert.InDelta(t, 2*EulerGamma-1, averagePathLength(2), 1e-12)
	want := 2*(math.Log(255)+EulerGamma) - 2*255.0/256.0
	assert.InDelta(t, want, averagePathLength(256), 1e-12)
}

func TestFeatureImportances(t *testing.T) {
	assert.Equal(t, features.Vector{}, New(DefaultConfig()).FeatureImportances())

	imp := trainedForest(t, 20).FeatureImportances()
	var sum float64
	for _, x := range imp.Core() {
		assert.GreaterOrEqual(t, x, 0.0)
		sum += x
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.False(t, imp.Extended())
}

// =============================================================================
// Serialization
// =============================================================================

func TestJSONRoundTrip(t *testing.T) {
	f := trainedForest(t, 20)

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var restored Forest
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, f.NumTrees(), restored.NumTrees())
	assert.Equal(t, f.SubsampleSize(), restored.SubsampleSize())
	assert.Equal(t, f.MaxDepth(), restored.MaxDepth())
	assert.Equal(t, f.SampleSize(), restored.SampleSize())
	assert.Equal(t, f.Trees(), restored.Trees())

	gen := features.NewGenerator(99)
	for _, typist := range features.PredefinedTypists() {
		v := features.Extract(gen.Session(typist, 50, 0))
		want, err := f.Score(v)
		require.NoError(t, err)
		got, err := restored.Score(v)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-12)
	}

	again, err := json.Marshal(&restored)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestUnmarshalRejectsCorruptTrees(t *testing.T) {
	cases := map[string]string{
		"unknown_feature":  `{"numTrees":1,"subsampleSize":4,"maxDepth":8,"sampleSize":4,"trees":[{"nodes":[{"size":4,"feature":"key","value":1,"left":1,"right":2},{"size":2},{"size":2}]}]}`,
		"backward_child":   `{"numTrees":1,"subsampleSize":4,"maxDepth":8,"sampleSize":4,"trees":[{"nodes":[{"size":4,"feature":"meanFlight","value":1,"left":0,"right":2},{"size":2},{"size":2}]}]}`,
		"incomplete_split": `{"numTrees":1,"subsampleSize":4,"maxDepth":8,"sampleSize":4,"trees":[{"nodes":[{"size":4,"feature":"meanFlight","left":1,"right":2},{"size":2},{"size":2}]}]}`,
		"empty_tree":       `{"numTrees":1,"subsampleSize":4,"maxDepth":8,"sampleSize":4,"trees":[{"nodes":[]}]}`,
		"no_sample_size":   `{"numTrees":1,"subsampleSize":4,"maxDepth":8,"trees":[{"nodes":[{"size":4}]}]}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			var f Forest
			assert.Error(t, json.Unmarshal([]byte(data), &f))
		})
	}
}
