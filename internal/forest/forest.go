// Package forest implements an isolation forest over behavioral feature
// vectors. Trees are stored as index-linked arenas so a trained forest
// serializes without pointer graphs.
package forest

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"fluxauth/internal/features"
)

// EulerGamma is the Euler-Mascheroni constant used by the path-length
// normalization.
const EulerGamma = 0.5772156649

// Default hyperparameters.
const (
	DefaultNumTrees      = 100
	DefaultSubsampleSize = 256
	DefaultMaxDepth      = 8
)

var (
	// ErrModelNotTrained is returned when scoring before Fit.
	ErrModelNotTrained = errors.New("forest: model not trained")

	// ErrTooFewSamples is returned when Fit receives fewer than two vectors.
	ErrTooFewSamples = errors.New("forest: at least two training vectors required")
)

// Config holds training hyperparameters.
type Config struct {
	NumTrees      int
	SubsampleSize int
	MaxDepth      int
	// Seed fixes the master random source. Zero draws a seed from the clock.
	Seed uint64
	// Workers bounds concurrent tree construction. Zero uses GOMAXPROCS.
	Workers int
}

// DefaultConfig returns the standard hyperparameters.
func DefaultConfig() Config {
	return Config{
		NumTrees:      DefaultNumTrees,
		SubsampleSize: DefaultSubsampleSize,
		MaxDepth:      DefaultMaxDepth,
	}
}

// Forest is an ensemble of isolation trees. It is immutable after Fit and
// safe for concurrent scoring.
type Forest struct {
	cfg        Config
	sampleSize int
	trees      []Tree
}

// New creates an untrained forest. Non-positive hyperparameters fall back
// to the defaults.
func New(cfg Config) *Forest {
	def := DefaultConfig()
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = def.NumTrees
	}
	if cfg.SubsampleSize <= 0 {
		cfg.SubsampleSize = def.SubsampleSize
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	return &Forest{cfg: cfg}
}

// NumTrees returns the configured tree count.
func (f *Forest) NumTrees() int { return f.cfg.NumTrees }

// SubsampleSize returns the configured subsample size.
func (f *Forest) SubsampleSize() int { return f.cfg.SubsampleSize }

// MaxDepth returns the configured depth limit.
func (f *Forest) MaxDepth() int { return f.cfg.MaxDepth }

// SampleSize returns the per-tree sample size used by the last Fit.
func (f *Forest) SampleSize() int { return f.sampleSize }

// Trained reports whether the forest has trees.
func (f *Forest) Trained() bool { return len(f.trees) > 0 }

// Trees returns the trained trees. Callers must not modify them.
func (f *Forest) Trees() []Tree { return f.trees }

// Fit discards any previous trees and trains a new ensemble. Every tree
// draws its own seed from the master source before construction starts,
// so the result does not depend on goroutine scheduling.
func (f *Forest) Fit(vectors []features.Vector) error {
	if len(vectors) < 2 {
		return ErrTooFewSamples
	}

	data := make([]sample, len(vectors))
	for i, v := range vectors {
		data[i] = v.Core()
	}

	seed := f.cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	master := rand.New(rand.NewPCG(seed, seed>>1|1))
	seeds := make([][2]uint64, f.cfg.NumTrees)
	for i := range seeds {
		seeds[i] = [2]uint64{master.Uint64(), master.Uint64()}
	}

	size := min(f.cfg.SubsampleSize, len(data))
	trees := make([]Tree, f.cfg.NumTrees)

	workers := f.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range trees {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(seeds[i][0], seeds[i][1]))
			sub := make([]sample, size)
			for j := range sub {
				sub[j] = data[rng.IntN(len(data))]
			}
			trees[i] = buildTree(sub, f.cfg.MaxDepth, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("build trees: %w", err)
	}

	f.trees = trees
	f.sampleSize = size
	return nil
}

// Score returns the anomaly score of v in (0, 1]. Values near 1 are
// isolated quickly and therefore anomalous.
//
// The mean path length is normalized by c(SampleSize), the subsample each
// tree was actually built from, not c(SubsampleSize). With fewer training
// vectors than the configured subsample the two differ widely: for four
// vectors c(4) is about 1.85 while c(256) is about 10.2, so normalizing by
// the configured size would push every score toward 1.
func (f *Forest) Score(v features.Vector) (float64, error) {
	if !f.Trained() {
		return 0, ErrModelNotTrained
	}
	point := v.Core()

	var total float64
	for _, t := range f.trees {
		total += t.pathLength(point)
	}
	avg := total / float64(len(f.trees))

	c := averagePathLength(f.sampleSize)
	if c == 0 {
		return 1, nil
	}
	return math.Pow(2, -avg/c), nil
}

// FeatureImportances returns how often each canonical feature was chosen
// for a split, normalized to sum to 1. All zero when there are no splits.
func (f *Forest) FeatureImportances() features.Vector {
	var counts [features.NumCore]int
	for _, t := range f.trees {
		t.countSplits(&counts)
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	var out [features.NumCore]float64
	if total > 0 {
		for i, c := range counts {
			out[i] = float64(c) / float64(total)
		}
	}
	return features.NewVector(out)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+EulerGamma) - 2*(fn-1)/fn
}
