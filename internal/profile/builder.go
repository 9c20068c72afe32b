package profile

import (
	"fmt"
	"log/slog"
	"time"

	"fluxauth/internal/features"
	"fluxauth/internal/forest"
)

// ComputeCentroid returns the element-wise mean of vectors. The result is
// extended when any input is.
func ComputeCentroid(vectors []features.Vector) (features.Vector, error) {
	if len(vectors) == 0 {
		return features.Vector{}, ErrEmptyInput
	}

	extended := false
	var sums [features.NumFeatures]float64
	for _, v := range vectors {
		extended = extended || v.Extended()
		for _, f := range features.AllFeatures() {
			sums[f] += v.Get(f)
		}
	}

	n := float64(len(vectors))
	for i := range sums {
		sums[i] /= n
	}
	return assemble(sums, extended), nil
}

// ComputeStdDevs returns the element-wise population standard deviation of
// vectors about centroid.
func ComputeStdDevs(vectors []features.Vector, centroid features.Vector) (features.Vector, error) {
	if len(vectors) == 0 {
		return features.Vector{}, ErrEmptyInput
	}

	extended := centroid.Extended()
	column := make([]float64, len(vectors))
	var out [features.NumFeatures]float64
	for _, f := range features.AllFeatures() {
		for i, v := range vectors {
			extended = extended || v.Extended()
			column[i] = v.Get(f)
		}
		out[f] = features.PopStdDevAbout(column, centroid.Get(f))
	}
	return assemble(out, extended), nil
}

func assemble(values [features.NumFeatures]float64, extended bool) features.Vector {
	if extended {
		return features.NewExtendedVector(values)
	}
	var core [features.NumCore]float64
	copy(core[:], values[:features.NumCore])
	return features.NewVector(core)
}

// BuilderConfig controls profile construction.
type BuilderConfig struct {
	// TrainForest opts in to training an isolation forest alongside the centroid.
	TrainForest bool
	Forest      forest.Config
}

// Builder aggregates enrollment vectors into profiles.
type Builder struct {
	cfg    BuilderConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewBuilder creates a builder. A nil logger uses slog.Default.
func NewBuilder(cfg BuilderConfig, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{cfg: cfg, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Build creates a fresh profile for userID. When forest training is enabled
// and at least MinForestVectors are supplied the profile uses the
// centroid+forest strategy; otherwise it degrades to centroid only.
func (b *Builder) Build(userID string, vectors []features.Vector) (*Profile, error) {
	centroid, err := ComputeCentroid(vectors)
	if err != nil {
		return nil, err
	}
	spread, err := ComputeStdDevs(vectors, centroid)
	if err != nil {
		return nil, err
	}

	now := b.now()
	p := &Profile{
		UserID:      userID,
		Strategy:    StrategyCentroid,
		Centroid:    centroid,
		StdDevs:     spread,
		SampleCount: len(vectors),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if !b.cfg.TrainForest {
		return p, nil
	}
	if len(vectors) < MinForestVectors {
		b.logger.Info("forest skipped",
			"vectors", len(vectors),
			"required", MinForestVectors)
		return p, nil
	}

	f := forest.New(b.cfg.Forest)
	if err := f.Fit(vectors); err != nil {
		return nil, fmt.Errorf("train forest: %w", err)
	}
	p.Forest = f
	p.Strategy = StrategyCentroidForest
	return p, nil
}
