package engine

import (
	"fluxauth/internal/adaptive"
	"fluxauth/internal/config"
	"fluxauth/internal/forest"
	"fluxauth/internal/scoring"
)

// DefaultMinEnrollmentSessions is the fewest sessions Enroll accepts.
const DefaultMinEnrollmentSessions = 4

// Config holds the engine parameters.
type Config struct {
	// MinEnrollmentSessions is the fewest sessions Enroll accepts.
	MinEnrollmentSessions int

	// AllowDefaultProfile scores unknown users against profile.Default
	// instead of failing.
	AllowDefaultProfile bool

	// ExtendedFeatures extracts the navigation features as well.
	ExtendedFeatures bool

	// TrainForest trains an isolation forest on enrollment.
	TrainForest bool
	Forest      forest.Config

	Adaptive adaptive.Config
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MinEnrollmentSessions: DefaultMinEnrollmentSessions,
		TrainForest:           true,
		Forest:                forest.DefaultConfig(),
		Adaptive:              adaptive.DefaultConfig(),
	}
}

// FromConfig maps the file configuration onto engine parameters.
func FromConfig(c *config.Config) Config {
	if c == nil {
		return DefaultConfig()
	}
	threshold := c.Scoring.AnomalyThreshold
	if threshold <= 0 {
		threshold = scoring.DefaultAnomalyThreshold
	}
	return Config{
		MinEnrollmentSessions: c.Scoring.MinEnrollmentSessions,
		AllowDefaultProfile:   c.Scoring.AllowDefaultProfile,
		ExtendedFeatures:      c.Scoring.ExtendedFeatures,
		TrainForest:           c.Forest.Enabled,
		Forest: forest.Config{
			NumTrees:      c.Forest.NumTrees,
			SubsampleSize: c.Forest.SubsampleSize,
			MaxDepth:      c.Forest.MaxDepth,
			Seed:          c.Forest.Seed,
			Workers:       c.Forest.Workers,
		},
		Adaptive: adaptive.Config{
			BaseThreshold:      threshold,
			WindowSize:         c.Adaptive.WindowSize,
			MinSamples:         c.Adaptive.MinSamples,
			MaxBoost:           c.Adaptive.MaxBoost,
			ForestWeight:       c.Adaptive.ForestWeight,
			ForestAnomalyScore: c.Adaptive.ForestAnomalyScore,
		},
	}
}
