// Package scoring compares a live feature vector against a behavioral
// baseline and explains the result.
package scoring

import (
	"math"
	"sort"

	"fluxauth/internal/features"
)

// DefaultAnomalyThreshold is the mean |z| above which a session is anomalous.
const DefaultAnomalyThreshold = 2.5

// Result is the outcome of scoring one session.
type Result struct {
	TrustScore float64  `json:"trustScore"`
	IsAnomaly  bool     `json:"isAnomaly"`
	IsBot      bool     `json:"isBot"`
	TopReasons []Reason `json:"topReasons"`

	// MeanAbsZ is the aggregate deviation before any threshold is applied.
	MeanAbsZ float64 `json:"-"`
}

// Scorer turns deviations from a baseline into a trust score.
type Scorer struct {
	threshold float64
}

// New creates a scorer. A non-positive threshold uses the default.
func New(threshold float64) *Scorer {
	if threshold <= 0 || math.IsNaN(threshold) {
		threshold = DefaultAnomalyThreshold
	}
	return &Scorer{threshold: threshold}
}

// Threshold returns the configured anomaly threshold.
func (s *Scorer) Threshold() float64 {
	return s.threshold
}

// Deviation is the z-score of one feature.
type Deviation struct {
	Feature features.Feature
	Z       float64
}

// ZScores returns (live - centroid) / spread for every feature of the
// centroid. Zero, NaN or otherwise unusable spreads yield 0.
func ZScores(live, centroid, spread features.Vector) []Deviation {
	feats := centroid.Features()
	out := make([]Deviation, len(feats))
	for i, f := range feats {
		out[i] = Deviation{Feature: f, Z: zscore(live.Get(f), centroid.Get(f), spread.Get(f))}
	}
	return out
}

func zscore(x, mean, sd float64) float64 {
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	z := (x - mean) / sd
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0
	}
	return z
}

// TrustFromDeviation maps mean |z| linearly onto [0, 100]: 0σ is 100,
// 2.5σ is 50, 5σ and beyond is 0.
func TrustFromDeviation(meanAbsZ float64) float64 {
	return clamp(100-(meanAbsZ/5)*100, 0, 100)
}

// ScoreVector scores live against a centroid and spread.
func (s *Scorer) ScoreVector(live, centroid, spread features.Vector) Result {
	devs := ZScores(live, centroid, spread)

	var sum float64
	for _, d := range devs {
		sum += math.Abs(d.Z)
	}
	meanAbsZ := 0.0
	if len(devs) > 0 {
		meanAbsZ = sum / float64(len(devs))
	}

	sort.SliceStable(devs, func(i, j int) bool {
		return math.Abs(devs[i].Z) > math.Abs(devs[j].Z)
	})
	n := min(MaxReasons, len(devs))
	reasons := make([]Reason, n)
	for i := range reasons {
		reasons[i] = NewReason(devs[i].Feature, devs[i].Z)
	}

	isBot := DetectBot(live, centroid, spread)
	return Result{
		TrustScore: Round(TrustFromDeviation(meanAbsZ), 1),
		IsAnomaly:  meanAbsZ > s.threshold || isBot,
		IsBot:      isBot,
		TopReasons: reasons,
		MeanAbsZ:   meanAbsZ,
	}
}

// DetectBot flags timing that is too regular, too fast or too clean to
// come from a person.
func DetectBot(live, centroid, spread features.Vector) bool {
	flightVariability := spread.Get(features.StdFlight) / math.Max(centroid.Get(features.MeanFlight), 1)
	if flightVariability < 0.1 && live.Get(features.StdFlight) < centroid.Get(features.StdFlight)*0.5 {
		return true
	}

	if live.Get(features.MeanFlight) < 50 && live.Get(features.StdFlight) < 10 {
		return true
	}

	holdVariability := spread.Get(features.StdHold) / math.Max(centroid.Get(features.MeanHold), 1)
	if holdVariability < 0.05 && live.Get(features.StdHold) < 5 {
		return true
	}

	// People make mistakes.
	if live.Get(features.BackspaceRate) < 0.01 && centroid.Get(features.BackspaceRate) > 0.03 {
		return true
	}

	return live.Get(features.TotalKeys) > 100 && live.Get(features.StdFlight) < 20
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
