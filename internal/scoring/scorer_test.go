package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxauth/internal/features"
)

func vec(vals ...float64) features.Vector {
	var core [features.NumCore]float64
	copy(core[:], vals)
	return features.NewVector(core)
}

var (
	baseCentroid = vec(150, 80, 100, 50, 0.05, 200, 50, 0.5)
	baseSpread   = vec(50, 30, 40, 20, 0.03, 60, 20, 0.3)
)

// =============================================================================
// Z-scores and trust
// =============================================================================

func TestScoreVectorIdentity(t *testing.T) {
	s := New(0)
	for _, v := range []features.Vector{baseCentroid, vec(90, 40, 70, 25, 0.02, 130, 80, 1.2)} {
		r := s.ScoreVector(v, v, baseSpread)
		assert.Zero(t, r.MeanAbsZ)
		assert.Equal(t, 100.0, r.TrustScore)
		for _, reason := range r.TopReasons {
			assert.Contains(t, reason.Message, "within normal range")
		}
	}
}

func TestScoreVectorZeroAndNaNSpread(t *testing.T) {
	s := New(DefaultAnomalyThreshold)
	spreads := map[string]features.Vector{
		"zero":  {},
		"nan":   vec(math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN()),
		"mixed": vec(0, 30, math.NaN(), 20, 0, 60, 0, 0.3),
	}
	lives := []features.Vector{
		{},
		vec(5000, 2000, 2000, 900, 1, 5000, 10000, 50),
		vec(math.NaN(), 1, 2, 3, 4, 5, 6, 7),
	}
	for name, spread := range spreads {
		t.Run(name, func(t *testing.T) {
			for _, live := range lives {
				r := s.ScoreVector(live, baseCentroid, spread)
				require.False(t, math.IsNaN(r.TrustScore))
				require.False(t, math.IsNaN(r.MeanAbsZ))
				assert.GreaterOrEqual(t, r.TrustScore, 0.0)
				assert.LessOrEqual(t, r.TrustScore, 100.0)
				for _, reason := range r.TopReasons {
					assert.False(t, math.IsNaN(reason.ZScore))
				}
			}
		})
	}
}

func TestScoreVectorMonotonic(t *testing.T) {
	s := New(DefaultAnomalyThreshold)
	for _, f := range features.CoreFeatures() {
		prev := 101.0
		for step := 0; step <= 40; step++ {
			live := baseCentroid.With(f, baseCentroid.Get(f)+float64(step)*baseSpread.Get(f)*0.25)
			r := s.ScoreVector(live, baseCentroid, baseSpread)
			assert.LessOrEqual(t, r.TrustScore, prev, "feature %s step %d", f, step)
			prev = r.TrustScore
		}
	}
}

func TestTrustFromDeviation(t *testing.T) {
	assert.Equal(t, 100.0, TrustFromDeviation(0))
	assert.Equal(t, 50.0, TrustFromDeviation(2.5))
	assert.Equal(t, 0.0, TrustFromDeviation(5))
	assert.Equal(t, 0.0, TrustFromDeviation(12))
}

func TestThreshold(t *testing.T) {
	assert.Equal(t, DefaultAnomalyThreshold, New(0).Threshold())
	assert.Equal(t, DefaultAnomalyThreshold, New(-1).Threshold())
	assert.Equal(t, 3.0, New(3).Threshold())

	// mean |z| of 2.0 is anomalous only under the stricter threshold.
	live := vec(250, 140, 180, 90, 0.11, 320, 90, 1.1)
	loose := New(2.5).ScoreVector(live, baseCentroid, baseSpread)
	strict := New(1.5).ScoreVector(live, baseCentroid, baseSpread)
	assert.InDelta(t, 2.0, loose.MeanAbsZ, 1e-9)
	assert.False(t, loose.IsAnomaly)
	assert.True(t, strict.IsAnomaly)
}

// =============================================================================
// Reasons
// =============================================================================

func TestTopReasons(t *testing.T) {
	live := baseCentroid.
		With(features.MeanFlight, 50).     // z = -2
		With(features.MeanHold, 160).      // z = 1.5
		With(features.BigramMean, 410).    // z = 3.5
		With(features.MouseAvgSpeed, 0.53) // z = 0.1

	r := New(0).ScoreVector(live, baseCentroid, baseSpread)
	require.Len(t, r.TopReasons, 3)

	assert.Equal(t, Reason{
		Code:    "BIGRAM_MEAN_HIGH",
		Message: "Bigram timing is 3.5 standard deviations above normal",
		Feature: "bigramMean",
		ZScore:  3.5,
	}, r.TopReasons[0])
	assert.Equal(t, Reason{
		Code:    "MEAN_FLIGHT_LOW",
		Message: "Flight time is 2.0 standard deviations below normal",
		Feature: "meanFlight",
		ZScore:  -2,
	}, r.TopReasons[1])
	assert.Equal(t, Reason{
		Code:    "MEAN_HOLD_HIGH",
		Message: "Hold time is slightly above normal (1.5σ)",
		Feature: "meanHold",
		ZScore:  1.5,
	}, r.TopReasons[2])
}

func TestReasonCode(t *testing.T) {
	cases := []struct {
		feature features.Feature
		z       float64
		want    string
	}{
		{features.StdFlight, 1, "STD_FLIGHT_HIGH"},
		{features.BackspaceRate, -1, "BACKSPACE_RATE_LOW"},
		{features.TotalKeys, 0, "TOTAL_KEYS_LOW"},
		{features.AvgTimeBetweenActions, 2, "AVG_TIME_BETWEEN_ACTIONS_HIGH"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ReasonCode(tc.feature, tc.z))
	}
}

func TestRankReasons(t *testing.T) {
	in := []Reason{{Feature: "a", ZScore: 1}, {Feature: "b", ZScore: -4}, {Feature: "c", ZScore: 1}, {Feature: "d", ZScore: 2}}
	out := RankReasons(in, 3)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"b", "d", "a"}, []string{out[0].Feature, out[1].Feature, out[2].Feature})
	assert.Equal(t, "a", in[0].Feature, "input must not be reordered")
}

// =============================================================================
// Bot heuristic
// =============================================================================

func TestDetectBot(t *testing.T) {
	human := vec(150, 80, 100, 50, 0.05, 200, 50, 0.5)

	cases := []struct {
		name     string
		live     features.Vector
		centroid features.Vector
		spread   features.Vector
		want     bool
	}{
		{"human", human, baseCentroid, baseSpread, false},
		{"consistent_flight", human.With(features.StdFlight, 30), baseCentroid, baseSpread.With(features.StdFlight, 10), true},
		{"fast_and_flat", human.With(features.MeanFlight, 40).With(features.StdFlight, 5), baseCentroid, baseSpread, true},
		{"perfect_holds", human.With(features.StdHold, 3), baseCentroid, baseSpread.With(features.StdHold, 4), true},
		{"no_backspaces", human.With(features.BackspaceRate, 0), baseCentroid, baseSpread, true},
		{"no_backspaces_clean_typist", human.With(features.BackspaceRate, 0), baseCentroid.With(features.BackspaceRate, 0.02), baseSpread, false},
		{"high_volume_flat", human.With(features.TotalKeys, 150).With(features.StdFlight, 15), baseCentroid, baseSpread, true},
		{"zero_centroid_flight", human, baseCentroid.With(features.MeanFlight, 0), baseSpread, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectBot(tc.live, tc.centroid, tc.spread))
		})
	}
}

func TestBotForcesAnomaly(t *testing.T) {
	live := baseCentroid.With(features.BackspaceRate, 0)
	r := New(0).ScoreVector(live, baseCentroid, baseSpread)
	assert.True(t, r.IsBot)
	assert.True(t, r.IsAnomaly)
	assert.Less(t, r.MeanAbsZ, DefaultAnomalyThreshold)
}

// =============================================================================
// End to end
// =============================================================================

func TestExtractedSessionScoresAnomalous(t *testing.T) {
	events := []features.Event{
		{Type: features.EventKeyDown, Timestamp: 100, KeyClass: features.KeyLetter},
		{Type: features.EventKeyUp, Timestamp: 150, KeyClass: features.KeyLetter},
		{Type: features.EventKeyDown, Timestamp: 200, KeyClass: features.KeyLetter},
		{Type: features.EventKeyUp, Timestamp: 250, KeyClass: features.KeyLetter},
	}
	live := features.Extract(events)
	require.Equal(t, 50.0, live.Get(features.MeanFlight))

	spread := vec(30, 10, 10, 10, 0.01, 20, 5, 0.1)
	r := New(0).ScoreVector(live, baseCentroid, spread)

	devs := ZScores(live, baseCentroid, spread)
	require.Equal(t, features.MeanFlight, devs[0].Feature)
	assert.InDelta(t, -3.33, devs[0].Z, 0.01)

	assert.True(t, r.IsAnomaly)
	assert.Greater(t, r.MeanAbsZ, DefaultAnomalyThreshold)
	assert.Less(t, r.TrustScore, 50.0)
}
