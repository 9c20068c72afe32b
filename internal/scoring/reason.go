package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"fluxauth/internal/features"
)

// MaxReasons is the number of explanations attached to a result.
const MaxReasons = 3

// Reason explains one contribution to a score.
type Reason struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Feature string  `json:"feature"`
	ZScore  float64 `json:"zscore"`
}

var labels = map[features.Feature]string{
	features.MeanFlight:            "Flight time",
	features.StdFlight:             "Flight time variability",
	features.MeanHold:              "Hold time",
	features.StdHold:               "Hold time variability",
	features.BackspaceRate:         "Backspace rate",
	features.BigramMean:            "Bigram timing",
	features.TotalKeys:             "Total keystrokes",
	features.MouseAvgSpeed:         "Mouse speed",
	features.ScrollFrequency:       "Scroll frequency",
	features.ClickFrequency:        "Click frequency",
	features.AvgScrollSpeed:        "Scroll speed",
	features.FocusChanges:          "Focus changes",
	features.AvgTimeBetweenActions: "Time between actions",
}

// Label returns the human-readable name of a feature.
func Label(f features.Feature) string {
	if l, ok := labels[f]; ok {
		return l
	}
	return f.String()
}

// ReasonCode renders <FEATURE>_<HIGH|LOW> with the feature name in upper
// snake case, e.g. MEAN_FLIGHT_LOW.
func ReasonCode(f features.Feature, z float64) string {
	direction := "LOW"
	if z > 0 {
		direction = "HIGH"
	}
	return snakeUpper(f.String()) + "_" + direction
}

// ReasonMessage describes a deviation with wording scaled to its size.
func ReasonMessage(f features.Feature, z float64) string {
	label := Label(f)
	absZ := math.Abs(z)
	direction := "below"
	if z > 0 {
		direction = "above"
	}

	switch {
	case absZ < 1:
		return label + " is within normal range"
	case absZ < 2:
		return fmt.Sprintf("%s is slightly %s normal (%.1fσ)", label, direction, absZ)
	default:
		return fmt.Sprintf("%s is %.1f standard deviations %s normal", label, absZ, direction)
	}
}

// NewReason builds the reason for feature f with raw z-score z.
func NewReason(f features.Feature, z float64) Reason {
	return Reason{
		Code:    ReasonCode(f, z),
		Message: ReasonMessage(f, z),
		Feature: f.String(),
		ZScore:  Round(z, 2),
	}
}

// RankReasons orders reasons by descending |z|, keeping ties in input
// order, and truncates to limit.
func RankReasons(reasons []Reason, limit int) []Reason {
	out := make([]Reason, len(reasons))
	copy(out, reasons)
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].ZScore) > math.Abs(out[j].ZScore)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Round rounds x to the given number of decimal places.
func Round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

func snakeUpper(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
