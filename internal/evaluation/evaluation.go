// Package evaluation measures detection quality over labelled sessions.
//
// Impostor and scripted sessions are positives; a session counts as
// detected when it is flagged as anomalous or as a bot.
package evaluation

import (
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Confusion counts detection outcomes.
type Confusion struct {
	TruePositives  int `json:"truePositives"`
	FalsePositives int `json:"falsePositives"`
	TrueNegatives  int `json:"trueNegatives"`
	FalseNegatives int `json:"falseNegatives"`
}

// Add records one decision. positive marks an impostor session.
func (c *Confusion) Add(positive, flagged bool) {
	switch {
	case positive && flagged:
		c.TruePositives++
	case positive:
		c.FalseNegatives++
	case flagged:
		c.FalsePositives++
	default:
		c.TrueNegatives++
	}
}

// Total returns the number of recorded decisions.
func (c Confusion) Total() int {
	return c.TruePositives + c.FalsePositives + c.TrueNegatives + c.FalseNegatives
}

// TPR is the share of positives that were flagged. It doubles as recall.
func (c Confusion) TPR() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

// FPR is the share of genuine sessions that were flagged.
func (c Confusion) FPR() float64 {
	return ratio(c.FalsePositives, c.FalsePositives+c.TrueNegatives)
}

// Accuracy is the share of correct decisions.
func (c Confusion) Accuracy() float64 {
	return ratio(c.TruePositives+c.TrueNegatives, c.Total())
}

// Precision is the share of flagged sessions that were impostors.
func (c Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

// F1 is the harmonic mean of precision and recall.
func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.TPR()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Latency summarizes per-session scoring time in milliseconds.
type Latency struct {
	MeanMs float64 `json:"meanMs"`
	P50Ms  float64 `json:"p50Ms"`
	P95Ms  float64 `json:"p95Ms"`
	MaxMs  float64 `json:"maxMs"`
}

// Report is a confusion matrix with derived rates, rounded to 4 decimals.
type Report struct {
	Confusion
	TPR       float64 `json:"tpr"`
	FPR       float64 `json:"fpr"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1Score"`
	Latency   Latency `json:"latency"`
}

// Recorder accumulates decisions and their latencies. It is not safe for
// concurrent use.
type Recorder struct {
	confusion Confusion
	latencies []float64
}

// Observe records one scored session.
func (r *Recorder) Observe(positive, flagged bool, elapsed time.Duration) {
	r.confusion.Add(positive, flagged)
	r.latencies = append(r.latencies, float64(elapsed)/float64(time.Millisecond))
}

// Report computes the rates and latency summary of everything observed.
func (r *Recorder) Report() Report {
	c := r.confusion
	return Report{
		Confusion: c,
		TPR:       round4(c.TPR()),
		FPR:       round4(c.FPR()),
		Accuracy:  round4(c.Accuracy()),
		Precision: round4(c.Precision()),
		Recall:    round4(c.TPR()),
		F1:        round4(c.F1()),
		Latency:   summarize(r.latencies),
	}
}

func summarize(ms []float64) Latency {
	if len(ms) == 0 {
		return Latency{}
	}
	sorted := slices.Clone(ms)
	slices.Sort(sorted)
	return Latency{
		MeanMs: round4(stat.Mean(sorted, nil)),
		P50Ms:  round4(stat.Quantile(0.5, stat.Empirical, sorted, nil)),
		P95Ms:  round4(stat.Quantile(0.95, stat.Empirical, sorted, nil)),
		MaxMs:  round4(sorted[len(sorted)-1]),
	}
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
