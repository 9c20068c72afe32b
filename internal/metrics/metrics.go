// Package metrics provides Prometheus metrics for fluxauth.
//
// Features:
//   - Counters for scores, anomalies, bots, policy actions and enrollments
//   - Histograms for trust scores and scoring latency
//   - Textfile export for the node exporter textfile collector
//
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Namespace prefixes every fluxauth metric.
const Namespace = "fluxauth"

// Metrics holds all fluxauth metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	ScoresTotal         *prometheus.CounterVec
	AnomaliesTotal      prometheus.Counter
	BotsTotal           prometheus.Counter
	PolicyActionsTotal  *prometheus.CounterVec
	MalformedConditions prometheus.Counter
	EnrollmentsTotal    *prometheus.CounterVec
	ForestFitsTotal     prometheus.Counter

	// Gauges
	ProfilesLoaded prometheus.Gauge

	// Histograms
	TrustScore        prometheus.Histogram
	ScoreDuration     prometheus.Histogram
	ForestFitDuration prometheus.Histogram
}

// Options controls which collectors are registered.
type Options struct {
	// Runtime adds the Go runtime and process collectors.
	Runtime bool
}

// New creates and registers all fluxauth metrics.
func New(opts Options) *Metrics {
	reg := prometheus.NewRegistry()
	if opts.Runtime {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ScoresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "scores_total",
			Help:      "Sessions scored, by profile strategy",
		}, []string{"strategy"}),
		AnomaliesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "anomalies_total",
			Help:      "Sessions flagged as anomalous",
		}),
		BotsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bots_total",
			Help:      "Sessions matching the automation heuristic",
		}),
		PolicyActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "policy_actions_total",
			Help:      "Policy actions produced, by action type",
		}, []string{"action"}),
		MalformedConditions: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "policy_malformed_conditions_total",
			Help:      "Rule evaluations skipped because the condition did not parse",
		}),
		EnrollmentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "enrollments_total",
			Help:      "Enrollment attempts, by result",
		}, []string{"result"}),
		ForestFitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "forest_fits_total",
			Help:      "Isolation forests trained",
		}),

		ProfilesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "profiles_loaded",
			Help:      "Profiles registered with the adaptive scorer",
		}),

		TrustScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "trust_score",
			Help:      "Distribution of reported trust scores",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		ScoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "score_duration_seconds",
			Help:      "Time to extract and score one session",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}),
		ForestFitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "forest_fit_duration_seconds",
			Help:      "Time to train one isolation forest",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveScore records one scored session.
func (m *Metrics) ObserveScore(strategy string, trust float64, anomaly, bot bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ScoresTotal.WithLabelValues(strategy).Inc()
	m.TrustScore.Observe(trust)
	m.ScoreDuration.Observe(elapsed.Seconds())
	if anomaly {
		m.AnomaliesTotal.Inc()
	}
	if bot {
		m.BotsTotal.Inc()
	}
}

// ObservePolicyAction records an action produced by a rule.
func (m *Metrics) ObservePolicyAction(action string) {
	if m == nil {
		return
	}
	m.PolicyActionsTotal.WithLabelValues(action).Inc()
}

// ObserveMalformedCondition records a skipped rule.
func (m *Metrics) ObserveMalformedCondition() {
	if m == nil {
		return
	}
	m.MalformedConditions.Inc()
}

// ObserveEnrollment records an enrollment attempt.
func (m *Metrics) ObserveEnrollment(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.EnrollmentsTotal.WithLabelValues(result).Inc()
}

// ObserveForestFit records one forest training run.
func (m *Metrics) ObserveForestFit(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ForestFitsTotal.Inc()
	m.ForestFitDuration.Observe(elapsed.Seconds())
}

// SetProfilesLoaded sets the number of registered profiles.
func (m *Metrics) SetProfilesLoaded(n int) {
	if m == nil {
		return
	}
	m.ProfilesLoaded.Set(float64(n))
}

// WriteTextfile atomically writes the registry in the text exposition
// format, for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// WriteText writes the registry in the text exposition format to w.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}
