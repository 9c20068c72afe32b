// Package adaptive layers a per-user, self-adjusting anomaly threshold and
// optional forest blending on top of the centroid scorer.
package adaptive

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"fluxauth/internal/features"
	"fluxauth/internal/profile"
	"fluxauth/internal/scoring"
)

// ErrProfileNotFound is returned for users without a registered profile.
var ErrProfileNotFound = errors.New("adaptive: profile not found")

// ForestReasonCode marks the explanation added when the forest flags a session.
const ForestReasonCode = "ISOLATION_FOREST_ANOMALY"

// Config holds the adaptive scoring parameters.
type Config struct {
	BaseThreshold      float64 // Mean |z| threshold before adaptation
	WindowSize         int     // Recent deviations kept per user
	MinSamples         int     // Window length before the threshold adapts
	MaxBoost           float64 // Cap on the adaptive increase
	ForestWeight       float64 // Share of the forest in the blended trust score
	ForestAnomalyScore float64 // Forest score above which a session is flagged
}

// DefaultConfig returns the standard adaptive parameters.
func DefaultConfig() Config {
	return Config{
		BaseThreshold:      scoring.DefaultAnomalyThreshold,
		WindowSize:         10,
		MinSamples:         3,
		MaxBoost:           1.0,
		ForestWeight:       0.4,
		ForestAnomalyScore: 0.6,
	}
}

// Result extends the centroid result with the adaptive outcome.
type Result struct {
	scoring.Result
	AdaptiveThreshold float64  `json:"adaptiveThreshold"`
	ForestScore       *float64 `json:"forestScore,omitempty"`
	// Strategy is the strategy of the profile that produced the score.
	Strategy profile.Strategy `json:"strategy"`
}

// Commit receives a result while the user's lock is still held. A non-nil
// error fails the scoring call and leaves the user's window unchanged.
type Commit func(*Result) error

type entry struct {
	mu      sync.Mutex
	profile *profile.Profile
	window  []float64
}

// Scorer keeps one adaptive state per user. Calls for the same user are
// serialized on that user's lock; different users proceed in parallel.
type Scorer struct {
	cfg    Config
	base   *scoring.Scorer
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an adaptive scorer. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger) *Scorer {
	def := DefaultConfig()
	if cfg.BaseThreshold <= 0 {
		cfg.BaseThreshold = def.BaseThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MaxBoost < 0 {
		cfg.MaxBoost = def.MaxBoost
	}
	if cfg.ForestWeight < 0 || cfg.ForestWeight > 1 {
		cfg.ForestWeight = def.ForestWeight
	}
	if cfg.ForestAnomalyScore <= 0 {
		cfg.ForestAnomalyScore = def.ForestAnomalyScore
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		cfg:     cfg,
		base:    scoring.New(cfg.BaseThreshold),
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// UpdateProfile installs or replaces the profile for p.UserID. The user's
// rolling window survives replacement.
func (s *Scorer) UpdateProfile(p *profile.Profile) error {
	if p == nil {
		return fmt.Errorf("adaptive: nil profile")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.entries[p.UserID]
	if !ok {
		e = &entry{}
		s.entries[p.UserID] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.profile = p
	e.mu.Unlock()
	return nil
}

// Profile returns the registered profile for user.
func (s *Scorer) Profile(user string) (*profile.Profile, error) {
	e, err := s.lookup(user)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile, nil
}

// Remove forgets a user and their window.
func (s *Scorer) Remove(user string) {
	s.mu.Lock()
	delete(s.entries, user)
	s.mu.Unlock()
}

// Len returns the number of registered users.
func (s *Scorer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Scorer) lookup(user string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[user]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, user)
	}
	return e, nil
}

// Score scores v for user, records its deviation and applies the user's
// personalized threshold. The adaptive decision replaces the centroid
// scorer's anomaly flag; IsBot is reported unchanged.
func (s *Scorer) Score(user string, v features.Vector) (*Result, error) {
	return s.ScoreCommit(user, v, nil)
}

// ScoreCommit is Score with a commit step. The deviation enters the
// window only after commit succeeds, so a failed commit leaves no trace.
func (s *Scorer) ScoreCommit(user string, v features.Vector, commit Commit) (*Result, error) {
	e, err := s.lookup(user)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.profile
	base := s.base.ScoreVector(v, p.Centroid, p.StdDevs)
	res := &Result{Result: base, Strategy: p.Strategy}

	switch p.Strategy {
	case profile.StrategyCentroid:
	case profile.StrategyCentroidForest:
		fs, err := p.Forest.Score(v)
		if err != nil {
			return nil, fmt.Errorf("forest score: %w", err)
		}
		res.ForestScore = &fs

		centroidTrust := scoring.TrustFromDeviation(base.MeanAbsZ)
		forestTrust := (1 - fs) * 100
		blended := (1-s.cfg.ForestWeight)*centroidTrust + s.cfg.ForestWeight*forestTrust
		res.TrustScore = scoring.Round(blended, 1)

		if fs > s.cfg.ForestAnomalyScore {
			reasons := append(base.TopReasons, scoring.Reason{
				Code:    ForestReasonCode,
				Message: fmt.Sprintf("Isolation Forest detected anomalous pattern (score: %.2f)", fs),
				Feature: "combined",
				ZScore:  scoring.Round(fs*5, 2),
			})
			res.TopReasons = scoring.RankReasons(reasons, scoring.MaxReasons)
			s.logger.Debug("forest flagged session", "forest_score", fs)
		}
	default:
		return nil, fmt.Errorf("adaptive: unknown strategy %q", p.Strategy)
	}

	window := e.next(base.MeanAbsZ, s.cfg.WindowSize)
	threshold := s.threshold(window)
	res.IsAnomaly = base.MeanAbsZ > threshold
	res.AdaptiveThreshold = scoring.Round(threshold, 2)

	if commit != nil {
		if err := commit(res); err != nil {
			return nil, err
		}
	}
	e.window = window
	return res, nil
}

// Threshold returns the user's current personalized threshold.
func (s *Scorer) Threshold(user string) (float64, error) {
	e, err := s.lookup(user)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.threshold(e.window), nil
}

// FeatureImportances returns the forest split frequencies for user. Users
// scored by centroid only report all zeros.
func (s *Scorer) FeatureImportances(user string) (features.Vector, error) {
	e, err := s.lookup(user)
	if err != nil {
		return features.Vector{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.profile.Strategy != profile.StrategyCentroidForest {
		return features.Vector{}, nil
	}
	return e.profile.Forest.FeatureImportances(), nil
}

// threshold is base + min(MaxBoost, mean + 2*stddev) over the window once
// it holds MinSamples values.
func (s *Scorer) threshold(window []float64) float64 {
	if len(window) < s.cfg.MinSamples {
		return s.cfg.BaseThreshold
	}
	mean := stat.Mean(window, nil)
	sd := features.PopStdDevAbout(window, mean)
	return s.cfg.BaseThreshold + math.Min(s.cfg.MaxBoost, mean+2*sd)
}

// next returns the window with x appended, trimmed to size. The current
// window is not modified.
func (e *entry) next(x float64, size int) []float64 {
	w := make([]float64, 0, len(e.window)+1)
	w = append(w, e.window...)
	w = append(w, x)
	if over := len(w) - size; over > 0 {
		w = w[over:]
	}
	return w
}
