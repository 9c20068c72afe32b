// Package engine ties feature extraction, profile building, adaptive
// scoring and policy evaluation into enrollment and scoring operations.
//
// The engine itself keeps no durable state. A Store, when supplied,
// receives every enrolled profile and every scored session outcome; raw
// events are never persisted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fluxauth/internal/adaptive"
	"fluxauth/internal/features"
	"fluxauth/internal/logging"
	"fluxauth/internal/metrics"
	"fluxauth/internal/policy"
	"fluxauth/internal/profile"
	"fluxauth/internal/store"
)

var (
	// ErrInsufficientSessions is returned when enrolling with too few sessions.
	ErrInsufficientSessions = errors.New("engine: insufficient enrollment sessions")

	// ErrProfileNotFound is returned when scoring a user with no profile.
	ErrProfileNotFound = adaptive.ErrProfileNotFound

	// ErrTooManyEvents is returned for a session above features.MaxEventsPerBatch.
	ErrTooManyEvents = errors.New("engine: too many events in session")
)

// Store persists profiles and session outcomes. *store.Store satisfies it.
type Store interface {
	SaveProfile(ctx context.Context, p *profile.Profile) error
	ListProfiles(ctx context.Context) ([]*profile.Profile, error)
	RecordSession(ctx context.Context, rec store.SessionRecord) (string, error)
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg Config

	builder *profile.Builder
	scorer  *adaptive.Scorer
	policy  *policy.Engine

	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *logging.AuditLogger
	store   Store
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records scoring and enrollment metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAudit writes enrollment, anomaly, bot and policy events to a.
func WithAudit(a *logging.AuditLogger) Option {
	return func(e *Engine) { e.audit = a }
}

// WithStore persists profiles and session outcomes to s.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// New creates an engine.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.MinEnrollmentSessions <= 0 {
		cfg.MinEnrollmentSessions = DefaultMinEnrollmentSessions
	}

	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.audit == nil {
		e.audit = logging.NopAuditLogger()
	}

	e.builder = profile.NewBuilder(profile.BuilderConfig{
		TrainForest: cfg.TrainForest,
		Forest:      cfg.Forest,
	}, e.logger)
	e.scorer = adaptive.New(cfg.Adaptive, e.logger)
	e.policy = policy.NewEngine(
		policy.WithLogger(e.logger),
		policy.WithMalformedHook(func(policy.Rule, error) {
			e.metrics.ObserveMalformedCondition()
		}),
	)
	return e
}

// Config returns the engine parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

// extract turns events into a vector, extended when configured.
func (e *Engine) extract(events []features.Event) features.Vector {
	if e.cfg.ExtendedFeatures {
		return features.ExtractExtended(events)
	}
	return features.Extract(events)
}

// =============================================================================
// Enrollment
// =============================================================================

// Enroll builds a fresh profile for userID from the given sessions,
// registers it for scoring and persists it when a store is configured.
// An existing profile is replaced wholesale.
func (e *Engine) Enroll(ctx context.Context, userID string, sessions [][]features.Event) (*profile.Profile, error) {
	p, err := e.enroll(ctx, userID, sessions)
	e.metrics.ObserveEnrollment(err)

	strategy := ""
	if p != nil {
		strategy = string(p.Strategy)
	}
	if aerr := e.audit.LogEnrollment(ctx, userID, len(sessions), strategy, err); aerr != nil {
		e.logger.Warn("audit write failed", "error", aerr)
	}
	return p, err
}

func (e *Engine) enroll(ctx context.Context, userID string, sessions [][]features.Event) (*profile.Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("engine: empty user id")
	}
	if len(sessions) < e.cfg.MinEnrollmentSessions {
		return nil, fmt.Errorf("%w: got %d, need %d",
			ErrInsufficientSessions, len(sessions), e.cfg.MinEnrollmentSessions)
	}
	for i, events := range sessions {
		if err := checkEvents(events); err != nil {
			return nil, fmt.Errorf("session %d: %w", i, err)
		}
	}

	vectors := make([]features.Vector, len(sessions))
	for i, events := range sessions {
		vectors[i] = e.extract(events)
	}

	start := time.Now()
	p, err := e.builder.Build(userID, vectors)
	if err != nil {
		return nil, fmt.Errorf("build profile: %w", err)
	}
	if p.Strategy == profile.StrategyCentroidForest {
		e.metrics.ObserveForestFit(time.Since(start))
	}

	if err := e.Register(p); err != nil {
		return nil, err
	}

	if e.store != nil {
		if err := e.store.SaveProfile(ctx, p); err != nil {
			return nil, fmt.Errorf("save profile: %w", err)
		}
	}

	e.logger.Info("user enrolled",
		"user", userID,
		"sessions", len(sessions),
		"strategy", p.Strategy)
	return p, nil
}

// Register installs p for scoring, replacing any previous profile for the
// same user while keeping their adaptive window.
func (e *Engine) Register(p *profile.Profile) error {
	if err := e.scorer.UpdateProfile(p); err != nil {
		return fmt.Errorf("register profile: %w", err)
	}
	e.metrics.SetProfilesLoaded(e.scorer.Len())
	return nil
}

// Profile returns the registered profile for userID.
func (e *Engine) Profile(userID string) (*profile.Profile, error) {
	return e.scorer.Profile(userID)
}

// LoadProfiles registers every profile held by the store and returns how
// many were loaded.
func (e *Engine) LoadProfiles(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	profiles, err := e.store.ListProfiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list profiles: %w", err)
	}
	for _, p := range profiles {
		if err := e.Register(p); err != nil {
			return 0, err
		}
	}
	e.logger.Debug("profiles loaded", "count", len(profiles))
	return len(profiles), nil
}

// =============================================================================
// Scoring
// =============================================================================

// ScoreRequest is one live session to score.
type ScoreRequest struct {
	UserID    string
	SessionID string
	Events    []features.Event

	// Profile, when set, is registered before scoring if it is newer than
	// the one already held for the user.
	Profile *profile.Profile

	// Rules are evaluated against the outcome. Nil skips policy evaluation.
	Rules []policy.Rule
}

// Outcome is the scored session with the policy decision, if any.
type Outcome struct {
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId"`

	adaptive.Result

	DefaultProfile bool           `json:"defaultProfile,omitempty"`
	Action         *policy.Action `json:"action"`
}

// ReasonCodes returns the codes of the outcome's top reasons.
func (o *Outcome) ReasonCodes() []string {
	codes := make([]string, len(o.TopReasons))
	for i, r := range o.TopReasons {
		codes[i] = r.Code
	}
	return codes
}

// Score scores a live session for req.UserID and evaluates req.Rules
// against the result. With a store, the outcome is recorded before the
// user's adaptive window advances; a failed write fails the call and
// leaves the window as it was. Rescoring a SessionID overwrites its record.
func (e *Engine) Score(ctx context.Context, req ScoreRequest) (*Outcome, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("engine: empty user id")
	}
	if err := checkEvents(req.Events); err != nil {
		return nil, err
	}
	start := time.Now()

	usedDefault, err := e.resolveProfile(req)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		DefaultProfile: usedDefault,
	}
	_, err = e.scorer.ScoreCommit(req.UserID, e.extract(req.Events), func(res *adaptive.Result) error {
		out.Result = *res
		if req.Rules != nil {
			out.Action = e.policy.Evaluate(req.Rules, policy.Context{
				TrustScore: res.TrustScore,
				IsAnomaly:  res.IsAnomaly,
				IsBot:      res.IsBot,
				UserID:     req.UserID,
				SessionID:  req.SessionID,
			})
		}
		if e.store == nil {
			return nil
		}
		id, err := e.store.RecordSession(ctx, e.record(out))
		if err != nil {
			return fmt.Errorf("record session: %w", err)
		}
		out.SessionID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.ObserveScore(string(out.Strategy), out.TrustScore, out.IsAnomaly, out.IsBot, time.Since(start))
	if out.Action != nil {
		e.metrics.ObservePolicyAction(string(out.Action.Type))
	}
	e.auditOutcome(ctx, out)

	e.logger.Debug("session scored",
		"user", req.UserID,
		"trust", out.TrustScore,
		"anomaly", out.IsAnomaly,
		"bot", out.IsBot,
		"threshold", out.AdaptiveThreshold)
	return out, nil
}

func checkEvents(events []features.Event) error {
	if n := len(events); n > features.MaxEventsPerBatch {
		return fmt.Errorf("%w: %d > %d", ErrTooManyEvents, n, features.MaxEventsPerBatch)
	}
	return nil
}

// resolveProfile makes sure req.UserID has a registered profile. It
// reports whether the default baseline was installed.
func (e *Engine) resolveProfile(req ScoreRequest) (bool, error) {
	current, err := e.scorer.Profile(req.UserID)
	if err != nil && !errors.Is(err, ErrProfileNotFound) {
		return false, err
	}

	if req.Profile != nil {
		if req.Profile.UserID != req.UserID {
			return false, fmt.Errorf("engine: profile belongs to %q, not %q", req.Profile.UserID, req.UserID)
		}
		if current == nil || req.Profile.UpdatedAt.After(current.UpdatedAt) {
			return false, e.Register(req.Profile)
		}
		return false, nil
	}

	if current != nil {
		return false, nil
	}
	if !e.cfg.AllowDefaultProfile {
		return false, fmt.Errorf("%w: %s", ErrProfileNotFound, req.UserID)
	}
	e.logger.Warn("scoring against default profile", "user", req.UserID)
	return true, e.Register(profile.Default(req.UserID))
}

func (e *Engine) auditOutcome(ctx context.Context, out *Outcome) {
	var errs []error
	if out.IsAnomaly {
		errs = append(errs, e.audit.LogAnomaly(ctx, out.UserID, out.SessionID,
			out.TrustScore, out.AdaptiveThreshold, out.ReasonCodes()))
	}
	if out.IsBot {
		errs = append(errs, e.audit.LogBot(ctx, out.UserID, out.SessionID, out.TrustScore))
	}
	if a := out.Action; a != nil {
		errs = append(errs, e.audit.LogPolicyAction(ctx, out.UserID, out.SessionID,
			a.RuleID, string(a.Type), string(a.Severity)))
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("audit write failed", "error", err)
	}
}

func (e *Engine) record(out *Outcome) store.SessionRecord {
	rec := store.SessionRecord{
		ID:                out.SessionID,
		UserID:            out.UserID,
		TrustScore:        out.TrustScore,
		IsAnomaly:         out.IsAnomaly,
		IsBot:             out.IsBot,
		AdaptiveThreshold: out.AdaptiveThreshold,
		ForestScore:       out.ForestScore,
		Reasons:           out.ReasonCodes(),
	}
	if out.Action != nil {
		rec.Action = string(out.Action.Type)
	}
	return rec
}

// Threshold returns the personalized anomaly threshold for userID.
func (e *Engine) Threshold(userID string) (float64, error) {
	return e.scorer.Threshold(userID)
}

// FeatureImportances returns the forest split frequencies for userID.
func (e *Engine) FeatureImportances(userID string) (features.Vector, error) {
	return e.scorer.FeatureImportances(userID)
}

// Evaluate runs rules against an already scored context.
func (e *Engine) Evaluate(rules []policy.Rule, ctx policy.Context) *policy.Action {
	return e.policy.Evaluate(rules, ctx)
}
