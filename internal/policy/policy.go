// Package policy maps scoring outcomes to operator-defined actions through
// ordered rules with a small condition language.
package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ActionType is the action a rule requests.
type ActionType string

const (
	ActionRequireOTP     ActionType = "REQUIRE_OTP"
	ActionBlockSession   ActionType = "BLOCK_SESSION"
	ActionNotifyAdmin    ActionType = "NOTIFY_ADMIN"
	ActionLogEvent       ActionType = "LOG_EVENT"
	ActionRequireCaptcha ActionType = "REQUIRE_CAPTCHA"
)

// Valid reports whether a is a known action.
func (a ActionType) Valid() bool {
	switch a {
	case ActionRequireOTP, ActionBlockSession, ActionNotifyAdmin, ActionLogEvent, ActionRequireCaptcha:
		return true
	}
	return false
}

// Severity drives downstream presentation of an action.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityOf returns the fixed severity of an action. Unknown actions are medium.
func SeverityOf(a ActionType) Severity {
	switch a {
	case ActionBlockSession:
		return SeverityCritical
	case ActionRequireOTP:
		return SeverityHigh
	case ActionNotifyAdmin, ActionRequireCaptcha:
		return SeverityMedium
	case ActionLogEvent:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Limits on rule fields.
const (
	MaxNameLength      = 200
	MaxConditionLength = 500
)

// Rule is an operator-defined policy. Lower priorities evaluate first.
type Rule struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Condition string     `json:"condition" yaml:"condition"`
	Action    ActionType `json:"action" yaml:"action"`
	Priority  int        `json:"priority" yaml:"priority"`
	Enabled   bool       `json:"enabled" yaml:"enabled"`
}

// Validate checks field limits and that the condition parses.
func (r Rule) Validate() error {
	if r.Name == "" || len(r.Name) > MaxNameLength {
		return fmt.Errorf("rule name must be 1-%d characters", MaxNameLength)
	}
	if r.Condition == "" || len(r.Condition) > MaxConditionLength {
		return fmt.Errorf("rule condition must be 1-%d characters", MaxConditionLength)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if r.Priority < 0 {
		return fmt.Errorf("priority must be non-negative")
	}
	if _, err := Parse(r.Condition); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	return nil
}

// Context is the scoring outcome a rule is evaluated against.
type Context struct {
	TrustScore float64
	IsAnomaly  bool
	IsBot      bool
	UserID     string
	SessionID  string
}

// Action is the outcome of the first matching rule.
type Action struct {
	Type     ActionType `json:"type"`
	Message  string     `json:"message"`
	Severity Severity   `json:"severity"`
	RuleID   string     `json:"ruleId,omitempty"`
}

type compiled struct {
	cond *Condition
	err  error
}

// maxCached bounds the compiled-condition cache.
const maxCached = 1024

// Engine evaluates rule sets. It caches compiled conditions and is safe
// for concurrent use.
type Engine struct {
	logger      *slog.Logger
	onMalformed func(Rule, error)

	mu    sync.RWMutex
	cache map[string]compiled
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for malformed-condition warnings.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMalformedHook is called whenever a rule's condition fails to parse.
func WithMalformedHook(fn func(Rule, error)) Option {
	return func(e *Engine) { e.onMalformed = fn }
}

// NewEngine creates an engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger: slog.Default(),
		cache:  make(map[string]compiled),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns the action of the first enabled rule, in ascending
// priority, whose condition holds for ctx. Rules with equal priority keep
// their given order. A malformed condition is logged and treated as false.
func (e *Engine) Evaluate(rules []Rule, ctx Context) *Action {
	ordered := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	for _, r := range ordered {
		cond, err := e.compile(r.Condition)
		if err != nil {
			e.logger.Warn("malformed policy condition",
				"rule", r.Name,
				"condition", r.Condition,
				"error", err)
			if e.onMalformed != nil {
				e.onMalformed(r, err)
			}
			continue
		}
		if cond.Eval(ctx) {
			return &Action{
				Type:     r.Action,
				Message:  fmt.Sprintf("Policy %q triggered: %s", r.Name, r.Condition),
				Severity: SeverityOf(r.Action),
				RuleID:   r.ID,
			}
		}
	}
	return nil
}

func (e *Engine) compile(src string) (*Condition, error) {
	e.mu.RLock()
	c, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return c.cond, c.err
	}

	cond, err := Parse(src)

	e.mu.Lock()
	if len(e.cache) >= maxCached {
		clear(e.cache)
	}
	e.cache[src] = compiled{cond: cond, err: err}
	e.mu.Unlock()
	return cond, err
}
