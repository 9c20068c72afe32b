package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventEnrollment   AuditEventType = "enrollment"
	AuditEventAnomaly      AuditEventType = "anomaly"
	AuditEventBot          AuditEventType = "bot"
	AuditEventPolicyAction AuditEventType = "policy_action"
	AuditEventRuleChange   AuditEventType = "rule_change"
	AuditEventProfileDrop  AuditEventType = "profile_deleted"
	AuditEventConfigChange AuditEventType = "config_change"
	AuditEventError        AuditEventType = "error"
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
)

// AuditEvent represents a security-relevant event. UserID always holds a
// pseudonym, never the raw identifier.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Component string                 `json:"component"`
	SessionID string                 `json:"session_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource,omitempty"`
	Result    string                 `json:"result"` // "success", "failure", "denied"
	Details   map[string]interface{} `json:"details,omitempty"`
	Error     string                 `json:"error,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// Writer, when set, replaces FilePath.
	Writer io.Writer

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "fluxauth",
	}
}

// AuditLogger writes JSON-lines audit records.
type AuditLogger struct {
	config *AuditLoggerConfig
	out    io.Writer
	closer io.Closer
	mu     sync.Mutex
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	a := &AuditLogger{config: cfg}
	switch {
	case cfg.Writer != nil:
		a.out = cfg.Writer
	case cfg.FilePath != "":
		rot := NewRotator(cfg.FilePath, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge, cfg.Compress)
		a.out, a.closer = rot, rot
	default:
		return nil, fmt.Errorf("audit logger needs a file path or writer")
	}
	return a, nil
}

// NopAuditLogger discards every event.
func NopAuditLogger() *AuditLogger {
	return &AuditLogger{config: DefaultAuditConfig(), out: io.Discard}
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.out.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogEnrollment logs a completed or rejected enrollment.
func (a *AuditLogger) LogEnrollment(ctx context.Context, userID string, sessions int, strategy string, err error) error {
	event := AuditEvent{
		EventType: AuditEventEnrollment,
		UserID:    Pseudonym(userID),
		Action:    "profile_enrolled",
		Result:    "success",
		Details: map[string]interface{}{
			"sessions": sessions,
			"strategy": strategy,
		},
	}
	if err != nil {
		event.Result = "failure"
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogAnomaly logs a session flagged as anomalous.
func (a *AuditLogger) LogAnomaly(ctx context.Context, userID, sessionID string, trustScore, threshold float64, reasons []string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAnomaly,
		UserID:    Pseudonym(userID),
		SessionID: sessionID,
		Action:    "session_flagged",
		Result:    "success",
		Details: map[string]interface{}{
			"trust_score": trustScore,
			"threshold":   threshold,
			"reasons":     reasons,
		},
	})
}

// LogBot logs a session matching the automation heuristic.
func (a *AuditLogger) LogBot(ctx context.Context, userID, sessionID string, trustScore float64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventBot,
		UserID:    Pseudonym(userID),
		SessionID: sessionID,
		Action:    "automation_suspected",
		Result:    "success",
		Details: map[string]interface{}{
			"trust_score": trustScore,
		},
	})
}

// LogPolicyAction logs an action produced by a policy rule.
func (a *AuditLogger) LogPolicyAction(ctx context.Context, userID, sessionID, ruleID, action, severity string) error {
	result := "success"
	if action == "BLOCK_SESSION" {
		result = "denied"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventPolicyAction,
		UserID:    Pseudonym(userID),
		SessionID: sessionID,
		Action:    action,
		Resource:  ruleID,
		Result:    result,
		Details: map[string]interface{}{
			"severity": severity,
		},
	})
}

// LogRuleChange logs creation, toggling or deletion of a policy rule.
func (a *AuditLogger) LogRuleChange(ctx context.Context, ruleID, change string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRuleChange,
		Action:    change,
		Resource:  ruleID,
		Result:    "success",
	})
}

// LogProfileDeleted logs removal of a user's enrolled profile.
func (a *AuditLogger) LogProfileDeleted(ctx context.Context, userID string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventProfileDrop,
		UserID:    Pseudonym(userID),
		Action:    "delete_profile",
		Result:    "success",
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]interface{}{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup logs a process startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown logs a process shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "stopped",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
