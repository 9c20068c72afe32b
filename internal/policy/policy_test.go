package policy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(name, cond string, action ActionType, priority int) Rule {
	return Rule{ID: name, Name: name, Condition: cond, Action: action, Priority: priority, Enabled: true}
}

// =============================================================================
// Condition language
// =============================================================================

func TestConditionEval(t *testing.T) {
	ctx := Context{TrustScore: 35, IsAnomaly: true, IsBot: false}

	cases := []struct {
		cond string
		want bool
	}{
		{"trustScore < 40", true},
		{"trustScore > 40", false},
		{"trustScore = 35", true},
		{"trustScore != 35", false},
		{"trustScore<40", true},
		{"trustScore > -1", true},
		{"trustScore < 35.5", true},
		{"isAnomaly = true", true},
		{"isAnomaly != true", false},
		{"isBot = false", true},
		{"isBot = true", false},
		{"trustScore < 40 AND isAnomaly = true", true},
		{"trustScore < 40 AND isBot = true", false},
		{"trustScore > 90 OR isAnomaly = true", true},
		{"trustScore > 90 OR isBot = true", false},
		{"trustScore < 40 AND isAnomaly = true AND isBot = false", true},
		{"IF trustScore < 40 THEN BLOCK_SESSION", true},
		{"IF isBot = true THEN REQUIRE_CAPTCHA", false},
	}
	for _, tc := range cases {
		t.Run(tc.cond, func(t *testing.T) {
			c, err := Parse(tc.cond)
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.Eval(ctx))
		})
	}
}

func TestConditionMalformed(t *testing.T) {
	cases := []string{
		"",
		"trustScore",
		"trustScore <",
		"trustScore < 40 AND",
		"trustScore < 40 AND isBot = true OR isAnomaly = true",
		"trustScore < 40 and isBot = true",
		"riskScore < 40",
		"trustScore ~ 40",
		"trustScore < abc",
		"trustScore = true",
		"isBot = 1",
		"isBot < true",
		"trustScore < 40; DROP TABLE",
		"trustScore ! 40",
		"(trustScore < 40)",
		"trustScore < 4.0.1",
		"IF THEN",
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedCondition), "got %v", err)
		})
	}
}

func TestConditionString(t *testing.T) {
	c, err := Parse("IF  trustScore<40   OR isBot=true THEN LOG_EVENT")
	require.NoError(t, err)
	assert.Equal(t, "trustScore < 40 OR isBot = true", c.String())
	assert.Equal(t, ConnOr, c.Conn)
}

// =============================================================================
// Rule evaluation
// =============================================================================

func TestEvaluate(t *testing.T) {
	e := NewEngine()
	ctx := Context{TrustScore: 20, IsAnomaly: true, UserID: "u1", SessionID: "s1"}

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, e.Evaluate(nil, ctx))
	})

	t.Run("no_match", func(t *testing.T) {
		rules := []Rule{rule("high", "trustScore > 90", ActionLogEvent, 1)}
		assert.Nil(t, e.Evaluate(rules, ctx))
	})

	t.Run("first_by_priority", func(t *testing.T) {
		rules := []Rule{
			rule("otp", "trustScore < 50", ActionRequireOTP, 5),
			rule("block", "trustScore < 30", ActionBlockSession, 1),
			rule("log", "isAnomaly = true", ActionLogEvent, 10),
		}
		a := e.Evaluate(rules, ctx)
		require.NotNil(t, a)
		assert.Equal(t, ActionBlockSession, a.Type)
		assert.Equal(t, SeverityCritical, a.Severity)
		assert.Equal(t, `Policy "block" triggered: trustScore < 30`, a.Message)
		assert.Equal(t, "block", a.RuleID)
	})

	t.Run("ties_keep_order", func(t *testing.T) {
		rules := []Rule{
			rule("second", "trustScore < 50", ActionNotifyAdmin, 1),
			rule("first", "trustScore < 50", ActionRequireOTP, 1),
		}
		a := e.Evaluate(rules, ctx)
		require.NotNil(t, a)
		assert.Equal(t, ActionNotifyAdmin, a.Type)
	})

	t.Run("disabled_ignored", func(t *testing.T) {
		block := rule("block", "trustScore < 30", ActionBlockSession, 1)
		block.Enabled = false
		rules := []Rule{block, rule("otp", "trustScore < 50", ActionRequireOTP, 5)}
		a := e.Evaluate(rules, ctx)
		require.NotNil(t, a)
		assert.Equal(t, ActionRequireOTP, a.Type)
	})

	t.Run("malformed_skipped", func(t *testing.T) {
		var calls int
		var buf bytes.Buffer
		e := NewEngine(
			WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
			WithMalformedHook(func(Rule, error) { calls++ }),
		)
		rules := []Rule{
			rule("broken", "trustScore <<< 30", ActionBlockSession, 1),
			rule("captcha", "isAnomaly = true", ActionRequireCaptcha, 2),
		}
		a := e.Evaluate(rules, ctx)
		require.NotNil(t, a)
		assert.Equal(t, ActionRequireCaptcha, a.Type)
		assert.Equal(t, SeverityMedium, a.Severity)
		assert.Equal(t, 1, calls)
		assert.Contains(t, buf.String(), "malformed policy condition")

		// Cached failures still warn on every evaluation.
		e.Evaluate(rules, ctx)
		assert.Equal(t, 2, calls)
	})
}

func TestSeverityOf(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityOf(ActionBlockSession))
	assert.Equal(t, SeverityHigh, SeverityOf(ActionRequireOTP))
	assert.Equal(t, SeverityMedium, SeverityOf(ActionNotifyAdmin))
	assert.Equal(t, SeverityMedium, SeverityOf(ActionRequireCaptcha))
	assert.Equal(t, SeverityLow, SeverityOf(ActionLogEvent))
	assert.Equal(t, SeverityMedium, SeverityOf("SEND_PIGEON"))
}

func TestRuleValidate(t *testing.T) {
	require.NoError(t, rule("ok", "trustScore < 40", ActionLogEvent, 0).Validate())

	bad := []Rule{
		rule("", "trustScore < 40", ActionLogEvent, 0),
		rule(strings.Repeat("n", MaxNameLength+1), "trustScore < 40", ActionLogEvent, 0),
		rule("cond", "", ActionLogEvent, 0),
		rule("cond", "trustScore < "+strings.Repeat("1", MaxConditionLength), ActionLogEvent, 0),
		rule("action", "trustScore < 40", "SEND_PIGEON", 0),
		rule("priority", "trustScore < 40", ActionLogEvent, -1),
		rule("syntax", "trustScore <", ActionLogEvent, 0),
	}
	for _, r := range bad {
		assert.Error(t, r.Validate(), "rule %q", r.Name)
	}
}

// =============================================================================
// Rule files
// =============================================================================

const yamlRules = `
rules:
  - name: block bots
    condition: isBot = true
    action: BLOCK_SESSION
    priority: 1
  - name: step up
    condition: trustScore < 50
    action: REQUIRE_OTP
    priority: 5
    enabled: false
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(yamlRules), ".yaml")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.True(t, rules[0].Enabled)
	assert.False(t, rules[1].Enabled)
	assert.Equal(t, "file-1", rules[0].ID)

	jsonRules := `{"rules":[{"id":"r1","name":"log","condition":"isAnomaly = true","action":"LOG_EVENT"}]}`
	rules, err = ParseRules([]byte(jsonRules), ".json")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)

	_, err = ParseRules([]byte(`{"rules":[{"name":"x","condition":"isBot = 1","action":"LOG_EVENT"}]}`), ".json")
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlRules), 0o600))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Close()
	require.Len(t, w.Rules(), 2)

	changed := make(chan []Rule, 1)
	w.OnChange(func(r []Rule) {
		select {
		case changed <- r:
		default:
		}
	})
	require.NoError(t, w.Watch(context.Background()))

	updated := yamlRules + `  - name: log all
    condition: trustScore < 101
    action: LOG_EVENT
    priority: 9
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case r := <-changed:
		assert.Len(t, r, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	assert.Len(t, w.Rules(), 3)
}
