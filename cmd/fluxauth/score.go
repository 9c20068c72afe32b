package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"fluxauth/internal/engine"
	"fluxauth/internal/policy"
	"fluxauth/internal/profile"
	"fluxauth/internal/schemavalidation"
)

var (
	scoreInput   string
	scoreProfile string
	scoreRules   string
	scoreNoRules bool
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a live session",
	Long: `Read a session batch ({"userId": ..., "sessionId": ..., "events": [...]}),
score it against the user's profile and evaluate policy rules.

Rules come from --rules, else the configured rules file, else the store.`,
	RunE: runScore,
}

func init() {
	scoreCmd.Flags().StringVarP(&scoreInput, "input", "i", "-", "session batch file (- for stdin)")
	scoreCmd.Flags().StringVarP(&scoreProfile, "profile", "p", "", "profile JSON to score against, if newer than the stored one")
	scoreCmd.Flags().StringVarP(&scoreRules, "rules", "r", "", "YAML or JSON rule file")
	scoreCmd.Flags().BoolVar(&scoreNoRules, "no-rules", false, "skip policy evaluation")
}

func runScore(cmd *cobra.Command, args []string) error {
	data, err := readInput(scoreInput)
	if err != nil {
		return err
	}
	batch, err := schemavalidation.Default().DecodeSession(data)
	if err != nil {
		return err
	}

	var p *profile.Profile
	if scoreProfile != "" {
		if p, err = readProfile(scoreProfile); err != nil {
			return err
		}
	}

	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	var rules []policy.Rule
	if !scoreNoRules {
		if rules, err = a.rules(cmd.Context(), scoreRules); err != nil {
			return err
		}
	}

	out, err := a.engine.Score(cmd.Context(), engine.ScoreRequest{
		UserID:    batch.UserID,
		SessionID: batch.SessionID,
		Events:    batch.Events,
		Profile:   p,
		Rules:     rules,
	})
	if err != nil {
		return fmt.Errorf("score %s: %w", batch.UserID, err)
	}
	return writeJSON(cmd.OutOrStdout(), "", out)
}

// readProfile loads a profile file after checking it against the schema.
func readProfile(path string) (*profile.Profile, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	if err := schemavalidation.Default().Validate(schemavalidation.SchemaProfile, data); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	var p profile.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return &p, nil
}

// rules returns the active rule set: path if given, else the configured
// rules file, else the rules held in the store.
func (a *app) rules(ctx context.Context, path string) ([]policy.Rule, error) {
	if path == "" {
		path = a.cfg.Monitor.RulesFile
	}
	if path != "" {
		return policy.LoadRules(path)
	}
	if a.store == nil {
		return []policy.Rule{}, nil
	}
	rules, err := a.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}
