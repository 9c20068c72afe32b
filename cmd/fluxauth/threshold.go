package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fluxauth/internal/features"
	"fluxauth/internal/profile"
)

var thresholdRecent int

var thresholdCmd = &cobra.Command{
	Use:   "threshold <user-id>",
	Short: "Show a user's anomaly threshold and baseline summary",
	Long: `Show the personalized anomaly threshold for a user, the adaptive
thresholds recorded with their most recent scored sessions, and the
isolation forest feature importances when the profile has a forest.`,
	Args: cobra.ExactArgs(1),
	RunE: runThreshold,
}

func init() {
	thresholdCmd.Flags().IntVarP(&thresholdRecent, "recent", "n", 10, "number of recent sessions to include")
}

type recentThreshold struct {
	SessionID         string    `json:"sessionId"`
	TrustScore        float64   `json:"trustScore"`
	IsAnomaly         bool      `json:"isAnomaly"`
	AdaptiveThreshold float64   `json:"adaptiveThreshold"`
	ScoredAt          time.Time `json:"scoredAt"`
	ScoreCount        int       `json:"scoreCount"`
}

type thresholdReport struct {
	UserID             string            `json:"userId"`
	Strategy           profile.Strategy  `json:"strategy"`
	SampleCount        int               `json:"sampleCount"`
	Threshold          float64           `json:"threshold"`
	FeatureImportances *features.Vector  `json:"featureImportances,omitempty"`
	Recent             []recentThreshold `json:"recent"`
}

func runThreshold(cmd *cobra.Command, args []string) error {
	user := args[0]

	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	th, err := a.engine.Threshold(user)
	if err != nil {
		return fmt.Errorf("threshold %s: %w", user, err)
	}
	p, err := a.engine.Profile(user)
	if err != nil {
		return err
	}

	report := thresholdReport{
		UserID:      user,
		Strategy:    p.Strategy,
		SampleCount: p.SampleCount,
		Threshold:   th,
		Recent:      []recentThreshold{},
	}
	if p.Strategy == profile.StrategyCentroidForest {
		imp, err := a.engine.FeatureImportances(user)
		if err != nil {
			return err
		}
		report.FeatureImportances = &imp
	}

	sessions, err := a.store.RecentSessions(cmd.Context(), user, thresholdRecent)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		report.Recent = append(report.Recent, recentThreshold{
			SessionID:         s.ID,
			TrustScore:        s.TrustScore,
			IsAnomaly:         s.IsAnomaly,
			AdaptiveThreshold: s.AdaptiveThreshold,
			ScoredAt:          s.ScoredAt,
			ScoreCount:        s.ScoreCount,
		})
	}
	return writeJSON(cmd.OutOrStdout(), "", report)
}
