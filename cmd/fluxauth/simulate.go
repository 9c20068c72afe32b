package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fluxauth/internal/engine"
	"fluxauth/internal/evaluation"
	"fluxauth/internal/features"
	"fluxauth/internal/policy"
)

var (
	simSeed     uint64
	simSessions int
	simKeys     int
	simRules    string

	simEvaluate bool
	simGenuine  int
	simImpostor int
	simScripted int
	simJSON     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Enroll synthetic typists and score genuine, impostor and scripted sessions",
	Long: `Enroll each built-in synthetic typist in memory, then score a fresh
session from the same typist, a session from a different typist, and a
perfectly regular scripted session. Nothing is written to the store.

With --evaluate, score --genuine sessions from the enrolled typists and
--impostor sessions from the other typists, plus --scripted robotic
sessions, and report the confusion matrix, TPR, FPR, accuracy, precision,
recall, F1 and scoring latency. A session counts as detected when it is
flagged as anomalous or as a bot.`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 1, "random seed")
	simulateCmd.Flags().IntVar(&simSessions, "sessions", 6, "enrollment sessions per typist")
	simulateCmd.Flags().IntVar(&simKeys, "keys", 80, "keys per session")
	simulateCmd.Flags().StringVarP(&simRules, "rules", "r", "", "YAML or JSON rule file to evaluate")
	simulateCmd.Flags().BoolVar(&simEvaluate, "evaluate", false, "report detection metrics instead of sample rows")
	simulateCmd.Flags().IntVar(&simGenuine, "genuine", 100, "genuine sessions to score with --evaluate")
	simulateCmd.Flags().IntVar(&simImpostor, "impostor", 100, "impostor sessions to score with --evaluate")
	simulateCmd.Flags().IntVar(&simScripted, "scripted", 0, "scripted sessions to score with --evaluate")
	simulateCmd.Flags().BoolVar(&simJSON, "json", false, "print the evaluation report as JSON")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	gen := features.NewGenerator(simSeed)
	typists := features.PredefinedTypists()

	if simEvaluate {
		rep, err := evaluate(ctx, a.engine, gen, typists)
		if err != nil {
			return err
		}
		if simJSON {
			return writeJSON(cmd.OutOrStdout(), "", rep)
		}
		return printReport(cmd.OutOrStdout(), rep)
	}

	rules, err := a.rules(ctx, simRules)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tSESSION\tTRUST\tANOMALY\tBOT\tTHRESHOLD\tFOREST\tACTION")

	for i, t := range typists {
		enrollment := make([][]features.Event, simSessions)
		for s := range enrollment {
			enrollment[s] = gen.Session(t, simKeys, 0)
		}
		if _, err := a.engine.Enroll(ctx, t.Name, enrollment); err != nil {
			return fmt.Errorf("enroll %s: %w", t.Name, err)
		}

		other := typists[(i+1)%len(typists)]
		cases := []struct {
			label  string
			events []features.Event
		}{
			{"genuine", gen.Session(t, simKeys, 0)},
			{"impostor:" + other.Name, gen.Session(other, simKeys, 0)},
			{"scripted", gen.Robotic(simKeys, 100, 0)},
		}
		for _, c := range cases {
			out, err := a.engine.Score(ctx, engine.ScoreRequest{
				UserID:    t.Name,
				SessionID: c.label,
				Events:    c.events,
				Rules:     rules,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%.1f\t%t\t%t\t%.2f\t%s\t%s\n",
				t.Name, c.label, out.TrustScore, out.IsAnomaly, out.IsBot,
				out.AdaptiveThreshold, forestColumn(out.ForestScore), actionColumn(out.Action))
		}
	}
	return tw.Flush()
}

// evaluate enrolls every typist, then scores genuine, impostor and
// scripted sessions round-robin across the enrolled users.
func evaluate(ctx context.Context, e *engine.Engine, gen *features.Generator, typists []features.Typist) (evaluation.Report, error) {
	for _, t := range typists {
		enrollment := make([][]features.Event, simSessions)
		for s := range enrollment {
			enrollment[s] = gen.Session(t, simKeys, 0)
		}
		if _, err := e.Enroll(ctx, t.Name, enrollment); err != nil {
			return evaluation.Report{}, fmt.Errorf("enroll %s: %w", t.Name, err)
		}
	}

	var rec evaluation.Recorder
	score := func(user, id string, events []features.Event, impostor bool) error {
		start := time.Now()
		out, err := e.Score(ctx, engine.ScoreRequest{UserID: user, SessionID: id, Events: events})
		if err != nil {
			return fmt.Errorf("score %s: %w", id, err)
		}
		rec.Observe(impostor, out.IsAnomaly || out.IsBot, time.Since(start))
		return nil
	}

	n := len(typists)
	for k := 0; k < max(simGenuine, simImpostor, simScripted); k++ {
		user := typists[k%n]
		if k < simGenuine {
			if err := score(user.Name, fmt.Sprintf("genuine-%d", k), gen.Session(user, simKeys, 0), false); err != nil {
				return evaluation.Report{}, err
			}
		}
		if k < simImpostor && n > 1 {
			other := typists[(k%n+1+(k/n)%(n-1))%n]
			if err := score(user.Name, fmt.Sprintf("impostor-%d", k), gen.Session(other, simKeys, 0), true); err != nil {
				return evaluation.Report{}, err
			}
		}
		if k < simScripted {
			if err := score(user.Name, fmt.Sprintf("scripted-%d", k), gen.Robotic(simKeys, 100, 0), true); err != nil {
				return evaluation.Report{}, err
			}
		}
	}
	return rec.Report(), nil
}

func printReport(w io.Writer, rep evaluation.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := []struct {
		label string
		value string
	}{
		{"True positives", fmt.Sprint(rep.TruePositives)},
		{"False positives", fmt.Sprint(rep.FalsePositives)},
		{"True negatives", fmt.Sprint(rep.TrueNegatives)},
		{"False negatives", fmt.Sprint(rep.FalseNegatives)},
		{"TPR (recall)", percent(rep.TPR)},
		{"FPR", percent(rep.FPR)},
		{"Accuracy", percent(rep.Accuracy)},
		{"Precision", percent(rep.Precision)},
		{"F1 score", percent(rep.F1)},
		{"Latency mean", fmt.Sprintf("%.3fms", rep.Latency.MeanMs)},
		{"Latency p95", fmt.Sprintf("%.3fms", rep.Latency.P95Ms)},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", r.label, r.value)
	}
	return tw.Flush()
}

func percent(x float64) string {
	return fmt.Sprintf("%.2f%%", x*100)
}

func forestColumn(score *float64) string {
	if score == nil || math.IsNaN(*score) {
		return "-"
	}
	return fmt.Sprintf("%.3f", *score)
}

func actionColumn(a *policy.Action) string {
	if a == nil {
		return "-"
	}
	return string(a.Type)
}
