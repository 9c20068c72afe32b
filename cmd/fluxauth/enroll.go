package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fluxauth/internal/schemavalidation"
)

var (
	enrollInput  string
	enrollOutput string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Build a user's baseline from enrollment sessions",
	Long: `Read an enrollment batch ({"userId": ..., "sessions": [[events...], ...]}),
build the user's profile and store it, replacing any previous enrollment.

The profile JSON is printed, or written to --out.`,
	RunE: runEnroll,
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollInput, "input", "i", "-", "enrollment batch file (- for stdin)")
	enrollCmd.Flags().StringVarP(&enrollOutput, "out", "o", "", "write the profile here instead of stdout")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	data, err := readInput(enrollInput)
	if err != nil {
		return err
	}
	batch, err := schemavalidation.Default().DecodeEnrollment(data)
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.engine.Enroll(cmd.Context(), batch.UserID, batch.Sessions)
	if err != nil {
		return fmt.Errorf("enroll %s: %w", batch.UserID, err)
	}
	return writeJSON(cmd.OutOrStdout(), enrollOutput, p)
}
