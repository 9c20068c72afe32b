package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect or remove stored enrollment profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Print a user's stored profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Delete a user's profile",
	Long: `Delete a user's enrolled profile. Recorded session outcomes are kept but
no longer linked to the user. The user must enroll again before scoring.`,
	Args: cobra.ExactArgs(1),
	RunE: runProfileDelete,
}

func init() {
	profileCmd.AddCommand(profileShowCmd, profileDeleteCmd)
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.store.GetProfile(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("profile %s: %w", args[0], err)
	}
	return writeJSON(cmd.OutOrStdout(), "", p)
}

func runProfileDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.DeleteProfile(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("profile %s: %w", args[0], err)
	}
	a.audited(a.audit.LogProfileDeleted(cmd.Context(), args[0]))
	a.logger.Info("profile deleted", "user", args[0])
	return nil
}
