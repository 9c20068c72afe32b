package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var dbJSON bool

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied schema migrations",
	Long: `Open the store, apply any pending migrations and list the schema
versions that are now in place.`,
	Args: cobra.NoArgs,
	RunE: runDBStatus,
}

func init() {
	dbStatusCmd.Flags().BoolVar(&dbJSON, "json", false, "print JSON")
	dbCmd.AddCommand(dbStatusCmd)
}

func runDBStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	status, err := a.store.MigrationStatus(cmd.Context())
	if err != nil {
		return err
	}
	if dbJSON {
		return writeJSON(cmd.OutOrStdout(), "", status)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database: %s\n", a.cfg.Storage.Path)
	fmt.Fprintf(out, "Schema:   v%d of v%d\n\n", status.CurrentVersion, status.LatestVersion)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tAPPLIED\tDESCRIPTION")
	for _, m := range status.Applied {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Version, m.AppliedAt.Format(time.RFC3339), m.Description)
	}
	for _, m := range status.Pending {
		fmt.Fprintf(tw, "%d\tpending\t%s\n", m.Version, m.Description)
	}
	return tw.Flush()
}
