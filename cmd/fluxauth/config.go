package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fluxauth/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file if none exists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile()
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), "", cfg)
	},
}

var configLintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Report configuration errors and warnings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		findings := config.Lint(cfg)
		for _, f := range findings {
			kind := "error"
			if f.IsWarning() {
				kind = "warning"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s: %s\n", kind, f.Field, f.Message)
		}
		if findings.HasErrors() {
			return findings.Errors()
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd, configLintCmd)
}

// configFile returns the config path in effect.
func configFile() string {
	if configPath != "" {
		return configPath
	}
	return config.ConfigPath()
}
