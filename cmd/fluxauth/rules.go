package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fluxauth/internal/policy"
)

var (
	ruleName      string
	ruleCondition string
	ruleAction    string
	rulePriority  int
	ruleDisabled  bool
	rulesJSON     bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage stored policy rules",
	Long: `Manage the policy rules kept in the store.

Conditions compare trustScore, isAnomaly and isBot, for example
  trustScore < 40 AND isAnomaly = true
Lower priorities are evaluated first; the first matching enabled rule wins.`,
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a rule",
	Args:  cobra.NoArgs,
	RunE:  runRulesAdd,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <rule-id>",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(cmd, args[0], true) },
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <rule-id>",
	Short: "Disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRuleEnabled(cmd, args[0], false) },
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <rule-id>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesDelete,
}

func init() {
	rulesAddCmd.Flags().StringVar(&ruleName, "name", "", "rule name")
	rulesAddCmd.Flags().StringVar(&ruleCondition, "condition", "", "rule condition")
	rulesAddCmd.Flags().StringVar(&ruleAction, "action", "", "REQUIRE_OTP, BLOCK_SESSION, NOTIFY_ADMIN, LOG_EVENT or REQUIRE_CAPTCHA")
	rulesAddCmd.Flags().IntVar(&rulePriority, "priority", 0, "evaluation order, lowest first")
	rulesAddCmd.Flags().BoolVar(&ruleDisabled, "disabled", false, "store the rule disabled")
	rulesAddCmd.MarkFlagRequired("name")
	rulesAddCmd.MarkFlagRequired("condition")
	rulesAddCmd.MarkFlagRequired("action")

	rulesListCmd.Flags().BoolVar(&rulesJSON, "json", false, "print JSON")

	rulesCmd.AddCommand(rulesAddCmd, rulesListCmd, rulesEnableCmd, rulesDisableCmd, rulesDeleteCmd)
}

func runRulesAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.store.CreateRule(cmd.Context(), policy.Rule{
		Name:      ruleName,
		Condition: ruleCondition,
		Action:    policy.ActionType(ruleAction),
		Priority:  rulePriority,
		Enabled:   !ruleDisabled,
	})
	if err != nil {
		return err
	}
	a.audited(a.audit.LogRuleChange(cmd.Context(), r.ID, "created"))
	fmt.Fprintln(cmd.OutOrStdout(), r.ID)
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	rules, err := a.store.ListRules(cmd.Context())
	if err != nil {
		return err
	}
	if rulesJSON {
		return writeJSON(cmd.OutOrStdout(), "", rules)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tENABLED\tACTION\tNAME\tCONDITION")
	for _, r := range rules {
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\t%s\t%s\n", r.ID, r.Priority, r.Enabled, r.Action, r.Name, r.Condition)
	}
	return tw.Flush()
}

func setRuleEnabled(cmd *cobra.Command, id string, enabled bool) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.SetRuleEnabled(cmd.Context(), id, enabled); err != nil {
		return err
	}
	change := "disabled"
	if enabled {
		change = "enabled"
	}
	a.audited(a.audit.LogRuleChange(cmd.Context(), id, change))
	return nil
}

func runRulesDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.DeleteRule(cmd.Context(), args[0]); err != nil {
		return err
	}
	a.audited(a.audit.LogRuleChange(cmd.Context(), args[0], "deleted"))
	return nil
}
