package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/billing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
)

func newBudgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Tenant budget commands",
	}

	cmd.AddCommand(newBudgetShowCmd())
	cmd.AddCommand(newBudgetListCmd())
	cmd.AddCommand(newBudgetSetCmd())

	return cmd
}

func newBudgetShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <tenant>",
		Short: "Show a tenant's budget for the current period",
		Args:  cobra.ExactArgs(1),
		RunE:  runBudgetShowCmd,
	}
}

func runBudgetShowCmd(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ledger, _, err := openLedger(cmd, st)
	if err != nil {
		return err
	}
	b, ok, err := ledger.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tenant %q has no budget", args[0])
	}

	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), b)
	}
	printBudget(cmd.OutOrStdout(), b)
	return nil
}

func newBudgetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tenant budgets",
		Args:  cobra.NoArgs,
		RunE:  runBudgetListCmd,
	}
}

func runBudgetListCmd(cmd *cobra.Command, _ []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListBudgets(cmd.Context())
	if err != nil {
		return err
	}
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), list)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No budgets found.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TENANT\tACCESS\tUSD\tPOINTS\tPERIOD")
	for _, b := range list {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n",
			b.TenantID, b.AccessAllowed,
			usage(b, pricing.USD), usage(b, pricing.Points),
			b.LastResetPeriod)
	}
	return tw.Flush()
}

func newBudgetSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <tenant>",
		Short: "Create or update a tenant's budget",
		Long: "Create or update a tenant's budget. New tenants start from the default " +
			"budget; only the flags given are changed.",
		Args: cobra.ExactArgs(1),
		RunE: runBudgetSetCmd,
	}

	cmd.Flags().Float64("usd", 0, "monthly USD limit")
	cmd.Flags().Bool("unlimited-usd", false, "remove the monthly USD limit")
	cmd.Flags().Int64("points", 0, "monthly points limit")
	cmd.Flags().Bool("unlimited-points", false, "remove the monthly points limit")
	cmd.Flags().Bool("access", true, "whether the tenant may be billed at all")
	cmd.Flags().StringSlice("roles", nil, "roles allowed to bill the tenant (empty allows everyone)")
	cmd.Flags().Bool("reset-spend", false, "zero the current spend")

	return cmd
}

func runBudgetSetCmd(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if err := exclusive(flags, "usd", "unlimited-usd"); err != nil {
		return err
	}
	if err := exclusive(flags, "points", "unlimited-points"); err != nil {
		return err
	}

	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	tenant := args[0]
	period := billing.Period(timeNow())
	b, ok, err := st.GetBudget(ctx, tenant)
	if err != nil {
		return err
	}
	if !ok {
		b = billing.DefaultBudget(tenant)
		b.LastResetPeriod = period
	}

	if flags.Changed("usd") {
		v, _ := flags.GetFloat64("usd")
		if v < 0 {
			return fmt.Errorf("--usd must not be negative")
		}
		b.MonthlyLimitUSD = &v
	}
	if unlimited, _ := flags.GetBool("unlimited-usd"); unlimited {
		b.MonthlyLimitUSD = nil
	}
	if flags.Changed("points") {
		v, _ := flags.GetInt64("points")
		if v < 0 {
			return fmt.Errorf("--points must not be negative")
		}
		b.MonthlyLimitPoints = &v
	}
	if unlimited, _ := flags.GetBool("unlimited-points"); unlimited {
		b.MonthlyLimitPoints = nil
	}
	if flags.Changed("access") {
		b.AccessAllowed, _ = flags.GetBool("access")
	}
	if flags.Changed("roles") {
		b.AllowedRoles, _ = flags.GetStringSlice("roles")
	}

	// Spend columns belong to the running server; only the policy is
	// written back.
	created := false
	if !ok {
		if created, err = st.CreateBudget(ctx, b); err != nil {
			return err
		}
	}
	if !created {
		if _, err := st.UpdatePolicy(ctx, b); err != nil {
			return err
		}
	}
	if reset, _ := flags.GetBool("reset-spend"); reset {
		if _, err := st.ResetSpend(ctx, tenant, period); err != nil {
			return err
		}
	}

	b, _, err = st.GetBudget(ctx, tenant)
	if err != nil {
		return err
	}
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), b)
	}
	printBudget(cmd.OutOrStdout(), b)
	return nil
}

// exclusive fails when both flags were given.
func exclusive(flags *pflag.FlagSet, a, b string) error {
	if flags.Changed(a) && flags.Changed(b) {
		return fmt.Errorf("--%s and --%s are mutually exclusive", a, b)
	}
	return nil
}

func printBudget(w io.Writer, b billing.Budget) {
	fmt.Fprintf(w, "Tenant:  %s\n", b.TenantID)
	fmt.Fprintf(w, "Access:  %t\n", b.AccessAllowed)
	if len(b.AllowedRoles) > 0 {
		fmt.Fprintf(w, "Roles:   %s\n", strings.Join(b.AllowedRoles, ", "))
	}
	fmt.Fprintf(w, "Period:  %s\n", b.LastResetPeriod)
	fmt.Fprintf(w, "USD:     %s\n", usage(b, pricing.USD))
	fmt.Fprintf(w, "Points:  %s\n", usage(b, pricing.Points))
}

// usage renders spend against limit, e.g. "1.250000 / 5.00".
func usage(b billing.Budget, c pricing.Currency) string {
	spend := b.Spend(c)
	limit, ok := b.Limit(c)
	if !ok {
		return fmt.Sprintf("%.6f / unlimited", spend)
	}
	return fmt.Sprintf("%.6f / %.2f", spend, limit)
}
