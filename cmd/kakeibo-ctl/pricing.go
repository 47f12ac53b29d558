package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kakeibo/common/environment"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
)

func newPricingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Rate card and pricing override commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <provider> <model>",
		Short: "Show the rate used for a provider and model",
		Args:  cobra.ExactArgs(2),
		RunE:  runPricingGetCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "overrides",
		Short: "List the persisted pricing overrides",
		Args:  cobra.NoArgs,
		RunE:  runPricingOverridesCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "load <file.yaml>",
		Short: "Persist pricing overrides from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  runPricingLoadCmd,
	})

	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the pricing feed and persist it as overrides",
		Args:  cobra.NoArgs,
		RunE:  runPricingRefreshCmd,
	}
	refresh.Flags().String("url", environment.StringOr("KAKEIBO_PRICING_FEED_URL", pricing.DefaultFeedURL), "pricing feed URL")
	cmd.AddCommand(refresh)

	return cmd
}

func runPricingGetCmd(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	_, table, err := openLedger(cmd, st)
	if err != nil {
		return err
	}
	rate := table.Get(args[0], args[1])
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), rate)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: input %g, output %g per 1M tokens (%s)\n",
		pricing.Key(args[0], args[1]), rate.Input, rate.Output, rate.Currency)
	return nil
}

func runPricingOverridesCmd(cmd *cobra.Command, _ []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	rates, err := st.PricingOverrides(cmd.Context())
	if err != nil {
		return err
	}
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), rates)
	}
	if len(rates) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pricing overrides.")
		return nil
	}

	keys := make([]string, 0, len(rates))
	for k := range rates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tINPUT\tOUTPUT\tCURRENCY")
	for _, k := range keys {
		r := rates[k]
		fmt.Fprintf(tw, "%s\t%g\t%g\t%s\n", k, r.Input, r.Output, r.Currency)
	}
	return tw.Flush()
}

func runPricingLoadCmd(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	rates, err := pricing.ParseOverrides(data)
	if err != nil {
		return err
	}

	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SavePricingOverrides(cmd.Context(), rates); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d pricing overrides\n", len(rates))
	return nil
}

func runPricingRefreshCmd(cmd *cobra.Command, _ []string) error {
	url, _ := cmd.Flags().GetString("url")
	feed, err := pricing.NewFeed(url, logger(cmd))
	if err != nil {
		return err
	}

	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	table := pricing.NewTable(pricing.DefaultCard())
	n, err := pricing.NewRefresher(table, feed, st, 0, logger(cmd)).Refresh(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %d rates from %s\n", n, url)
	return nil
}
