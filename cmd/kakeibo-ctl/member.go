package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newMemberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Tenant membership commands",
	}

	add := &cobra.Command{
		Use:   "add <tenant> <user>",
		Short: "Add a user to a tenant, or update their roles",
		Args:  cobra.ExactArgs(2),
		RunE:  runMemberAddCmd,
	}
	add.Flags().StringSlice("roles", nil, "roles the user holds in the tenant")

	cmd.AddCommand(add)
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <tenant> <user>",
		Short: "Remove a user from a tenant",
		Args:  cobra.ExactArgs(2),
		RunE:  runMemberRemoveCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list <tenant>",
		Short: "List a tenant's members",
		Args:  cobra.ExactArgs(1),
		RunE:  runMemberListCmd,
	})

	return cmd
}

func runMemberAddCmd(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	roles, _ := cmd.Flags().GetStringSlice("roles")
	if err := st.AddMember(cmd.Context(), args[0], args[1], roles); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s\n", args[1], args[0])
	return nil
}

func runMemberRemoveCmd(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RemoveMember(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", args[1], args[0])
	return nil
}

func runMemberListCmd(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	members, err := st.Members(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), members)
	}
	if len(members) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No members found.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tROLES")
	for _, m := range members {
		fmt.Fprintf(tw, "%s\t%s\n", m.UserID, strings.Join(m.Roles, ","))
	}
	return tw.Flush()
}
