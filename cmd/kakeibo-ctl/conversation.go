package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/chat"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
)

func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversation",
		Short: "Stored conversation commands (requires KAKEIBO_MASTER_KEY)",
	}

	cmd.PersistentFlags().String("user", "", "owner of a direct-message conversation")
	cmd.PersistentFlags().String("channel", "", "channel owning the conversation")
	cmd.PersistentFlags().String("id", "", "conversation ID (defaults to the active one)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the conversations of a user or channel",
		Args:  cobra.NoArgs,
		RunE:  runConversationListCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print a conversation",
		Args:  cobra.NoArgs,
		RunE:  runConversationShowCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop a conversation's messages",
		Args:  cobra.NoArgs,
		RunE:  runConversationClearCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Delete a conversation",
		Args:  cobra.NoArgs,
		RunE:  runConversationDeleteCmd,
	})

	return cmd
}

// conversationRequest builds the request addressing the conversation named
// by the flags.
func conversationRequest(cmd *cobra.Command) (chat.Request, error) {
	user, _ := cmd.Flags().GetString("user")
	channel, _ := cmd.Flags().GetString("channel")
	id, _ := cmd.Flags().GetString("id")
	if (user == "") == (channel == "") {
		return chat.Request{}, errors.New("exactly one of --user or --channel is required")
	}
	return chat.Request{UserID: user, ChannelID: channel, ConversationID: id}, nil
}

func requestScope(req chat.Request) conversation.Scope {
	if req.ChannelID != "" {
		return conversation.ChannelScope(req.ChannelID)
	}
	return conversation.UserScope(req.UserID)
}

func runConversationListCmd(cmd *cobra.Command, _ []string) error {
	req, err := conversationRequest(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	svc, err := conversationService(cmd, st)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	scope := requestScope(req)
	ids, err := svc.Conversations.IDs(ctx, scope)
	if err != nil {
		return err
	}
	active, err := svc.Conversations.Active(ctx, scope)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conversations found.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tTITLE\tMESSAGES\tUPDATED")
	for _, id := range ids {
		marker := ""
		if id == active {
			marker = "*"
		}
		conv, ok, err := svc.Conversations.Load(ctx, scope, id)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(tw, "%s\t%s\t(unreadable)\t-\t-\n", marker, id)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", marker, id,
			conversation.Title(conv, id), conversation.MessageCount(conv),
			conv.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func runConversationShowCmd(cmd *cobra.Command, _ []string) error {
	req, err := conversationRequest(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	svc, err := conversationService(cmd, st)
	if err != nil {
		return err
	}

	conv, err := svc.History(cmd.Context(), req)
	if err != nil {
		return err
	}
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), conv)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s (%s)\n", conversation.Title(conv, conv.ID), conv.ID)
	if conv.Model != "" {
		fmt.Fprintf(w, "Model: %s\n", conv.Model)
	}
	for _, m := range conv.Messages {
		fmt.Fprintf(w, "\n[%s] %s\n%s\n", m.Timestamp.Format("2006-01-02 15:04:05"), m.Role, m.Content.PlainText())
	}
	return nil
}

func runConversationClearCmd(cmd *cobra.Command, _ []string) error {
	req, err := conversationRequest(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	svc, err := conversationService(cmd, st)
	if err != nil {
		return err
	}

	id, err := svc.Clear(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared conversation %s\n", id)
	return nil
}

func runConversationDeleteCmd(cmd *cobra.Command, _ []string) error {
	req, err := conversationRequest(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	svc, err := conversationService(cmd, st)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	scope := requestScope(req)
	id := req.ConversationID
	if id == "" {
		if id, err = svc.Conversations.Active(ctx, scope); err != nil {
			return err
		}
	}
	if err := svc.Delete(ctx, scope, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", id)
	return nil
}
