package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/chat"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/store"
)

func newPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Personal system prompt commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <user>",
		Short: "Print a user's personal system prompt",
		Args:  cobra.ExactArgs(1),
		RunE:  runPromptShowCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <user> <prompt>",
		Short: "Set a user's personal system prompt",
		Args:  cobra.ExactArgs(2),
		RunE:  runPromptSetCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <user>",
		Short: "Remove a user's personal system prompt",
		Args:  cobra.ExactArgs(1),
		RunE:  runPromptClearCmd,
	})

	return cmd
}

type promptView struct {
	UserID string `json:"user_id"`
	Prompt string `json:"prompt,omitempty"`
}

// Prompts are stored in the clear, so no master key is needed.
func promptStore(st *store.Store) *chat.Conversations {
	return chat.NewConversations(st, nil, store.ErrNotFound)
}

func runPromptShowCmd(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	prompt, ok, err := promptStore(st).SystemPrompt(cmd.Context(), conversation.UserScope(args[0]))
	if err != nil {
		return err
	}
	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), promptView{UserID: args[0], Prompt: prompt})
	}
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s uses the default system prompt.\n", args[0])
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), prompt)
	return nil
}

func runPromptSetCmd(cmd *cobra.Command, args []string) error {
	if args[1] == "" {
		return fmt.Errorf("prompt must not be empty (use 'prompt clear' to remove it)")
	}
	return writePrompt(cmd, args[0], args[1])
}

func runPromptClearCmd(cmd *cobra.Command, args []string) error {
	return writePrompt(cmd, args[0], "")
}

func writePrompt(cmd *cobra.Command, user, prompt string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := promptStore(st).SetSystemPrompt(cmd.Context(), conversation.UserScope(user), prompt); err != nil {
		return err
	}
	if prompt == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared the system prompt of %s\n", user)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Set the system prompt of %s\n", user)
	}
	return nil
}
