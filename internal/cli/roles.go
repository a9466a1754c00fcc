package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cabinet-labs/cabinet/pkg/roster"
)

func newRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the office roster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			assistants := make([]roster.Assistant, len(cfg.Assistants))
			for i, a := range cfg.Assistants {
				assistants[i] = a.Assistant
			}
			ros, err := roster.New(assistants)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, a := range ros.Roles() {
				marker := ""
				if a.Coordinator {
					marker = " (coordinator)"
				}
				fmt.Fprintf(out, "%-16s %s%s\n", a.Key, a.Name, marker)
				if a.Description != "" {
					fmt.Fprintf(out, "%-16s %s\n", "", a.Description)
				}
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var (
		limit   int
		session string
	)

	cmd := &cobra.Command{
		Use:   "history [role]",
		Short: "Show recent messages",
		Long: "Show recent persisted messages with one role, or across the whole\n" +
			"session when no role is given. Needs the Postgres store.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openOffice(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			role := ""
			if len(args) == 1 {
				role = args[0]
			}
			msgs, err := d.Orchestrator().History(ctx, session, role, limit)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recorded messages.")
				return nil
			}

			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s/%s: %s\n",
					m.CreatedAt.Format("2006-01-02 15:04"), m.Role, m.Sender, m.Text)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum messages to show")
	cmd.Flags().StringVar(&session, "session", "cli", "session key for conversation continuity")
	return cmd
}

func newResetCmd() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "reset [role]",
		Short: "Start conversations fresh",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openOffice(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				n := d.Orchestrator().ResetAll(ctx, session)
				fmt.Fprintf(out, "Reset %d conversation(s).\n", n)
				return nil
			}
			if err := d.Orchestrator().Reset(ctx, session, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Conversation with %s reset.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "cli", "session key for conversation continuity")
	return cmd
}
