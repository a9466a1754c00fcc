package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cabinet-labs/cabinet/internal/daemon"
	"github.com/cabinet-labs/cabinet/pkg/recall"
)

func newAskCmd() *cobra.Command {
	var (
		role       string
		session    string
		background string
		auto       bool
		withRecall bool
	)

	cmd := &cobra.Command{
		Use:   "ask [text]",
		Short: "Ask the office a question",
		Long: "Ask the coordinator, a specific role (--role), or let keyword routing\n" +
			"pick the specialist (--auto). --context prepends background, --recall\n" +
			"prepends matching notes from past conversations.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			text := strings.Join(args, " ")
			if withRecall {
				if notes := recallNotes(ctx, cfg, text); notes != "" {
					background = strings.TrimSpace(notes + "\n" + background)
				}
			}
			if background != "" {
				text = fmt.Sprintf("Context: %s\n\nRequest: %s", background, text)
			}

			out := cmd.OutOrStdout()
			orch := d.Orchestrator()
			switch {
			case role != "":
				reply, err := orch.AskSpecialist(ctx, session, role, text)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, reply)
			case auto:
				reply, answered, err := orch.AskAuto(ctx, session, text)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "[%s] %s\n", answered, reply)
			default:
				reply, err := orch.Ask(ctx, session, text)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, reply)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "ask a specific role")
	cmd.Flags().BoolVar(&auto, "auto", false, "route by keywords instead of asking the coordinator")
	cmd.Flags().StringVar(&background, "context", "", "background to prepend to the request")
	cmd.Flags().BoolVar(&withRecall, "recall", false, "prepend matching notes from past conversations")
	cmd.Flags().StringVar(&session, "session", "cli", "session key for conversation continuity")
	return cmd
}

// recallNotes searches past conversations for context worth attaching.
// Recall being down just means no notes.
func recallNotes(ctx context.Context, cfg *daemon.Config, query string) string {
	if cfg.Recall.TEIURL == "" || cfg.Recall.PostgresURL == "" {
		slog.Warn("recall not configured, skipping --recall")
		return ""
	}
	tei := recall.NewTEIClient(cfg.Recall.TEIURL)
	rs, err := recall.NewStore(ctx, cfg.Recall.PostgresURL)
	if err != nil {
		slog.Warn("recall unavailable", "error", err)
		return ""
	}
	defer rs.Close()

	snippets, err := recall.HybridSearch(ctx, query, rs, tei, 3)
	if err != nil {
		slog.Warn("recall search failed", "error", err)
		return ""
	}
	if len(snippets) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Notes from past conversations:\n")
	for _, s := range snippets {
		fmt.Fprintf(&b, "- [%s] %s\n", s.CreatedAt.Format("2006-01-02"), s.Text)
	}
	return b.String()
}

func newBroadcastCmd() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "broadcast [text]",
		Short: "Put a question to every specialist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openOffice(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			out := cmd.OutOrStdout()
			for _, r := range d.Orchestrator().Broadcast(ctx, session, strings.Join(args, " ")) {
				if r.Err != nil {
					fmt.Fprintf(out, "[%s] (error: %v)\n\n", r.Role, r.Err)
					continue
				}
				fmt.Fprintf(out, "[%s] %s\n\n", r.Role, r.Reply)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "cli", "session key for conversation continuity")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Ask the coordinator for a status report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := openOffice(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			report, err := d.Orchestrator().StatusReport(ctx, session)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "cli", "session key for conversation continuity")
	return cmd
}

func newTaskCmd() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "task [project] [text]",
		Short: "File a task with the coordinator",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openOffice(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			reply, err := d.Orchestrator().CreateTask(ctx, session, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "cli", "session key for conversation continuity")
	return cmd
}
