package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the office interactively",
		Long: "A line REPL over the same command surface the Matrix bot speaks:\n" +
			"slash commands plus keyword-routed plain text. /quit to leave.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := openOffice(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Chatting with the office. /help for commands, /quit to leave.")

			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					break
				}

				reply, err := d.ProcessMessage(ctx, session, line)
				if err != nil {
					fmt.Fprintf(out, "(error: %v)\n", err)
					continue
				}
				if reply != "" {
					fmt.Fprintln(out, reply)
				}
			}
			fmt.Fprintln(out, "Bye.")
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&session, "session", "cli", "session key for conversation continuity")
	return cmd
}
