package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cabinet-labs/cabinet/pkg/channel"
	"github.com/cabinet-labs/cabinet/pkg/recall"
	"github.com/cabinet-labs/cabinet/pkg/roster"
)

const helpText = `The cabinet understands:
/help — this message
/agents — who is in the office
/status — status report from the coordinator
/ask <role> <text> — ask a specialist directly
/broadcast <text> — put a question to every specialist
/history <role> [n] — recent messages with a role
/recall <query> — search past conversations
/reset [role] — start fresh (one role, or everyone)

Anything else goes to the office and is routed by topic.`

// channelHandler adapts a chat channel to the office. Replies go back
// through the same channel; errors are reported in-room by the channel
// itself.
func (d *Daemon) channelHandler(ch channel.Channel) channel.MessageHandler {
	return func(ctx context.Context, msg channel.Message) error {
		reply, err := d.ProcessMessage(ctx, msg.SenderID, msg.Content)
		if err != nil {
			d.events.Publish(EventError, "", err.Error())
			return err
		}
		if reply == "" {
			return nil
		}
		return ch.Send(ctx, channel.Response{Content: reply, RoomID: msg.RoomID})
	}
}

// ProcessMessage handles one inbound chat message: slash commands, or
// auto-routed asks for plain text. Every front end shares this surface,
// so the Matrix bot and the CLI REPL behave the same. Each sender gets
// their own session, so conversations do not bleed between users.
func (d *Daemon) ProcessMessage(ctx context.Context, sessionID, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", nil
	}
	if strings.HasPrefix(content, "/") {
		return d.handleCommand(ctx, sessionID, content)
	}

	reply, role, err := d.orch.AskAuto(ctx, sessionID, content)
	if err != nil {
		return "", err
	}
	d.events.Publish(EventChat, role, truncate(reply, 120))
	if role != d.roster.Coordinator().Key {
		reply = fmt.Sprintf("[%s] %s", role, reply)
	}
	return reply, nil
}

func (d *Daemon) handleCommand(ctx context.Context, sessionID, content string) (string, error) {
	cmd, args, _ := strings.Cut(content, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/help":
		return helpText, nil

	case "/agents":
		return d.formatRoles(), nil

	case "/status":
		return d.orch.StatusReport(ctx, sessionID)

	case "/ask":
		role, text, _ := strings.Cut(args, " ")
		text = strings.TrimSpace(text)
		if role == "" || text == "" {
			return "Usage: /ask <role> <text>", nil
		}
		reply, err := d.orch.AskSpecialist(ctx, sessionID, role, text)
		var unknown *roster.UnknownRoleError
		if errors.As(err, &unknown) {
			return fmt.Sprintf("%s. Try /agents.", unknown.Error()), nil
		}
		if err != nil {
			return "", err
		}
		d.events.Publish(EventChat, role, truncate(reply, 120))
		return fmt.Sprintf("[%s] %s", role, reply), nil

	case "/broadcast":
		if args == "" {
			return "Usage: /broadcast <text>", nil
		}
		replies := d.orch.Broadcast(ctx, sessionID, args)
		if len(replies) == 0 {
			return "Nobody to broadcast to.", nil
		}
		var b strings.Builder
		for _, r := range replies {
			if r.Err != nil {
				fmt.Fprintf(&b, "[%s] (error: %v)\n\n", r.Role, r.Err)
				continue
			}
			fmt.Fprintf(&b, "[%s] %s\n\n", r.Role, r.Reply)
		}
		return strings.TrimSpace(b.String()), nil

	case "/history":
		role, rest, _ := strings.Cut(args, " ")
		if role == "" {
			return "Usage: /history <role> [n]", nil
		}
		limit := 10
		if rest = strings.TrimSpace(rest); rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil || n <= 0 {
				return "Usage: /history <role> [n]", nil
			}
			limit = n
		}
		msgs, err := d.orch.History(ctx, sessionID, role, limit)
		var unknown *roster.UnknownRoleError
		if errors.As(err, &unknown) {
			return fmt.Sprintf("%s. Try /agents.", unknown.Error()), nil
		}
		if err != nil {
			return "", err
		}
		if len(msgs) == 0 {
			return fmt.Sprintf("No recorded messages with %s yet.", role), nil
		}
		var b strings.Builder
		for _, m := range msgs {
			fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.Sender, m.Text)
		}
		return strings.TrimSpace(b.String()), nil

	case "/recall":
		if args == "" {
			return "Usage: /recall <query>", nil
		}
		return d.recallCommand(ctx, args)

	case "/reset":
		if args == "" {
			n := d.orch.ResetAll(ctx, sessionID)
			return fmt.Sprintf("Reset %d conversation(s). The office starts fresh.", n), nil
		}
		err := d.orch.Reset(ctx, sessionID, args)
		var unknown *roster.UnknownRoleError
		if errors.As(err, &unknown) {
			return fmt.Sprintf("%s. Try /agents.", unknown.Error()), nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Conversation with %s reset.", args), nil

	default:
		return "Unknown command. Try /help.", nil
	}
}

func (d *Daemon) formatRoles() string {
	var b strings.Builder
	b.WriteString("The office:\n")
	for _, a := range d.orch.Roles() {
		marker := ""
		if a.Coordinator {
			marker = " (coordinator)"
		}
		fmt.Fprintf(&b, "• %s — %s%s", a.Key, a.Name, marker)
		if a.Description != "" {
			fmt.Fprintf(&b, ": %s", a.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func (d *Daemon) recallCommand(ctx context.Context, query string) (string, error) {
	rs, tei, ok := d.recallReady()
	if !ok {
		return "Recall is not available yet.", nil
	}
	snippets, err := recall.HybridSearch(ctx, query, rs, tei, 5)
	if err != nil {
		return "", fmt.Errorf("recall search: %w", err)
	}
	if len(snippets) == 0 {
		return "Nothing relevant on file.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recall for %q:\n", query)
	for i, s := range snippets {
		fmt.Fprintf(&b, "%d. [%s, %s] %s\n", i+1, s.Role, s.CreatedAt.Format("2006-01-02"), truncate(s.Text, 200))
	}
	return strings.TrimSpace(b.String()), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
