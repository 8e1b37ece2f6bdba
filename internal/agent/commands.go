package agent

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"replybot/internal/domain"
)

// ChatCommand is a "/name arg..." message addressed to the bot itself.
type ChatCommand struct {
	Name string
	Args []string
}

var (
	startTime = time.Now()
	version   = "0.1.0"
)

// SetVersion sets the version reported by /version and /status.
func SetVersion(v string) { version = v }

// ParseCommand returns nil unless text starts with "/". A Telegram style
// "/cmd@botname" suffix is dropped.
func ParseCommand(text string) *ChatCommand {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return nil
	}
	name, _, _ := strings.Cut(strings.ToLower(fields[0][1:]), "@")
	if name == "" {
		return nil
	}
	return &ChatCommand{Name: name, Args: fields[1:]}
}

type chatCommand struct {
	name string
	help string
	run  func(l *Loop, ctx context.Context, msg domain.InboundMessage) string
}

// chatCommands is ordered as /help lists it.
var chatCommands []chatCommand

func init() {
	chatCommands = []chatCommand{
		{"help", "Show this help message", func(*Loop, context.Context, domain.InboundMessage) string { return helpText() }},
		{"optout", "Stop me from replying to you", func(l *Loop, ctx context.Context, msg domain.InboundMessage) string {
			return l.setOptIn(ctx, msg.SenderID, false)
		}},
		{"optin", "Allow me to reply to you again", func(l *Loop, ctx context.Context, msg domain.InboundMessage) string {
			return l.setOptIn(ctx, msg.SenderID, true)
		}},
		{"status", "Show bot status", func(l *Loop, _ context.Context, _ domain.InboundMessage) string { return l.statusText() }},
		{"uptime", "Show bot uptime", func(*Loop, context.Context, domain.InboundMessage) string {
			return "Uptime: " + time.Since(startTime).Round(time.Second).String()
		}},
		{"version", "Show version info", func(*Loop, context.Context, domain.InboundMessage) string {
			return fmt.Sprintf("replybot v%s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		}},
	}
}

// HandleCommand runs a known command and returns its reply. ok is false for
// unknown commands, which then go through the pipeline like any message.
// Opt-in commands work for opted-out users.
func (l *Loop) HandleCommand(ctx context.Context, cmd *ChatCommand, msg domain.InboundMessage) (reply string, ok bool) {
	for _, c := range chatCommands {
		if c.name == cmd.Name {
			return c.run(l, ctx, msg), true
		}
	}
	return "", false
}

func (l *Loop) setOptIn(ctx context.Context, senderID string, optedIn bool) string {
	if err := l.state.SetOptIn(ctx, senderID, optedIn); err != nil {
		l.logger.Error("saving opt-in failed", "sender", senderID, "optedIn", optedIn, "err", err)
		return "Sorry, I could not save that. Please try again later."
	}
	if optedIn {
		return "Welcome back. I may reply to your messages again."
	}
	return "Done. I will no longer reply to your messages. Send /optin to undo."
}

func helpText() string {
	var sb strings.Builder
	sb.WriteString("**replybot commands**\n")
	for _, c := range chatCommands {
		fmt.Fprintf(&sb, "\n/%s - %s", c.name, c.help)
	}
	return sb.String()
}

func (l *Loop) statusText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**replybot v%s**\n\n", version)
	if len(l.providers) > 0 {
		fmt.Fprintf(&sb, "Providers: %s\n", strings.Join(l.providers, ", "))
	}
	fmt.Fprintf(&sb, "Uptime: %s\n", time.Since(startTime).Round(time.Second))
	fmt.Fprintf(&sb, "Runtime: %s/%s, Go %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	return sb.String()
}
