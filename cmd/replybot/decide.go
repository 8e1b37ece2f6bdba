package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"replybot/internal/agent"
	"replybot/internal/decision"
	"replybot/internal/domain"
)

// turnFlags describe a message and its context on the command line.
type turnFlags struct {
	guild        string
	dm           bool
	mention      bool
	reply        bool
	thread       bool
	everyone     bool
	optedOut     bool
	users        []string
	roles        []string
	channels     []string
	burst        int
	lastReplyAgo time.Duration
}

func (f *turnFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.guild, "guild", "", "guild ID whose overrides apply")
	fl.BoolVar(&f.dm, "dm", false, "message is a direct message")
	fl.BoolVar(&f.mention, "mention", false, "message mentions the bot")
	fl.BoolVar(&f.reply, "reply", false, "message replies to the bot")
	fl.BoolVar(&f.thread, "thread", false, "message is in the sender's personal thread")
	fl.BoolVar(&f.everyone, "everyone", false, "message mentions everyone")
	fl.BoolVar(&f.optedOut, "opted-out", false, "sender has opted out")
	fl.StringSliceVar(&f.users, "users", nil, "mentioned user IDs")
	fl.StringSliceVar(&f.roles, "roles", nil, "mentioned role IDs")
	fl.StringSliceVar(&f.channels, "channels", nil, "mentioned channel IDs")
	fl.IntVar(&f.burst, "burst", 0, "messages from the sender in the burst window")
	fl.DurationVar(&f.lastReplyAgo, "last-reply-ago", 0, "time since the bot last replied in the channel (0 = never)")
}

func (f *turnFlags) turn(content string) agent.Turn {
	now := time.Now()
	msg := domain.InboundMessage{
		Channel:  "cli",
		GuildID:  f.guild,
		ChatID:   "cli",
		SenderID: "cli",
		Message: domain.IncomingMessage{
			Content: content,
			Mentions: domain.Mentions{
				Users:    f.users,
				Roles:    f.roles,
				Channels: f.channels,
				Everyone: f.everyone,
			},
		},
		IsDM:             f.dm,
		IsPersonalThread: f.thread,
		MentionedBot:     f.mention,
		RepliedToBot:     f.reply,
		Timestamp:        now,
	}
	cc := domain.ConversationContext{
		OptedIn:              !f.optedOut,
		IsDM:                 f.dm,
		IsPersonalThread:     f.thread,
		MentionedBot:         f.mention,
		RepliedToBot:         f.reply,
		RecentUserBurstCount: f.burst,
		Now:                  now,
	}
	if f.lastReplyAgo > 0 {
		last := now.Add(-f.lastReplyAgo)
		cc.LastBotReplyAt = &last
	}
	return agent.Turn{Message: msg, Context: cc}
}

func decideCmd() *cobra.Command {
	var f turnFlags
	cmd := &cobra.Command{
		Use:   "decide [message]",
		Short: "Show the reply decision for a message without generating anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			turn := f.turn(strings.Join(args, " "))

			engineCfg := cfg.Decision.Engine()
			if f.guild != "" {
				store, err := openStore(cfg)
				if err != nil {
					return err
				}
				defer store.Close()
				ov, err := store.FetchGuildDecisionOverrides(context.Background(), f.guild)
				if err != nil {
					return err
				}
				engineCfg = engineCfg.Merge(ov)
				turn.Context.GuildOverrides = ov.ContextOverrides()
			}

			res := decision.Analyze(turn.Message.Message, turn.Context, engineCfg)
			return printJSON(struct {
				decision.Result
				Tokens int `json:"estimatedTokens"`
			}{res, decision.EstimateTokens(turn.Message.Message.Content)})
		},
	}
	f.register(cmd)
	return cmd
}

func askCmd() *cobra.Command {
	var f turnFlags
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Run a message through the full pipeline and print the reply",
		Long:  "Runs decide, generate and verify for one message. Without flags the message is treated as a direct message.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("dm") {
				f.dm = true
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.pipeline.Handle(ctx, f.turn(strings.Join(args, " ")))
			if err != nil {
				return err
			}
			switch {
			case out.Deferred:
				fmt.Printf("(deferred: %s)\n", strings.Join(out.Decision.Reason, ", "))
			case !out.Responded():
				fmt.Printf("(no reply: %s)\n", strings.Join(out.Decision.Reason, ", "))
			default:
				fmt.Println(out.Reply)
				logger.Info("reply", "trace", out.TraceID, "strategy", out.Decision.Strategy,
					"provider", out.Provider, "model", out.Model)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
