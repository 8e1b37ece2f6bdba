package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/bwmarrin/discordgo"

	"replybot/internal/domain"
)

const (
	discordMaxMsgLen = 2000
)

var discordChannelMention = regexp.MustCompile(`<#(\d+)>`)

// Discord implements domain.Channel for Discord.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string // restrict to one guild; empty listens everywhere
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and blocks until ctx is done.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	bus.OnOutbound(d.Name(), d.Send)

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
			return
		}
		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}

		// Thread ownership comes from the state cache; a miss just means
		// the message is not treated as a personal thread.
		ch, _ := s.State.Channel(m.ChannelID)
		msg := discordInbound(m.Message, s.State.User.ID, ch)

		d.logger.Debug("discord message received",
			"author", m.Author.Username, "channel_id", m.ChannelID,
			"dm", msg.IsDM, "mentioned", msg.MentionedBot, "content_len", len(m.Content))

		if err := bus.Publish(ctx, msg); err != nil {
			d.logger.Warn("discord publish failed", "err", err)
		}
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// Stop is a no-op; the session closes when Start's context is cancelled.
func (d *Discord) Stop() error {
	return nil
}

// Send posts a reply, split into chunks that fit the message limit. The
// first chunk is threaded under msg.ReplyTo when set.
func (d *Discord) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if d.session == nil {
		return errors.New("discord: not connected")
	}
	if msg.Content == "" {
		return nil
	}
	for i, chunk := range splitMessage(msg.Content, discordMaxMsgLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if i == 0 && msg.ReplyTo != "" {
			_, err = d.session.ChannelMessageSendReply(msg.ChatID, chunk, &discordgo.MessageReference{
				MessageID: msg.ReplyTo,
				ChannelID: msg.ChatID,
			}, discordgo.WithContext(ctx))
		} else {
			_, err = d.session.ChannelMessageSend(msg.ChatID, chunk, discordgo.WithContext(ctx))
		}
		if err != nil {
			return fmt.Errorf("discord send to %s: %w", msg.ChatID, err)
		}
	}
	return nil
}

// discordInbound translates a Discord message into the platform-neutral form.
// ch may be nil when the channel is not cached.
func discordInbound(m *discordgo.Message, botID string, ch *discordgo.Channel) domain.InboundMessage {
	mentions := domain.Mentions{
		Roles:    append([]string(nil), m.MentionRoles...),
		Everyone: m.MentionEveryone,
	}
	mentionedBot := false
	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		mentions.Users = append(mentions.Users, u.ID)
		if u.ID == botID {
			mentionedBot = true
		}
	}
	for _, match := range discordChannelMention.FindAllStringSubmatch(m.Content, -1) {
		mentions.Channels = append(mentions.Channels, match[1])
	}

	repliedToBot := m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == botID

	personal := false
	if ch != nil && ch.IsThread() && m.Author != nil {
		personal = ch.OwnerID == m.Author.ID
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var sender string
	if m.Author != nil {
		sender = m.Author.ID
	}

	return domain.InboundMessage{
		Channel:   "discord",
		GuildID:   m.GuildID,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		SenderID:  sender,
		Message: domain.IncomingMessage{
			Content:       m.Content,
			HasAttachment: len(m.Attachments) > 0,
			Mentions:      mentions,
		},
		IsDM:             m.GuildID == "",
		IsPersonalThread: personal,
		MentionedBot:     mentionedBot,
		RepliedToBot:     repliedToBot,
		Timestamp:        ts,
	}
}
