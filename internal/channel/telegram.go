package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"replybot/internal/domain"
	"replybot/internal/retry"
)

const telegramMaxMsgLen = 4000

// telegramSendPolicy backs off between send attempts of one chunk.
var telegramSendPolicy = retry.Policy{
	Retries:  3,
	MinDelay: time.Second,
	MaxDelay: 10 * time.Second,
	Factor:   3,
}

// Telegram implements domain.Channel for Telegram Bot.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)
	parseMode string

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound(t.Name(), t.Send)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: StopReceivingUpdates already runs when Start's context
// is cancelled, and calling it twice panics.
func (t *Telegram) Stop() error {
	return nil
}

// Send delivers a reply, split into chunks. The first chunk replies to
// msg.ReplyTo when it is a valid message ID.
func (t *Telegram) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if t.bot == nil {
		return errors.New("telegram: not connected")
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", msg.ChatID, err)
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)

	for i, chunk := range splitMessage(msg.Content, telegramMaxMsgLen) {
		if i > 0 {
			replyTo = 0
		}
		if err := t.sendChunk(ctx, chatID, replyTo, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}

	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
		return
	}

	if m.IsCommand() && m.Command() == "start" {
		t.reply(ctx, m.Chat.ID, "Hello! Mention me or message me directly and I will reply when I can help.\n\nSend /help for commands.")
		return
	}

	msg := telegramInbound(m, t.bot.Self)
	if strings.TrimSpace(msg.Message.Content) == "" && !msg.Message.HasAttachment {
		return
	}

	t.logger.Debug("telegram message received",
		"user_id", m.From.ID, "chat_id", m.Chat.ID,
		"dm", msg.IsDM, "mentioned", msg.MentionedBot, "text_len", len(msg.Message.Content))

	if err := t.bus.Publish(ctx, msg); err != nil {
		t.logger.Warn("telegram publish failed", "err", err)
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) reply(ctx context.Context, chatID int64, text string) {
	if err := t.sendChunk(ctx, chatID, 0, text); err != nil {
		t.logger.Error("telegram send failed", "chat_id", chatID, "err", err)
	}
}

// sendChunk sends one chunk with backoff. Markdown goes first; a parse
// error falls back to plain text on the following attempts.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, replyTo int, text string) error {
	parseMode := t.parseMode
	_, err := retry.Do(ctx, telegramSendPolicy, func(ctx context.Context) (tgbotapi.Message, error) {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = parseMode
		msg.ReplyToMessageID = replyTo
		msg.AllowSendingWithoutReply = true
		sent, err := t.bot.Send(msg)
		if err != nil && parseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
			parseMode = ""
		}
		return sent, err
	}, retry.WithObserver(func(err error, attempt int, next time.Duration) {
		t.logger.Warn("telegram send error, retrying", "chat_id", chatID, "attempt", attempt, "backoff", next, "err", err)
	}))
	if err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	return nil
}

// telegramInbound translates a Telegram message into the platform-neutral
// form. Group chats stand in for guilds.
func telegramInbound(m *tgbotapi.Message, self tgbotapi.User) domain.InboundMessage {
	text, entities := m.Text, m.Entities
	if text == "" {
		text, entities = m.Caption, m.CaptionEntities
	}

	var mentions domain.Mentions
	mentionedBot := false
	for _, e := range entities {
		switch e.Type {
		case "mention":
			name := entityText(text, e)
			mentions.Users = append(mentions.Users, strings.ToLower(name))
			if self.UserName != "" && strings.EqualFold(name, "@"+self.UserName) {
				mentionedBot = true
			}
		case "text_mention":
			if e.User == nil {
				continue
			}
			mentions.Users = append(mentions.Users, strconv.FormatInt(e.User.ID, 10))
			if e.User.ID == self.ID {
				mentionedBot = true
			}
		}
	}

	repliedToBot := m.ReplyToMessage != nil &&
		m.ReplyToMessage.From != nil &&
		m.ReplyToMessage.From.ID == self.ID

	isDM := m.Chat.IsPrivate()
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	var guildID string
	if !isDM {
		guildID = chatID
	}

	return domain.InboundMessage{
		Channel:   "telegram",
		GuildID:   guildID,
		ChatID:    chatID,
		MessageID: strconv.Itoa(m.MessageID),
		SenderID:  strconv.FormatInt(m.From.ID, 10),
		Message: domain.IncomingMessage{
			Content:       text,
			HasAttachment: hasAttachment(m),
			Mentions:      mentions,
		},
		IsDM:         isDM,
		MentionedBot: mentionedBot,
		RepliedToBot: repliedToBot,
		Timestamp:    m.Time(),
	}
}

// entityText slices an entity out of text. Telegram offsets count UTF-16
// code units.
func entityText(text string, e tgbotapi.MessageEntity) string {
	units := utf16.Encode([]rune(text))
	if e.Offset < 0 || e.Length < 0 || e.Offset+e.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
}

func hasAttachment(m *tgbotapi.Message) bool {
	return len(m.Photo) > 0 || m.Document != nil || m.Audio != nil ||
		m.Video != nil || m.Voice != nil || m.VideoNote != nil || m.Sticker != nil
}
