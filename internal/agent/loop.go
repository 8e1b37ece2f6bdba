package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"replybot/internal/domain"
)

const (
	defaultHistoryLimit = 20
	defaultConcurrency  = 3
)

// StateStore is the externally owned state the loop reads and records.
// *state.Store satisfies it.
type StateStore interface {
	OptedIn(ctx context.Context, userID string) (bool, error)
	SetOptIn(ctx context.Context, userID string, optedIn bool) error
	LastBotReply(ctx context.Context, channelID string) (*time.Time, error)
	RecordBotReply(ctx context.Context, channelID string, at time.Time) error
	RecordUserMessage(ctx context.Context, channelID, userID string, at time.Time) error
	BurstCount(ctx context.Context, channelID, userID string, now time.Time) (int, error)
	AppendHistory(ctx context.Context, channelID string, msg domain.Message, at time.Time) error
	History(ctx context.Context, channelID string, limit int) ([]domain.Message, error)
}

// Loop consumes inbound messages from the bus and answers the ones the
// pipeline decides to respond to.
type Loop struct {
	pipeline     *Pipeline
	state        StateStore
	bus          domain.MessageBus
	logger       *slog.Logger
	concurrency  int
	historyLimit int
	providers    []string
	now          func() time.Time
	wg           sync.WaitGroup
}

// LoopConfig holds all dependencies and tuning parameters for the loop.
type LoopConfig struct {
	Pipeline     *Pipeline
	State        StateStore
	Bus          domain.MessageBus
	Logger       *slog.Logger
	Concurrency  int // max parallel messages (default 3)
	HistoryLimit int
	Providers    []string // shown by /status
}

// NewLoop creates a new loop with the given configuration.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		pipeline:     cfg.Pipeline,
		state:        cfg.State,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		concurrency:  cfg.Concurrency,
		historyLimit: cfg.HistoryLimit,
		providers:    cfg.Providers,
		now:          time.Now,
	}
}

// Run consumes inbound messages with bounded concurrency until ctx is done
// or the bus closes. In-flight messages finish before Run returns.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("reply loop started", "concurrency", l.concurrency)
	defer l.wg.Wait()

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("reply loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, reply loop stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			l.wg.Add(1)
			go func(m domain.InboundMessage) {
				defer l.wg.Done()
				defer func() { <-sem }()
				l.processMessage(ctx, m)
			}(msg)
		}
	}
}

// processMessage handles a single inbound message and sends any reply back
// through the bus. Failures are logged; nothing is posted on error.
func (l *Loop) processMessage(ctx context.Context, msg domain.InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = l.now()
	}
	logger := l.logger.With("channel", msg.Channel, "chat", msg.ChatID, "sender", msg.SenderID)

	if cmd := ParseCommand(msg.Message.Content); cmd != nil {
		if reply, ok := l.HandleCommand(ctx, cmd, msg); ok {
			l.send(ctx, msg, reply)
			return
		}
	}

	turn := l.buildTurn(ctx, msg)

	out, err := l.pipeline.Handle(ctx, turn)
	if err != nil {
		logger.Error("message processing failed", "err", err)
		return
	}
	if !out.Responded() {
		return
	}

	if !l.send(ctx, msg, out.Reply) {
		return
	}
	key := channelKey(msg)
	if err := l.state.RecordBotReply(ctx, key, l.now()); err != nil {
		logger.Warn("failed to record bot reply", "err", err)
	}
	if err := l.state.AppendHistory(ctx, key, domain.Message{Role: "assistant", Content: out.Reply}, l.now()); err != nil {
		logger.Warn("failed to save assistant message", "err", err)
	}
}

// buildTurn reads the conversation context from the state store. The burst
// count is taken before this message is recorded, so it counts prior
// messages only. Read failures degrade to the most conservative value.
func (l *Loop) buildTurn(ctx context.Context, msg domain.InboundMessage) Turn {
	key := channelKey(msg)
	logger := l.logger.With("channel", msg.Channel, "chat", msg.ChatID)

	cc := domain.ConversationContext{
		IsDM:             msg.IsDM,
		IsPersonalThread: msg.IsPersonalThread,
		MentionedBot:     msg.MentionedBot,
		RepliedToBot:     msg.RepliedToBot,
		Now:              msg.Timestamp,
	}

	optedIn, err := l.state.OptedIn(ctx, msg.SenderID)
	if err != nil {
		logger.Warn("opt-in lookup failed, treating as opted out", "err", err)
	}
	cc.OptedIn = optedIn && err == nil

	if last, err := l.state.LastBotReply(ctx, key); err != nil {
		logger.Warn("last bot reply lookup failed", "err", err)
	} else {
		cc.LastBotReplyAt = last
	}

	if n, err := l.state.BurstCount(ctx, key, msg.SenderID, msg.Timestamp); err != nil {
		logger.Warn("burst count failed", "err", err)
	} else {
		cc.RecentUserBurstCount = n
	}
	if err := l.state.RecordUserMessage(ctx, key, msg.SenderID, msg.Timestamp); err != nil {
		logger.Warn("failed to record user message", "err", err)
	}

	turn := Turn{Message: msg, Context: cc}
	if !cc.OptedIn {
		return turn
	}

	history, err := l.state.History(ctx, key, l.historyLimit)
	if err != nil {
		logger.Warn("failed to load history, continuing without it", "err", err)
	}
	turn.History = history

	if err := l.state.AppendHistory(ctx, key, domain.Message{Role: "user", Content: msg.Message.Content}, msg.Timestamp); err != nil {
		logger.Warn("failed to save user message", "err", err)
	}
	return turn
}

func (l *Loop) send(ctx context.Context, msg domain.InboundMessage, content string) bool {
	err := l.bus.SendOutbound(ctx, domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		ReplyTo: msg.MessageID,
		Content: content,
	})
	if err != nil {
		l.logger.Error("failed to deliver reply", "channel", msg.Channel, "chat", msg.ChatID, "err", err)
		return false
	}
	return true
}

func channelKey(msg domain.InboundMessage) string {
	return msg.Channel + ":" + msg.ChatID
}
