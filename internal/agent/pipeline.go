// Package agent wires the decision engine, model router and answer verifier
// into one reply pipeline, and runs it against the message bus.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"replybot/internal/decision"
	"replybot/internal/domain"
	"replybot/internal/metrics"
	"replybot/internal/router"
	"replybot/internal/verify"
)

const (
	defaultQuickReplyTokens = 512
	defaultDeepReasonTokens = 2048
)

var (
	// ErrDeferred is returned by Reply when the message went to the deferred path.
	ErrDeferred = errors.New("message deferred")
	// ErrNoReply is returned by Reply when the decision was not to respond.
	ErrNoReply = errors.New("decided not to respond")
	// ErrEmptyGeneration is returned by Handle when the decision was to
	// respond but the final text is blank.
	ErrEmptyGeneration = errors.New("empty generation")
)

// Generator produces a draft answer. *router.Router satisfies it.
type Generator interface {
	GenerateWithMeta(ctx context.Context, req domain.GenerationRequest) (router.Generation, error)
}

// Improver post-processes a draft. *verify.Verifier satisfies it.
type Improver interface {
	Verify(ctx context.Context, userPrompt, draft string, history []domain.Message) verify.Outcome
}

// OverrideSource supplies per-guild decision overrides. *state.Store satisfies it.
type OverrideSource interface {
	FetchGuildDecisionOverrides(ctx context.Context, guildID string) (decision.Overrides, error)
}

// Deferrer takes over messages too large for an inline reply.
type Deferrer interface {
	Defer(ctx context.Context, msg domain.InboundMessage, res decision.Result) error
}

// LogDeferrer records the deferral and does nothing else.
type LogDeferrer struct {
	Logger *slog.Logger
}

func (d LogDeferrer) Defer(_ context.Context, msg domain.InboundMessage, res decision.Result) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("message deferred",
		"channel", msg.Channel, "chat", msg.ChatID, "sender", msg.SenderID,
		"tokens", decision.EstimateTokens(msg.Message.Content), "score", res.Score)
	return nil
}

// Budgets sizes the generation request for each responding strategy.
type Budgets struct {
	QuickReplyTokens int
	DeepReasonTokens int
	SystemPrompt     string
	DeepReasonPrompt string // appended to SystemPrompt for deep-reason replies
}

// Turn is one message together with what is known about where it landed.
type Turn struct {
	Message domain.InboundMessage
	Context domain.ConversationContext
	History []domain.Message
}

// Outcome describes what the pipeline did with a turn.
type Outcome struct {
	TraceID      string
	Decision     decision.Result
	Reply        string
	Provider     string
	Model        string
	Verification *verify.Outcome
	Deferred     bool
}

// Responded reports whether the decision was to answer inline. A failed or
// blank generation still counts; Handle reports those as errors.
func (o Outcome) Responded() bool {
	return o.Decision.ShouldRespond && !o.Deferred
}

// PipelineConfig holds the collaborators and tuning of a Pipeline.
type PipelineConfig struct {
	Decision  decision.Config
	Budgets   Budgets
	Generator Generator
	Improver  Improver       // optional
	Overrides OverrideSource // optional
	Deferrer  Deferrer       // optional, defaults to LogDeferrer
	Limiter   *RateLimiter   // optional
	Sink      metrics.Sink
	Logger    *slog.Logger
}

// Pipeline runs decide, generate, verify for a single turn. It is safe for
// concurrent use; all per-message state lives on the stack.
type Pipeline struct {
	decision  decision.Config
	budgets   Budgets
	gen       Generator
	improver  Improver
	overrides OverrideSource
	deferrer  Deferrer
	limiter   *RateLimiter
	sink      metrics.Sink
	logger    *slog.Logger
}

// NewPipeline validates the configuration and builds a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("pipeline: generator is required")
	}
	if err := cfg.Decision.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.Budgets.QuickReplyTokens <= 0 {
		cfg.Budgets.QuickReplyTokens = defaultQuickReplyTokens
	}
	if cfg.Budgets.DeepReasonTokens <= 0 {
		cfg.Budgets.DeepReasonTokens = defaultDeepReasonTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.NopSink{}
	}
	if cfg.Deferrer == nil {
		cfg.Deferrer = LogDeferrer{Logger: cfg.Logger}
	}
	return &Pipeline{
		decision:  cfg.Decision,
		budgets:   cfg.Budgets,
		gen:       cfg.Generator,
		improver:  cfg.Improver,
		overrides: cfg.Overrides,
		deferrer:  cfg.Deferrer,
		limiter:   cfg.Limiter,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
	}, nil
}

// Decide merges the guild overrides into the defaults and runs the decision
// engine. An unreadable override row falls back to the defaults.
func (p *Pipeline) Decide(ctx context.Context, msg domain.InboundMessage, cc domain.ConversationContext) decision.Result {
	cfg := p.decision
	if p.overrides != nil && msg.GuildID != "" {
		ov, err := p.overrides.FetchGuildDecisionOverrides(ctx, msg.GuildID)
		if err != nil {
			p.logger.Warn("guild overrides unavailable, using defaults", "guild", msg.GuildID, "err", err)
		} else {
			cfg = cfg.Merge(ov)
			if cc.GuildOverrides == nil {
				cc.GuildOverrides = ov.ContextOverrides()
			}
		}
	}
	return decision.Analyze(msg.Message, cc, cfg)
}

// Handle runs one turn through the pipeline. Generation failures are
// returned; verification never fails the turn.
func (p *Pipeline) Handle(ctx context.Context, turn Turn) (Outcome, error) {
	out := Outcome{TraceID: uuid.NewString()}
	logger := p.logger.With("trace", out.TraceID, "channel", turn.Message.Channel, "chat", turn.Message.ChatID)

	res := p.Decide(ctx, turn.Message, turn.Context)
	out.Decision = res
	p.sink.Inc(metrics.DecisionsTotal, metrics.Labels("strategy", string(res.Strategy)))
	logger.Debug("decision", "respond", res.ShouldRespond, "strategy", res.Strategy,
		"reason", strings.Join(res.Reason, ","), "score", res.Score)

	switch res.Strategy {
	case decision.StrategyIgnore:
		return out, nil
	case decision.StrategyDefer:
		if err := p.deferrer.Defer(ctx, turn.Message, res); err != nil {
			return out, fmt.Errorf("defer %s: %w", turn.Message.MessageID, err)
		}
		p.sink.Inc(metrics.DeferredTotal, "")
		out.Deferred = true
		return out, nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, limiterKey(turn.Message)); err != nil {
			return out, fmt.Errorf("rate limit: %w", err)
		}
	}

	req := p.buildRequest(turn, res.Strategy)
	gen, err := p.gen.GenerateWithMeta(ctx, req)
	if err != nil {
		return out, fmt.Errorf("generate: %w", err)
	}
	out.Provider, out.Model = gen.Provider, gen.Model
	out.Reply = gen.Text

	if p.improver != nil {
		v := p.improver.Verify(ctx, req.Prompt, gen.Text, req.History)
		out.Verification = &v
		out.Reply = v.Text
	}

	if strings.TrimSpace(out.Reply) == "" {
		p.sink.Inc(metrics.EmptyGenerations, metrics.Labels("provider", out.Provider))
		return out, fmt.Errorf("%w from %s", ErrEmptyGeneration, out.Provider)
	}

	logger.Info("reply ready", "strategy", res.Strategy, "provider", out.Provider, "reply_len", len(out.Reply))
	return out, nil
}

// Reply is Handle for direct callers that only want text.
func (p *Pipeline) Reply(ctx context.Context, turn Turn) (string, error) {
	out, err := p.Handle(ctx, turn)
	switch {
	case err != nil:
		return "", err
	case out.Deferred:
		return "", ErrDeferred
	case !out.Responded():
		return "", fmt.Errorf("%w: %s", ErrNoReply, strings.Join(out.Decision.Reason, ","))
	}
	return out.Reply, nil
}

func (p *Pipeline) buildRequest(turn Turn, strategy decision.Strategy) domain.GenerationRequest {
	req := domain.GenerationRequest{
		Prompt:       turn.Message.Message.Content,
		History:      turn.History,
		SystemPrompt: p.budgets.SystemPrompt,
		MaxTokens:    p.budgets.QuickReplyTokens,
		UserID:       turn.Message.SenderID,
		GuildID:      turn.Message.GuildID,
	}
	if strategy == decision.StrategyDeepReason {
		req.MaxTokens = p.budgets.DeepReasonTokens
		if extra := p.budgets.DeepReasonPrompt; extra != "" {
			if req.SystemPrompt != "" {
				req.SystemPrompt += "\n\n"
			}
			req.SystemPrompt += extra
		}
	}
	return req
}

// limiterKey buckets generations per guild, or per chat outside guilds.
func limiterKey(msg domain.InboundMessage) string {
	if msg.GuildID != "" {
		return "guild:" + msg.GuildID
	}
	return msg.Channel + ":" + msg.ChatID
}
