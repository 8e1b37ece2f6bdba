package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybot/internal/decision"
	"replybot/internal/domain"
	"replybot/internal/router"
	"replybot/internal/verify"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGenerator records every request and answers with a fixed text.
type fakeGenerator struct {
	mu    sync.Mutex
	reqs  []domain.GenerationRequest
	reply string
	err   error
}

func (f *fakeGenerator) GenerateWithMeta(_ context.Context, req domain.GenerationRequest) (router.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return router.Generation{}, f.err
	}
	return router.Generation{Text: f.reply, Provider: "main", Model: "m1"}, nil
}

func (f *fakeGenerator) calls() []domain.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.GenerationRequest(nil), f.reqs...)
}

type upperImprover struct{}

func (upperImprover) Verify(_ context.Context, _, draft string, _ []domain.Message) verify.Outcome {
	return verify.Outcome{Text: strings.ToUpper(draft), Source: verify.SourceRefined}
}

type fakeOverrides struct {
	ov  decision.Overrides
	err error
}

func (f fakeOverrides) FetchGuildDecisionOverrides(context.Context, string) (decision.Overrides, error) {
	return f.ov, f.err
}

type recordingDeferrer struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
	err  error
}

func (d *recordingDeferrer) Defer(_ context.Context, msg domain.InboundMessage, _ decision.Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return d.err
}

// smallLimit gives tiers of 10 and 30 tokens (40 and 120 characters).
func testDecision() decision.Config {
	cfg := decision.DefaultConfig()
	cfg.DefaultModelTokenLimit = 40
	return cfg
}

func newTestPipeline(t *testing.T, cfg PipelineConfig) *Pipeline {
	t.Helper()
	if cfg.Decision == (decision.Config{}) {
		cfg.Decision = testDecision()
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	return p
}

func dmTurn(content string) Turn {
	now := time.Unix(1_700_000_000, 0)
	return Turn{
		Message: domain.InboundMessage{
			Channel:   "discord",
			ChatID:    "c1",
			MessageID: "m1",
			SenderID:  "u1",
			Message:   domain.IncomingMessage{Content: content},
			IsDM:      true,
		},
		Context: domain.ConversationContext{OptedIn: true, IsDM: true, Now: now},
	}
}

func TestNewPipeline_Validation(t *testing.T) {
	_, err := NewPipeline(PipelineConfig{Decision: testDecision()})
	assert.Error(t, err, "missing generator")

	bad := testDecision()
	bad.BurstThreshold = 0
	_, err = NewPipeline(PipelineConfig{Decision: bad, Generator: &fakeGenerator{}})
	assert.Error(t, err)
}

func TestHandle_IgnoreMakesNoGeneration(t *testing.T) {
	gen := &fakeGenerator{reply: "x"}
	p := newTestPipeline(t, PipelineConfig{Generator: gen})

	turn := dmTurn("hi")
	turn.Context.OptedIn = false
	out, err := p.Handle(context.Background(), turn)
	require.NoError(t, err)

	assert.False(t, out.Responded())
	assert.Equal(t, decision.StrategyIgnore, out.Decision.Strategy)
	assert.Equal(t, []string{decision.ReasonOptOut}, out.Decision.Reason)
	assert.Empty(t, gen.calls())
	assert.NotEmpty(t, out.TraceID)
}

func TestHandle_QuickReplyBudget(t *testing.T) {
	gen := &fakeGenerator{reply: "hello"}
	p := newTestPipeline(t, PipelineConfig{
		Generator: gen,
		Budgets:   Budgets{QuickReplyTokens: 100, DeepReasonTokens: 900, SystemPrompt: "be brief", DeepReasonPrompt: "think"},
	})

	out, err := p.Handle(context.Background(), dmTurn("hi there"))
	require.NoError(t, err)

	assert.Equal(t, "hello", out.Reply)
	assert.Equal(t, "main", out.Provider)
	assert.Equal(t, decision.StrategyQuickReply, out.Decision.Strategy)

	calls := gen.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 100, calls[0].MaxTokens)
	assert.Equal(t, "be brief", calls[0].SystemPrompt)
	assert.Equal(t, "u1", calls[0].UserID)
}

func TestHandle_DeepReasonBudget(t *testing.T) {
	gen := &fakeGenerator{reply: "long answer"}
	p := newTestPipeline(t, PipelineConfig{
		Generator: gen,
		Budgets:   Budgets{QuickReplyTokens: 100, DeepReasonTokens: 900, SystemPrompt: "be brief", DeepReasonPrompt: "think"},
	})

	out, err := p.Handle(context.Background(), dmTurn(strings.Repeat("a", 80)))
	require.NoError(t, err)
	assert.Equal(t, decision.StrategyDeepReason, out.Decision.Strategy)

	calls := gen.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 900, calls[0].MaxTokens)
	assert.Equal(t, "be brief\n\nthink", calls[0].SystemPrompt)
}

func TestHandle_DeferSkipsGeneration(t *testing.T) {
	gen := &fakeGenerator{reply: "x"}
	d := &recordingDeferrer{}
	p := newTestPipeline(t, PipelineConfig{Generator: gen, Deferrer: d})

	out, err := p.Handle(context.Background(), dmTurn(strings.Repeat("a", 200)))
	require.NoError(t, err)

	assert.True(t, out.Deferred)
	assert.False(t, out.Responded())
	assert.True(t, out.Decision.ShouldRespond)
	assert.Equal(t, decision.StrategyDefer, out.Decision.Strategy)
	assert.Empty(t, gen.calls())
	assert.Len(t, d.msgs, 1)

	_, err = p.Reply(context.Background(), dmTurn(strings.Repeat("a", 200)))
	assert.ErrorIs(t, err, ErrDeferred)
}

func TestHandle_DeferrerFailure(t *testing.T) {
	d := &recordingDeferrer{err: errors.New("queue down")}
	p := newTestPipeline(t, PipelineConfig{Generator: &fakeGenerator{}, Deferrer: d})

	_, err := p.Handle(context.Background(), dmTurn(strings.Repeat("a", 200)))
	assert.Error(t, err)
}

func TestHandle_GenerationErrorPropagates(t *testing.T) {
	boom := errors.New("provider down")
	p := newTestPipeline(t, PipelineConfig{Generator: &fakeGenerator{err: boom}})

	out, err := p.Handle(context.Background(), dmTurn("hi"))
	require.ErrorIs(t, err, boom)
	assert.Empty(t, out.Reply)
	assert.True(t, out.Decision.ShouldRespond)
}

func TestHandle_BlankReplyIsAnError(t *testing.T) {
	for _, reply := range []string{"", "  \n\t"} {
		gen := &fakeGenerator{reply: reply}
		p := newTestPipeline(t, PipelineConfig{Generator: gen})

		out, err := p.Handle(context.Background(), dmTurn("hi"))
		require.ErrorIs(t, err, ErrEmptyGeneration)
		assert.True(t, out.Responded(), "a blank reply must not read as a decision to stay quiet")
		assert.Len(t, gen.calls(), 1)

		_, err = p.Reply(context.Background(), dmTurn("hi"))
		assert.ErrorIs(t, err, ErrEmptyGeneration)
		assert.NotErrorIs(t, err, ErrNoReply)
	}
}

func TestHandle_ImproverReplacesDraft(t *testing.T) {
	p := newTestPipeline(t, PipelineConfig{Generator: &fakeGenerator{reply: "draft"}, Improver: upperImprover{}})

	out, err := p.Handle(context.Background(), dmTurn("hi"))
	require.NoError(t, err)
	assert.Equal(t, "DRAFT", out.Reply)
	require.NotNil(t, out.Verification)
	assert.Equal(t, verify.SourceRefined, out.Verification.Source)
}

func TestDecide_GuildOverridesApplied(t *testing.T) {
	threshold := 10.0
	burst := 1
	p := newTestPipeline(t, PipelineConfig{
		Generator: &fakeGenerator{},
		Overrides: fakeOverrides{ov: decision.Overrides{AmbientThreshold: &threshold, BurstThreshold: &burst}},
	})

	turn := dmTurn("hi")
	turn.Message.GuildID = "g1"

	res := p.Decide(context.Background(), turn.Message, turn.Context)
	assert.False(t, res.ShouldRespond)
	assert.Contains(t, res.Reason, decision.ReasonBelowThreshold)

	turn.Context.RecentUserBurstCount = 1
	res = p.Decide(context.Background(), turn.Message, turn.Context)
	assert.Equal(t, []string{decision.ReasonBurst}, res.Reason)
}

func TestDecide_OverrideFailureUsesDefaults(t *testing.T) {
	p := newTestPipeline(t, PipelineConfig{
		Generator: &fakeGenerator{},
		Overrides: fakeOverrides{err: errors.New("db locked")},
	})

	turn := dmTurn("hi")
	turn.Message.GuildID = "g1"
	res := p.Decide(context.Background(), turn.Message, turn.Context)
	assert.True(t, res.ShouldRespond)
}

func TestReply_NoReply(t *testing.T) {
	p := newTestPipeline(t, PipelineConfig{Generator: &fakeGenerator{reply: "x"}})

	turn := dmTurn("hi")
	turn.Context.IsDM = false
	turn.Message.IsDM = false
	_, err := p.Reply(context.Background(), turn)
	assert.ErrorIs(t, err, ErrNoReply)
}

func TestHandle_RateLimiterHonoursContext(t *testing.T) {
	rl := NewRateLimiter(1, 1.0)
	gen := &fakeGenerator{reply: "ok"}
	p := newTestPipeline(t, PipelineConfig{Generator: gen, Limiter: rl})

	_, err := p.Handle(context.Background(), dmTurn("hi"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Handle(ctx, dmTurn("hi"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, gen.calls(), 1)
}
