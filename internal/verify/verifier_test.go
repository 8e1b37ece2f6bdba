package verify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"replybot/internal/domain"
	"replybot/internal/metrics"
	"replybot/internal/router"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGen answers candidate requests with candA/candB (alternating) and judge
// requests with judge.
type fakeGen struct {
	mu         sync.Mutex
	candidates []string
	judge      string
	candErr    error
	judgeErr   error
	block      bool // block every call until ctx is done
	calls      []domain.GenerationRequest
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
}

func (f *fakeGen) GenerateWithMeta(ctx context.Context, req domain.GenerationRequest) (router.Generation, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxFlight.Load()
		if n <= m || f.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	idx := len(f.calls)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return router.Generation{}, ctx.Err()
	}

	if req.SystemPrompt == judgeSystemPrompt {
		if f.judgeErr != nil {
			return router.Generation{}, f.judgeErr
		}
		return router.Generation{Text: f.judge, Provider: "judge"}, nil
	}
	if f.candErr != nil {
		return router.Generation{}, f.candErr
	}
	// Give the sibling candidate a chance to start so concurrency is observable.
	time.Sleep(10 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	text := f.candidates[(idx-1)%len(f.candidates)]
	return router.Generation{Text: text, Provider: "p" + text}, nil
}

func (f *fakeGen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRefiner struct {
	out   string
	err   error
	calls int
}

func (r *fakeRefiner) Refine(_ context.Context, _, draft string, _ []domain.Message) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	if r.out == "" {
		return draft + " (refined)", nil
	}
	return r.out, nil
}

func enabled() Config {
	return Config{Enabled: true, CrossModel: true, MaxReruns: 1, Timeout: time.Second}
}

// --- Phase 0 ---

func TestVerify_DisabledMakesNoCalls(t *testing.T) {
	gen := &fakeGen{}
	ref := &fakeRefiner{}
	v := New(Config{Enabled: false, CrossModel: true, MaxReruns: 1}, ref, gen, nil, quietLogger())

	got := v.VerifyAndImprove(context.Background(), "q", "draft", nil)

	assert.Equal(t, "draft", got)
	assert.Zero(t, ref.calls)
	assert.Zero(t, gen.callCount())
}

// --- Phase 1 ---

func TestVerify_RefinementAdopted(t *testing.T) {
	v := New(Config{Enabled: true}, &fakeRefiner{}, nil, nil, quietLogger())
	out := v.Verify(context.Background(), "q", "draft", nil)

	assert.Equal(t, "draft (refined)", out.Text)
	assert.Equal(t, SourceRefined, out.Source)
	assert.Nil(t, out.Verdict)
}

func TestVerify_RefinerFailureKeepsDraft(t *testing.T) {
	sink := metrics.NewCollector()
	v := New(Config{Enabled: true}, &fakeRefiner{err: errors.New("boom")}, nil, sink, quietLogger())

	assert.Equal(t, "draft", v.VerifyAndImprove(context.Background(), "q", "draft", nil))
	assert.EqualValues(t, 1, sink.Counter(metrics.VerifierRefineFailures, "", "").Value())
}

type panicRefiner struct{}

func (panicRefiner) Refine(context.Context, string, string, []domain.Message) (string, error) {
	panic("refiner exploded")
}

func TestVerify_RefinerPanicKeepsDraft(t *testing.T) {
	v := New(Config{Enabled: true}, panicRefiner{}, nil, nil, quietLogger())
	assert.Equal(t, "draft", v.VerifyAndImprove(context.Background(), "q", "draft", nil))
}

func TestVerify_NoGeneratorSkipsCrossModel(t *testing.T) {
	v := New(enabled(), NopRefiner{}, nil, nil, quietLogger())
	out := v.Verify(context.Background(), "q", "draft", nil)
	assert.Equal(t, "draft", out.Text)
	assert.Nil(t, out.Verdict)
}

// --- Phase 2 ---

// labelledAnswer returns the candidate text the judge saw under label.
func labelledAnswer(t *testing.T, judgePrompt, label string) string {
	t.Helper()
	_, rest, ok := strings.Cut(judgePrompt, "Answer "+label+":\n")
	require.True(t, ok, "judge prompt has no answer %s", label)
	text, _, _ := strings.Cut(rest, "\n\n")
	return text
}

func TestVerify_LowAgreementReplacesWithNamedCandidate(t *testing.T) {
	for _, tc := range []struct {
		better string
		source string
	}{
		{"A", SourceCandidateA},
		{"B", SourceCandidateB},
	} {
		t.Run(tc.better, func(t *testing.T) {
			gen := &fakeGen{
				candidates: []string{"alpha", "beta"},
				judge:      `{"agreement":0.3,"critical_differences":["dates"],"better_answer":"` + tc.better + `"}`,
			}
			v := New(enabled(), NopRefiner{}, gen, nil, quietLogger())

			out := v.Verify(context.Background(), "q", "draft", nil)

			require.NotNil(t, out.Verdict)
			require.Equal(t, 3, gen.callCount())
			want := labelledAnswer(t, gen.calls[2].Prompt, tc.better)
			assert.Equal(t, tc.source, out.Source)
			assert.Equal(t, want, out.Text)
			assert.Equal(t, "p"+want, out.Provider)
		})
	}
}

// fixedReconciler hands back a canned cross-model result.
type fixedReconciler struct {
	rec reconciliation
}

func (f fixedReconciler) reconcile(context.Context, string, string) (reconciliation, error) {
	return f.rec, nil
}

func TestVerify_ReplacementTakesTheNamedSide(t *testing.T) {
	a := router.Generation{Text: "answer from a", Provider: "pa"}
	b := router.Generation{Text: "answer from b", Provider: "pb"}
	for _, tc := range []struct {
		better     string
		wantText   string
		wantSource string
		wantProv   string
	}{
		{BetterA, a.Text, SourceCandidateA, "pa"},
		{BetterB, b.Text, SourceCandidateB, "pb"},
	} {
		t.Run(tc.better, func(t *testing.T) {
			v := New(enabled(), NopRefiner{}, nil, nil, quietLogger())
			v.rec = fixedReconciler{rec: reconciliation{A: a, B: b, Verdict: Verdict{Agreement: 0.2, Better: tc.better}}}

			out := v.Verify(context.Background(), "q", "draft", nil)

			assert.Equal(t, tc.wantText, out.Text)
			assert.Equal(t, tc.wantSource, out.Source)
			assert.Equal(t, tc.wantProv, out.Provider)
		})
	}
}

func TestVerify_CandidatesUseEmptyHistoryAndRunConcurrently(t *testing.T) {
	gen := &fakeGen{candidates: []string{"a", "b"}, judge: `{"agreement":0.9,"better_answer":"tie"}`}
	v := New(enabled(), NopRefiner{}, gen, nil, quietLogger())

	history := []domain.Message{{Role: "user", Content: "earlier"}}
	v.Verify(context.Background(), "q", "draft", history)

	for _, c := range gen.calls {
		assert.Empty(t, c.History)
	}
	assert.EqualValues(t, 2, gen.maxFlight.Load())
	// judge goes last
	assert.Equal(t, judgeSystemPrompt, gen.calls[2].SystemPrompt)
	assert.Contains(t, gen.calls[2].Prompt, "Current answer:\ndraft")
}

func TestVerify_HighAgreementKeepsCurrent(t *testing.T) {
	gen := &fakeGen{candidates: []string{"a", "b"}, judge: `{"agreement":0.6,"better_answer":"A"}`}
	v := New(enabled(), &fakeRefiner{out: "refined"}, gen, nil, quietLogger())

	out := v.Verify(context.Background(), "q", "draft", nil)
	assert.Equal(t, "refined", out.Text)
	assert.Equal(t, SourceRefined, out.Source)
}

func TestVerify_TieKeepsCurrent(t *testing.T) {
	gen := &fakeGen{candidates: []string{"a", "b"}, judge: `{"agreement":0.1,"better_answer":"tie"}`}
	v := New(enabled(), NopRefiner{}, gen, nil, quietLogger())
	assert.Equal(t, "draft", v.VerifyAndImprove(context.Background(), "q", "draft", nil))
}

func TestVerify_ZeroRerunsNeverReplaces(t *testing.T) {
	gen := &fakeGen{candidates: []string{"a", "b"}, judge: `{"agreement":0.0,"better_answer":"A"}`}
	cfg := enabled()
	cfg.MaxReruns = 0
	v := New(cfg, NopRefiner{}, gen, nil, quietLogger())

	out := v.Verify(context.Background(), "q", "draft", nil)
	assert.Equal(t, "draft", out.Text)
	assert.Nil(t, out.Verdict)
	assert.Zero(t, gen.callCount(), "no candidates or judge when nothing may be replaced")
}

func TestVerify_BlankCandidateNotAdopted(t *testing.T) {
	gen := &fakeGen{candidates: []string{"   "}, judge: `{"agreement":0.2,"better_answer":"A"}`}
	v := New(enabled(), NopRefiner{}, gen, nil, quietLogger())
	assert.Equal(t, "draft", v.VerifyAndImprove(context.Background(), "q", "draft", nil))
}

func TestVerify_MalformedVerdictIsNeutral(t *testing.T) {
	sink := metrics.NewCollector()
	gen := &fakeGen{candidates: []string{"a", "b"}, judge: "I think B is better, honestly."}
	v := New(enabled(), NopRefiner{}, gen, sink, quietLogger())

	out := v.Verify(context.Background(), "q", "draft", nil)

	assert.Equal(t, "draft", out.Text)
	assert.True(t, out.Malformed)
	require.NotNil(t, out.Verdict)
	assert.Equal(t, NeutralVerdict(), *out.Verdict)
	assert.EqualValues(t, 1, sink.Counter(metrics.VerifierMalformed, "", "").Value())
}

func TestVerify_CandidateFailureKeepsPhaseOneResult(t *testing.T) {
	gen := &fakeGen{candErr: errors.New("down")}
	v := New(enabled(), &fakeRefiner{out: "refined"}, gen, nil, quietLogger())

	out := v.Verify(context.Background(), "q", "draft", nil)
	assert.Equal(t, "refined", out.Text)
	assert.Nil(t, out.Verdict)
}

func TestVerify_JudgeFailureKeepsPhaseOneResult(t *testing.T) {
	gen := &fakeGen{candidates: []string{"a", "b"}, judgeErr: errors.New("judge down")}
	v := New(enabled(), NopRefiner{}, gen, nil, quietLogger())
	assert.Equal(t, "draft", v.VerifyAndImprove(context.Background(), "q", "draft", nil))
}

func TestVerify_TimeoutFallsBackToPhaseOne(t *testing.T) {
	sink := metrics.NewCollector()
	gen := &fakeGen{block: true}
	cfg := enabled()
	cfg.Timeout = 30 * time.Millisecond
	v := New(cfg, &fakeRefiner{out: "refined"}, gen, sink, quietLogger())

	start := time.Now()
	out := v.Verify(context.Background(), "q", "draft", nil)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "refined", out.Text)
	assert.True(t, out.TimedOut)
	assert.EqualValues(t, 1, sink.Counter(metrics.VerifierTimeouts, "", "").Value())
}

func TestVerify_ParentCancelKeepsCurrent(t *testing.T) {
	gen := &fakeGen{block: true}
	cfg := enabled()
	cfg.Timeout = 0
	v := New(cfg, NopRefiner{}, gen, nil, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, "draft", v.VerifyAndImprove(ctx, "q", "draft", nil))
}

func TestVerify_ConcurrentCalls(t *testing.T) {
	gen := &fakeGen{candidates: []string{"a", "b"}, judge: `{"agreement":0.95,"better_answer":"tie"}`}
	v := New(enabled(), NopRefiner{}, gen, nil, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := v.VerifyAndImprove(context.Background(), "q", "draft", nil)
			assert.Equal(t, "draft", got)
		}()
	}
	wg.Wait()
	assert.Equal(t, 24, gen.callCount())
}

// --- RouterRefiner ---

func TestRouterRefiner_PassesHistoryAndDraft(t *testing.T) {
	gen := &fakeGen{candidates: []string{"better"}}
	r := RouterRefiner{Gen: gen, MaxTokens: 99}

	got, err := r.Refine(context.Background(), "what is go?", "a language", []domain.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "better", got)

	require.Len(t, gen.calls, 1)
	req := gen.calls[0]
	assert.Len(t, req.History, 1)
	assert.Equal(t, 99, req.MaxTokens)
	assert.True(t, strings.Contains(req.Prompt, "a language"))
}
