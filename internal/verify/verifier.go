// Package verify improves a generated draft before delivery: a local
// self-critique pass, then an optional cross-model agreement check.
//
// Verification is an enhancement. Nothing in this package returns an error
// to the caller; every failure degrades to the best text computed so far.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"replybot/internal/domain"
	"replybot/internal/metrics"
	"replybot/internal/router"
)

// agreementFloor is the agreement below which a candidate may replace the answer.
const agreementFloor = 0.6

// Config for the verifier. MaxReruns only gates replacement eligibility;
// reconciliation runs at most once per call.
type Config struct {
	Enabled         bool
	CrossModel      bool
	MaxReruns       int
	Timeout         time.Duration // hard deadline for the cross-model phase; 0 disables it
	CandidateTokens int
}

// Where the final text came from.
const (
	SourceDraft      = "draft"
	SourceRefined    = "refined"
	SourceCandidateA = "candidate-a"
	SourceCandidateB = "candidate-b"
)

// Outcome is the verifier result with the evidence that produced it.
type Outcome struct {
	Text      string
	Source    string
	Verdict   *Verdict // nil when the cross-model phase did not complete
	Malformed bool     // judge output was unreadable and counted as neutral
	TimedOut  bool
	Provider  string // provider of the replacing candidate, if any
}

// reconciliation is what a completed cross-model phase hands back.
type reconciliation struct {
	A, B      router.Generation
	Verdict   Verdict
	Malformed bool
}

type reconciler interface {
	reconcile(ctx context.Context, userPrompt, current string) (reconciliation, error)
}

// noReconcile is wired when cross-model checking is off.
type noReconcile struct{}

func (noReconcile) reconcile(context.Context, string, string) (reconciliation, error) {
	return reconciliation{}, errSkipped
}

var (
	errSkipped       = errors.New("cross-model phase not configured")
	errPhaseDeadline = errors.New("cross-model phase deadline exceeded")
)

// Verifier runs the verification phases. It keeps no per-call state.
type Verifier struct {
	cfg     Config
	refiner Refiner
	rec     reconciler
	sink    metrics.Sink
	logger  *slog.Logger
}

// New wires a verifier. The cross-model phase is enabled only when
// cfg.CrossModel is set, cfg.MaxReruns allows a replacement and gen is
// non-nil.
func New(cfg Config, refiner Refiner, gen Generator, sink metrics.Sink, logger *slog.Logger) *Verifier {
	if refiner == nil {
		refiner = NopRefiner{}
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	var rec reconciler = noReconcile{}
	if cfg.CrossModel && cfg.MaxReruns > 0 && gen != nil {
		rec = crossModel{gen: gen, candidateTokens: cfg.CandidateTokens}
	}
	return &Verifier{cfg: cfg, refiner: refiner, rec: rec, sink: sink, logger: logger}
}

// VerifyAndImprove returns the final text. It never fails; on any internal
// problem it returns the best text computed so far, the draft at worst.
func (v *Verifier) VerifyAndImprove(ctx context.Context, userPrompt, draft string, history []domain.Message) string {
	return v.Verify(ctx, userPrompt, draft, history).Text
}

// Verify is VerifyAndImprove with the outcome details attached.
func (v *Verifier) Verify(ctx context.Context, userPrompt, draft string, history []domain.Message) Outcome {
	out := Outcome{Text: draft, Source: SourceDraft}
	if !v.cfg.Enabled {
		return out
	}

	refined, err := v.refine(ctx, userPrompt, draft, history)
	switch {
	case err != nil:
		v.sink.Inc(metrics.VerifierRefineFailures, "")
		v.logger.Warn("self-critique failed, keeping draft", "err", err)
	case strings.TrimSpace(refined) == "":
		v.sink.Inc(metrics.VerifierRefineFailures, "")
		v.logger.Warn("self-critique returned empty text, keeping draft")
	default:
		out.Text = refined
		out.Source = SourceRefined
	}

	rec, err := v.reconcileWithDeadline(ctx, userPrompt, out.Text)
	switch {
	case errors.Is(err, errSkipped):
		return out
	case errors.Is(err, errPhaseDeadline):
		out.TimedOut = true
		v.sink.Inc(metrics.VerifierTimeouts, "")
		v.logger.Warn("cross-model check timed out, keeping current answer", "timeout", v.cfg.Timeout)
		return out
	case err != nil:
		v.sink.Inc(metrics.VerifierCrossFailures, "")
		v.logger.Warn("cross-model check failed, keeping current answer", "err", err)
		return out
	}

	verdict := rec.Verdict
	out.Verdict = &verdict
	out.Malformed = rec.Malformed
	if rec.Malformed {
		v.sink.Inc(metrics.VerifierMalformed, "")
	}

	if verdict.Agreement >= agreementFloor || v.cfg.MaxReruns <= 0 {
		return out
	}

	var cand router.Generation
	var source string
	switch verdict.Better {
	case BetterA:
		cand, source = rec.A, SourceCandidateA
	case BetterB:
		cand, source = rec.B, SourceCandidateB
	default:
		return out
	}
	if strings.TrimSpace(cand.Text) == "" {
		return out
	}

	v.sink.Inc(metrics.VerifierReplacements, metrics.Labels("provider", cand.Provider))
	v.logger.Info("answer replaced by cross-model candidate",
		"candidate", source, "provider", cand.Provider, "agreement", verdict.Agreement,
		"differences", len(verdict.CriticalDifferences))
	out.Text = cand.Text
	out.Source = source
	out.Provider = cand.Provider
	return out
}

// refine converts a refiner panic into an error so one bad collaborator
// cannot take the pipeline down.
func (v *Verifier) refine(ctx context.Context, userPrompt, draft string, history []domain.Message) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refiner panic: %v", r)
		}
	}()
	return v.refiner.Refine(ctx, userPrompt, draft, history)
}

type phaseResult struct {
	rec reconciliation
	err error
}

// reconcileWithDeadline races the cross-model phase against cfg.Timeout.
// The phase context is cancelled on return so in-flight calls unwind.
func (v *Verifier) reconcileWithDeadline(ctx context.Context, userPrompt, current string) (reconciliation, error) {
	if _, off := v.rec.(noReconcile); off {
		return reconciliation{}, errSkipped
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan phaseResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- phaseResult{err: fmt.Errorf("cross-model panic: %v", r)}
			}
		}()
		rec, err := v.rec.reconcile(pctx, userPrompt, current)
		done <- phaseResult{rec: rec, err: err}
	}()

	var deadline <-chan time.Time
	if v.cfg.Timeout > 0 {
		timer := time.NewTimer(v.cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case r := <-done:
		return r.rec, r.err
	case <-deadline:
		return reconciliation{}, errPhaseDeadline
	case <-ctx.Done():
		return reconciliation{}, ctx.Err()
	}
}

// crossModel samples two fresh candidates and asks a judge to compare them.
type crossModel struct {
	gen             Generator
	candidateTokens int
}

func (c crossModel) reconcile(ctx context.Context, userPrompt, current string) (reconciliation, error) {
	var a, b router.Generation

	// Candidates get no shared history so they are not biased the same way.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		a, err = c.gen.GenerateWithMeta(gctx, domain.GenerationRequest{Prompt: userPrompt, MaxTokens: c.candidateTokens})
		return err
	})
	g.Go(func() error {
		var err error
		b, err = c.gen.GenerateWithMeta(gctx, domain.GenerationRequest{Prompt: userPrompt, MaxTokens: c.candidateTokens})
		return err
	})
	if err := g.Wait(); err != nil {
		return reconciliation{}, fmt.Errorf("candidates: %w", err)
	}

	judged, err := c.gen.GenerateWithMeta(ctx, domain.GenerationRequest{
		Prompt:       judgePrompt(userPrompt, a.Text, b.Text, current),
		SystemPrompt: judgeSystemPrompt,
	})
	if err != nil {
		return reconciliation{}, fmt.Errorf("judge: %w", err)
	}

	rec := reconciliation{A: a, B: b}
	verdict, err := ParseVerdict(judged.Text)
	if err != nil {
		rec.Verdict = NeutralVerdict()
		rec.Malformed = true
		return rec, nil
	}
	rec.Verdict = verdict
	return rec, nil
}

const judgeSystemPrompt = "You compare answers to the same question. " +
	`Respond with JSON only: {"agreement": <number 0..1>, "critical_differences": [<string>...], "better_answer": "A"|"B"|"tie"}.`

func judgePrompt(userPrompt, a, b, current string) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(userPrompt)
	sb.WriteString("\n\nAnswer A:\n")
	sb.WriteString(a)
	sb.WriteString("\n\nAnswer B:\n")
	sb.WriteString(b)
	sb.WriteString("\n\nCurrent answer:\n")
	sb.WriteString(current)
	sb.WriteString("\n\nHow far do A and B agree on the facts that matter, and which is better?")
	return sb.String()
}
