// Package router maps a generation request to one configured provider and
// executes it through the retry executor.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"replybot/internal/domain"
	"replybot/internal/metrics"
	"replybot/internal/retry"
)

// ErrUnknownProvider is returned when a configured provider name has no backend.
var ErrUnknownProvider = errors.New("unknown provider")

// Config drives provider selection and retry.
type Config struct {
	DefaultProvider  string
	LongContextChars int
	Retry            retry.Policy
}

// Generation is generated text attributed to the backend that produced it.
type Generation struct {
	Text     string
	Provider string
	Model    string
}

// Option customizes a Router.
type Option func(*Router)

// WithRetryOptions passes options through to every retry.Do call.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(r *Router) { r.retryOpts = append(r.retryOpts, opts...) }
}

// Router selects a provider with a fixed heuristic and runs generations.
// It holds no per-request state and is safe for concurrent use.
type Router struct {
	providers map[string]domain.Provider
	cards     []domain.ProviderCard // default first, then by name
	cfg       Config
	sink      metrics.Sink
	logger    *slog.Logger
	retryOpts []retry.Option
}

// New validates the wiring and returns a router. Every card must name a
// registered provider and the default provider must have a card.
func New(providers map[string]domain.Provider, cards []domain.ProviderCard, cfg Config, sink metrics.Sink, logger *slog.Logger, opts ...Option) (*Router, error) {
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}

	ordered := make([]domain.ProviderCard, 0, len(cards))
	var haveDefault bool
	for _, c := range cards {
		if _, ok := providers[c.Provider]; !ok {
			return nil, fmt.Errorf("router: card %q: %w", c.Provider, ErrUnknownProvider)
		}
		if c.Provider == cfg.DefaultProvider {
			haveDefault = true
		}
		ordered = append(ordered, c)
	}
	if !haveDefault {
		return nil, fmt.Errorf("router: default provider %q: %w", cfg.DefaultProvider, ErrUnknownProvider)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := ordered[i].Provider == cfg.DefaultProvider, ordered[j].Provider == cfg.DefaultProvider
		if di != dj {
			return di
		}
		return ordered[i].Provider < ordered[j].Provider
	})

	r := &Router{
		providers: providers,
		cards:     ordered,
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Cards returns the routing cards, default provider first.
func (r *Router) Cards() []domain.ProviderCard {
	return append([]domain.ProviderCard(nil), r.cards...)
}

// Provider returns the backend registered under name.
func (r *Router) Provider(name string) (domain.Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

var codePatterns = []*regexp.Regexp{
	regexp.MustCompile("```"),
	regexp.MustCompile(`(?m)^Traceback \(most recent call last\)`),
	regexp.MustCompile(`(?m)^panic: `),
	regexp.MustCompile(`goroutine \d+ \[`),
	regexp.MustCompile(`\b\w+(Error|Exception)\b`),
	regexp.MustCompile(`(?i)\bstack ?trace\b`),
	regexp.MustCompile(`(?m)^\s+at [\w$.<>]+\(.*\)`),
	regexp.MustCompile(`(?i)\b(segmentation fault|null pointer|syntax error|compile error|undefined reference)\b`),
}

// LooksLikeCode reports whether text contains fenced code or stack-trace vocabulary.
func LooksLikeCode(text string) bool {
	for _, p := range codePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// PickProvider chooses a card without touching the network. Code-like text
// prefers a code-capable card, long history prefers a long-context card,
// and everything else goes to the default.
func (r *Router) PickProvider(prompt string, history []domain.Message) domain.ProviderCard {
	historyChars := 0
	for _, m := range history {
		historyChars += len([]rune(m.Content))
	}

	if LooksLikeCode(prompt) || historyLooksLikeCode(history) {
		if c, ok := r.firstWith(domain.CapabilityCode); ok {
			return c
		}
	}
	if historyChars > r.cfg.LongContextChars {
		if c, ok := r.firstWith(domain.CapabilityLongContext); ok {
			return c
		}
	}
	return r.cards[0]
}

func historyLooksLikeCode(history []domain.Message) bool {
	for _, m := range history {
		if LooksLikeCode(m.Content) {
			return true
		}
	}
	return false
}

func (r *Router) firstWith(capability domain.Capability) (domain.ProviderCard, bool) {
	for _, c := range r.cards {
		if c.Has(capability) {
			return c, true
		}
	}
	return domain.ProviderCard{}, false
}

// Generate returns only the generated text.
func (r *Router) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	g, err := r.GenerateWithMeta(ctx, req)
	if err != nil {
		return "", err
	}
	return g.Text, nil
}

// GenerateWithMeta picks a provider and runs the request through the retry
// executor. On exhaustion the last provider error is returned as is; no
// other provider is tried.
func (r *Router) GenerateWithMeta(ctx context.Context, req domain.GenerationRequest) (Generation, error) {
	card := r.PickProvider(req.Prompt, req.History)
	p := r.providers[card.Provider]
	chat := buildChatRequest(card, req)
	labels := metrics.Labels("provider", card.Provider)

	observe := retry.WithObserver(func(err error, attempt int, next time.Duration) {
		r.sink.Inc(metrics.GenerationRetriesTotal, labels)
		r.logger.Warn("generation failed, will retry",
			"provider", card.Provider, "attempt", attempt, "next_delay", next,
			"user", req.UserID, "guild", req.GuildID, "err", err)
	})
	opts := append([]retry.Option{observe}, r.retryOpts...)

	start := time.Now()
	resp, err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) (*domain.ChatResponse, error) {
		return p.Chat(ctx, chat)
	}, opts...)
	r.sink.Observe(metrics.GenerationLatency, labels, time.Since(start).Seconds())
	if err != nil {
		r.sink.Inc(metrics.GenerationFailuresTotal, labels)
		return Generation{}, err
	}

	r.sink.Inc(metrics.GenerationsTotal, labels)
	r.logger.Debug("generation complete",
		"provider", card.Provider, "model", card.Model,
		"tokens", resp.Usage.TotalTokens, "latency_ms", resp.LatencyMs)
	return Generation{Text: resp.Content, Provider: card.Provider, Model: card.Model}, nil
}

func buildChatRequest(card domain.ProviderCard, req domain.GenerationRequest) domain.ChatRequest {
	msgs := make([]domain.Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, domain.Message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, domain.Message{Role: "user", Content: req.Prompt})
	return domain.ChatRequest{
		Messages:  msgs,
		Model:     card.Model,
		MaxTokens: req.MaxTokens,
	}
}
