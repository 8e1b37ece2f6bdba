package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"replybot/internal/agent"
	"replybot/internal/config"
	"replybot/internal/domain"
	"replybot/internal/metrics"
	"replybot/internal/provider"
	"replybot/internal/router"
	"replybot/internal/state"
	"replybot/internal/verify"
)

// app holds the components shared by gateway and ask.
type app struct {
	cfg       *config.Config
	store     *state.Store
	providers map[string]domain.Provider
	router    *router.Router
	pipeline  *agent.Pipeline
	collector *metrics.Collector
}

func openStore(cfg *config.Config) (*state.Store, error) {
	window := time.Duration(cfg.State.BurstWindowSeconds) * time.Second
	store, err := state.Open(cfg.State.DBPath, window, logger)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	return store, nil
}

// buildApp constructs providers, router, verifier and pipeline from cfg.
// Any configuration error stops startup.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, collector: metrics.NewCollector()}

	if cfg.State.OverridesFile != "" {
		guilds, err := state.LoadOverridesFile(cfg.State.OverridesFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		ids, err := store.ImportOverrides(ctx, guilds)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("guild overrides imported", "file", cfg.State.OverridesFile, "guilds", len(ids))
	}

	providers, cards, err := provider.NewFactory(cfg, logger).Build(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.providers = providers

	a.router, err = router.New(providers, cards, router.Config{
		DefaultProvider:  cfg.Router.DefaultProvider,
		LongContextChars: cfg.Router.LongContextChars,
		Retry:            cfg.Retry.Policy(),
	}, a.collector, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var refiner verify.Refiner = verify.NopRefiner{}
	if cfg.Verification.SelfCritique {
		refiner = verify.RouterRefiner{Gen: a.router, MaxTokens: cfg.Strategies.DeepReasonTokens}
	}
	verifier := verify.New(verify.Config{
		Enabled:         cfg.Verification.Enabled,
		CrossModel:      cfg.Verification.CrossModel,
		MaxReruns:       cfg.Verification.MaxReruns,
		Timeout:         time.Duration(cfg.Verification.TimeoutMs) * time.Millisecond,
		CandidateTokens: cfg.Strategies.DeepReasonTokens,
	}, refiner, a.router, a.collector, logger)

	a.pipeline, err = agent.NewPipeline(agent.PipelineConfig{
		Decision: cfg.Decision.Engine(),
		Budgets: agent.Budgets{
			QuickReplyTokens: cfg.Strategies.QuickReplyTokens,
			DeepReasonTokens: cfg.Strategies.DeepReasonTokens,
			SystemPrompt:     cfg.General.SystemPrompt,
			DeepReasonPrompt: cfg.Strategies.DeepReasonSystemPrompt,
		},
		Generator: a.router,
		Improver:  verifier,
		Overrides: store,
		Limiter:   agent.NewRateLimiter(0, 0),
		Sink:      a.collector,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) providerNames() []string {
	names := make([]string, 0, len(a.providers))
	for name := range a.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("state store close failed", "err", err)
		}
	}
}
