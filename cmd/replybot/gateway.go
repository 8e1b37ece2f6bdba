package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"replybot/internal/agent"
	"replybot/internal/bus"
	"replybot/internal/channel"
	"replybot/internal/config"
	"replybot/internal/domain"
	"replybot/internal/metrics"
	"replybot/internal/provider"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the enabled channels and the reply loop",
		Long:  "Starts Discord and Telegram (when enabled), the reply loop and the metrics endpoint. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	for name, err := range provider.HealthReport(ctx, a.providers) {
		if err != nil {
			logger.Warn("provider unhealthy at startup", "provider", name, "err", err)
		} else {
			logger.Info("provider healthy", "provider", name)
		}
	}

	messageBus := bus.New(100, logger)

	loop := agent.NewLoop(agent.LoopConfig{
		Pipeline:     a.pipeline,
		State:        a.store,
		Bus:          messageBus,
		Logger:       logger,
		Concurrency:  cfg.General.MaxConcurrentMessages,
		HistoryLimit: cfg.Strategies.HistoryMessages,
		Providers:    a.providerNames(),
	})

	channels := enabledChannels(cfg)
	if len(channels) == 0 {
		logger.Warn("no channels enabled; the gateway will only serve metrics")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	for _, ch := range channels {
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(cfg.Metrics, a.collector)
	}

	logger.Info("gateway started. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			ch.Stop()
		}
		if metricsSrv != nil {
			metricsSrv.Shutdown(shutdownCtx)
		}
		messageBus.Close()
		wg.Wait()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func enabledChannels(cfg *config.Config) []domain.Channel {
	var out []domain.Channel
	if d := cfg.Channels.Discord; d.Enabled && d.Token != "" {
		out = append(out, channel.NewDiscord(channel.DiscordConfig{
			Token:   d.Token,
			GuildID: d.GuildID,
			Logger:  logger,
		}))
	}
	if t := cfg.Channels.Telegram; t.Enabled && t.Token != "" {
		out = append(out, channel.NewTelegram(channel.TelegramConfig{
			Token:     t.Token,
			AllowFrom: t.AllowFrom,
			Logger:    logger,
		}))
	}
	return out
}

func serveMetrics(mc config.MetricsConfig, collector *metrics.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(mc.Endpoint, collector.Handler())
	srv := &http.Server{
		Addr:              mc.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "addr", mc.Addr, "err", err)
		}
	}()
	logger.Info("metrics endpoint listening", "addr", mc.Addr, "path", mc.Endpoint)
	return srv
}
