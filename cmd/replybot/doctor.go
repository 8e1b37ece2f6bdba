package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"replybot/internal/config"
	"replybot/internal/provider"
	"replybot/internal/state"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show providers, routing cards and state schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			providers, cards, err := provider.NewFactory(cfg, logger).Build(ctx)
			if err != nil {
				return err
			}
			health := provider.HealthReport(ctx, providers)

			fmt.Printf("replybot v%s\n\n", version)
			fmt.Printf("Default provider: %s\n", cfg.Router.DefaultProvider)
			for _, card := range cards {
				status := "healthy"
				if err := health[card.Provider]; err != nil {
					status = "unhealthy: " + err.Error()
				}
				fmt.Printf("  %-12s model=%-24s caps=%v  %s\n", card.Provider, card.Model, card.Capabilities, status)
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			v, err := state.SchemaVersion(store.DB())
			if err != nil {
				return err
			}
			fmt.Printf("\nState: %s (schema v%d)\n", cfg.State.DBPath, v)
			fmt.Printf("Verification: enabled=%t crossModel=%t\n", cfg.Verification.Enabled, cfg.Verification.CrossModel)
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your replybot installation",
		Long: `Verifies that the configuration, providers, state database and
metrics port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("replybot doctor v%s\n\n", version)

			var r report

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'replybot init' to create a default configuration.\n")
				return r.finish()
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.finish()
			}
			r.pass("Config validation", "valid")

			if err := checkDatabase(cfg); err != nil {
				r.fail("State database", err.Error())
			} else {
				r.pass("State database", cfg.State.DBPath)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			providers, _, err := provider.NewFactory(cfg, logger).Build(ctx)
			if err != nil {
				r.fail("Providers", err.Error())
			} else {
				health := provider.HealthReport(ctx, providers)
				names := make([]string, 0, len(health))
				for name := range health {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					if err := health[name]; err != nil {
						r.warn("Provider: "+name, err.Error())
					} else {
						r.pass("Provider: "+name, "reachable")
					}
				}
			}

			if !cfg.Channels.Discord.Enabled && !cfg.Channels.Telegram.Enabled {
				r.warn("Channels", "none enabled; only ask/decide will be useful")
			}

			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Addr); err != nil {
					r.warn("Metrics address", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
				} else {
					r.pass("Metrics address", cfg.Metrics.Addr+" available")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.finish()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) finish() error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

// checkDatabase opens (and migrates) the state store and runs a write.
func checkDatabase(cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.DB().ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	store.DB().ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
