package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"replybot/internal/decision"
	"replybot/internal/retry"
)

// Config is the root configuration for replybot.
type Config struct {
	General      GeneralConfig             `json:"general" yaml:"general"`
	Providers    map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Router       RouterConfig              `json:"router" yaml:"router"`
	Retry        RetryConfig               `json:"retry" yaml:"retry"`
	Decision     DecisionConfig            `json:"decision" yaml:"decision"`
	Strategies   StrategiesConfig          `json:"strategies" yaml:"strategies"`
	Verification VerificationConfig        `json:"verification" yaml:"verification"`
	Channels     ChannelsConfig            `json:"channels" yaml:"channels"`
	State        StateConfig               `json:"state" yaml:"state"`
	Metrics      MetricsConfig             `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel" yaml:"logLevel"`
	LogFormat             string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"` // "text" | "json"
	LogFile               string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages" yaml:"maxConcurrentMessages"`
	SystemPrompt          string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
}

type ProviderConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	APIBase      string   `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey       string   `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	DefaultModel string   `json:"defaultModel,omitempty" yaml:"defaultModel,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"` // "code" | "long-context"
}

type RouterConfig struct {
	DefaultProvider  string `json:"defaultProvider" yaml:"defaultProvider"`
	LongContextChars int    `json:"longContextChars" yaml:"longContextChars"` // history size that prefers a long-context provider
}

type RetryConfig struct {
	Retries    int     `json:"retries" yaml:"retries"`
	MinDelayMs int     `json:"minDelayMs" yaml:"minDelayMs"`
	MaxDelayMs int     `json:"maxDelayMs" yaml:"maxDelayMs"`
	Factor     float64 `json:"factor" yaml:"factor"`
	Jitter     bool    `json:"jitter" yaml:"jitter"`
}

// Policy converts the config section into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		Retries:  r.Retries,
		MinDelay: time.Duration(r.MinDelayMs) * time.Millisecond,
		MaxDelay: time.Duration(r.MaxDelayMs) * time.Millisecond,
		Factor:   r.Factor,
		Jitter:   r.Jitter,
	}
}

type DecisionConfig struct {
	CooldownMs             int64 `json:"cooldownMs" yaml:"cooldownMs"`
	DefaultModelTokenLimit int   `json:"defaultModelTokenLimit" yaml:"defaultModelTokenLimit"`
	MaxMentionsAllowed     int   `json:"maxMentionsAllowed" yaml:"maxMentionsAllowed"`
	BurstThreshold         int   `json:"burstThreshold" yaml:"burstThreshold"`
}

// Engine converts the config section into decision defaults.
func (d DecisionConfig) Engine() decision.Config {
	return decision.Config{
		Cooldown:               time.Duration(d.CooldownMs) * time.Millisecond,
		DefaultModelTokenLimit: d.DefaultModelTokenLimit,
		MaxMentionsAllowed:     d.MaxMentionsAllowed,
		BurstThreshold:         d.BurstThreshold,
	}
}

// StrategiesConfig sizes the generation request for each strategy.
type StrategiesConfig struct {
	QuickReplyTokens       int    `json:"quickReplyTokens" yaml:"quickReplyTokens"`
	DeepReasonTokens       int    `json:"deepReasonTokens" yaml:"deepReasonTokens"`
	DeepReasonSystemPrompt string `json:"deepReasonSystemPrompt,omitempty" yaml:"deepReasonSystemPrompt,omitempty"`
	HistoryMessages        int    `json:"historyMessages" yaml:"historyMessages"`
}

type VerificationConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	SelfCritique bool `json:"selfCritique" yaml:"selfCritique"`
	CrossModel   bool `json:"crossModel" yaml:"crossModel"`
	MaxReruns    int  `json:"maxReruns" yaml:"maxReruns"`
	TimeoutMs    int  `json:"timeoutMs" yaml:"timeoutMs"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	GuildID string `json:"guildId,omitempty" yaml:"guildId,omitempty"` // optional: restrict to one guild
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
}

type StateConfig struct {
	DBPath             string `json:"dbPath" yaml:"dbPath"`
	BurstWindowSeconds int    `json:"burstWindowSeconds" yaml:"burstWindowSeconds"`
	OverridesFile      string `json:"overridesFile,omitempty" yaml:"overridesFile,omitempty"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.replybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".replybot"
	}
	return filepath.Join(home, ".replybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file (chosen by extension), expands
// environment variables and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.State.DBPath = ExpandPath(cfg.State.DBPath)
	cfg.State.OverridesFile = ExpandPath(cfg.State.OverridesFile)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes the config as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be text or json")
	}

	def, ok := cfg.Providers[cfg.Router.DefaultProvider]
	switch {
	case cfg.Router.DefaultProvider == "":
		errs = append(errs, "router.defaultProvider is required")
	case !ok:
		errs = append(errs, fmt.Sprintf("router.defaultProvider references unknown provider: %s", cfg.Router.DefaultProvider))
	case !def.Enabled:
		errs = append(errs, fmt.Sprintf("router.defaultProvider %s is disabled", cfg.Router.DefaultProvider))
	}
	if cfg.Router.LongContextChars < 1 {
		errs = append(errs, "router.longContextChars must be >= 1")
	}

	for name, pc := range cfg.Providers {
		for _, c := range pc.Capabilities {
			if c != "code" && c != "long-context" {
				errs = append(errs, fmt.Sprintf("providers.%s: unknown capability %q", name, c))
			}
		}
	}

	if err := cfg.Retry.Policy().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := cfg.Decision.Engine().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if cfg.Strategies.QuickReplyTokens < 1 || cfg.Strategies.DeepReasonTokens < 1 {
		errs = append(errs, "strategies token budgets must be >= 1")
	}
	if cfg.Strategies.HistoryMessages < 0 {
		errs = append(errs, "strategies.historyMessages must be >= 0")
	}
	if cfg.Verification.MaxReruns < 0 {
		errs = append(errs, "verification.maxReruns must be >= 0")
	}
	if cfg.Verification.TimeoutMs < 0 {
		errs = append(errs, "verification.timeoutMs must be >= 0")
	}
	if cfg.State.BurstWindowSeconds < 1 {
		errs = append(errs, "state.burstWindowSeconds must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
