package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			LogFormat:             "text",
			MaxConcurrentMessages: 5,
			SystemPrompt:          "You are a helpful assistant in a group chat. Answer concisely and accurately.",
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Router: RouterConfig{
			DefaultProvider:  "ollama",
			LongContextChars: 24000,
		},
		Retry: RetryConfig{
			Retries:    2,
			MinDelayMs: 500,
			MaxDelayMs: 8000,
			Factor:     2,
			Jitter:     true,
		},
		Decision: DecisionConfig{
			CooldownMs:             60000,
			DefaultModelTokenLimit: 8192,
			MaxMentionsAllowed:     5,
			BurstThreshold:         5,
		},
		Strategies: StrategiesConfig{
			QuickReplyTokens: 512,
			DeepReasonTokens: 2048,
			DeepReasonSystemPrompt: "Think the problem through step by step before answering. " +
				"Be thorough but keep the final answer readable in a chat window.",
			HistoryMessages: 20,
		},
		Verification: VerificationConfig{
			Enabled:      false,
			SelfCritique: true,
			CrossModel:   false,
			MaxReruns:    1,
			TimeoutMs:    20000,
		},
		Channels: ChannelsConfig{
			Discord:  DiscordConfig{Enabled: false},
			Telegram: TelegramConfig{Enabled: false},
		},
		State: StateConfig{
			DBPath:             "~/.replybot/state.db",
			BurstWindowSeconds: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
