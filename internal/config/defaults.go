package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:   "~/.omnichat/workspace",
			LogLevel:    "info",
			Listen:      "127.0.0.1:8080",
			Concurrency: 8,
		},
		Generation: GenerationConfig{
			DefaultProvider: "openai",
			Providers: map[string]ProviderConfig{
				"openai": {
					Enabled:      true,
					APIBase:      "https://api.openai.com/v1",
					APIKey:       "${OPENAI_API_KEY}",
					DefaultModel: "gpt-4o-mini",
				},
			},
			MaxSteps:         5,
			MaxTokens:        1024,
			MaxParallelTools: 5,
			TimeoutSeconds:   120,
		},
		Transcription: TranscriptionConfig{
			Enabled:  false,
			APIBase:  "https://api.groq.com/openai/v1",
			Model:    "whisper-large-v3",
			MaxBytes: 25 << 20,
		},
		Channels: ChannelsConfig{
			Slack: SlackAppConfig{
				Scopes: []string{"app_mentions:read", "channels:history", "chat:write", "im:history", "users:read"},
			},
			Bridge: BridgeConfig{
				CallTimeoutSeconds: 15,
			},
			Webhook: WebhookConfig{
				Enabled: true,
			},
			Reconnect: ReconnectConfig{
				InitialSeconds: 1,
				MaxSeconds:     60,
				MaxAttempts:    8,
			},
			SeenCache: 4096,
		},
		Processor: ProcessorConfig{
			ContextTimeoutSeconds:        10,
			RAGTopK:                      5,
			FileSearchLimit:              3,
			RateBurst:                    10,
			RatePerMinute:                30,
			DisplayNameFallbackPlatforms: []string{"whatsapp"},
		},
		Memory: MemoryConfig{
			DBPath:          "~/.omnichat/omnichat.db",
			RecallEnabled:   true,
			RecallMaxChars:  2000,
			RecallThreads:   5,
			RecallPerThread: 6,
		},
		Knowledge: KnowledgeConfig{
			Enabled:      false,
			ChunkSize:    200,
			ChunkOverlap: 20,
			MaxFileBytes: 1 << 20,
		},
		Humanizer: HumanizerConfig{
			Enabled: true,
		},
		Tools: ToolsConfig{
			Shell: ShellToolConfig{
				Timeout:        30,
				MaxOutputBytes: 65536,
			},
			Web: WebToolConfig{
				Enabled:       false,
				MaxFetchBytes: 100 * 1024,
			},
		},
		Security: SecurityConfig{
			EncryptionKey: "${ENCRYPTION_KEY}",
			DefaultPolicy: "deny",
			Blacklist:     defaultBlacklist(),
			Whitelist:     defaultWhitelist(),
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

func defaultBlacklist() []string {
	return []string{
		"rm -rf /",
		"rm -rf /*",
		"mkfs",
		"dd if=",
		":(){:|:&};:",
		"chmod -R 777 /",
		"shutdown",
		"reboot",
	}
}

func defaultWhitelist() []string {
	return []string{
		"ls", "cat", "echo", "pwd", "date", "whoami",
		"git status", "git log", "git diff",
		"uname", "uptime", "df -h", "free -h",
	}
}
