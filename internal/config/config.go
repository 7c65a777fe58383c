package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the root configuration for omnichat.
type Config struct {
	General       GeneralConfig       `json:"general"`
	Generation    GenerationConfig    `json:"generation"`
	Transcription TranscriptionConfig `json:"transcription"`
	Channels      ChannelsConfig      `json:"channels"`
	Processor     ProcessorConfig     `json:"processor"`
	Memory        MemoryConfig        `json:"memory"`
	Knowledge     KnowledgeConfig     `json:"knowledge"`
	Humanizer     HumanizerConfig     `json:"humanizer"`
	Admin         AdminConfig         `json:"admin"`
	Tools         ToolsConfig         `json:"tools"`
	Skills        SkillsConfig        `json:"skills"`
	Security      SecurityConfig      `json:"security"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Metrics       MetricsConfig       `json:"metrics"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	LogFile   string `json:"logFile,omitempty"`
	// Listen is the HTTP address for webhooks, OAuth callbacks and metrics.
	Listen      string `json:"listen" validate:"required,hostname_port"`
	Concurrency int    `json:"concurrency"` // dispatcher workers
}

// GenerationConfig lists the OpenAI-compatible backends and how they chain.
type GenerationConfig struct {
	DefaultProvider  string                    `json:"defaultProvider" validate:"required"`
	FailoverChain    []string                  `json:"failoverChain,omitempty"`
	Providers        map[string]ProviderConfig `json:"providers" validate:"dive"`
	MaxSteps         int                       `json:"maxSteps" validate:"min=1,max=20"`
	MaxTokens        int                       `json:"maxTokens" validate:"min=1,max=32000"`
	MaxParallelTools int                       `json:"maxParallelTools,omitempty"`
	TimeoutSeconds   int                       `json:"timeoutSeconds" validate:"min=5"`
}

type ProviderConfig struct {
	Enabled      bool     `json:"enabled"`
	APIBase      string   `json:"apiBase,omitempty" validate:"omitempty,url"`
	APIKey       string   `json:"apiKey,omitempty" secret:"partial"`
	DefaultModel string   `json:"defaultModel,omitempty"`
	VisionModels []string `json:"visionModels,omitempty"`
}

type TranscriptionConfig struct {
	Enabled  bool   `json:"enabled"`
	APIBase  string `json:"apiBase,omitempty" validate:"omitempty,url"`
	APIKey   string `json:"apiKey,omitempty" secret:"partial"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty" validate:"omitempty,len=2"`
	MaxBytes int64  `json:"maxBytes,omitempty"`
}

// ChannelsConfig holds app-level registrations. Per-account credentials
// live encrypted on the account record, not here.
type ChannelsConfig struct {
	Slack     SlackAppConfig  `json:"slack"`
	Bridge    BridgeConfig    `json:"bridge"`
	Webhook   WebhookConfig   `json:"webhook"`
	Reconnect ReconnectConfig `json:"reconnect"`
	// SeenCache sizes the in-memory inbound dedupe cache.
	SeenCache int `json:"seenCache"`
}

type SlackAppConfig struct {
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty" secret:"partial"`
	RedirectURL  string   `json:"redirectUrl,omitempty" validate:"omitempty,url"`
	Scopes       []string `json:"scopes,omitempty"`
	AppToken     string   `json:"appToken,omitempty" secret:"partial"`
}

type BridgeConfig struct {
	DefaultURL         string `json:"defaultUrl,omitempty"`
	CallTimeoutSeconds int    `json:"callTimeoutSeconds"`
}

type WebhookConfig struct {
	Enabled bool `json:"enabled"`
	// AllowPrivateDelivery lets replies be POSTed to loopback and private
	// network addresses.
	AllowPrivateDelivery bool `json:"allowPrivateDelivery"`
}

type ReconnectConfig struct {
	InitialSeconds int    `json:"initialSeconds"`
	MaxSeconds     int    `json:"maxSeconds"`
	MaxAttempts    uint64 `json:"maxAttempts"`
}

type ProcessorConfig struct {
	Identity                     string   `json:"identity,omitempty"`
	DefaultModel                 string   `json:"defaultModel,omitempty"`
	ContextTimeoutSeconds        int      `json:"contextTimeoutSeconds"`
	RAGTopK                      int      `json:"ragTopK" validate:"min=0,max=50"`
	FileSearchLimit              int      `json:"fileSearchLimit" validate:"min=0,max=50"`
	RateBurst                    int      `json:"rateBurst"`
	RatePerMinute                float64  `json:"ratePerMinute"`
	DeniedTools                  []string `json:"deniedTools,omitempty"`
	DisplayNameFallbackPlatforms []string `json:"displayNameFallbackPlatforms,omitempty"`
}

type MemoryConfig struct {
	DBPath          string `json:"dbPath"`
	RecallEnabled   bool   `json:"recallEnabled"`
	RecallMaxChars  int    `json:"recallMaxChars"`
	RecallThreads   int    `json:"recallThreads"`
	RecallPerThread int    `json:"recallPerThread"`
}

// KnowledgeConfig configures the FTS5 knowledge base and local file search.
type KnowledgeConfig struct {
	Enabled      bool   `json:"enabled"`
	ChunkSize    int    `json:"chunkSize"`    // words per chunk
	ChunkOverlap int    `json:"chunkOverlap"` // overlapping words
	FilesDir     string `json:"filesDir,omitempty"`
	MaxFileBytes int64  `json:"maxFileBytes,omitempty"`
}

type HumanizerConfig struct {
	Enabled bool `json:"enabled"`
}

// AdminConfig gates the operator-only tool categories.
type AdminConfig struct {
	AllowFilesystem bool `json:"allowFilesystem"`
	AllowCommands   bool `json:"allowCommands"`
}

type ToolsConfig struct {
	Shell ShellToolConfig `json:"shell"`
	Web   WebToolConfig   `json:"web"`
}

// WebToolConfig enables the web_search and web_fetch tools.
type WebToolConfig struct {
	Enabled        bool   `json:"enabled"`
	SearchEndpoint string `json:"searchEndpoint,omitempty" validate:"omitempty,url"`
	MaxFetchBytes  int64  `json:"maxFetchBytes,omitempty" validate:"omitempty,min=1024"`
}

type ShellToolConfig struct {
	Timeout        int                `json:"timeout"`
	MaxOutputBytes int                `json:"maxOutputBytes"`
	Sandbox        ShellSandboxConfig `json:"sandbox"`
}

// ShellSandboxConfig runs shell commands through docker run when enabled.
type ShellSandboxConfig struct {
	Enabled bool   `json:"enabled"`
	Image   string `json:"image,omitempty"`
	Memory  string `json:"memory,omitempty"`
	CPUs    string `json:"cpus,omitempty"`
	Network bool   `json:"network,omitempty"`
}

type SkillsConfig struct {
	Dir string `json:"dir,omitempty"`
}

type SecurityConfig struct {
	// EncryptionKey seals channel credentials. Usually ${ENCRYPTION_KEY}.
	EncryptionKey string   `json:"encryptionKey,omitempty" secret:"full"`
	DefaultPolicy string   `json:"defaultPolicy"` // "allow" | "deny"
	Blacklist     []string `json:"blacklist"`
	Whitelist     []string `json:"whitelist"`
}

type SchedulerConfig struct {
	Enabled bool            `json:"enabled"`
	Tasks   []ScheduledTask `json:"tasks" validate:"dive"`
}

// ScheduledTask replays Prompt into an account's channel on a cron schedule.
type ScheduledTask struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name,omitempty"`
	Cron      string `json:"cron" validate:"required"`
	AccountID string `json:"accountId" validate:"required"`
	ChannelID string `json:"channelId,omitempty"`
	Prompt    string `json:"prompt" validate:"required"`
	Enabled   bool   `json:"enabled"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint" validate:"omitempty,startswith=/"`
}

// DefaultConfigDir returns the default config directory (~/.omnichat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".omnichat"
	}
	return filepath.Join(home, ".omnichat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadEnvFiles loads .env files from the working directory and the config
// directory. Existing environment variables are never overwritten.
func LoadEnvFiles() {
	for _, f := range []string{".env", ".env.local", filepath.Join(DefaultConfigDir(), ".env")} {
		_ = godotenv.Load(f)
	}
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Knowledge.FilesDir = ExpandPath(cfg.Knowledge.FilesDir)
	cfg.Skills.Dir = ExpandPath(cfg.Skills.Dir)
	expandSecrets(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadRaw reads the config without expanding ${VAR} references or
// validating, so it can be edited and saved back without writing secrets
// from the environment to disk.
func LoadRaw(path string) (*Config, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// expandSecrets resolves ${VAR} references that came from Defaults rather
// than from the file text.
func expandSecrets(cfg *Config) {
	for name, pc := range cfg.Generation.Providers {
		pc.APIKey = ExpandEnvVars(pc.APIKey)
		cfg.Generation.Providers[name] = pc
	}
	cfg.Transcription.APIKey = ExpandEnvVars(cfg.Transcription.APIKey)
	cfg.Security.EncryptionKey = ExpandEnvVars(cfg.Security.EncryptionKey)
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs the struct tag rules, then the cross-field checks tags
// cannot express.
func Validate(cfg *Config) error {
	var errs []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s failed %q (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if cfg.General.Concurrency < 1 || cfg.General.Concurrency > 256 {
		errs = append(errs, "general.concurrency must be between 1 and 256")
	}
	if cfg.Tools.Shell.Timeout < 1 {
		errs = append(errs, "tools.shell.timeout must be >= 1")
	}
	switch cfg.Security.DefaultPolicy {
	case "allow", "deny":
	default:
		errs = append(errs, "security.defaultPolicy must be one of: allow, deny")
	}
	if k := cfg.Security.EncryptionKey; k != "" && !strings.HasPrefix(k, "${") && len(k) < 32 {
		errs = append(errs, "security.encryptionKey must be at least 32 characters")
	}

	if _, ok := cfg.Generation.Providers[cfg.Generation.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("generation.defaultProvider references unknown provider: %s", cfg.Generation.DefaultProvider))
	}
	for _, name := range cfg.Generation.FailoverChain {
		if _, ok := cfg.Generation.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("generation.failoverChain references unknown provider: %s", name))
		}
	}

	seen := make(map[string]bool)
	for _, task := range cfg.Scheduler.Tasks {
		if seen[task.ID] {
			errs = append(errs, fmt.Sprintf("scheduler.tasks: duplicate id %s", task.ID))
		}
		seen[task.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// fieldPath turns "Config.Generation.MaxSteps" into "Generation.MaxSteps".
func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return rest
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
