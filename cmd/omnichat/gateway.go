package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"omnichat/internal/agent"
	"omnichat/internal/bus"
	"omnichat/internal/channel"
	"omnichat/internal/config"
	"omnichat/internal/domain"
	"omnichat/internal/humanize"
	"omnichat/internal/knowledge"
	"omnichat/internal/memory"
	"omnichat/internal/metrics"
	"omnichat/internal/provider"
	"omnichat/internal/scheduler"
	"omnichat/internal/security"
	"omnichat/internal/skill"
	"omnichat/internal/tool"
)

const shutdownTimeout = 15 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (connectors, processor, scheduler, HTTP)",
		Long:  "Connects every active channel account and replies through the message pipeline. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := memory.Open(cfg.Memory.DBPath, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer store.Close()

	vault, err := openVault(cfg)
	if err != nil {
		return err
	}

	events := bus.NewEventBus(logger)
	dispatcher := bus.NewDispatcher(ctx, cfg.General.Concurrency, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)

	var webhooks *channel.WebhookRouter
	if cfg.Channels.Webhook.Enabled {
		webhooks = channel.NewWebhookRouter(logger)
		router.Mount("/hooks", webhooks.Handler())
	}
	registry := channel.DefaultRegistry(channel.Options{
		Slack: channel.SlackAppConfig{
			ClientID:     cfg.Channels.Slack.ClientID,
			ClientSecret: cfg.Channels.Slack.ClientSecret,
			RedirectURL:  cfg.Channels.Slack.RedirectURL,
			Scopes:       cfg.Channels.Slack.Scopes,
			AppToken:     cfg.Channels.Slack.AppToken,
		},
		Webhook:             webhooks,
		WebhookAllowPrivate: cfg.Channels.Webhook.AllowPrivateDelivery,
		Bridge: channel.BridgeConfig{
			DefaultURL:  cfg.Channels.Bridge.DefaultURL,
			CallTimeout: time.Duration(cfg.Channels.Bridge.CallTimeoutSeconds) * time.Second,
		},
		Reconnect: channel.ReconnectPolicy{
			InitialInterval: time.Duration(cfg.Channels.Reconnect.InitialSeconds) * time.Second,
			MaxInterval:     time.Duration(cfg.Channels.Reconnect.MaxSeconds) * time.Second,
			MaxAttempts:     cfg.Channels.Reconnect.MaxAttempts,
		},
		Logger: logger,
	})

	mcfg := channel.ManagerConfig{
		Registry:   registry,
		Accounts:   store,
		Log:        store,
		Dispatcher: dispatcher,
		Events:     events,
		SeenCache:  cfg.Channels.SeenCache,
		Logger:     logger,
	}
	if vault != nil {
		mcfg.Credentials = vault
	}
	mgr, err := channel.NewManager(mcfg)
	if err != nil {
		return err
	}

	proc, err := buildProcessor(cfg, store, mgr, events)
	if err != nil {
		return err
	}
	mgr.SetHandler(proc.ProcessMessage)

	if cfg.Metrics.Enabled {
		collector := metrics.New(metrics.Config{
			LiveConnectors: func() int { return countConnected(mgr.Status()) },
			GoRuntime:      true,
		})
		collector.Subscribe(events)
		defer collector.Unsubscribe(events)
		collector.Mount(router, cfg.Metrics.Endpoint)
	}
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := mgr.Status()
		writeJSON(w, http.StatusOK, map[string]any{"connectors": status, "connected": countConnected(status)})
	})
	if cfg.Channels.Slack.ClientID != "" {
		installs := newOAuthInstaller(oauthConfig{
			Registry: registry,
			Accounts: store,
			Manager:  mgr,
			Vault:    vault,
			Logger:   logger,
		})
		installs.Mount(router)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = buildScheduler(cfg, store, proc, dispatcher, events)
		if err != nil {
			return err
		}
		sched.Start()
	}

	server := &http.Server{
		Addr:              cfg.General.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.General.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	n, err := mgr.ConnectAll(ctx)
	if err != nil {
		logger.Warn("some accounts failed to connect", "err", err)
	}
	logger.Info("gateway started. Press Ctrl+C to stop.", "connected", n, "version", version)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("http server failed", "err", err)
	}
	logger.Info("shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("connectors: %w", err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	if len(errs) > 0 {
		logger.Warn("shutdown incomplete", "err", errors.Join(errs...))
		return errors.Join(errs...)
	}
	logger.Info("shutdown complete")
	return nil
}

// openVault returns nil when no encryption key is configured; credentials
// are then stored as plain JSON.
func openVault(cfg *config.Config) (*security.Vault, error) {
	key := cfg.Security.EncryptionKey
	if key == "" || strings.HasPrefix(key, "${") {
		logger.Warn("ENCRYPTION_KEY not set, channel credentials are stored unencrypted")
		return nil, nil
	}
	v, err := security.NewVault(key)
	if err != nil {
		return nil, fmt.Errorf("credential vault: %w", err)
	}
	return v, nil
}

func buildProcessor(cfg *config.Config, store *memory.Store, mgr *channel.Manager, events *bus.EventBus) (*agent.Processor, error) {
	gen, err := provider.NewFactory(cfg.Generation, logger).Generator()
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	tools, err := registerTools(cfg)
	if err != nil {
		return nil, err
	}
	skills := skill.NewRegistry(tools, logger)
	skills.RegisterBuiltins()
	if n, err := skills.LoadDirectory(skillDir(cfg)); err != nil {
		logger.Warn("skills directory unreadable", "dir", skillDir(cfg), "err", err)
	} else if n > 0 {
		logger.Info("skills loaded", "count", n)
	}

	pcfg := agent.ProcessorConfig{
		Accounts:      store,
		Conversations: store,
		Rules:         store,
		Stats:         store,
		Sender:        mgr,
		Generator:     gen,
		Skills:        skills,
		Tools:         tools,
		Events:        events,
		Prompt: agent.NewPromptBuilder(agent.PromptConfig{
			Identity: cfg.Processor.Identity,
			Souls:    agent.SoulFiles{Dir: filepath.Join(cfg.General.Workspace, "souls")},
			Logger:   logger,
		}),
		Admin: agent.AdminFlags{
			Filesystem: cfg.Admin.AllowFilesystem,
			Commands:   cfg.Admin.AllowCommands,
		},
		DeniedTools:       cfg.Processor.DeniedTools,
		DefaultModel:      cfg.Processor.DefaultModel,
		DefaultMaxTokens:  cfg.Generation.MaxTokens,
		MaxSteps:          cfg.Generation.MaxSteps,
		ContextTimeout:    time.Duration(cfg.Processor.ContextTimeoutSeconds) * time.Second,
		GenerationTimeout: time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
		RAGTopK:           cfg.Processor.RAGTopK,
		FileSearchLimit:   cfg.Processor.FileSearchLimit,
		RateBurst:         cfg.Processor.RateBurst,
		RatePerMinute:     cfg.Processor.RatePerMinute,
		Logger:            logger,
	}
	if fb := cfg.Processor.DisplayNameFallbackPlatforms; fb != nil {
		pcfg.DisplayNameFallback = make([]domain.Platform, 0, len(fb))
		for _, p := range fb {
			pcfg.DisplayNameFallback = append(pcfg.DisplayNameFallback, domain.Platform(p))
		}
	}
	if cfg.Transcription.Enabled {
		pcfg.Transcriber = provider.NewWhisper(provider.WhisperConfig{
			APIBase:  cfg.Transcription.APIBase,
			APIKey:   cfg.Transcription.APIKey,
			Model:    cfg.Transcription.Model,
			Language: cfg.Transcription.Language,
			MaxBytes: cfg.Transcription.MaxBytes,
			Logger:   logger,
		})
	}
	if cfg.Knowledge.Enabled {
		pcfg.Retriever = newKnowledgeEngine(cfg, store)
		if dir := knowledgeFilesDir(cfg); dir != "" {
			pcfg.Files = knowledge.NewFileSearch(dir, cfg.Knowledge.MaxFileBytes, logger)
		}
	}
	if cfg.Memory.RecallEnabled {
		pcfg.Memory = memory.NewRecaller(memory.RecallerConfig{
			Conversations: store,
			Memories:      store,
			MaxChars:      cfg.Memory.RecallMaxChars,
			MaxThreads:    cfg.Memory.RecallThreads,
			PerThread:     cfg.Memory.RecallPerThread,
			Logger:        logger,
		})
	}
	if cfg.Humanizer.Enabled {
		pcfg.Humanizer = humanize.New(logger)
	}
	return agent.NewProcessor(pcfg)
}

// registerTools builds the tool registry. The processor still gates the
// filesystem and command categories with the admin flags per turn.
func registerTools(cfg *config.Config) (*tool.Registry, error) {
	reg := tool.NewRegistry(logger)
	reg.Register(tool.NewDateTimeTool())
	if cfg.Tools.Web.Enabled {
		for _, t := range tool.WebTools(tool.WebConfig{
			SearchEndpoint: cfg.Tools.Web.SearchEndpoint,
			MaxFetchBytes:  cfg.Tools.Web.MaxFetchBytes,
		}) {
			reg.Register(t)
		}
	}
	if cfg.Admin.AllowFilesystem {
		for _, t := range tool.FileTools(cfg.General.Workspace) {
			reg.Register(t)
		}
	}
	if cfg.Admin.AllowCommands {
		policy, err := security.NewCommandPolicy(security.PolicyConfig{
			Blacklist:     cfg.Security.Blacklist,
			Whitelist:     cfg.Security.Whitelist,
			DefaultPolicy: cfg.Security.DefaultPolicy,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("command policy: %w", err)
		}
		shell := tool.ShellConfig{
			WorkingDir:     cfg.General.Workspace,
			TimeoutSeconds: cfg.Tools.Shell.Timeout,
			MaxOutputBytes: cfg.Tools.Shell.MaxOutputBytes,
			Policy:         policy,
		}
		if sb := cfg.Tools.Shell.Sandbox; sb.Enabled {
			shell.Sandbox = &tool.Sandbox{Image: sb.Image, Memory: sb.Memory, CPUs: sb.CPUs, Network: sb.Network}
		}
		reg.Register(tool.NewShellTool(shell))
	}
	return reg, nil
}

func buildScheduler(cfg *config.Config, store *memory.Store, proc *agent.Processor, d *bus.Dispatcher, events *bus.EventBus) (*scheduler.Scheduler, error) {
	sched, err := scheduler.New(scheduler.Config{
		Accounts:   store,
		Handler:    proc.ProcessMessage,
		Dispatcher: d,
		Events:     events,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	for _, t := range cfg.Scheduler.Tasks {
		if !t.Enabled {
			continue
		}
		err := sched.Add(scheduler.Task{
			ID:        t.ID,
			Name:      t.Name,
			Cron:      t.Cron,
			AccountID: t.AccountID,
			ChannelID: t.ChannelID,
			Prompt:    t.Prompt,
		})
		if err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func newKnowledgeEngine(cfg *config.Config, store *memory.Store) *knowledge.Engine {
	return knowledge.NewEngine(knowledge.EngineConfig{
		Store:        knowledge.NewStore(store.DB()),
		ChunkSize:    cfg.Knowledge.ChunkSize,
		Overlap:      cfg.Knowledge.ChunkOverlap,
		MaxFileBytes: cfg.Knowledge.MaxFileBytes,
		Logger:       logger,
	})
}

func knowledgeFilesDir(cfg *config.Config) string {
	if cfg.Knowledge.FilesDir != "" {
		return cfg.Knowledge.FilesDir
	}
	return filepath.Join(cfg.General.Workspace, "files")
}

func skillDir(cfg *config.Config) string {
	if cfg.Skills.Dir != "" {
		return cfg.Skills.Dir
	}
	return filepath.Join(cfg.General.Workspace, "skills")
}

func countConnected(status []channel.ConnectorStatus) int {
	n := 0
	for _, s := range status {
		if s.Connected {
			n++
		}
	}
	return n
}
