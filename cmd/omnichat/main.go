package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"omnichat/internal/config"
	"omnichat/internal/memory"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "omnichat",
		Short:   "omnichat: one assistant across your chat channels",
		Long:    "omnichat connects Telegram, Slack, Discord, webhook and bridge accounts to a single reply pipeline.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.omnichat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(accountCmd())
	root.AddCommand(ruleCmd())
	root.AddCommand(skillCmd())
	root.AddCommand(knowledgeCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	config.LoadEnvFiles()
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger replaces the bootstrap logger with one honoring the config's
// level and optional log file. The returned closer releases the file.
func setupLogger(cfg *config.Config) (func() error, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	closer := func() error { return nil }
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f.Close
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closer, nil
}

// openStore loads the config and opens its database, for admin commands.
func openStore() (*config.Config, *memory.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := memory.Open(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, store, nil
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			for _, dir := range []string{workspace, filepath.Join(workspace, "souls"), filepath.Join(workspace, "files")} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			fmt.Println("Set ENCRYPTION_KEY (32+ characters) and OPENAI_API_KEY in ~/.omnichat/.env, then run 'omnichat gateway'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show accounts and message counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			accounts, err := store.ListActiveAccounts(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("config:    %s\n", resolveConfigPath())
			fmt.Printf("database:  %s\n", cfg.Memory.DBPath)
			fmt.Printf("provider:  %s\n", cfg.Generation.DefaultProvider)
			fmt.Printf("accounts:  %d active\n\n", len(accounts))
			for _, a := range accounts {
				stats, err := store.GetStats(ctx, a.ID)
				if err != nil {
					logger.Warn("stats unavailable", "account", a.ID, "err", err)
					continue
				}
				fmt.Printf("  %-10s %-24s user=%-12s messages=%-6d tokens=%d\n",
					a.Platform, a.ExternalChannelID, a.UserID, stats.MessageCount, stats.TokensUsed)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. generation.defaultProvider)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			printJSON(val)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. processor.ragTopK 8)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadRaw(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printJSON(config.ListPaths(config.Sanitize(cfg)))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
