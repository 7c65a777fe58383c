package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"omnichat/internal/config"
	"omnichat/internal/domain"
	"omnichat/internal/memory"
	"omnichat/internal/scheduler"
	"omnichat/internal/security"
	"omnichat/internal/tool"
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your omnichat installation",
		Long: `Verifies that the configuration, database, credentials, providers and
scheduled tasks are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("omnichat doctor v%s\n\n", version)
			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'omnichat init' to create a default configuration.\n")
				return fmt.Errorf("no config")
			}
			r.pass("Config file", cfgPath)

			cfg, err := loadConfig()
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("invalid config")
			}
			r.pass("Config validation", "valid")

			checkWorkspace(r, cfg)
			vault := checkVault(r, cfg)
			checkProviders(r, cfg)
			checkListen(r, cfg.General.Listen)
			if cfg.Admin.AllowCommands && cfg.Tools.Shell.Sandbox.Enabled {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := tool.CheckSandbox(ctx); err != nil {
					r.fail("Shell sandbox", err.Error())
				} else {
					r.pass("Shell sandbox", "docker reachable")
				}
				cancel()
			}
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			store, err := memory.Open(cfg.Memory.DBPath, logger)
			if err != nil {
				r.fail("Database", err.Error())
			} else {
				defer store.Close()
				if v, err := memory.GetSchemaVersion(store.DB().DB); err != nil {
					r.fail("Database", err.Error())
				} else {
					r.pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Memory.DBPath, v))
				}
				checkAccounts(r, store, vault)
				checkTasks(r, cfg, store)
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned == 0 {
				fmt.Println("All checks passed. Run 'omnichat gateway' to start.")
			}
			return nil
		},
	}
}

func checkWorkspace(r *doctorReport, cfg *config.Config) {
	info, err := os.Stat(cfg.General.Workspace)
	switch {
	case err != nil:
		r.fail("Workspace", fmt.Sprintf("not found: %s", cfg.General.Workspace))
	case !info.IsDir():
		r.fail("Workspace", fmt.Sprintf("not a directory: %s", cfg.General.Workspace))
	default:
		r.pass("Workspace", cfg.General.Workspace)
	}
}

func checkVault(r *doctorReport, cfg *config.Config) *security.Vault {
	key := cfg.Security.EncryptionKey
	if key == "" || strings.HasPrefix(key, "${") {
		r.warn("Encryption key", "ENCRYPTION_KEY not set; credentials are stored unencrypted")
		return nil
	}
	v, err := security.NewVault(key)
	if err != nil {
		r.fail("Encryption key", err.Error())
		return nil
	}
	r.pass("Encryption key", "set")
	return v
}

func checkProviders(r *doctorReport, cfg *config.Config) {
	enabled := 0
	for name, p := range cfg.Generation.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		if p.APIKey == "" || strings.HasPrefix(p.APIKey, "${") {
			if strings.Contains(p.APIBase, "localhost") || strings.Contains(p.APIBase, "127.0.0.1") {
				r.pass("Provider: "+name, "local endpoint, no key needed")
				continue
			}
			r.warn("Provider: "+name, "enabled but no API key configured")
			continue
		}
		r.pass("Provider: "+name, p.APIBase)
	}
	if enabled == 0 {
		r.fail("Providers", "no providers enabled")
	}
	if cfg.Transcription.Enabled && (cfg.Transcription.APIKey == "" || strings.HasPrefix(cfg.Transcription.APIKey, "${")) {
		r.warn("Transcription", "enabled but no API key configured")
	}
}

func checkListen(r *doctorReport, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.warn("Listen address", fmt.Sprintf("%s may be in use: %v", addr, err))
		return
	}
	ln.Close()
	r.pass("Listen address", addr+" available")
}

// checkAccounts verifies that every active account's credentials can be
// opened with the configured key.
func checkAccounts(r *doctorReport, store *memory.Store, vault *security.Vault) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	accounts, err := store.ListActiveAccounts(ctx)
	if err != nil {
		r.fail("Accounts", err.Error())
		return
	}
	if len(accounts) == 0 {
		r.warn("Accounts", "no active accounts; add one with 'omnichat account add'")
		return
	}
	bad := 0
	for _, a := range accounts {
		if err := openStoredCredentials(vault, a.EncryptedCredentials); err != nil {
			bad++
			r.fail("Credentials: "+shortID(a.ID), fmt.Sprintf("%s %s: %v", a.Platform, a.ExternalChannelID, err))
		}
	}
	if bad == 0 {
		r.pass("Accounts", fmt.Sprintf("%d active, credentials readable", len(accounts)))
	}
}

func openStoredCredentials(vault *security.Vault, sealed string) error {
	if sealed == "" {
		return nil
	}
	if vault != nil {
		_, err := vault.Open(sealed)
		return err
	}
	var creds map[string]string
	if err := json.Unmarshal([]byte(sealed), &creds); err != nil {
		return fmt.Errorf("sealed with a key that is no longer configured")
	}
	return nil
}

func checkTasks(r *doctorReport, cfg *config.Config, store *memory.Store) {
	if !cfg.Scheduler.Enabled || len(cfg.Scheduler.Tasks) == 0 {
		return
	}
	noop := func(ctx context.Context, userID string, msg domain.NormalizedMessage) domain.ProcessingResult {
		return domain.ProcessingResult{}
	}
	sched, err := scheduler.New(scheduler.Config{Accounts: store, Handler: noop, Logger: logger})
	if err != nil {
		r.fail("Scheduler", err.Error())
		return
	}
	for _, t := range cfg.Scheduler.Tasks {
		err := sched.Add(scheduler.Task{ID: t.ID, Cron: t.Cron, AccountID: t.AccountID, ChannelID: t.ChannelID, Prompt: t.Prompt})
		if err != nil {
			r.fail("Task: "+t.ID, err.Error())
			continue
		}
		if _, err := store.GetAccount(context.Background(), t.AccountID); err != nil {
			r.fail("Task: "+t.ID, fmt.Sprintf("account %s: %v", t.AccountID, err))
			continue
		}
		r.pass("Task: "+t.ID, t.Cron)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
