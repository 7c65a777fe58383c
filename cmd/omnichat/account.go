package main

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"omnichat/internal/channel"
	"omnichat/internal/domain"
)

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage linked channel accounts",
	}
	cmd.AddCommand(accountAddCmd(), accountListCmd(), accountOwnersCmd(), accountActiveCmd("disable", false), accountActiveCmd("enable", true))
	return cmd
}

func accountAddCmd() *cobra.Command {
	var (
		userID   string
		platform string
		chanID   string
		creds    map[string]string
		owners   []string
		connect  bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Link a channel account",
		Example: `  omnichat account add --user alice --platform telegram --channel 123456 --cred bot_token=...
  omnichat account add --user alice --platform webhook --channel crm --cred url=https://crm.example/hook --cred secret=s3cret`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePlatform(platform)
			if err != nil {
				return err
			}
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			vault, err := openVault(cfg)
			if err != nil {
				return err
			}
			sealed, err := sealCredentials(vault, creds)
			if err != nil {
				return fmt.Errorf("seal credentials: %w", err)
			}

			acct := domain.ChannelAccount{
				ID:                   uuid.NewString(),
				UserID:               userID,
				Platform:             p,
				ExternalChannelID:    chanID,
				IsActive:             connect,
				EncryptedCredentials: sealed,
				RuntimeConfig:        domain.DefaultRuntimeConfig(),
			}
			acct.RuntimeConfig.OwnerSenderIDs = owners
			if err := store.CreateAccount(context.Background(), acct); err != nil {
				return err
			}
			fmt.Printf("account %s linked (%s %s)\n", acct.ID, p, chanID)
			if p == domain.PlatformWebhook {
				fmt.Printf("inbound URL: http://%s/hooks/%s\n", cfg.General.Listen, acct.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&platform, "platform", "", "telegram | slack | discord | webhook | bridge")
	cmd.Flags().StringVar(&chanID, "channel", "", "external channel id (chat, team, guild or integration id)")
	cmd.Flags().StringToStringVar(&creds, "cred", nil, "credential key=value (repeatable)")
	cmd.Flags().StringSliceVar(&owners, "owner", nil, "platform sender ids allowed to run chat commands")
	cmd.Flags().BoolVar(&connect, "active", true, "connect the account when the gateway starts")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("platform")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func accountListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts (all active accounts, or every account of --user)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			var accounts []domain.ChannelAccount
			if userID != "" {
				accounts, err = store.ListAccounts(ctx, userID)
			} else {
				accounts, err = store.ListActiveAccounts(ctx)
			}
			if err != nil {
				return err
			}
			for _, a := range accounts {
				state := "active"
				if !a.IsActive {
					state = "disabled"
				}
				fmt.Printf("%s  %-9s %-10s %-24s user=%s last=%s\n",
					a.ID, state, a.Platform, a.ExternalChannelID, a.UserID, a.LastActiveAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only this user's accounts, including disabled ones")
	return cmd
}

func accountOwnersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owners [account-id] [sender-id...]",
		Short: "Set the senders allowed to run chat commands (none disables commands)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			acct, err := store.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}
			rc := acct.RuntimeConfig.Clone()
			rc.OwnerSenderIDs = args[1:]
			if err := store.UpdateRuntimeConfig(ctx, acct.ID, rc); err != nil {
				return err
			}
			fmt.Printf("account %s owners: %v\n", acct.ID, rc.OwnerSenderIDs)
			return nil
		},
	}
}

func accountActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [account-id]",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an account (takes effect on the next gateway start)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SetAccountActive(context.Background(), args[0], active); err != nil {
				return err
			}
			logger.Info("account updated", "account", args[0], "active", active)
			return nil
		},
	}
}

// parsePlatform accepts only platforms with a built-in connector.
func parsePlatform(s string) (domain.Platform, error) {
	p := domain.Platform(strings.ToLower(strings.TrimSpace(s)))
	reg := channel.DefaultRegistry(channel.Options{Webhook: channel.NewWebhookRouter(logger), Logger: logger})
	if !reg.Has(p) {
		return "", fmt.Errorf("%w: %q (known: %v)", domain.ErrUnknownPlatform, s, reg.Platforms())
	}
	return p, nil
}

// --- Rules ---

type ruleFlags struct {
	userID    string
	accountID string
	name      string
	priority  int
	trigger   string
	pattern   string
	senders   []string
	startHour int
	endHour   int
	timezone  string
	action    string
	template  string
	disabled  bool
}

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage auto-reply rules",
	}
	cmd.AddCommand(ruleAddCmd(), ruleListCmd(), ruleEnableCmd("enable", true), ruleEnableCmd("disable", false))
	return cmd
}

func ruleAddCmd() *cobra.Command {
	var f ruleFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an auto-reply rule",
		Example: `  omnichat rule add --user alice --trigger keyword --pattern pricing --template "Our pricing is at example.com/pricing"
  omnichat rule add --user alice --trigger time --start-hour 22 --end-hour 7 --tz Europe/Berlin --template "I'm offline, back at 7."`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := buildRule(f)
			if err != nil {
				return err
			}
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SaveRule(context.Background(), rule); err != nil {
				return err
			}
			fmt.Printf("rule %s added\n", rule.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&f.accountID, "account", "", "limit to one account (default: every account of the user)")
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "higher priorities are evaluated first")
	cmd.Flags().StringVar(&f.trigger, "trigger", "keyword", "all | keyword | regex | sender | time")
	cmd.Flags().StringVar(&f.pattern, "pattern", "", "keyword or regular expression")
	cmd.Flags().StringSliceVar(&f.senders, "senders", nil, "sender ids or display names for the sender trigger")
	cmd.Flags().IntVar(&f.startHour, "start-hour", -1, "time window start hour (0-23)")
	cmd.Flags().IntVar(&f.endHour, "end-hour", -1, "time window end hour (0-23), exclusive")
	cmd.Flags().StringVar(&f.timezone, "tz", "", "IANA time zone for the window (default UTC)")
	cmd.Flags().StringVar(&f.action, "action", "reply", "reply | ignore")
	cmd.Flags().StringVar(&f.template, "template", "", "reply text; {sender}, {content} and {platform} are substituted")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "store the rule disabled")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// buildRule validates the flags and turns them into a rule.
func buildRule(f ruleFlags) (domain.AutoReplyRule, error) {
	rule := domain.AutoReplyRule{
		ID:               uuid.NewString(),
		UserID:           f.userID,
		ChannelAccountID: f.accountID,
		Name:             f.name,
		Priority:         f.priority,
		TriggerType:      domain.TriggerType(f.trigger),
		TriggerPattern:   f.pattern,
		ActionType:       domain.ActionType(f.action),
		ActionConfig:     domain.ActionConfig{Template: f.template},
		IsEnabled:        !f.disabled,
	}
	if rule.UserID == "" {
		return rule, fmt.Errorf("user is required")
	}

	switch rule.TriggerType {
	case domain.TriggerAll:
	case domain.TriggerKeyword:
		if strings.TrimSpace(f.pattern) == "" {
			return rule, fmt.Errorf("keyword trigger needs --pattern")
		}
	case domain.TriggerRegex:
		if f.pattern == "" {
			return rule, fmt.Errorf("regex trigger needs --pattern")
		}
		if _, err := regexp.Compile(f.pattern); err != nil {
			return rule, fmt.Errorf("invalid --pattern: %w", err)
		}
	case domain.TriggerSender:
		if len(f.senders) == 0 {
			return rule, fmt.Errorf("sender trigger needs --senders")
		}
		rule.TriggerConfig.Senders = f.senders
	case domain.TriggerTime:
		if f.startHour < 0 || f.startHour > 23 || f.endHour < 0 || f.endHour > 23 {
			return rule, fmt.Errorf("time trigger needs --start-hour and --end-hour between 0 and 23")
		}
		start, end := f.startHour, f.endHour
		rule.TriggerConfig.StartHour = &start
		rule.TriggerConfig.EndHour = &end
	default:
		return rule, fmt.Errorf("unknown trigger %q", f.trigger)
	}
	if f.timezone != "" {
		if _, err := time.LoadLocation(f.timezone); err != nil {
			return rule, fmt.Errorf("invalid --tz: %w", err)
		}
		rule.TriggerConfig.Timezone = f.timezone
	}

	switch rule.ActionType {
	case domain.ActionReply:
		if strings.TrimSpace(f.template) == "" {
			return rule, fmt.Errorf("reply action needs --template")
		}
	case domain.ActionIgnore:
	default:
		return rule, fmt.Errorf("unknown action %q", f.action)
	}
	return rule, nil
}

func ruleListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			rules, err := store.ListRules(context.Background(), userID)
			if err != nil {
				return err
			}
			for _, r := range rules {
				state := "on"
				if !r.IsEnabled {
					state = "off"
				}
				scope := r.ChannelAccountID
				if scope == "" {
					scope = "*"
				}
				fmt.Printf("%s  %-3s prio=%-4d %-8s %-20q -> %-6s account=%s %s\n",
					r.ID, state, r.Priority, r.TriggerType, r.TriggerPattern, r.ActionType, scope, r.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func ruleEnableCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [rule-id]",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SetRuleEnabled(context.Background(), args[0], enabled)
		},
	}
}
