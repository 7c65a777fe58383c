package agent

import (
	"strings"
	"testing"

	"omnichat/internal/domain"
)

func TestParseCommand(t *testing.T) {
	cmd := ParseCommand("  /Model@my_bot gpt-4o-mini ")
	if cmd == nil || cmd.Name != "model" || len(cmd.Args) != 1 || cmd.Args[0] != "gpt-4o-mini" {
		t.Fatalf("unexpected parse %+v", cmd)
	}
	for _, s := range []string{"hello", "", "/", " not /a command"} {
		if ParseCommand(s) != nil {
			t.Errorf("%q should not parse as a command", s)
		}
	}
}

func commandEnv() CommandEnv {
	return CommandEnv{Account: domain.ChannelAccount{ID: "a1", Platform: domain.PlatformSlack, RuntimeConfig: domain.DefaultRuntimeConfig()}}
}

func TestHandleCommand_TogglesDoNotMutateInput(t *testing.T) {
	env := commandEnv()
	res := HandleCommand(ParseCommand("/rag on"), env)
	if !res.Handled || !res.Config.RAGEnabled {
		t.Fatalf("rag not enabled: %+v", res)
	}
	if env.Account.RuntimeConfig.RAGEnabled {
		t.Error("input config must not change")
	}
	if res.Config.Equal(env.Account.RuntimeConfig) {
		t.Error("a toggle should produce a delta")
	}
}

func TestHandleCommand_QueryProducesNoDelta(t *testing.T) {
	env := commandEnv()
	for _, raw := range []string{"/help", "/status", "/model", "/autoreply", "/contact"} {
		res := HandleCommand(ParseCommand(raw), env)
		if !res.Handled {
			t.Errorf("%s should be handled", raw)
		}
		if !res.Config.Equal(env.Account.RuntimeConfig) {
			t.Errorf("%s should not change the config", raw)
		}
	}
}

func TestHandleCommand_Values(t *testing.T) {
	env := commandEnv()

	if res := HandleCommand(ParseCommand("/maxtokens 500"), env); res.Config.MaxTokens != 500 {
		t.Errorf("maxtokens = %d", res.Config.MaxTokens)
	}
	if res := HandleCommand(ParseCommand("/maxtokens lots"), env); res.Config.MaxTokens != 0 || !strings.HasPrefix(res.Response, "Usage") {
		t.Errorf("invalid value should print usage: %+v", res)
	}
	if res := HandleCommand(ParseCommand("/context 8"), env); res.Config.ContextWindow != 8 {
		t.Errorf("context = %d", res.Config.ContextWindow)
	}
	res := HandleCommand(ParseCommand("/humanize medium filler,emoji"), env)
	if res.Config.Humanizer.Intensity != domain.HumanizeMedium || len(res.Config.Humanizer.Categories) != 2 {
		t.Errorf("humanizer = %+v", res.Config.Humanizer)
	}
	env.Account.RuntimeConfig.Model = "gpt-4o"
	if res := HandleCommand(ParseCommand("/model default"), env); res.Config.Model != "" {
		t.Errorf("default should clear the model, got %q", res.Config.Model)
	}
}

func TestHandleCommand_Contact(t *testing.T) {
	env := commandEnv()
	res := HandleCommand(ParseCommand("/contact U123 on keep it short"), env)
	rule, ok := res.Config.ContactRules["U123"]
	if !ok || !rule.AutoReply || rule.Instructions != "keep it short" {
		t.Fatalf("contact rule not set: %+v", res.Config.ContactRules)
	}
	if len(env.Account.RuntimeConfig.ContactRules) != 0 {
		t.Error("input config must not change")
	}

	env.Account.RuntimeConfig = res.Config
	res = HandleCommand(ParseCommand("/contact U123 reset"), env)
	if _, ok := res.Config.ContactRules["U123"]; ok {
		t.Error("reset should remove the rule")
	}
	if _, ok := env.Account.RuntimeConfig.ContactRules["U123"]; !ok {
		t.Error("reset must not touch the previous config")
	}
}

func TestHandleCommand_ResetAndUnknown(t *testing.T) {
	if res := HandleCommand(ParseCommand("/reset"), commandEnv()); !res.ClearHistory {
		t.Error("/reset should clear history")
	}
	if res := HandleCommand(ParseCommand("/dance"), commandEnv()); res.Handled {
		t.Error("unknown commands must fall through")
	}
}
