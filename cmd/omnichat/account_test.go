package main

import (
	"errors"
	"testing"

	"omnichat/internal/domain"
)

func init() {
	logger = testLogger()
}

func TestBuildRule_Keyword(t *testing.T) {
	rule, err := buildRule(ruleFlags{userID: "u1", trigger: "keyword", pattern: "pricing", action: "reply", template: "See example.com", startHour: -1, endHour: -1})
	if err != nil {
		t.Fatal(err)
	}
	if rule.ID == "" || !rule.IsEnabled || rule.TriggerType != domain.TriggerKeyword {
		t.Fatalf("unexpected rule %+v", rule)
	}
	if rule.TriggerConfig.StartHour != nil {
		t.Fatal("keyword rule must not carry a time window")
	}
}

func TestBuildRule_TimeWindow(t *testing.T) {
	rule, err := buildRule(ruleFlags{userID: "u1", trigger: "time", startHour: 22, endHour: 7, timezone: "Europe/Berlin", action: "ignore"})
	if err != nil {
		t.Fatal(err)
	}
	if *rule.TriggerConfig.StartHour != 22 || *rule.TriggerConfig.EndHour != 7 || rule.TriggerConfig.Timezone != "Europe/Berlin" {
		t.Fatalf("unexpected window %+v", rule.TriggerConfig)
	}
}

func TestBuildRule_Rejects(t *testing.T) {
	cases := map[string]ruleFlags{
		"no user":        {trigger: "all", action: "ignore"},
		"empty keyword":  {userID: "u", trigger: "keyword", action: "ignore"},
		"bad regex":      {userID: "u", trigger: "regex", pattern: "(", action: "ignore"},
		"no senders":     {userID: "u", trigger: "sender", action: "ignore"},
		"missing hours":  {userID: "u", trigger: "time", startHour: -1, endHour: 5, action: "ignore"},
		"bad timezone":   {userID: "u", trigger: "all", timezone: "Mars/Olympus", action: "ignore"},
		"unknown action": {userID: "u", trigger: "all", action: "forward"},
		"empty template": {userID: "u", trigger: "all", action: "reply"},
		"unknown trig":   {userID: "u", trigger: "weekday", action: "ignore"},
	}
	for name, f := range cases {
		if _, err := buildRule(f); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParsePlatform(t *testing.T) {
	p, err := parsePlatform(" Telegram ")
	if err != nil || p != domain.PlatformTelegram {
		t.Fatalf("got %q, %v", p, err)
	}
	if _, err := parsePlatform("myspace"); !errors.Is(err, domain.ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestSealCredentials_PlainJSONWithoutVault(t *testing.T) {
	got, err := sealCredentials(nil, map[string]string{"bot_token": "x"})
	if err != nil || got != `{"bot_token":"x"}` {
		t.Fatalf("got %q, %v", got, err)
	}
	if got, _ := sealCredentials(nil, nil); got != "" {
		t.Fatalf("empty credentials should seal to empty, got %q", got)
	}
}
