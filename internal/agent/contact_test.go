package agent

import (
	"testing"

	"omnichat/internal/domain"
)

func TestResolveContactRule(t *testing.T) {
	rules := map[string]domain.ContactRule{
		"U1":    {AutoReply: false},
		"Maria": {AutoReply: true, Instructions: "speak Portuguese"},
	}

	if r, ok := ResolveContactRule(rules, domain.Sender{ID: "U1", DisplayName: "Maria"}, domain.PlatformSlack, DefaultDisplayNameFallback); !ok || r.AutoReply {
		t.Error("id must win over display name")
	}
	if _, ok := ResolveContactRule(rules, domain.Sender{ID: "U2", DisplayName: "Maria"}, domain.PlatformSlack, DefaultDisplayNameFallback); ok {
		t.Error("display name must not be used on platforms with stable ids")
	}
	if r, ok := ResolveContactRule(rules, domain.Sender{ID: "+5511", DisplayName: "maria"}, domain.PlatformWhatsApp, DefaultDisplayNameFallback); !ok || !r.AutoReply {
		t.Error("listed platforms fall back to a case-insensitive display name")
	}
	if _, ok := ResolveContactRule(rules, domain.Sender{DisplayName: "Maria"}, domain.PlatformSlack, nil); !ok {
		t.Error("an empty sender id falls back to the display name")
	}
	if _, ok := ResolveContactRule(nil, domain.Sender{ID: "U1"}, domain.PlatformSlack, nil); ok {
		t.Error("no rules, no match")
	}
}
