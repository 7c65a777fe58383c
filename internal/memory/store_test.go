package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"omnichat/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "omnichat.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store, id string, p domain.Platform, channel string) domain.ChannelAccount {
	t.Helper()
	acct := domain.ChannelAccount{
		ID:                id,
		UserID:            "u1",
		Platform:          p,
		ExternalChannelID: channel,
		IsActive:          true,
		RuntimeConfig:     domain.DefaultRuntimeConfig(),
	}
	if err := s.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return acct
}

func TestStore_AccountLookup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedAccount(t, s, "a1", domain.PlatformSlack, "C1")
	seedAccount(t, s, "a2", domain.PlatformSlack, "C2")

	got, err := s.FindAccount(ctx, "u1", domain.PlatformSlack, "C2")
	if err != nil || got.ID != "a2" {
		t.Fatalf("FindAccount: got %+v, %v", got, err)
	}
	if !got.RuntimeConfig.AutoReplyEnabled {
		t.Error("runtime config should round-trip")
	}

	if _, err := s.FindAccount(ctx, "u1", domain.PlatformSlack, "C9"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	// a1 becomes the most recently active.
	if err := s.IncrementStats(ctx, "a1", 1, 0, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	recent, err := s.MostRecentAccount(ctx, "u1", domain.PlatformSlack)
	if err != nil || recent.ID != "a1" {
		t.Fatalf("MostRecentAccount: got %+v, %v", recent, err)
	}

	if err := s.SetAccountActive(ctx, "a1", false); err != nil {
		t.Fatal(err)
	}
	recent, _ = s.MostRecentAccount(ctx, "u1", domain.PlatformSlack)
	if recent == nil || recent.ID != "a2" {
		t.Errorf("disabled account must not be returned, got %+v", recent)
	}
}

func TestStore_UpdateRuntimeConfig(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedAccount(t, s, "a1", domain.PlatformTelegram, "100")

	cfg := domain.DefaultRuntimeConfig()
	cfg.Model = "gpt-4o-mini"
	cfg.ContactRules = map[string]domain.ContactRule{"bob": {AutoReply: false, Instructions: "be brief"}}
	if err := s.UpdateRuntimeConfig(ctx, "a1", cfg); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.RuntimeConfig.Equal(cfg) {
		t.Errorf("config mismatch: %+v", got.RuntimeConfig)
	}

	if err := s.UpdateRuntimeConfig(ctx, "missing", cfg); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestStore_RecordInboundDedupe(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := domain.ChannelMessage{AccountID: "a1", ExternalMessageID: "m-1", Content: "hi"}
	first, err := s.RecordInbound(ctx, rec)
	if err != nil || !first {
		t.Fatalf("first insert: %v, %v", first, err)
	}
	second, err := s.RecordInbound(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Error("replayed message should be reported as duplicate")
	}

	// Same id on another account is a different message.
	other, _ := s.RecordInbound(ctx, domain.ChannelMessage{AccountID: "a2", ExternalMessageID: "m-1"})
	if !other {
		t.Error("dedupe must be scoped per account")
	}

	// Outbound rows never collide with inbound dedupe.
	if err := s.RecordOutbound(ctx, domain.ChannelMessage{AccountID: "a1", ExternalMessageID: "m-1"}); err != nil {
		t.Fatal(err)
	}

	n, _ := s.InboundCount(ctx, "a1")
	if n != 1 {
		t.Errorf("expected 1 inbound row, got %d", n)
	}
}

func TestStore_EditAndDeleteInbound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.RecordInbound(ctx, domain.ChannelMessage{AccountID: "a1", ExternalMessageID: "m-1", Content: "old"})

	if err := s.UpdateInbound(ctx, "a1", "m-1", "new"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkInboundDeleted(ctx, "a1", "m-1"); err != nil {
		t.Fatal(err)
	}

	var rec domain.ChannelMessage
	if err := s.db.Get(&rec, `SELECT account_id, direction, external_message_id, external_channel_id, thread_id,
		sender_id, content, content_kind, deleted, created_at FROM channel_messages WHERE external_message_id = 'm-1'`); err != nil {
		t.Fatal(err)
	}
	if rec.Content != "new" || !rec.Deleted {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestStore_ThreadsAndHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := domain.NewThreadKey(domain.PlatformDiscord, "chan", "")
	proto := domain.ConversationThread{AccountID: "a1", UserID: "u1", Key: key, Platform: domain.PlatformDiscord, ExternalChannelID: "chan"}

	t1, err := s.GetOrCreateThread(ctx, proto)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := s.GetOrCreateThread(ctx, proto)
	if err != nil {
		t.Fatal(err)
	}
	if t1.ID != t2.ID {
		t.Fatalf("same key resolved to two threads: %s vs %s", t1.ID, t2.ID)
	}
	if t1.ThreadID != domain.MainThread || string(t1.Key) != "discord:chan:main" {
		t.Errorf("unexpected thread identity: %+v", t1)
	}

	for i, c := range []string{"one", "two", "three"} {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		if _, err := s.AppendMessage(ctx, domain.StoredMessage{
			ConversationID: t1.ID, Role: role, Content: c,
			Metadata: domain.MessageMetadata{Platform: domain.PlatformDiscord, TotalTokens: i},
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.RecentMessages(ctx, t1.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("expected [two three] oldest first, got %+v", msgs)
	}
	if msgs[1].Metadata.TotalTokens != 2 {
		t.Errorf("metadata not round-tripped: %+v", msgs[1].Metadata)
	}

	if err := s.ClearMessages(ctx, t1.ID); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := s.RecentMessages(ctx, t1.ID, 10); len(msgs) != 0 {
		t.Errorf("expected empty history after clear, got %d", len(msgs))
	}
}

func TestStore_IncrementStatsConcurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedAccount(t, s, "a1", domain.PlatformTelegram, "1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementStats(ctx, "a1", 1, 10, time.Now()); err != nil {
				t.Errorf("IncrementStats: %v", err)
			}
		}()
	}
	wg.Wait()

	st, err := s.GetStats(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if st.MessageCount != 20 || st.TokensUsed != 200 {
		t.Errorf("expected 20 messages / 200 tokens, got %d / %d", st.MessageCount, st.TokensUsed)
	}
}

func TestStore_RulesOrderedByPriority(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	start := 22
	for _, r := range []domain.AutoReplyRule{
		{ID: "low", UserID: "u1", Priority: 1, TriggerType: domain.TriggerAll, ActionType: domain.ActionIgnore, IsEnabled: true},
		{ID: "high", UserID: "u1", Priority: 10, TriggerType: domain.TriggerKeyword, TriggerPattern: "help",
			ActionType: domain.ActionReply, ActionConfig: domain.ActionConfig{Template: "hi {sender}"}, IsEnabled: true},
		{ID: "night", UserID: "u1", Priority: 5, TriggerType: domain.TriggerTime,
			TriggerConfig: domain.TriggerConfig{StartHour: &start}, ActionType: domain.ActionIgnore, IsEnabled: true},
		{ID: "other", UserID: "u2", Priority: 99, TriggerType: domain.TriggerAll, ActionType: domain.ActionIgnore, IsEnabled: true},
	} {
		if err := s.SaveRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	rules, err := s.ListRules(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	if strings.Join(ids, ",") != "high,night,low" {
		t.Fatalf("unexpected order: %v", ids)
	}
	if rules[0].ActionConfig.Template != "hi {sender}" {
		t.Errorf("action config lost: %+v", rules[0].ActionConfig)
	}
	if rules[1].TriggerConfig.StartHour == nil || *rules[1].TriggerConfig.StartHour != 22 {
		t.Errorf("trigger config lost: %+v", rules[1].TriggerConfig)
	}

	if err := s.SetRuleEnabled(ctx, "high", false); err != nil {
		t.Fatal(err)
	}
	rules, _ = s.ListRules(ctx, "u1")
	if rules[0].IsEnabled {
		t.Error("rule should be disabled")
	}
}

func TestRecaller_MemoriesThenOtherThreads(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	acct := seedAccount(t, s, "a1", domain.PlatformSlack, "C1")

	r := NewRecaller(RecallerConfig{Conversations: s, Memories: s, Logger: testLogger()})
	if err := r.Remember(ctx, acct, "t-old", "My name is Ada and I prefer tea", "Noted"); err != nil {
		t.Fatal(err)
	}

	old, _ := s.GetOrCreateThread(ctx, domain.ConversationThread{AccountID: "a1", Key: "slack:C1:old", Platform: domain.PlatformSlack})
	cur, _ := s.GetOrCreateThread(ctx, domain.ConversationThread{AccountID: "a1", Key: "slack:C1:main", Platform: domain.PlatformSlack})
	s.AppendMessage(ctx, domain.StoredMessage{ConversationID: old.ID, Role: domain.RoleUser, Content: "we talked about tea"})
	s.AppendMessage(ctx, domain.StoredMessage{ConversationID: cur.ID, Role: domain.RoleUser, Content: "current thread text"})

	got, err := r.Recall(ctx, acct, cur.ID, "what tea do I prefer")
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(got, "\n")
	if !strings.Contains(joined, "[fact] My name is Ada") {
		t.Errorf("expected stored fact, got %q", joined)
	}
	if !strings.Contains(joined, "user: we talked about tea") {
		t.Errorf("expected other thread turn, got %q", joined)
	}
	if strings.Contains(joined, "current thread text") {
		t.Error("current thread must not be recalled")
	}
}

func TestRecaller_Budget(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	acct := seedAccount(t, s, "a1", domain.PlatformSlack, "C1")

	for i := 0; i < 10; i++ {
		s.SaveMemory(ctx, domain.MemoryEntry{AccountID: "a1", Category: "fact", Content: strings.Repeat("tea ", 20), Importance: 5})
	}
	r := NewRecaller(RecallerConfig{Memories: s, MaxChars: 200})
	got, _ := r.Recall(ctx, acct, "", "tea")

	total := 0
	for _, g := range got {
		total += len(g)
	}
	if total > 200 || len(got) == 0 {
		t.Errorf("budget violated or nothing recalled: %d chars in %d items", total, len(got))
	}
}
