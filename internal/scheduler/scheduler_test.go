package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"omnichat/internal/bus"
	"omnichat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAccounts map[string]domain.ChannelAccount

func (f fakeAccounts) GetAccount(ctx context.Context, id string) (*domain.ChannelAccount, error) {
	a, ok := f[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &a, nil
}

type recorder struct {
	mu    sync.Mutex
	users []string
	msgs  []domain.NormalizedMessage
	done  chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{}, 16)} }

func (r *recorder) handle(ctx context.Context, userID string, msg domain.NormalizedMessage) domain.ProcessingResult {
	r.mu.Lock()
	r.users = append(r.users, userID)
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.done <- struct{}{}
	return domain.ProcessingResult{Success: true, Outcome: domain.OutcomeReplied}
}

func accounts() fakeAccounts {
	return fakeAccounts{
		"a1":  {ID: "a1", UserID: "u1", Platform: domain.PlatformTelegram, ExternalChannelID: "chat-1", IsActive: true},
		"off": {ID: "off", UserID: "u1", Platform: domain.PlatformSlack, ExternalChannelID: "C1"},
	}
}

func newTestScheduler(t *testing.T, rec *recorder, events *bus.EventBus) *Scheduler {
	t.Helper()
	s, err := New(Config{Accounts: accounts(), Handler: rec.handle, Events: events, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without accounts and handler")
	}
}

func TestAdd_Validates(t *testing.T) {
	s := newTestScheduler(t, newRecorder(), nil)

	if err := s.Add(Task{ID: "t1", Cron: "not a cron", AccountID: "a1", Prompt: "hi"}); err == nil {
		t.Error("expected invalid cron error")
	}
	if err := s.Add(Task{ID: "t1", Cron: "@daily", AccountID: "a1"}); err == nil {
		t.Error("expected missing prompt error")
	}
	if err := s.Add(Task{ID: "t1", Cron: "0 9 * * 1-5", AccountID: "a1", Prompt: "standup"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Replacing keeps a single entry.
	if err := s.Add(Task{ID: "t1", Cron: "@hourly", AccountID: "a1", Prompt: "standup"}); err != nil {
		t.Fatal(err)
	}
	if got := s.List(); len(got) != 1 || got[0].Cron != "@hourly" {
		t.Fatalf("expected one replaced task, got %+v", got)
	}
}

func TestRunNow_BuildsScheduledMessage(t *testing.T) {
	rec := newRecorder()
	s := newTestScheduler(t, rec, nil)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	_ = s.Add(Task{ID: "digest", Cron: "@daily", AccountID: "a1", Prompt: "Summarise today's news"})

	res, err := s.RunNow(context.Background(), "digest")
	if err != nil || !res.Success {
		t.Fatalf("RunNow: %+v, %v", res, err)
	}
	msg := rec.msgs[0]
	if !msg.Scheduled || msg.Content != "Summarise today's news" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Platform != domain.PlatformTelegram || msg.ExternalChannelID != "chat-1" {
		t.Fatalf("message should target the account channel, got %+v", msg)
	}
	if rec.users[0] != "u1" {
		t.Fatalf("expected the account owner, got %s", rec.users[0])
	}
	if msg.ID == "" || msg.Timestamp.IsZero() {
		t.Fatal("message id and timestamp must be set")
	}
}

func TestRunNow_SkipsDisabledAccount(t *testing.T) {
	rec := newRecorder()
	events := bus.NewEventBus(testLogger())
	var outcomes []string
	events.On(bus.EventScheduledRun, func(e bus.Event) { outcomes = append(outcomes, e.String("outcome")) })

	s := newTestScheduler(t, rec, events)
	_ = s.Add(Task{ID: "t", Cron: "@daily", AccountID: "off", Prompt: "x"})

	if _, err := s.RunNow(context.Background(), "t"); err == nil {
		t.Fatal("expected error for disabled account")
	}
	if len(rec.msgs) != 0 {
		t.Fatal("handler must not run for a disabled account")
	}
	if len(outcomes) != 1 || outcomes[0] != "skipped" {
		t.Fatalf("expected a skipped event, got %v", outcomes)
	}
}

func TestRunNow_UnknownTask(t *testing.T) {
	s := newTestScheduler(t, newRecorder(), nil)
	if _, err := s.RunNow(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := s.Remove("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestFire_GoesThroughDispatcher(t *testing.T) {
	rec := newRecorder()
	d := bus.NewDispatcher(context.Background(), 2, testLogger())
	defer d.Close(context.Background())

	s, err := New(Config{Accounts: accounts(), Handler: rec.handle, Dispatcher: d, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Add(Task{ID: "t", Cron: "@daily", AccountID: "a1", Prompt: "ping"})
	s.fire("t")

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatched task did not run")
	}
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(t, newRecorder(), nil)
	_ = s.Add(Task{ID: "t", Cron: "@every 1h", AccountID: "a1", Prompt: "x"})
	s.Start()

	list := s.List()
	if len(list) != 1 || list[0].Next.IsZero() {
		t.Fatalf("started task should have a next run, got %+v", list)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
