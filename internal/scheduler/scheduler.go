// Package scheduler replays configured prompts into the message pipeline on
// cron schedules. Replayed messages carry Scheduled=true so the processor
// skips commands and auto-reply rules for them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"omnichat/internal/bus"
	"omnichat/internal/domain"
)

// Handler processes one message for userID, like the manager's handler.
type Handler func(ctx context.Context, userID string, msg domain.NormalizedMessage) domain.ProcessingResult

type AccountGetter interface {
	GetAccount(ctx context.Context, id string) (*domain.ChannelAccount, error)
}

// Task replays Prompt into an account's channel on a cron schedule.
type Task struct {
	ID        string
	Name      string
	Cron      string
	AccountID string
	ChannelID string // defaults to the account's channel
	Prompt    string
}

type Config struct {
	Accounts AccountGetter
	Handler  Handler
	// Dispatcher, when set, orders runs behind inbound messages of the
	// same thread. Without it runs execute on the cron goroutine.
	Dispatcher *bus.Dispatcher
	Events     *bus.EventBus
	Location   *time.Location
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Scheduler owns a cron runner and the tasks registered on it.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]Task
	entries map[string]cron.EntryID
	now     func() time.Time
}

var ErrTaskNotFound = errors.New("scheduled task not found")

func New(cfg Config) (*Scheduler, error) {
	if cfg.Accounts == nil || cfg.Handler == nil {
		return nil, errors.New("scheduler needs an account store and a handler")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cfg.Logger.With("component", "scheduler")
	return &Scheduler{
		cfg:    cfg,
		parser: parser,
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(cfg.Location),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
		),
		tasks:   make(map[string]Task),
		entries: make(map[string]cron.EntryID),
		now:     time.Now,
	}, nil
}

// Add registers a task. Adding an id that already exists replaces it.
func (s *Scheduler) Add(task Task) error {
	if task.ID == "" || task.AccountID == "" || task.Prompt == "" {
		return fmt.Errorf("task %q: id, account and prompt are required", task.ID)
	}
	if _, err := s.parser.Parse(task.Cron); err != nil {
		return fmt.Errorf("task %q: invalid cron %q: %w", task.ID, task.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[task.ID]; ok {
		s.cron.Remove(id)
	}
	id, err := s.cron.AddFunc(task.Cron, func() { s.fire(task.ID) })
	if err != nil {
		return fmt.Errorf("task %q: %w", task.ID, err)
	}
	s.tasks[task.ID] = task
	s.entries[task.ID] = id
	s.logger.Info("scheduled task added", "id", task.ID, "cron", task.Cron, "account", task.AccountID)
	return nil
}

func (s *Scheduler) Remove(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	s.cron.Remove(id)
	delete(s.entries, taskID)
	delete(s.tasks, taskID)
	s.logger.Info("scheduled task removed", "id", taskID)
	return nil
}

// TaskStatus describes a registered task and its next fire time.
type TaskStatus struct {
	Task
	Next time.Time
	Prev time.Time
}

func (s *Scheduler) List() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for id, t := range s.tasks {
		e := s.cron.Entry(s.entries[id])
		out = append(out, TaskStatus{Task: t, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(s.cron.Entries()))
}

// Stop halts the cron runner and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes a task immediately and waits for its result.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) (domain.ProcessingResult, error) {
	task, ok := s.task(taskID)
	if !ok {
		return domain.ProcessingResult{}, ErrTaskNotFound
	}
	userID, msg, err := s.prepare(ctx, task)
	if err != nil {
		s.report(task, "skipped", err)
		return domain.ProcessingResult{}, err
	}
	res := s.cfg.Handler(ctx, userID, msg)
	s.reportResult(task, res)
	return res, nil
}

func (s *Scheduler) task(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *Scheduler) fire(taskID string) {
	task, ok := s.task(taskID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	userID, msg, err := s.prepare(ctx, task)
	cancel()
	if err != nil {
		s.logger.Warn("scheduled task skipped", "id", task.ID, "err", err)
		s.report(task, "skipped", err)
		return
	}

	run := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		s.reportResult(task, s.cfg.Handler(ctx, userID, msg))
	}
	if s.cfg.Dispatcher == nil {
		run(context.Background())
		return
	}
	key := task.AccountID + "|" + string(domain.ThreadKeyFor(msg))
	if err := s.cfg.Dispatcher.Submit(key, run); err != nil {
		s.logger.Warn("scheduled task rejected by dispatcher", "id", task.ID, "err", err)
		s.report(task, "skipped", err)
	}
}

// prepare resolves the task's account and builds the replayed message.
func (s *Scheduler) prepare(ctx context.Context, task Task) (string, domain.NormalizedMessage, error) {
	acct, err := s.cfg.Accounts.GetAccount(ctx, task.AccountID)
	if err != nil {
		return "", domain.NormalizedMessage{}, fmt.Errorf("load account %s: %w", task.AccountID, err)
	}
	if !acct.IsActive {
		return "", domain.NormalizedMessage{}, fmt.Errorf("account %s is disabled", acct.ID)
	}
	channel := task.ChannelID
	if channel == "" {
		channel = acct.ExternalChannelID
	}
	now := s.now().UTC()
	msg := domain.NormalizedMessage{
		ID:                fmt.Sprintf("sched-%s-%d", task.ID, now.UnixNano()),
		Platform:          acct.Platform,
		ExternalChannelID: channel,
		Content:           task.Prompt,
		ContentKind:       domain.ContentText,
		Sender:            domain.Sender{ID: "scheduler", DisplayName: "Scheduler"},
		Timestamp:         now,
		Scheduled:         true,
	}
	return acct.UserID, msg, nil
}

func (s *Scheduler) reportResult(task Task, res domain.ProcessingResult) {
	if !res.Success {
		s.logger.Warn("scheduled task failed", "id", task.ID, "error", res.Error)
		s.report(task, "failed", errors.New(res.Error))
		return
	}
	s.logger.Info("scheduled task ran", "id", task.ID, "outcome", res.Outcome)
	s.report(task, "ok", nil)
}

func (s *Scheduler) report(task Task, outcome string, err error) {
	payload := map[string]any{"task_id": task.ID, "account_id": task.AccountID, "outcome": outcome}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.cfg.Events.Emit(bus.Event{Type: bus.EventScheduledRun, Source: "scheduler", Payload: payload})
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "err", err)...)
}
