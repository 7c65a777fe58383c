package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"omnichat/internal/bus"
	"omnichat/internal/domain"
)

const (
	defaultMaxSteps          = 5
	defaultMaxTokens         = 1024
	defaultGenerationTimeout = 2 * time.Minute

	transcriptionPlaceholder = "[Voice message: the audio could not be transcribed]"
)

// Sender delivers a reply through whichever connector serves the channel.
// channel.Manager satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, userID string, p domain.Platform, channelID, content string, opts domain.SendOptions) (string, error)
}

// ProcessorConfig wires the processor. Accounts, Conversations, Sender and
// Generator are required; every other capability is optional and its stage
// is skipped when nil.
type ProcessorConfig struct {
	Accounts      domain.AccountStore
	Conversations domain.ConversationStore
	Rules         domain.RuleStore
	Stats         domain.StatsStore
	Sender        Sender
	Generator     domain.Generator

	Transcriber domain.Transcriber
	Retriever   domain.Retriever
	Files       domain.FileSearcher
	Memory      domain.MemoryRecaller
	Humanizer   domain.Humanizer
	Skills      domain.SkillProvider
	Tools       ToolSource
	Prompt      *PromptBuilder
	Events      *bus.EventBus

	Admin               AdminFlags
	DeniedTools         []string
	DisplayNameFallback []domain.Platform // nil = DefaultDisplayNameFallback

	DefaultModel      string
	DefaultMaxTokens  int
	MaxSteps          int
	ContextTimeout    time.Duration
	GenerationTimeout time.Duration
	RAGTopK           int
	FileSearchLimit   int
	RateBurst         int
	RatePerMinute     float64

	Logger *slog.Logger
	Now    func() time.Time
}

// Processor turns one inbound message into at most one reply.
type Processor struct {
	accounts    domain.AccountStore
	convs       domain.ConversationStore
	rules       domain.RuleStore
	stats       domain.StatsStore
	sender      Sender
	generator   domain.Generator
	transcriber domain.Transcriber
	retriever   domain.Retriever
	files       domain.FileSearcher
	memory      domain.MemoryRecaller
	humanizer   domain.Humanizer
	skills      domain.SkillProvider
	tools       ToolSource
	prompt      *PromptBuilder
	events      *bus.EventBus

	admin          AdminFlags
	deniedTools    []string
	nameFallback   []domain.Platform
	defaultModel   string
	maxTokens      int
	maxSteps       int
	contextTimeout time.Duration
	genTimeout     time.Duration
	ragTopK        int
	fileLimit      int

	matcher  *RuleMatcher
	limiters *accountLimiters
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	switch {
	case cfg.Accounts == nil:
		return nil, errors.New("processor: account store is required")
	case cfg.Conversations == nil:
		return nil, errors.New("processor: conversation store is required")
	case cfg.Sender == nil:
		return nil, errors.New("processor: sender is required")
	case cfg.Generator == nil:
		return nil, errors.New("processor: generator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPromptBuilder(PromptConfig{Logger: cfg.Logger})
	}
	if cfg.DisplayNameFallback == nil {
		cfg.DisplayNameFallback = DefaultDisplayNameFallback
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = defaultMaxTokens
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.ContextTimeout <= 0 {
		cfg.ContextTimeout = defaultContextTimeout
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if cfg.RAGTopK <= 0 {
		cfg.RAGTopK = defaultRAGTopK
	}
	if cfg.FileSearchLimit <= 0 {
		cfg.FileSearchLimit = defaultFileLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Processor{
		accounts:       cfg.Accounts,
		convs:          cfg.Conversations,
		rules:          cfg.Rules,
		stats:          cfg.Stats,
		sender:         cfg.Sender,
		generator:      cfg.Generator,
		transcriber:    cfg.Transcriber,
		retriever:      cfg.Retriever,
		files:          cfg.Files,
		memory:         cfg.Memory,
		humanizer:      cfg.Humanizer,
		skills:         cfg.Skills,
		tools:          cfg.Tools,
		prompt:         cfg.Prompt,
		events:         cfg.Events,
		admin:          cfg.Admin,
		deniedTools:    cfg.DeniedTools,
		nameFallback:   cfg.DisplayNameFallback,
		defaultModel:   cfg.DefaultModel,
		maxTokens:      cfg.DefaultMaxTokens,
		maxSteps:       cfg.MaxSteps,
		contextTimeout: cfg.ContextTimeout,
		genTimeout:     cfg.GenerationTimeout,
		ragTopK:        cfg.RAGTopK,
		fileLimit:      cfg.FileSearchLimit,
		matcher:        NewRuleMatcher(),
		limiters:       newAccountLimiters(cfg.RateBurst, cfg.RatePerMinute),
		logger:         cfg.Logger.With("component", "processor"),
		now:            cfg.Now,
	}, nil
}

// ProcessMessage runs the full pipeline for msg. It never panics and never
// returns raw provider errors to the user: the user sees a reply, an
// apology, or nothing.
func (p *Processor) ProcessMessage(ctx context.Context, userID string, msg domain.NormalizedMessage) (res domain.ProcessingResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing message",
				"message_id", msg.ID, "platform", msg.Platform, "panic", r, "stack", string(debug.Stack()))
			res = domain.ProcessingResult{Outcome: domain.OutcomeFailed, ConversationID: res.ConversationID, Error: "internal error"}
		}
		if !res.Success {
			p.emit(bus.EventProcessingFailed, map[string]any{
				"platform": string(msg.Platform), "message_id": msg.ID, "error": res.Error,
			})
		}
		p.logger.Debug("message processed", "message_id", msg.ID, "outcome", res.Outcome,
			"success", res.Success, "duration_ms", time.Since(start).Milliseconds())
	}()

	acct, err := p.resolveAccount(ctx, userID, msg)
	if err != nil {
		return failed("", fmt.Errorf("resolve account: %w", err))
	}

	meta := domain.MessageMetadata{
		Platform:          msg.Platform,
		ExternalMessageID: msg.ID,
		SenderID:          msg.Sender.ID,
		SenderName:        msg.Sender.DisplayName,
		Scheduled:         msg.Scheduled,
	}
	msg = p.transcribe(ctx, msg, &meta)

	var contact domain.ContactRule
	if !msg.Scheduled {
		// Only owners run commands; from anyone else a command is ordinary
		// text and goes through the contact gate below.
		if cmd := ParseCommand(msg.Content); cmd != nil && acct.RuntimeConfig.IsOwner(msg.Sender.ID) {
			if r, handled := p.runCommand(ctx, userID, acct, msg, cmd); handled {
				return r
			}
		}

		rule, hasRule := ResolveContactRule(acct.RuntimeConfig.ContactRules, msg.Sender, msg.Platform, p.nameFallback)
		if hasRule && !rule.AutoReply {
			p.logger.Debug("sender suppressed by contact rule", "account", acct.ID, "sender", msg.Sender.ID)
			return domain.ProcessingResult{Success: true, Outcome: domain.OutcomeSuppressed}
		}

		if r, matched := p.applyRules(ctx, userID, acct, msg); matched {
			return r
		}

		if !hasRule && !acct.RuntimeConfig.AutoReplyEnabled {
			return domain.ProcessingResult{Success: true, Outcome: domain.OutcomeDisabled}
		}
		contact = rule
	}

	if strings.TrimSpace(msg.Content) == "" && len(msg.Images()) == 0 {
		return domain.ProcessingResult{Success: true, Outcome: domain.OutcomeDisabled}
	}

	return p.generateReply(ctx, userID, acct, msg, contact, meta)
}

func (p *Processor) generateReply(ctx context.Context, userID string, acct *domain.ChannelAccount, msg domain.NormalizedMessage, contact domain.ContactRule, meta domain.MessageMetadata) domain.ProcessingResult {
	cfg := acct.RuntimeConfig

	thread, err := p.thread(ctx, userID, acct, msg)
	if err != nil {
		return failed("", err)
	}

	receivedAt := msg.Timestamp
	if receivedAt.IsZero() {
		receivedAt = p.now()
	}
	inboundID, err := p.convs.AppendMessage(ctx, domain.StoredMessage{
		ConversationID: thread.ID,
		Role:           domain.RoleUser,
		Content:        msg.Content,
		Metadata:       meta,
		CreatedAt:      receivedAt,
	})
	if err != nil {
		return failed(thread.ID, fmt.Errorf("persist inbound: %w", err))
	}

	tc := p.gatherContext(ctx, userID, *acct, thread.ID, msg.Content)
	system, injected := p.prompt.BuildSystemPrompt(ctx, PromptInput{
		UserID:              userID,
		Account:             *acct,
		Message:             msg,
		ContactInstructions: contact.Instructions,
		Memories:            tc.Memories,
		Knowledge:           tc.Knowledge,
		Files:               tc.Files,
		Now:                 p.now(),
	})
	if injected {
		p.logger.Warn("neutralized instructions in retrieved context", "account", acct.ID, "conversation", thread.ID)
		p.emit(bus.EventInjectionBlocked, map[string]any{"account_id": acct.ID, "conversation_id": thread.ID})
	}

	tools := p.selectTools(cfg)

	limit := historyLimit(cfg)
	var history []domain.Message
	stored, err := p.convs.RecentMessages(ctx, thread.ID, limit+1)
	if err != nil {
		p.logger.Warn("history unavailable, answering without it", "conversation", thread.ID, "err", err)
	} else {
		history = trimHistory(stored, inboundID, limit)
	}

	model := orDefault(cfg.Model, p.defaultModel)
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	current := CurrentTurn(msg, p.generator.SupportsVision(model))
	gen := p.generate(ctx, acct.ID, domain.GenerationRequest{
		Messages:  p.prompt.BuildMessages(system, len(tools) > 0, history, current),
		Tools:     tools,
		Model:     model,
		MaxTokens: maxTokens,
		MaxSteps:  p.maxSteps,
	})
	if gen.Err != nil {
		p.logger.Warn("generation ended with error", "account", acct.ID, "conversation", thread.ID,
			"steps", gen.Steps, "tool_results", len(gen.Results), "err", gen.Err)
	}

	reply := strings.TrimSpace(gen.Text)
	fallback := false
	switch {
	case reply == "" && len(gen.Results) > 0:
		reply = ComposeFallback(gen.Results, gen.Err != nil)
		fallback = true
	case reply == "":
		reply = ApologyText
		fallback = true
	}
	if fallback {
		p.emit(bus.EventFallbackUsed, map[string]any{
			"account_id": acct.ID, "tool_results": len(gen.Results), "stream_error": gen.Err != nil,
		})
	}

	humanized := false
	if !fallback && cfg.Humanizer.Enabled() && p.humanizer != nil {
		if h, err := p.humanizer.Humanize(ctx, reply, cfg.Humanizer); err != nil {
			p.logger.Warn("humanizer failed, sending original reply", "account", acct.ID, "err", err)
		} else if strings.TrimSpace(h) != "" {
			reply, humanized = h, true
		}
	}

	sentID, err := p.send(ctx, userID, msg, reply)
	if err != nil {
		return failed(thread.ID, fmt.Errorf("send reply: %w", err))
	}

	out := meta
	out.ExternalMessageID = sentID
	out.SenderID, out.SenderName = "", ""
	out.Model = model
	out.PromptTokens = gen.Usage.PromptTokens
	out.CompletionTokens = gen.Usage.CompletionTokens
	out.TotalTokens = gen.Usage.TotalTokens
	out.MemoryUsed = tc.memoryUsed()
	out.RAGUsed = tc.ragUsed()
	out.FileSearchUsed = tc.fileSearchUsed()
	out.ToolsUsed = resultNames(gen.Results)
	out.Fallback = fallback
	out.Humanized = humanized
	if _, err := p.convs.AppendMessage(ctx, domain.StoredMessage{
		ConversationID: thread.ID,
		Role:           domain.RoleAssistant,
		Content:        reply,
		Metadata:       out,
		CreatedAt:      p.now(),
	}); err != nil {
		res := failed(thread.ID, fmt.Errorf("persist reply: %w", err))
		res.ResponseMessageID = sentID
		return res
	}

	p.recordStats(ctx, acct.ID, int64(gen.Usage.TotalTokens))

	if cfg.MemoryEnabled && p.memory != nil && !fallback {
		if err := p.memory.Remember(ctx, *acct, thread.ID, msg.Content, reply); err != nil {
			p.logger.Warn("failed to store memories", "account", acct.ID, "err", err)
		}
	}

	p.emit(bus.EventReplySent, map[string]any{
		"account_id":      acct.ID,
		"platform":        string(msg.Platform),
		"conversation_id": thread.ID,
		"tokens":          gen.Usage.TotalTokens,
		"fallback":        fallback,
		"tools":           toolNames(tools),
	})
	return domain.ProcessingResult{
		Success:           true,
		Outcome:           domain.OutcomeReplied,
		ConversationID:    thread.ID,
		ResponseMessageID: sentID,
		TokensUsed:        gen.Usage.TotalTokens,
	}
}

// resolveAccount prefers the account bound to the exact channel and falls
// back to the most recently active account of the platform.
func (p *Processor) resolveAccount(ctx context.Context, userID string, msg domain.NormalizedMessage) (*domain.ChannelAccount, error) {
	acct, err := p.accounts.FindAccount(ctx, userID, msg.Platform, msg.ExternalChannelID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, err
	}
	return p.accounts.MostRecentAccount(ctx, userID, msg.Platform)
}

func (p *Processor) thread(ctx context.Context, userID string, acct *domain.ChannelAccount, msg domain.NormalizedMessage) (*domain.ConversationThread, error) {
	t, err := p.convs.GetOrCreateThread(ctx, domain.ConversationThread{
		AccountID:         acct.ID,
		UserID:            userID,
		Key:               domain.ThreadKeyFor(msg),
		Platform:          msg.Platform,
		ExternalChannelID: msg.ExternalChannelID,
		ThreadID:          orDefault(msg.ThreadID, domain.MainThread),
	})
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}
	return t, nil
}

// transcribe replaces a voice message's content with its transcript, or with
// a placeholder when transcription is unavailable.
func (p *Processor) transcribe(ctx context.Context, msg domain.NormalizedMessage, meta *domain.MessageMetadata) domain.NormalizedMessage {
	if !msg.IsVoice() {
		return msg
	}
	caption := strings.TrimSpace(msg.Content)
	join := func(text string) string {
		if caption == "" {
			return text
		}
		return caption + "\n\n" + text
	}

	audio, ok := msg.AudioAttachment()
	if !ok || p.transcriber == nil {
		meta.TranscriptionFailed = true
		return msg.WithContent(join(transcriptionPlaceholder))
	}
	text, err := p.transcriber.Transcribe(ctx, audio)
	if err != nil || strings.TrimSpace(text) == "" {
		p.logger.Warn("transcription failed", "message_id", msg.ID, "platform", msg.Platform, "err", err)
		meta.TranscriptionFailed = true
		return msg.WithContent(join(transcriptionPlaceholder))
	}
	meta.VoiceTranscribed = true
	return msg.WithContent(join(strings.TrimSpace(text)))
}

// runCommand handles a slash command. handled=false means the text is not a
// known command and continues through the pipeline.
func (p *Processor) runCommand(ctx context.Context, userID string, acct *domain.ChannelAccount, msg domain.NormalizedMessage, cmd *ChatCommand) (domain.ProcessingResult, bool) {
	env := CommandEnv{Account: *acct, Sender: msg.Sender}
	if cmd.Name == "status" && p.stats != nil {
		if st, err := p.stats.GetStats(ctx, acct.ID); err == nil {
			env.Stats = st
		}
	}
	res := HandleCommand(cmd, env)
	if !res.Handled {
		return domain.ProcessingResult{}, false
	}

	var convID string
	if !res.Config.Equal(acct.RuntimeConfig) {
		if err := p.accounts.UpdateRuntimeConfig(ctx, acct.ID, res.Config); err != nil {
			p.logger.Error("failed to save runtime config", "account", acct.ID, "command", cmd.Name, "err", err)
			p.send(ctx, userID, msg, "Sorry, that setting couldn't be saved. Please try again.")
			return failed("", fmt.Errorf("update runtime config: %w", err)), true
		}
		acct.RuntimeConfig = res.Config
	}
	if res.ClearHistory {
		t, err := p.thread(ctx, userID, acct, msg)
		if err == nil {
			err = p.convs.ClearMessages(ctx, t.ID)
		}
		if err != nil {
			return failed("", fmt.Errorf("clear history: %w", err)), true
		}
		convID = t.ID
	}

	sentID, err := p.send(ctx, userID, msg, res.Response)
	if err != nil {
		return failed(convID, fmt.Errorf("send command reply: %w", err)), true
	}
	p.recordStats(ctx, acct.ID, 0)
	p.emit(bus.EventCommandHandled, map[string]any{"account_id": acct.ID, "command": cmd.Name})
	return domain.ProcessingResult{
		Success:           true,
		Outcome:           domain.OutcomeCommand,
		ConversationID:    convID,
		ResponseMessageID: sentID,
	}, true
}

// applyRules runs the first matching auto-reply rule. A rule store error
// disables rules for this message only.
func (p *Processor) applyRules(ctx context.Context, userID string, acct *domain.ChannelAccount, msg domain.NormalizedMessage) (domain.ProcessingResult, bool) {
	if p.rules == nil {
		return domain.ProcessingResult{}, false
	}
	rules, err := p.rules.ListRules(ctx, userID)
	if err != nil {
		p.logger.Warn("auto-reply rules unavailable", "user", userID, "err", err)
		return domain.ProcessingResult{}, false
	}
	rule := p.matcher.Match(rules, *acct, msg, p.now())
	if rule == nil {
		return domain.ProcessingResult{}, false
	}
	p.emit(bus.EventRuleMatched, map[string]any{"account_id": acct.ID, "rule_id": rule.ID, "action": string(rule.ActionType)})

	if rule.ActionType != domain.ActionReply {
		return domain.ProcessingResult{Success: true, Outcome: domain.OutcomeRule}, true
	}
	text := strings.TrimSpace(RenderTemplate(rule.ActionConfig.Template, msg))
	if text == "" {
		return domain.ProcessingResult{Success: true, Outcome: domain.OutcomeRule}, true
	}
	sentID, err := p.send(ctx, userID, msg, text)
	if err != nil {
		return failed("", fmt.Errorf("send rule reply: %w", err)), true
	}
	p.recordStats(ctx, acct.ID, 0)
	return domain.ProcessingResult{Success: true, Outcome: domain.OutcomeRule, ResponseMessageID: sentID}, true
}

func (p *Processor) selectTools(cfg domain.RuntimeConfig) []domain.Tool {
	var registered, skills []domain.Tool
	if p.tools != nil {
		registered = p.tools.All()
	}
	if p.skills != nil {
		skills = p.skills.SkillTools()
	}
	return SelectTools(registered, skills, cfg, p.admin, p.deniedTools)
}

func (p *Processor) send(ctx context.Context, userID string, msg domain.NormalizedMessage, text string) (string, error) {
	opts := domain.SendOptions{ThreadID: msg.ThreadID}
	if !msg.Scheduled {
		opts.ReplyTo = msg.ID
	}
	return p.sender.SendMessage(ctx, userID, msg.Platform, msg.ExternalChannelID, text, opts)
}

// recordStats counts one inbound and one outbound message.
func (p *Processor) recordStats(ctx context.Context, accountID string, tokens int64) {
	if p.stats == nil {
		return
	}
	if err := p.stats.IncrementStats(ctx, accountID, 2, tokens, p.now()); err != nil {
		p.logger.Warn("failed to update account stats", "account", accountID, "err", err)
	}
}

func (p *Processor) emit(typ string, payload map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Emit(bus.Event{Type: typ, Source: "processor", Payload: payload})
}

func failed(convID string, err error) domain.ProcessingResult {
	return domain.ProcessingResult{Outcome: domain.OutcomeFailed, ConversationID: convID, Error: err.Error()}
}

func resultNames(results []domain.ToolResult) []string {
	var names []string
	seen := make(map[string]bool)
	for _, r := range results {
		if !seen[r.Name] {
			seen[r.Name] = true
			names = append(names, r.Name)
		}
	}
	return names
}
