package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"omnichat/internal/domain"
)

type RecallerConfig struct {
	Conversations domain.ConversationStore
	Memories      domain.MemoryStore
	MaxChars      int // total budget for returned snippets (default 2000)
	MaxThreads    int // other threads scanned (default 3)
	PerThread     int // turns taken from each thread (default 6)
	Logger        *slog.Logger
}

// Recaller implements domain.MemoryRecaller over stored memories and the
// account's other conversation threads.
type Recaller struct {
	convs     domain.ConversationStore
	mems      domain.MemoryStore
	maxChars  int
	maxThread int
	perThread int
	logger    *slog.Logger
}

func NewRecaller(cfg RecallerConfig) *Recaller {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 2000
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 3
	}
	if cfg.PerThread <= 0 {
		cfg.PerThread = 6
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recaller{
		convs:     cfg.Conversations,
		mems:      cfg.Memories,
		maxChars:  cfg.MaxChars,
		maxThread: cfg.MaxThreads,
		perThread: cfg.PerThread,
		logger:    cfg.Logger,
	}
}

// Recall returns long-term memories first, then recent turns from other
// threads, until the character budget is spent.
func (r *Recaller) Recall(ctx context.Context, acct domain.ChannelAccount, conversationID, query string) ([]string, error) {
	var out []string
	used := 0
	add := func(s string) bool {
		if used+len(s) > r.maxChars {
			return false
		}
		out = append(out, s)
		used += len(s)
		return true
	}

	if r.mems != nil {
		mems, err := r.mems.SearchMemories(ctx, acct.ID, query, 5)
		if err != nil {
			return nil, fmt.Errorf("search memories: %w", err)
		}
		for _, m := range mems {
			if !add(fmt.Sprintf("[%s] %s", m.Category, m.Content)) {
				return out, nil
			}
		}
	}

	if r.convs == nil {
		return out, nil
	}
	threads, err := r.convs.ListThreads(ctx, acct.ID, r.maxThread+1)
	if err != nil {
		return out, fmt.Errorf("list threads: %w", err)
	}
	scanned := 0
	for _, t := range threads {
		if t.ID == conversationID {
			continue
		}
		if scanned == r.maxThread {
			break
		}
		scanned++

		msgs, err := r.convs.RecentMessages(ctx, t.ID, r.perThread)
		if err != nil {
			r.logger.Warn("recall: cannot load thread", "thread", t.ID, "err", err)
			continue
		}
		for _, m := range msgs {
			if m.Role == domain.RoleSystem || strings.TrimSpace(m.Content) == "" {
				continue
			}
			if !add(fmt.Sprintf("%s: %s", m.Role, m.Content)) {
				return out, nil
			}
		}
	}
	return out, nil
}

// Remember stores facts found in the user's side of an exchange.
func (r *Recaller) Remember(ctx context.Context, acct domain.ChannelAccount, conversationID, userText, reply string) error {
	if r.mems == nil {
		return nil
	}
	for _, f := range extractFacts(userText) {
		entry := domain.MemoryEntry{
			AccountID:  acct.ID,
			Category:   f.Category,
			Content:    f.Content,
			Source:     conversationID,
			Importance: f.Importance,
		}
		if err := r.mems.SaveMemory(ctx, entry); err != nil {
			return fmt.Errorf("save memory: %w", err)
		}
	}
	return nil
}

type extractedFact struct {
	Category   string
	Content    string
	Importance int
}

var factMarkers = []struct {
	category   string
	importance int
	phrases    []string
}{
	{"fact", 9, []string{"my name is", "i work at", "i live in", "i am from", "my job is", "i'm a "}},
	{"instruction", 8, []string{"remember that", "always ", "never ", "don't forget", "keep in mind"}},
	{"preference", 7, []string{"i like", "i prefer", "my favorite", "i love", "i hate", "i don't like"}},
}

// extractFacts keeps at most one fact per category for a message.
func extractFacts(userText string) []extractedFact {
	lower := strings.ToLower(userText)
	var facts []extractedFact
	for _, m := range factMarkers {
		for _, p := range m.phrases {
			if strings.Contains(lower, p) {
				facts = append(facts, extractedFact{Category: m.category, Content: userText, Importance: m.importance})
				break
			}
		}
	}
	return facts
}
