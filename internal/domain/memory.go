package domain

import (
	"context"
	"time"
)

// Persistence contracts. internal/memory provides the SQLite implementation.

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*ChannelAccount, error)
	// FindAccount returns the active account for an exact channel.
	FindAccount(ctx context.Context, userID string, p Platform, channelID string) (*ChannelAccount, error)
	// MostRecentAccount returns the most recently active account of a platform.
	MostRecentAccount(ctx context.Context, userID string, p Platform) (*ChannelAccount, error)
	ListActiveAccounts(ctx context.Context) ([]ChannelAccount, error)
	ListAccounts(ctx context.Context, userID string) ([]ChannelAccount, error)
	CreateAccount(ctx context.Context, acct ChannelAccount) error
	UpdateRuntimeConfig(ctx context.Context, accountID string, cfg RuntimeConfig) error
	UpdateDeliveryAddress(ctx context.Context, accountID, address string) error
	UpdateCredentials(ctx context.Context, accountID, sealed string) error
	SetAccountActive(ctx context.Context, accountID string, active bool) error
}

type ChannelMessageLog interface {
	// RecordInbound inserts the raw inbound record and reports false when a
	// record for (AccountID, ExternalMessageID) already existed.
	RecordInbound(ctx context.Context, rec ChannelMessage) (bool, error)
	RecordOutbound(ctx context.Context, rec ChannelMessage) error
	UpdateInbound(ctx context.Context, accountID, externalMessageID, content string) error
	MarkInboundDeleted(ctx context.Context, accountID, externalMessageID string) error
}

type ConversationStore interface {
	// GetOrCreateThread returns the thread for t.Key, creating it from t.
	GetOrCreateThread(ctx context.Context, t ConversationThread) (*ConversationThread, error)
	AppendMessage(ctx context.Context, msg StoredMessage) (int64, error)
	// RecentMessages returns the last limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error)
	ClearMessages(ctx context.Context, conversationID string) error
	ListThreads(ctx context.Context, accountID string, limit int) ([]ConversationThread, error)
}

type RuleStore interface {
	ListRules(ctx context.Context, userID string) ([]AutoReplyRule, error)
	SaveRule(ctx context.Context, rule AutoReplyRule) error
	SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error
}

type StatsStore interface {
	// IncrementStats adds to the running counters in one statement.
	IncrementStats(ctx context.Context, accountID string, messages, tokens int64, at time.Time) error
	GetStats(ctx context.Context, accountID string) (*AccountStats, error)
}

type MemoryStore interface {
	SaveMemory(ctx context.Context, mem MemoryEntry) error
	SearchMemories(ctx context.Context, accountID, query string, limit int) ([]MemoryEntry, error)
}

type MemoryEntry struct {
	ID         int64      `json:"id" db:"id"`
	AccountID  string     `json:"account_id" db:"account_id"`
	Category   string     `json:"category" db:"category"` // fact | preference | summary | instruction
	Content    string     `json:"content" db:"content"`
	Source     string     `json:"source" db:"source"` // conversation id
	Importance int        `json:"importance" db:"importance"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}
