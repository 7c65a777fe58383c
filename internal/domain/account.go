package domain

import (
	"reflect"
	"slices"
	"time"
)

// ChannelAccount is a user's linked instance of one platform. Accounts are
// soft-disabled (IsActive=false), never deleted.
type ChannelAccount struct {
	ID                   string        `json:"id" db:"id"`
	UserID               string        `json:"user_id" db:"user_id"`
	Platform             Platform      `json:"platform" db:"platform"`
	ExternalChannelID    string        `json:"external_channel_id" db:"external_channel_id"`
	IsActive             bool          `json:"is_active" db:"is_active"`
	EncryptedCredentials string        `json:"-" db:"encrypted_credentials"`
	RuntimeConfig        RuntimeConfig `json:"runtime_config" db:"-"`
	DeliveryAddress      string        `json:"delivery_address,omitempty" db:"delivery_address"`
	LastActiveAt         time.Time     `json:"last_active_at" db:"last_active_at"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
}

// ContactRule is a per-sender override stored in RuntimeConfig.ContactRules.
// AutoReply=false silences the assistant for that sender; AutoReply=true
// forces a reply even when the account's auto-reply toggle is off.
type ContactRule struct {
	AutoReply    bool   `json:"autoReply"`
	Instructions string `json:"instructions,omitempty"`
}

type HumanizerIntensity string

const (
	HumanizeOff    HumanizerIntensity = "off"
	HumanizeLow    HumanizerIntensity = "low"
	HumanizeMedium HumanizerIntensity = "medium"
	HumanizeHigh   HumanizerIntensity = "high"
)

type HumanizerSettings struct {
	Intensity  HumanizerIntensity `json:"intensity"`
	Categories []string           `json:"categories,omitempty"` // filler | formality | punctuation | emoji
}

func (h HumanizerSettings) Enabled() bool {
	return h.Intensity != "" && h.Intensity != HumanizeOff
}

// RuntimeConfig is the per-account settings set mutated by chat commands and
// the admin CLI. Every option the processor consults lives here.
type RuntimeConfig struct {
	AutoReplyEnabled  bool                   `json:"autoReplyEnabled"`
	Model             string                 `json:"model,omitempty"`
	Agent             string                 `json:"agent,omitempty"`
	RAGEnabled        bool                   `json:"ragEnabled"`
	FileSearchEnabled bool                   `json:"fileSearchEnabled"`
	MemoryEnabled     bool                   `json:"memoryEnabled"`
	ToolsEnabled      bool                   `json:"toolsEnabled"`
	AllowedTools      []string               `json:"allowedTools,omitempty"` // empty = every registered tool
	SkillsEnabled     bool                   `json:"skillsEnabled"`
	MaxTokens         int                    `json:"maxTokens,omitempty"`
	ContextWindow     int                    `json:"contextWindow,omitempty"` // history turns; 0 = default
	Humanizer         HumanizerSettings      `json:"humanizer"`
	SoulPrompt        string                 `json:"soulPrompt,omitempty"`
	ContactRules      map[string]ContactRule `json:"contactRules,omitempty"`
	// OwnerSenderIDs may run slash commands. Empty disables chat commands.
	OwnerSenderIDs []string `json:"ownerSenderIds,omitempty"`
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		AutoReplyEnabled: true,
		MemoryEnabled:    true,
		ToolsEnabled:     true,
		Humanizer:        HumanizerSettings{Intensity: HumanizeOff},
	}
}

// Clone returns a deep copy so callers can compute a delta without touching
// the shared value.
func (c RuntimeConfig) Clone() RuntimeConfig {
	cp := c
	cp.AllowedTools = append([]string(nil), c.AllowedTools...)
	cp.Humanizer.Categories = append([]string(nil), c.Humanizer.Categories...)
	cp.OwnerSenderIDs = append([]string(nil), c.OwnerSenderIDs...)
	if c.ContactRules != nil {
		cp.ContactRules = make(map[string]ContactRule, len(c.ContactRules))
		for k, v := range c.ContactRules {
			cp.ContactRules[k] = v
		}
	}
	return cp
}

// Equal reports whether two configs are semantically identical. Nil and
// empty collections compare equal.
func (c RuntimeConfig) Equal(o RuntimeConfig) bool {
	return reflect.DeepEqual(c.normalized(), o.normalized())
}

func (c RuntimeConfig) normalized() RuntimeConfig {
	n := c.Clone()
	if len(n.AllowedTools) == 0 {
		n.AllowedTools = nil
	}
	if len(n.Humanizer.Categories) == 0 {
		n.Humanizer.Categories = nil
	}
	if len(n.ContactRules) == 0 {
		n.ContactRules = nil
	}
	if len(n.OwnerSenderIDs) == 0 {
		n.OwnerSenderIDs = nil
	}
	return n
}

// IsOwner reports whether senderID is allowed to reconfigure the account
// from chat.
func (c RuntimeConfig) IsOwner(senderID string) bool {
	if senderID == "" {
		return false
	}
	return slices.Contains(c.OwnerSenderIDs, senderID)
}

type AccountStats struct {
	AccountID      string    `json:"account_id" db:"account_id"`
	MessageCount   int64     `json:"message_count" db:"message_count"`
	TokensUsed     int64     `json:"tokens_used" db:"tokens_used"`
	LastActivityAt time.Time `json:"last_activity_at" db:"last_activity_at"`
}
