package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MainThread is the thread id used when a platform message is not part of a
// sub-thread.
const MainThread = "main"

// ThreadKey identifies a conversation: platform, external channel and thread.
type ThreadKey string

func NewThreadKey(p Platform, channelID, threadID string) ThreadKey {
	if threadID == "" {
		threadID = MainThread
	}
	return ThreadKey(strings.Join([]string{string(p), channelID, threadID}, ":"))
}

// ThreadKeyFor derives the key for an inbound message.
func ThreadKeyFor(m NormalizedMessage) ThreadKey {
	return NewThreadKey(m.Platform, m.ExternalChannelID, m.ThreadID)
}

type ConversationThread struct {
	ID                string    `json:"id" db:"id"`
	AccountID         string    `json:"account_id" db:"account_id"`
	UserID            string    `json:"user_id" db:"user_id"`
	Key               ThreadKey `json:"thread_key" db:"thread_key"`
	Platform          Platform  `json:"platform" db:"platform"`
	ExternalChannelID string    `json:"external_channel_id" db:"external_channel_id"`
	ThreadID          string    `json:"thread_id" db:"thread_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// MessageMetadata records provenance for a stored turn.
type MessageMetadata struct {
	Platform          Platform `json:"platform,omitempty"`
	ExternalMessageID string   `json:"externalMessageId,omitempty"`
	SenderID          string   `json:"senderId,omitempty"`
	SenderName        string   `json:"senderName,omitempty"`

	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"promptTokens,omitempty"`
	CompletionTokens int    `json:"completionTokens,omitempty"`
	TotalTokens      int    `json:"totalTokens,omitempty"`

	MemoryUsed     bool     `json:"memoryUsed,omitempty"`
	RAGUsed        bool     `json:"ragUsed,omitempty"`
	FileSearchUsed bool     `json:"fileSearchUsed,omitempty"`
	ToolsUsed      []string `json:"toolsUsed,omitempty"`
	Fallback       bool     `json:"fallback,omitempty"`
	Humanized      bool     `json:"humanized,omitempty"`

	VoiceTranscribed    bool `json:"voiceTranscribed,omitempty"`
	TranscriptionFailed bool `json:"transcriptionFailed,omitempty"`

	Scheduled bool `json:"scheduled,omitempty"`
}

// StoredMessage is one persisted turn of a ConversationThread.
type StoredMessage struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Metadata       MessageMetadata `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ChannelMessage is the raw per-account record of a platform message, kept
// independently of conversation history. Inbound rows are unique on
// (AccountID, ExternalMessageID) and back the dedupe check.
type ChannelMessage struct {
	AccountID         string    `db:"account_id"`
	Direction         Direction `db:"direction"`
	ExternalMessageID string    `db:"external_message_id"`
	ExternalChannelID string    `db:"external_channel_id"`
	ThreadID          string    `db:"thread_id"`
	SenderID          string    `db:"sender_id"`
	Content           string    `db:"content"`
	ContentKind       string    `db:"content_kind"`
	Deleted           bool      `db:"deleted"`
	CreatedAt         time.Time `db:"created_at"`
}
