package domain

import "context"

// Optional pipeline capabilities. Each is best-effort from the processor's
// point of view: a failure disables the feature for one turn.

// Transcriber converts an audio attachment to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Attachment) (string, error)
}

type RetrievedChunk struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Retriever searches the user's document knowledge base.
type Retriever interface {
	Retrieve(ctx context.Context, userID, query string, topK int) ([]RetrievedChunk, error)
}

// FileSearcher searches the user's file store.
type FileSearcher interface {
	SearchFiles(ctx context.Context, userID, query string, limit int) ([]RetrievedChunk, error)
}

// MemoryRecaller returns prior-conversation snippets relevant to query.
// Returned text is untrusted. Remember extracts durable facts from a
// finished exchange.
type MemoryRecaller interface {
	Recall(ctx context.Context, acct ChannelAccount, conversationID, query string) ([]string, error)
	Remember(ctx context.Context, acct ChannelAccount, conversationID, userText, reply string) error
}

type Humanizer interface {
	Humanize(ctx context.Context, text string, settings HumanizerSettings) (string, error)
}

// SoulProvider returns the persona layer of the system prompt.
type SoulProvider interface {
	Soul(ctx context.Context, userID, agent string) (string, error)
}

// SkillProvider exposes enabled skills as callable tools.
type SkillProvider interface {
	SkillTools() []Tool
}
