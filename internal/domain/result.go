package domain

// Outcome says how a processed message was handled.
type Outcome string

const (
	OutcomeReplied    Outcome = "replied"
	OutcomeCommand    Outcome = "command"
	OutcomeRule       Outcome = "rule"
	OutcomeSuppressed Outcome = "suppressed" // contact rule autoReply=false
	OutcomeDisabled   Outcome = "disabled"   // auto-reply off, no override
	OutcomeFailed     Outcome = "failed"
)

// ProcessingResult is returned by the message processor for every message.
// Success=true with an empty ResponseMessageID is an intentional no-op.
type ProcessingResult struct {
	Success           bool    `json:"success"`
	Outcome           Outcome `json:"outcome"`
	ConversationID    string  `json:"conversation_id,omitempty"`
	ResponseMessageID string  `json:"response_message_id,omitempty"`
	Error             string  `json:"error,omitempty"`
	TokensUsed        int     `json:"tokens_used,omitempty"`
}
