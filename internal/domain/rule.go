package domain

import "time"

type TriggerType string

const (
	TriggerAll     TriggerType = "all"
	TriggerKeyword TriggerType = "keyword"
	TriggerRegex   TriggerType = "regex"
	TriggerSender  TriggerType = "sender"
	TriggerTime    TriggerType = "time"
)

type ActionType string

const (
	ActionReply  ActionType = "reply"  // send ActionConfig.Template
	ActionIgnore ActionType = "ignore" // intentional no-op
)

// TriggerConfig holds the structured part of a trigger. StartHour/EndHour
// bound a time window in the rule's location; nil bounds mean always.
type TriggerConfig struct {
	Senders   []string `json:"senders,omitempty"`
	StartHour *int     `json:"startHour,omitempty"`
	EndHour   *int     `json:"endHour,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
}

type ActionConfig struct {
	Template string `json:"template,omitempty"`
}

// AutoReplyRule is evaluated in descending priority; the first match wins.
// An empty ChannelAccountID makes the rule apply to every account of the user.
type AutoReplyRule struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	ChannelAccountID string        `json:"channel_account_id,omitempty"`
	Name             string        `json:"name,omitempty"`
	Priority         int           `json:"priority"`
	TriggerType      TriggerType   `json:"trigger_type"`
	TriggerPattern   string        `json:"trigger_pattern,omitempty"`
	TriggerConfig    TriggerConfig `json:"trigger_config"`
	ActionType       ActionType    `json:"action_type"`
	ActionConfig     ActionConfig  `json:"action_config"`
	IsEnabled        bool          `json:"is_enabled"`
	CreatedAt        time.Time     `json:"created_at"`
}
