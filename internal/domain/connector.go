package domain

import (
	"context"
	"time"
)

// ConnectorConfig is everything a connector needs to open a platform session.
// Credentials are the decrypted ChannelAccount.EncryptedCredentials.
type ConnectorConfig struct {
	AccountID         string            `json:"account_id"`
	UserID            string            `json:"user_id"`
	Platform          Platform          `json:"platform"`
	ExternalChannelID string            `json:"external_channel_id"`
	Credentials       map[string]string `json:"credentials"`
}

func (c ConnectorConfig) Credential(key string) string {
	if c.Credentials == nil {
		return ""
	}
	return c.Credentials[key]
}

type EventType string

const (
	EventMessage       EventType = "message"
	EventMessageEdit   EventType = "message_edit"
	EventMessageDelete EventType = "message_delete"
	EventError         EventType = "error"
	// EventDisconnected is emitted when a connector gives up reconnecting.
	EventDisconnected EventType = "disconnected"
)

// ConnectorEvent is what a connector pushes to its manager. Message is set for
// message and message_edit events; MessageID/ChannelID for deletes.
type ConnectorEvent struct {
	Type      EventType
	Message   *NormalizedMessage
	MessageID string
	ChannelID string
	Err       error
	At        time.Time
}

// Connector is the per-platform adapter contract.
//
// Connect opens the platform session and blocks until the handshake has
// completed or failed. From the moment Connect is called until Disconnect
// returns, the connector may push events to the supplied channel; it must
// never close that channel and must stop sending once Disconnect is called.
type Connector interface {
	Platform() Platform
	Connect(ctx context.Context, cfg ConnectorConfig, events chan<- ConnectorEvent) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// SendMessage delivers content and returns the platform id of the (first)
	// message created. Connectors with a length limit chunk internally.
	SendMessage(ctx context.Context, channelID, content string, opts SendOptions) (string, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// OAuthConnector is implemented by connectors whose credentials come from an
// OAuth install flow.
type OAuthConnector interface {
	Connector
	AuthURL(state string) string
	HandleAuthCallback(ctx context.Context, code, state string) (ConnectorConfig, error)
	RefreshToken(ctx context.Context, cfg ConnectorConfig) (ConnectorConfig, error)
}
