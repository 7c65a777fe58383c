package domain

import (
	"strings"
	"time"
)

// Platform identifies a messaging surface (telegram, slack, ...).
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformSlack    Platform = "slack"
	PlatformDiscord  Platform = "discord"
	PlatformWebhook  Platform = "webhook"
	PlatformBridge   Platform = "bridge"
	PlatformWhatsApp Platform = "whatsapp"
)

type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
	ContentFile  ContentKind = "file"
	ContentVoice ContentKind = "voice"
)

// Well-known NormalizedMessage.Metadata keys.
const (
	MetaDeliveryAddress = "delivery_address" // address needed for proactive sends (webhook reply URL, bridge peer)
	MetaChatType        = "chat_type"
	MetaEdited          = "edited"
)

type Attachment struct {
	Kind      ContentKind `json:"kind"`
	URL       string      `json:"url"`
	Name      string      `json:"name,omitempty"`
	SizeBytes int64       `json:"size_bytes,omitempty"`
	MimeType  string      `json:"mime_type,omitempty"`
}

// IsAudio reports whether the attachment carries audio data.
func (a Attachment) IsAudio() bool {
	return a.Kind == ContentVoice || strings.HasPrefix(a.MimeType, "audio/")
}

type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// NormalizedMessage is the platform-independent form of an inbound message.
// Values are treated as immutable once emitted by a connector; use the With*
// helpers to derive a modified copy.
type NormalizedMessage struct {
	ID                string            `json:"id"` // platform message id
	Platform          Platform          `json:"platform"`
	ExternalChannelID string            `json:"external_channel_id"`
	ThreadID          string            `json:"thread_id,omitempty"`
	Content           string            `json:"content"`
	ContentKind       ContentKind       `json:"content_kind"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	Sender            Sender            `json:"sender"`
	Timestamp         time.Time         `json:"timestamp"`
	ReplyToID         string            `json:"reply_to_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`

	// Scheduled marks a message replayed by the task scheduler. Commands and
	// auto-reply rules are not evaluated for scheduled messages.
	Scheduled bool `json:"scheduled,omitempty"`
}

// IsVoice reports whether the message should go through speech-to-text.
func (m NormalizedMessage) IsVoice() bool {
	if m.ContentKind == ContentVoice {
		return true
	}
	for _, a := range m.Attachments {
		if a.IsAudio() {
			return true
		}
	}
	return false
}

// AudioAttachment returns the first audio attachment, if any.
func (m NormalizedMessage) AudioAttachment() (Attachment, bool) {
	for _, a := range m.Attachments {
		if a.IsAudio() {
			return a, true
		}
	}
	return Attachment{}, false
}

func (m NormalizedMessage) Images() []Attachment {
	var out []Attachment
	for _, a := range m.Attachments {
		if a.Kind == ContentImage || strings.HasPrefix(a.MimeType, "image/") {
			out = append(out, a)
		}
	}
	return out
}

func (m NormalizedMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// WithContent returns a copy of m with new text content.
func (m NormalizedMessage) WithContent(content string) NormalizedMessage {
	cp := m
	cp.Content = content
	cp.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// SendOptions carries optional routing hints for outbound messages.
type SendOptions struct {
	ThreadID    string       `json:"thread_id,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
