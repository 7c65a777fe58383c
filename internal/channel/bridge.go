package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"omnichat/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const bridgeProtocolVersion = 1

var errBridgeUnauthorized = errors.New("bridge rejected token")

// BridgeConfig configures the websocket relay connector. The relay is an
// external process that owns a platform session (for example a phone-linked
// messenger) and speaks the JSON frame protocol below.
type BridgeConfig struct {
	// DefaultURL is used when the account has no url credential.
	DefaultURL  string
	CallTimeout time.Duration
	Reconnect   ReconnectPolicy
	Logger      *slog.Logger
}

// bridgeFrame is the single frame shape used in both directions.
//
// Relay → us: hello-ack "welcome", "message", "edit", "delete", "ack".
// Us → relay: "hello", "send", "edit", "delete".
type bridgeFrame struct {
	Type        string              `json:"type"`
	ID          string              `json:"id,omitempty"`  // request id for outbound frames
	Ref         string              `json:"ref,omitempty"` // request id an ack answers
	Token       string              `json:"token,omitempty"`
	Client      string              `json:"client,omitempty"`
	Version     int                 `json:"version,omitempty"`
	MessageID   string              `json:"message_id,omitempty"`
	ChannelID   string              `json:"channel_id,omitempty"`
	ThreadID    string              `json:"thread_id,omitempty"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	Content     string              `json:"content,omitempty"`
	SenderID    string              `json:"sender_id,omitempty"`
	SenderName  string              `json:"sender_name,omitempty"`
	ChatType    string              `json:"chat_type,omitempty"`
	Peer        string              `json:"peer,omitempty"` // address for proactive sends
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Timestamp   int64               `json:"ts,omitempty"` // unix millis
	Error       string              `json:"error,omitempty"`
}

type bridgeResult struct {
	messageID string
	err       error
}

// Bridge relays a platform session through a websocket.
type Bridge struct {
	base
	cfg BridgeConfig

	mu     sync.RWMutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan bridgeResult
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &Bridge{
		base:    newBase(domain.PlatformBridge, cfg.Logger),
		cfg:     cfg,
		pending: make(map[string]chan bridgeResult),
	}
}

// Connect dials the relay and completes the hello/welcome handshake.
// Credentials: url (ws:// or wss://) and token.
func (b *Bridge) Connect(ctx context.Context, cfg domain.ConnectorConfig, events chan<- domain.ConnectorEvent) error {
	if cfg.Credential("url") == "" && b.cfg.DefaultURL == "" {
		return fmt.Errorf("bridge: missing url credential")
	}
	b.attach(cfg, events)

	conn, err := b.dial(ctx)
	if err != nil {
		b.detach()
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.conn = conn
	b.cancel = cancel
	b.mu.Unlock()
	b.connected.Store(true)

	go b.run(runCtx, conn)
	return nil
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg := b.config()
	url := cfg.Credential("url")
	if url == "" {
		url = b.cfg.DefaultURL
	}
	header := http.Header{}
	if tok := cfg.Credential("token"); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("bridge dial: %w", err)
	}

	hello := bridgeFrame{Type: "hello", Token: cfg.Credential("token"), Client: "omnichat", Version: bridgeProtocolVersion}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bridge hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var welcome bridgeFrame
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bridge handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch strings.ToLower(welcome.Type) {
	case "welcome":
	case "error":
		conn.Close()
		if strings.Contains(strings.ToLower(welcome.Error), "unauthorized") {
			return nil, errBridgeUnauthorized
		}
		return nil, fmt.Errorf("bridge handshake: %s", welcome.Error)
	default:
		conn.Close()
		return nil, fmt.Errorf("bridge handshake: expected welcome, got %q", welcome.Type)
	}
	b.logger.Info("bridge connected", "url", url, "version", welcome.Version)
	return conn, nil
}

// run reads frames until the connection drops, then reconnects.
func (b *Bridge) run(ctx context.Context, conn *websocket.Conn) {
	for {
		err := b.readLoop(conn)
		b.failPending(domain.ErrNotConnected)
		if ctx.Err() != nil {
			return
		}

		var next *websocket.Conn
		resumed := b.sessionLost(ctx, b.cfg.Reconnect, fmt.Errorf("bridge connection lost: %w", err), func(ctx context.Context) error {
			c, err := b.dial(ctx)
			if errors.Is(err, errBridgeUnauthorized) {
				return permanent(err)
			}
			next = c
			return err
		})
		if !resumed {
			// Disconnect can race a successful redial.
			if next != nil {
				next.Close()
			}
			return
		}
		b.mu.Lock()
		b.conn = next
		b.mu.Unlock()
		conn = next
	}
}

func (b *Bridge) readLoop(conn *websocket.Conn) error {
	defer conn.Close()
	for {
		var f bridgeFrame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		b.handleFrame(f)
	}
}

func (b *Bridge) handleFrame(f bridgeFrame) {
	switch f.Type {
	case "ack":
		b.pendingMu.Lock()
		ch := b.pending[f.Ref]
		delete(b.pending, f.Ref)
		b.pendingMu.Unlock()
		if ch == nil {
			return
		}
		res := bridgeResult{messageID: f.MessageID}
		if f.Error != "" {
			res.err = errors.New(f.Error)
		}
		ch <- res
	case "message":
		if msg := normalizeBridge(f); msg != nil {
			b.emitMessage(msg)
		}
	case "edit":
		if msg := normalizeBridge(f); msg != nil {
			msg.Metadata[domain.MetaEdited] = "true"
			b.emitEdit(msg)
		}
	case "delete":
		if f.MessageID != "" {
			b.emitDelete(f.ChannelID, f.MessageID)
		}
	default:
		b.logger.Debug("bridge frame ignored", "type", f.Type)
	}
}

func normalizeBridge(f bridgeFrame) *domain.NormalizedMessage {
	if f.MessageID == "" || f.ChannelID == "" {
		return nil
	}
	content := strings.TrimSpace(f.Content)
	if content == "" && len(f.Attachments) == 0 {
		return nil
	}
	ts := time.Now().UTC()
	if f.Timestamp > 0 {
		ts = time.UnixMilli(f.Timestamp).UTC()
	}
	msg := &domain.NormalizedMessage{
		ID:                f.MessageID,
		Platform:          domain.PlatformBridge,
		ExternalChannelID: f.ChannelID,
		ThreadID:          f.ThreadID,
		Content:           content,
		ContentKind:       domain.ContentText,
		Attachments:       f.Attachments,
		Sender:            domain.Sender{ID: f.SenderID, DisplayName: f.SenderName},
		Timestamp:         ts,
		ReplyToID:         f.ReplyTo,
		Metadata:          map[string]string{},
	}
	if f.ChatType != "" {
		msg.Metadata[domain.MetaChatType] = f.ChatType
	}
	if f.Peer != "" {
		msg.Metadata[domain.MetaDeliveryAddress] = f.Peer
	}
	if content == "" {
		msg.ContentKind = f.Attachments[0].Kind
	}
	return msg
}

func (b *Bridge) failPending(err error) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		delete(b.pending, id)
		ch <- bridgeResult{err: err}
	}
}

// call writes a request frame and waits for its ack.
func (b *Bridge) call(ctx context.Context, f bridgeFrame) (string, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil || !b.IsConnected() {
		return "", domain.ErrNotConnected
	}

	f.ID = uuid.NewString()
	ch := make(chan bridgeResult, 1)
	b.pendingMu.Lock()
	b.pending[f.ID] = ch
	b.pendingMu.Unlock()

	b.writeMu.Lock()
	err := conn.WriteJSON(f)
	b.writeMu.Unlock()
	if err != nil {
		b.pendingMu.Lock()
		delete(b.pending, f.ID)
		b.pendingMu.Unlock()
		return "", fmt.Errorf("bridge write: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()
	select {
	case <-callCtx.Done():
		b.pendingMu.Lock()
		delete(b.pending, f.ID)
		b.pendingMu.Unlock()
		return "", callCtx.Err()
	case res := <-ch:
		return res.messageID, res.err
	}
}

func (b *Bridge) SendMessage(ctx context.Context, channelID, content string, opts domain.SendOptions) (string, error) {
	id, err := b.call(ctx, bridgeFrame{
		Type:        "send",
		ChannelID:   channelID,
		ThreadID:    opts.ThreadID,
		ReplyTo:     opts.ReplyTo,
		Content:     content,
		Attachments: opts.Attachments,
	})
	if err != nil {
		return "", fmt.Errorf("bridge send: %w", err)
	}
	return id, nil
}

func (b *Bridge) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	if _, err := b.call(ctx, bridgeFrame{Type: "edit", ChannelID: channelID, MessageID: messageID, Content: content}); err != nil {
		return fmt.Errorf("bridge edit: %w", err)
	}
	return nil
}

func (b *Bridge) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if _, err := b.call(ctx, bridgeFrame{Type: "delete", ChannelID: channelID, MessageID: messageID}); err != nil {
		return fmt.Errorf("bridge delete: %w", err)
	}
	return nil
}

func (b *Bridge) Disconnect(ctx context.Context) error {
	b.detach()
	b.mu.Lock()
	conn, cancel := b.conn, b.cancel
	b.conn = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	b.writeMu.Unlock()
	return conn.Close()
}
