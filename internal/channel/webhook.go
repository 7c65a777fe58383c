package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"omnichat/internal/domain"
	"omnichat/internal/security"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	webhookMaxBody   = 1 << 20
	signatureHeader  = "X-Signature-256"
	webhookSendRetry = 2
	webhookTimeout   = 15 * time.Second
)

// WebhookRouter serves inbound webhook calls for every connected webhook
// account at POST /{accountID}. Mount it under a prefix such as /hooks.
type WebhookRouter struct {
	mu       sync.RWMutex
	handlers map[string]*Webhook
	router   chi.Router
	logger   *slog.Logger
}

func NewWebhookRouter(logger *slog.Logger) *WebhookRouter {
	if logger == nil {
		logger = slog.Default()
	}
	wr := &WebhookRouter{handlers: make(map[string]*Webhook), logger: logger}
	r := chi.NewRouter()
	r.Post("/{accountID}", wr.serve)
	wr.router = r
	return wr
}

func (wr *WebhookRouter) Handler() http.Handler { return wr.router }

func (wr *WebhookRouter) add(accountID string, w *Webhook) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.handlers[accountID] = w
}

func (wr *WebhookRouter) remove(accountID string, w *Webhook) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if wr.handlers[accountID] == w {
		delete(wr.handlers, accountID)
	}
}

func (wr *WebhookRouter) serve(rw http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	wr.mu.RLock()
	w, ok := wr.handlers[accountID]
	wr.mu.RUnlock()
	if !ok {
		http.Error(rw, "Unknown account", http.StatusNotFound)
		return
	}
	w.handleWebhook(rw, r)
}

// WebhookPayload is the JSON body accepted from integrations.
type WebhookPayload struct {
	MessageID   string              `json:"message_id"`
	ChannelID   string              `json:"channel_id"`
	ThreadID    string              `json:"thread_id"`
	UserID      string              `json:"user_id"`
	UserName    string              `json:"user_name"`
	Content     string              `json:"content"`
	ReplyTo     string              `json:"reply_to"`
	ReplyURL    string              `json:"reply_url"` // where replies are POSTed
	Attachments []domain.Attachment `json:"attachments"`
}

// WebhookReply is POSTed to the delivery address for every outbound message.
type WebhookReply struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Action    string `json:"action"` // send, edit, delete
	Content   string `json:"content,omitempty"`
}

type WebhookConfig struct {
	Router     *WebhookRouter
	HTTPClient *http.Client // overrides AllowPrivate
	Logger     *slog.Logger

	// AllowPrivate lets the default client deliver to loopback and private
	// addresses.
	AllowPrivate bool
}

// Webhook is a generic HTTP integration: inbound messages arrive as signed
// POSTs, replies are POSTed to the sender's reply URL.
type Webhook struct {
	base
	router *WebhookRouter
	client *http.Client

	secret   string
	fallback string // account-level delivery address

	addrMu sync.RWMutex
	addrs  map[string]string // channel -> last reply URL
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.HTTPClient == nil {
		if cfg.AllowPrivate {
			cfg.HTTPClient = &http.Client{Timeout: webhookTimeout}
		} else {
			cfg.HTTPClient = security.PublicHTTPClient(webhookTimeout)
		}
	}
	return &Webhook{
		base:   newBase(domain.PlatformWebhook, cfg.Logger),
		router: cfg.Router,
		client: cfg.HTTPClient,
		addrs:  make(map[string]string),
	}
}

// Connect registers the account with the router. Credentials: secret
// (optional HMAC key) and delivery_address (optional default reply URL).
// Without a secret, inbound payloads cannot choose their own reply_url.
func (w *Webhook) Connect(ctx context.Context, cfg domain.ConnectorConfig, events chan<- domain.ConnectorEvent) error {
	if w.router == nil {
		return fmt.Errorf("webhook: no router configured")
	}
	if cfg.AccountID == "" {
		return fmt.Errorf("webhook: account id is required")
	}
	w.attach(cfg, events)
	w.secret = cfg.Credential("secret")
	w.fallback = cfg.Credential("delivery_address")
	w.router.add(cfg.AccountID, w)
	w.connected.Store(true)
	w.logger.Info("webhook endpoint registered", "account_id", cfg.AccountID)
	return nil
}

func (w *Webhook) Disconnect(ctx context.Context) error {
	w.detach()
	if w.router != nil {
		w.router.remove(w.config().AccountID, w)
	}
	return nil
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBody))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	if w.secret != "" {
		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.ReplyURL != "" {
		if w.secret == "" {
			http.Error(rw, "reply_url requires a signed request", http.StatusForbidden)
			return
		}
		if u, err := url.Parse(payload.ReplyURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			http.Error(rw, "Invalid reply_url", http.StatusBadRequest)
			return
		}
	}
	msg := normalizeWebhook(payload, time.Now().UTC())
	if msg == nil {
		http.Error(rw, "Content is required", http.StatusBadRequest)
		return
	}
	if addr := msg.Meta(domain.MetaDeliveryAddress); addr != "" {
		w.addrMu.Lock()
		w.addrs[msg.ExternalChannelID] = addr
		w.addrMu.Unlock()
	}

	if !w.emitMessage(msg) {
		http.Error(rw, "Endpoint disconnected", http.StatusServiceUnavailable)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{
		"status":     "accepted",
		"message_id": msg.ID,
	})
}

func normalizeWebhook(p WebhookPayload, now time.Time) *domain.NormalizedMessage {
	content := strings.TrimSpace(p.Content)
	if content == "" && len(p.Attachments) == 0 {
		return nil
	}
	if p.MessageID == "" {
		p.MessageID = uuid.NewString()
	}
	if p.ChannelID == "" {
		p.ChannelID = "default"
	}
	if p.UserID == "" {
		p.UserID = "webhook"
	}
	msg := &domain.NormalizedMessage{
		ID:                p.MessageID,
		Platform:          domain.PlatformWebhook,
		ExternalChannelID: p.ChannelID,
		ThreadID:          p.ThreadID,
		Content:           content,
		ContentKind:       domain.ContentText,
		Attachments:       p.Attachments,
		Sender:            domain.Sender{ID: p.UserID, DisplayName: p.UserName},
		Timestamp:         now,
		ReplyToID:         p.ReplyTo,
		Metadata:          map[string]string{},
	}
	if p.ReplyURL != "" {
		msg.Metadata[domain.MetaDeliveryAddress] = p.ReplyURL
	}
	if content == "" {
		msg.ContentKind = p.Attachments[0].Kind
	}
	return msg
}

func (w *Webhook) deliveryAddress(channelID string) string {
	w.addrMu.RLock()
	addr := w.addrs[channelID]
	w.addrMu.RUnlock()
	if addr != "" {
		return addr
	}
	return w.fallback
}

func (w *Webhook) SendMessage(ctx context.Context, channelID, content string, opts domain.SendOptions) (string, error) {
	id := uuid.NewString()
	err := w.post(ctx, channelID, WebhookReply{
		MessageID: id,
		ChannelID: channelID,
		ThreadID:  opts.ThreadID,
		ReplyTo:   opts.ReplyTo,
		Action:    "send",
		Content:   content,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (w *Webhook) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	return w.post(ctx, channelID, WebhookReply{MessageID: messageID, ChannelID: channelID, Action: "edit", Content: content})
}

func (w *Webhook) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return w.post(ctx, channelID, WebhookReply{MessageID: messageID, ChannelID: channelID, Action: "delete"})
}

// post delivers a reply, signing it with the account secret when one is set.
// 5xx responses are retried briefly.
func (w *Webhook) post(ctx context.Context, channelID string, reply WebhookReply) error {
	if !w.IsConnected() {
		return domain.ErrNotConnected
	}
	addr := w.deliveryAddress(channelID)
	if addr == "" {
		return fmt.Errorf("webhook: no delivery address for channel %q", channelID)
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= webhookSendRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if w.secret != "" {
			req.Header.Set(signatureHeader, signHMAC(body, w.secret))
		}
		resp, err := w.client.Do(req)
		if errors.Is(err, security.ErrPrivateAddress) {
			return fmt.Errorf("webhook delivery: %w", err)
		}
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("webhook delivery: status %d", resp.StatusCode)
		default:
			return fmt.Errorf("webhook delivery: status %d", resp.StatusCode)
		}
	}
	w.logger.Warn("webhook delivery failed", "channel", channelID, "err", lastErr)
	return lastErr
}

func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signHMAC(body, secret)), []byte(signature))
}
