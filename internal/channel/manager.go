package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"omnichat/internal/bus"
	"omnichat/internal/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	eventBuffer     = 64
	defaultSeenSize = 4096
)

// MessageHandler processes one deduplicated inbound message. Calls for the
// same conversation thread are serialized.
type MessageHandler func(ctx context.Context, userID string, msg domain.NormalizedMessage) domain.ProcessingResult

// CredentialOpener decrypts ChannelAccount.EncryptedCredentials.
type CredentialOpener interface {
	Open(sealed string) (map[string]string, error)
}

type ManagerConfig struct {
	Registry    *Registry
	Accounts    domain.AccountStore
	Log         domain.ChannelMessageLog
	Credentials CredentialOpener // nil: credentials are stored as plain JSON
	Dispatcher  *bus.Dispatcher
	Events      *bus.EventBus
	SeenCache   int
	Logger      *slog.Logger
}

type connKey struct {
	userID    string
	platform  domain.Platform
	channelID string
}

func (k connKey) String() string {
	return k.userID + "|" + string(k.platform) + "|" + k.channelID
}

type liveConn struct {
	key     connKey
	conn    domain.Connector
	account domain.ChannelAccount

	addrMu   sync.Mutex
	address  string
	stop     chan struct{}
	stopOnce sync.Once

	connectedAt time.Time
	lastEvent   atomic.Int64 // unix nanos
	errCount    atomic.Int64
}

func (lc *liveConn) halt() { lc.stopOnce.Do(func() { close(lc.stop) }) }

// ConnectorStatus is a health snapshot of one live connector.
type ConnectorStatus struct {
	Key         string          `json:"key"`
	UserID      string          `json:"user_id"`
	AccountID   string          `json:"account_id"`
	Platform    domain.Platform `json:"platform"`
	ChannelID   string          `json:"channel_id"`
	Connected   bool            `json:"connected"`
	ConnectedAt time.Time       `json:"connected_at"`
	LastEventAt time.Time       `json:"last_event_at,omitempty"`
	ErrorCount  int64           `json:"error_count"`
}

// Manager owns the live connectors, routes their events into the message
// handler and routes outbound sends back to the right connector.
type Manager struct {
	registry    *Registry
	accounts    domain.AccountStore
	log         domain.ChannelMessageLog
	credentials CredentialOpener
	dispatcher  *bus.Dispatcher
	events      *bus.EventBus
	seen        *lru.Cache[string, struct{}]
	logger      *slog.Logger

	handlerMu sync.RWMutex
	handler   MessageHandler

	mu   sync.RWMutex
	live map[connKey]*liveConn
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Registry == nil || cfg.Accounts == nil || cfg.Log == nil {
		return nil, errors.New("manager: registry, accounts and log are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SeenCache <= 0 {
		cfg.SeenCache = defaultSeenSize
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = bus.NewDispatcher(context.Background(), 0, cfg.Logger)
	}
	seen, err := lru.New[string, struct{}](cfg.SeenCache)
	if err != nil {
		return nil, fmt.Errorf("manager: seen cache: %w", err)
	}
	return &Manager{
		registry:    cfg.Registry,
		accounts:    cfg.Accounts,
		log:         cfg.Log,
		credentials: cfg.Credentials,
		dispatcher:  cfg.Dispatcher,
		events:      cfg.Events,
		seen:        seen,
		logger:      cfg.Logger.With("component", "channel-manager"),
		live:        make(map[connKey]*liveConn),
	}, nil
}

// SetHandler installs the inbound message handler.
func (m *Manager) SetHandler(h MessageHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = h
}

func (m *Manager) currentHandler() MessageHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

func (m *Manager) emit(typ string, payload map[string]any) {
	m.events.Emit(bus.Event{Type: typ, Source: "manager", Payload: payload})
}

// ConnectAll connects every active account. Failures are logged and counted.
func (m *Manager) ConnectAll(ctx context.Context) (int, error) {
	accts, err := m.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	ok := 0
	for _, a := range accts {
		if err := m.ConnectChannel(ctx, a.UserID, a); err != nil {
			m.logger.Error("connect failed", "account_id", a.ID, "platform", a.Platform, "err", err)
			continue
		}
		ok++
	}
	return ok, nil
}

// ConnectChannel replaces any live connector for the account's key with a new
// one. The connector is registered before Connect is awaited so events
// emitted during the handshake are routed; on failure it is removed again.
func (m *Manager) ConnectChannel(ctx context.Context, userID string, acct domain.ChannelAccount) error {
	key := connKey{userID: userID, platform: acct.Platform, channelID: acct.ExternalChannelID}
	if prev := m.remove(key, nil); prev != nil {
		m.stopConn(ctx, prev)
	}

	conn, err := m.registry.Create(acct.Platform)
	if err != nil {
		return err
	}
	creds, err := m.openCredentials(acct.EncryptedCredentials)
	if err != nil {
		return fmt.Errorf("open credentials for %s: %w", acct.ID, err)
	}
	if acct.DeliveryAddress != "" {
		if _, set := creds["delivery_address"]; !set {
			creds["delivery_address"] = acct.DeliveryAddress
		}
	}
	cfg := domain.ConnectorConfig{
		AccountID:         acct.ID,
		UserID:            userID,
		Platform:          acct.Platform,
		ExternalChannelID: acct.ExternalChannelID,
		Credentials:       creds,
	}

	lc := &liveConn{
		key:         key,
		conn:        conn,
		account:     acct,
		address:     acct.DeliveryAddress,
		stop:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	events := make(chan domain.ConnectorEvent, eventBuffer)

	m.mu.Lock()
	m.live[key] = lc
	m.mu.Unlock()
	go m.pump(lc, events)

	if err := conn.Connect(ctx, cfg, events); err != nil {
		m.remove(key, lc)
		lc.halt()
		return fmt.Errorf("connect %s: %w", key, err)
	}

	m.logger.Info("channel connected", "key", key.String(), "account_id", acct.ID)
	m.emit(bus.EventConnectorConnected, map[string]any{
		"account_id": acct.ID, "platform": string(acct.Platform), "user_id": userID,
	})
	return nil
}

func (m *Manager) openCredentials(sealed string) (map[string]string, error) {
	if sealed == "" {
		return map[string]string{}, nil
	}
	if m.credentials != nil {
		return m.credentials.Open(sealed)
	}
	creds := map[string]string{}
	if err := json.Unmarshal([]byte(sealed), &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// remove deletes key from the live map. With want set, only that instance is
// removed.
func (m *Manager) remove(key connKey, want *liveConn) *liveConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc, ok := m.live[key]
	if !ok || (want != nil && lc != want) {
		return nil
	}
	delete(m.live, key)
	return lc
}

func (m *Manager) stopConn(ctx context.Context, lc *liveConn) error {
	err := lc.conn.Disconnect(ctx)
	lc.halt()
	if err != nil {
		m.logger.Warn("disconnect error", "key", lc.key.String(), "err", err)
	}
	m.emit(bus.EventConnectorDisconnected, map[string]any{
		"account_id": lc.account.ID, "platform": string(lc.key.platform), "user_id": lc.key.userID,
	})
	return err
}

func (m *Manager) pump(lc *liveConn, events <-chan domain.ConnectorEvent) {
	for {
		select {
		case <-lc.stop:
			return
		case ev := <-events:
			lc.lastEvent.Store(time.Now().UnixNano())
			m.handleEvent(lc, ev)
		}
	}
}

func (m *Manager) handleEvent(lc *liveConn, ev domain.ConnectorEvent) {
	ctx := context.Background()
	switch ev.Type {
	case domain.EventMessage:
		if ev.Message != nil {
			m.onMessage(ctx, lc, *ev.Message)
		}
	case domain.EventMessageEdit:
		if ev.Message == nil {
			return
		}
		if err := m.log.UpdateInbound(ctx, lc.account.ID, ev.Message.ID, ev.Message.Content); err != nil {
			m.logger.Warn("update edited message failed", "account_id", lc.account.ID, "message_id", ev.Message.ID, "err", err)
		}
		m.emit(bus.EventInboundEdited, map[string]any{"account_id": lc.account.ID, "message_id": ev.Message.ID})
	case domain.EventMessageDelete:
		if err := m.log.MarkInboundDeleted(ctx, lc.account.ID, ev.MessageID); err != nil {
			m.logger.Warn("mark deleted failed", "account_id", lc.account.ID, "message_id", ev.MessageID, "err", err)
		}
		m.emit(bus.EventInboundDeleted, map[string]any{"account_id": lc.account.ID, "message_id": ev.MessageID})
	case domain.EventError:
		lc.errCount.Add(1)
		m.emit(bus.EventConnectorError, map[string]any{
			"account_id": lc.account.ID, "platform": string(lc.key.platform), "error": errString(ev.Err),
		})
	case domain.EventDisconnected:
		m.logger.Error("connector gave up", "key", lc.key.String(), "err", ev.Err)
		if m.remove(lc.key, lc) != nil {
			lc.halt()
			go lc.conn.Disconnect(context.Background())
			m.emit(bus.EventConnectorDisconnected, map[string]any{
				"account_id": lc.account.ID, "platform": string(lc.key.platform), "user_id": lc.key.userID, "error": errString(ev.Err),
			})
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// onMessage dedupes, persists the raw record, refreshes the delivery address
// and queues the handler on the message's thread.
func (m *Manager) onMessage(ctx context.Context, lc *liveConn, msg domain.NormalizedMessage) {
	acct := lc.account
	if msg.Platform == "" {
		msg.Platform = acct.Platform
	}
	seenKey := acct.ID + "|" + msg.ID
	if found, _ := m.seen.ContainsOrAdd(seenKey, struct{}{}); found {
		m.duplicate(acct.ID, msg.ID)
		return
	}

	fresh, err := m.log.RecordInbound(ctx, domain.ChannelMessage{
		AccountID:         acct.ID,
		ExternalMessageID: msg.ID,
		ExternalChannelID: msg.ExternalChannelID,
		ThreadID:          msg.ThreadID,
		SenderID:          msg.Sender.ID,
		Content:           msg.Content,
		ContentKind:       string(msg.ContentKind),
		CreatedAt:         msg.Timestamp,
	})
	if err != nil {
		// Without the record the message could be processed twice later.
		m.seen.Remove(seenKey)
		m.logger.Error("record inbound failed, dropping message", "account_id", acct.ID, "message_id", msg.ID, "err", err)
		m.emit(bus.EventProcessingFailed, map[string]any{"account_id": acct.ID, "message_id": msg.ID, "error": err.Error()})
		return
	}
	if !fresh {
		m.duplicate(acct.ID, msg.ID)
		return
	}

	m.refreshAddress(ctx, lc, msg.Meta(domain.MetaDeliveryAddress))

	m.emit(bus.EventInboundReceived, map[string]any{
		"account_id": acct.ID, "platform": string(msg.Platform), "message_id": msg.ID,
	})

	handler := m.currentHandler()
	if handler == nil {
		m.logger.Warn("no message handler installed", "account_id", acct.ID)
		return
	}
	userID := lc.key.userID
	threadKey := acct.ID + "|" + string(domain.ThreadKeyFor(msg))
	err = m.dispatcher.Submit(threadKey, func(ctx context.Context) {
		res := handler(ctx, userID, msg)
		if !res.Success {
			m.logger.Warn("message processing failed", "account_id", acct.ID, "message_id", msg.ID, "error", res.Error)
		}
	})
	if err != nil {
		m.logger.Warn("dispatch rejected", "account_id", acct.ID, "message_id", msg.ID, "err", err)
	}
}

func (m *Manager) duplicate(accountID, messageID string) {
	m.logger.Debug("duplicate inbound ignored", "account_id", accountID, "message_id", messageID)
	m.emit(bus.EventInboundDuplicate, map[string]any{"account_id": accountID, "message_id": messageID})
}

func (m *Manager) refreshAddress(ctx context.Context, lc *liveConn, addr string) {
	if addr == "" {
		return
	}
	lc.addrMu.Lock()
	changed := addr != lc.address
	lc.address = addr
	lc.addrMu.Unlock()
	if !changed {
		return
	}
	if err := m.accounts.UpdateDeliveryAddress(ctx, lc.account.ID, addr); err != nil {
		m.logger.Warn("update delivery address failed", "account_id", lc.account.ID, "err", err)
	}
}

// lookup finds the connector for an exact key, else any live connector of
// the platform for the user, preferring connected and recently active ones.
func (m *Manager) lookup(userID string, p domain.Platform, channelID string) *liveConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if lc, ok := m.live[connKey{userID: userID, platform: p, channelID: channelID}]; ok {
		return lc
	}
	var best *liveConn
	for k, lc := range m.live {
		if k.userID != userID || k.platform != p {
			continue
		}
		if best == nil || better(lc, best) {
			best = lc
		}
	}
	return best
}

func better(a, b *liveConn) bool {
	ac, bc := a.conn.IsConnected(), b.conn.IsConnected()
	if ac != bc {
		return ac
	}
	return a.lastEvent.Load() > b.lastEvent.Load()
}

func (m *Manager) route(userID string, p domain.Platform, channelID string) (*liveConn, error) {
	lc := m.lookup(userID, p, channelID)
	if lc == nil {
		return nil, fmt.Errorf("%w: %s/%s for user %s", domain.ErrConnectorNotFound, p, channelID, userID)
	}
	return lc, nil
}

// SendMessage delivers content through the user's connector for the platform
// and records the outbound message.
func (m *Manager) SendMessage(ctx context.Context, userID string, p domain.Platform, channelID, content string, opts domain.SendOptions) (string, error) {
	lc, err := m.route(userID, p, channelID)
	if err != nil {
		return "", err
	}
	id, err := lc.conn.SendMessage(ctx, channelID, content, opts)
	if err != nil {
		return "", fmt.Errorf("send via %s: %w", p, err)
	}
	rec := domain.ChannelMessage{
		AccountID:         lc.account.ID,
		ExternalMessageID: id,
		ExternalChannelID: channelID,
		ThreadID:          opts.ThreadID,
		Content:           content,
		ContentKind:       string(domain.ContentText),
	}
	if err := m.log.RecordOutbound(ctx, rec); err != nil {
		m.logger.Warn("record outbound failed", "account_id", lc.account.ID, "message_id", id, "err", err)
	}
	return id, nil
}

func (m *Manager) EditMessage(ctx context.Context, userID string, p domain.Platform, channelID, messageID, content string) error {
	lc, err := m.route(userID, p, channelID)
	if err != nil {
		return err
	}
	return lc.conn.EditMessage(ctx, channelID, messageID, content)
}

func (m *Manager) DeleteMessage(ctx context.Context, userID string, p domain.Platform, channelID, messageID string) error {
	lc, err := m.route(userID, p, channelID)
	if err != nil {
		return err
	}
	return lc.conn.DeleteMessage(ctx, channelID, messageID)
}

// DisconnectChannel stops one connector. A missing key is not an error.
func (m *Manager) DisconnectChannel(ctx context.Context, userID string, p domain.Platform, channelID string) error {
	lc := m.remove(connKey{userID: userID, platform: p, channelID: channelID}, nil)
	if lc == nil {
		return nil
	}
	return m.stopConn(ctx, lc)
}

// DisconnectUser stops every connector of a user, continuing past failures.
func (m *Manager) DisconnectUser(ctx context.Context, userID string) error {
	return m.disconnectWhere(ctx, func(k connKey) bool { return k.userID == userID })
}

// Shutdown disconnects everything and drains queued handler jobs until ctx
// expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.disconnectWhere(ctx, func(connKey) bool { return true })
	if derr := m.dispatcher.Close(ctx); derr != nil {
		m.logger.Warn("dispatcher drain incomplete", "err", derr)
		err = errors.Join(err, derr)
	}
	m.logger.Info("channel manager stopped")
	return err
}

func (m *Manager) disconnectWhere(ctx context.Context, match func(connKey) bool) error {
	m.mu.Lock()
	var victims []*liveConn
	for k, lc := range m.live {
		if match(k) {
			victims = append(victims, lc)
			delete(m.live, k)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, lc := range victims {
		if err := m.stopConn(ctx, lc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", lc.key, err))
		}
	}
	return errors.Join(errs...)
}

// Status returns a snapshot of every live connector, sorted by key.
func (m *Manager) Status() []ConnectorStatus {
	m.mu.RLock()
	out := make([]ConnectorStatus, 0, len(m.live))
	for k, lc := range m.live {
		st := ConnectorStatus{
			Key:         k.String(),
			UserID:      k.userID,
			AccountID:   lc.account.ID,
			Platform:    k.platform,
			ChannelID:   k.channelID,
			Connected:   lc.conn.IsConnected(),
			ConnectedAt: lc.connectedAt,
			ErrorCount:  lc.errCount.Load(),
		}
		if ns := lc.lastEvent.Load(); ns > 0 {
			st.LastEventAt = time.Unix(0, ns)
		}
		out = append(out, st)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
