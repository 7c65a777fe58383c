package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"omnichat/internal/domain"
)

// base holds the session state every connector shares: the config it was
// connected with, the manager's event channel and a done channel that stops
// event delivery once Disconnect begins.
type base struct {
	platform domain.Platform
	logger   *slog.Logger

	mu     sync.RWMutex
	cfg    domain.ConnectorConfig
	events chan<- domain.ConnectorEvent
	done   chan struct{}
	stop   sync.Once

	connected atomic.Bool
}

func newBase(p domain.Platform, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{platform: p, logger: logger.With("platform", string(p))}
}

func (b *base) Platform() domain.Platform { return b.platform }

func (b *base) IsConnected() bool { return b.connected.Load() }

func (b *base) attach(cfg domain.ConnectorConfig, events chan<- domain.ConnectorEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	b.events = events
	b.done = make(chan struct{})
	b.stop = sync.Once{}
}

// detach stops event delivery. Safe to call more than once.
func (b *base) detach() {
	b.connected.Store(false)
	b.mu.RLock()
	done := b.done
	b.mu.RUnlock()
	if done == nil {
		return
	}
	b.stop.Do(func() { close(done) })
}

func (b *base) config() domain.ConnectorConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *base) doneCh() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.done
}

// emit blocks until the manager accepts the event or the connector is
// disconnected. It reports whether the event was delivered.
func (b *base) emit(ev domain.ConnectorEvent) bool {
	b.mu.RLock()
	events, done := b.events, b.done
	b.mu.RUnlock()
	if events == nil {
		return false
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case events <- ev:
		return true
	case <-done:
		return false
	}
}

func (b *base) emitMessage(msg *domain.NormalizedMessage) bool {
	return b.emit(domain.ConnectorEvent{Type: domain.EventMessage, Message: msg})
}

func (b *base) emitEdit(msg *domain.NormalizedMessage) bool {
	return b.emit(domain.ConnectorEvent{Type: domain.EventMessageEdit, Message: msg})
}

func (b *base) emitDelete(channelID, messageID string) bool {
	return b.emit(domain.ConnectorEvent{Type: domain.EventMessageDelete, ChannelID: channelID, MessageID: messageID})
}

func (b *base) emitError(err error) bool {
	b.logger.Warn("connector error", "err", err)
	return b.emit(domain.ConnectorEvent{Type: domain.EventError, Err: err})
}

// sessionLost runs the reconnect loop for a dropped session and reports a
// permanent disconnect when it gives up. It returns true only when the
// session was re-established and Disconnect has not been called meanwhile.
func (b *base) sessionLost(ctx context.Context, policy ReconnectPolicy, cause error, dial func(ctx context.Context) error) bool {
	b.connected.Store(false)
	b.emitError(cause)

	// Cancel reconnection as soon as Disconnect is called.
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.doneCh():
			cancel()
		case <-rctx.Done():
		}
	}()

	err := reconnect(rctx, policy, b.logger, string(b.platform), dial)
	if err == nil {
		select {
		case <-b.doneCh():
			return false
		default:
		}
		b.connected.Store(true)
		b.logger.Info("connector reconnected")
		return true
	}
	if rctx.Err() != nil {
		return false
	}
	b.logger.Error("connector giving up after reconnect attempts", "err", err)
	b.emit(domain.ConnectorEvent{Type: domain.EventDisconnected, Err: err})
	return false
}
