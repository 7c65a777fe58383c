package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"omnichat/internal/bus"
	"omnichat/internal/domain"
)

func fastPolicy(attempts uint64) ReconnectPolicy {
	return ReconnectPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxAttempts: attempts}
}

func attachedBase(t *testing.T) (*base, chan domain.ConnectorEvent) {
	t.Helper()
	b := newBase(domain.PlatformDiscord, testLogger())
	events := make(chan domain.ConnectorEvent, 8)
	b.attach(domain.ConnectorConfig{AccountID: "a1"}, events)
	b.connected.Store(true)
	t.Cleanup(b.detach)
	return &b, events
}

func drain(events chan domain.ConnectorEvent) []domain.EventType {
	var got []domain.EventType
	for {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
		default:
			return got
		}
	}
}

func TestSessionLost_GivesUpAfterMaxAttempts(t *testing.T) {
	b, events := attachedBase(t)
	dials := 0
	resumed := b.sessionLost(context.Background(), fastPolicy(3), errors.New("socket closed"), func(context.Context) error {
		dials++
		return errors.New("dial refused")
	})

	if resumed || dials != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", dials)
	}
	if b.IsConnected() {
		t.Fatal("connector should report itself unconnected")
	}
	got := drain(events)
	if len(got) != 2 || got[0] != domain.EventError || got[1] != domain.EventDisconnected {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestSessionLost_Recovers(t *testing.T) {
	b, events := attachedBase(t)
	dials := 0
	resumed := b.sessionLost(context.Background(), fastPolicy(5), errors.New("socket closed"), func(context.Context) error {
		dials++
		if dials < 2 {
			return errors.New("dial refused")
		}
		return nil
	})

	if !resumed || dials != 2 || !b.IsConnected() {
		t.Fatalf("dials=%d connected=%v", dials, b.IsConnected())
	}
	if got := drain(events); len(got) != 1 || got[0] != domain.EventError {
		t.Fatalf("a recovered session reports only the error, got %v", got)
	}
}

func TestSessionLost_PermanentErrorStopsRetrying(t *testing.T) {
	b, events := attachedBase(t)
	dials := 0
	b.sessionLost(context.Background(), fastPolicy(5), errors.New("socket closed"), func(context.Context) error {
		dials++
		return permanent(errors.New("invalid token"))
	})
	if dials != 1 {
		t.Fatalf("permanent errors must not be retried, got %d dials", dials)
	}
	if got := drain(events); len(got) != 2 || got[1] != domain.EventDisconnected {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestSessionLost_DisconnectDuringRedial(t *testing.T) {
	b, events := attachedBase(t)
	resumed := b.sessionLost(context.Background(), fastPolicy(3), errors.New("socket closed"), func(context.Context) error {
		b.detach()
		return nil
	})
	if resumed || b.IsConnected() {
		t.Fatalf("a redial that lost the race with Disconnect must not resume (resumed=%v)", resumed)
	}
	if got := drain(events); len(got) != 1 || got[0] != domain.EventError {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestManager_RemovesConnectorThatGaveUp(t *testing.T) {
	fx := newManagerFixture(t)
	acct := fx.account(t, "a1", domain.PlatformTelegram, "100")
	if err := fx.mgr.ConnectChannel(context.Background(), "u1", acct); err != nil {
		t.Fatal(err)
	}
	gone := make(chan struct{}, 1)
	fx.mgr.events.On(bus.EventConnectorDisconnected, func(bus.Event) { gone <- struct{}{} })

	f := fx.fakes[domain.PlatformTelegram]
	f.sessionLost(context.Background(), fastPolicy(2), errors.New("socket closed"), func(context.Context) error {
		return errors.New("dial refused")
	})

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("no connector.disconnected event")
	}
	if n := len(fx.mgr.Status()); n != 0 {
		t.Fatalf("connector that gave up must be removed, %d live", n)
	}
	if _, err := fx.mgr.SendMessage(context.Background(), "u1", domain.PlatformTelegram, "100", "x", domain.SendOptions{}); !errors.Is(err, domain.ErrConnectorNotFound) {
		t.Fatalf("expected ErrConnectorNotFound, got %v", err)
	}
}
