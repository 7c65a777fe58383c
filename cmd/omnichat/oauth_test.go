package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"omnichat/internal/channel"
	"omnichat/internal/domain"
	"omnichat/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Fakes ---

type fakeOAuthConn struct{}

func (fakeOAuthConn) Platform() domain.Platform { return domain.PlatformSlack }
func (fakeOAuthConn) IsConnected() bool         { return false }

func (fakeOAuthConn) Connect(ctx context.Context, cfg domain.ConnectorConfig, events chan<- domain.ConnectorEvent) error {
	return nil
}
func (fakeOAuthConn) Disconnect(ctx context.Context) error { return nil }

func (fakeOAuthConn) SendMessage(ctx context.Context, channelID, content string, opts domain.SendOptions) (string, error) {
	return "", nil
}

func (fakeOAuthConn) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	return nil
}

func (fakeOAuthConn) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return nil
}

func (fakeOAuthConn) AuthURL(state string) string {
	return "https://auth.example/authorize?state=" + url.QueryEscape(state)
}

func (fakeOAuthConn) HandleAuthCallback(ctx context.Context, code, state string) (domain.ConnectorConfig, error) {
	return domain.ConnectorConfig{
		Platform:          domain.PlatformSlack,
		ExternalChannelID: "T123",
		Credentials:       map[string]string{"bot_token": "xoxb-" + code},
	}, nil
}

func (fakeOAuthConn) RefreshToken(ctx context.Context, cfg domain.ConnectorConfig) (domain.ConnectorConfig, error) {
	return cfg, nil
}

type fakeAccountStore struct {
	mu       sync.Mutex
	accounts map[string]domain.ChannelAccount
}

func (f *fakeAccountStore) FindAccount(ctx context.Context, userID string, p domain.Platform, channelID string) (*domain.ChannelAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.UserID == userID && a.Platform == p && a.ExternalChannelID == channelID {
			return &a, nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (f *fakeAccountStore) CreateAccount(ctx context.Context, acct domain.ChannelAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[acct.ID] = acct
	return nil
}

func (f *fakeAccountStore) UpdateCredentials(ctx context.Context, accountID, sealed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.accounts[accountID]
	a.EncryptedCredentials = sealed
	f.accounts[accountID] = a
	return nil
}

type fakeConnector struct {
	connected []domain.ChannelAccount
}

func (f *fakeConnector) ConnectChannel(ctx context.Context, userID string, acct domain.ChannelAccount) error {
	f.connected = append(f.connected, acct)
	return nil
}

func newTestInstaller(t *testing.T, vault *security.Vault) (*oauthInstaller, *fakeAccountStore, *fakeConnector, *httptest.Server) {
	t.Helper()
	reg := channel.NewRegistry()
	reg.Register(domain.PlatformSlack, func() domain.Connector { return fakeOAuthConn{} })
	reg.Register(domain.PlatformTelegram, func() domain.Connector { return channel.NewTelegram(channel.TelegramConfig{}) })

	accounts := &fakeAccountStore{accounts: make(map[string]domain.ChannelAccount)}
	conns := &fakeConnector{}
	inst := newOAuthInstaller(oauthConfig{
		Registry: reg,
		Accounts: accounts,
		Manager:  conns,
		Vault:    vault,
		Logger:   testLogger(),
	})
	r := chi.NewRouter()
	inst.Mount(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return inst, accounts, conns, ts
}

var noRedirect = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse },
}

// --- Install flow ---

func TestOAuth_InstallRedirectsWithState(t *testing.T) {
	inst, _, _, ts := newTestInstaller(t, nil)

	resp, err := noRedirect.Get(ts.URL + "/oauth/slack/install?user=u1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("redirect carries no state")
	}
	if _, ok := inst.pending.Peek(state); !ok {
		t.Fatal("state not remembered")
	}
}

func TestOAuth_InstallRejectsNonOAuthPlatform(t *testing.T) {
	_, _, _, ts := newTestInstaller(t, nil)
	resp, err := noRedirect.Get(ts.URL + "/oauth/telegram/install?user=u1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestOAuth_CallbackCreatesAndConnectsAccount(t *testing.T) {
	vault, err := security.NewVault("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	inst, accounts, conns, ts := newTestInstaller(t, vault)
	state := inst.newState("u1", domain.PlatformSlack)

	resp, err := http.Get(ts.URL + "/oauth/slack/callback?code=abc&state=" + state)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if len(accounts.accounts) != 1 || len(conns.connected) != 1 {
		t.Fatalf("expected one stored and connected account, got %d/%d", len(accounts.accounts), len(conns.connected))
	}
	acct := conns.connected[0]
	if acct.UserID != "u1" || acct.ExternalChannelID != "T123" || !acct.IsActive {
		t.Fatalf("unexpected account %+v", acct)
	}
	creds, err := vault.Open(acct.EncryptedCredentials)
	if err != nil {
		t.Fatalf("credentials not sealed with the vault: %v", err)
	}
	if creds["bot_token"] != "xoxb-abc" {
		t.Fatalf("unexpected credentials %v", creds)
	}

	// The state is single-use.
	resp, err = http.Get(ts.URL + "/oauth/slack/callback?code=abc&state=" + state)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reused state should be rejected, got %d", resp.StatusCode)
	}
}

func TestOAuth_ReinstallRotatesCredentials(t *testing.T) {
	inst, accounts, _, _ := newTestInstaller(t, nil)
	ctx := context.Background()
	cc := domain.ConnectorConfig{ExternalChannelID: "T123", Credentials: map[string]string{"bot_token": "old"}}

	first, err := inst.saveAccount(ctx, "u1", domain.PlatformSlack, cc)
	if err != nil {
		t.Fatal(err)
	}
	cc.Credentials = map[string]string{"bot_token": "new"}
	second, err := inst.saveAccount(ctx, "u1", domain.PlatformSlack, cc)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID || len(accounts.accounts) != 1 {
		t.Fatalf("reinstall must reuse the account, got %s and %s", first.ID, second.ID)
	}
	if got := accounts.accounts[first.ID].EncryptedCredentials; got != `{"bot_token":"new"}` {
		t.Fatalf("credentials not rotated: %s", got)
	}
}

func TestOAuth_ExpiredState(t *testing.T) {
	inst, _, _, _ := newTestInstaller(t, nil)
	now := time.Now()
	inst.cfg.Now = func() time.Time { return now }
	state := inst.newState("u1", domain.PlatformSlack)

	now = now.Add(oauthStateTTL + time.Second)
	if _, ok := inst.takeState(state, domain.PlatformSlack); ok {
		t.Fatal("expired state accepted")
	}
}

func TestOAuth_PendingStatesAreCapped(t *testing.T) {
	inst, _, _, _ := newTestInstaller(t, nil)
	first := inst.newState("u1", domain.PlatformSlack)
	for i := 0; i < oauthMaxPending; i++ {
		inst.newState("flood", domain.PlatformSlack)
	}
	if n := inst.pending.Len(); n != oauthMaxPending {
		t.Fatalf("expected %d pending installs, got %d", oauthMaxPending, n)
	}
	if _, ok := inst.takeState(first, domain.PlatformSlack); ok {
		t.Fatal("oldest state should have been evicted")
	}
}
