package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"omnichat/internal/channel"
	"omnichat/internal/domain"
	"omnichat/internal/security"
)

const (
	oauthStateTTL   = 10 * time.Minute
	oauthMaxPending = 1024
)

type accountWriter interface {
	FindAccount(ctx context.Context, userID string, p domain.Platform, channelID string) (*domain.ChannelAccount, error)
	CreateAccount(ctx context.Context, acct domain.ChannelAccount) error
	UpdateCredentials(ctx context.Context, accountID, sealed string) error
}

type channelConnector interface {
	ConnectChannel(ctx context.Context, userID string, acct domain.ChannelAccount) error
}

type oauthConfig struct {
	Registry *channel.Registry
	Accounts accountWriter
	Manager  channelConnector
	Vault    *security.Vault // nil stores credentials as plain JSON
	Logger   *slog.Logger
	Now      func() time.Time
}

type pendingInstall struct {
	userID    string
	platform  domain.Platform
	expiresAt time.Time
}

// oauthInstaller runs the install flow for OAuth connectors: it redirects to
// the platform's consent page, exchanges the code on callback, stores the
// account with sealed credentials and connects it.
type oauthInstaller struct {
	cfg oauthConfig

	// pending is capped; the oldest unfinished installs are dropped first.
	pending *expirable.LRU[string, pendingInstall]
}

func newOAuthInstaller(cfg oauthConfig) *oauthInstaller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &oauthInstaller{
		cfg:     cfg,
		pending: expirable.NewLRU[string, pendingInstall](oauthMaxPending, nil, oauthStateTTL),
	}
}

func (o *oauthInstaller) Mount(r chi.Router) {
	r.Get("/oauth/{platform}/install", o.install)
	r.Get("/oauth/{platform}/callback", o.callback)
}

func (o *oauthInstaller) connector(p domain.Platform) (domain.OAuthConnector, error) {
	conn, err := o.cfg.Registry.Create(p)
	if err != nil {
		return nil, err
	}
	oc, ok := conn.(domain.OAuthConnector)
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, domain.ErrNotSupported)
	}
	return oc, nil
}

func (o *oauthInstaller) install(w http.ResponseWriter, r *http.Request) {
	p := domain.Platform(chi.URLParam(r, "platform"))
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	oc, err := o.connector(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	state := o.newState(userID, p)
	http.Redirect(w, r, oc.AuthURL(state), http.StatusFound)
}

func (o *oauthInstaller) newState(userID string, p domain.Platform) string {
	state := uuid.NewString()
	o.pending.Add(state, pendingInstall{userID: userID, platform: p, expiresAt: o.cfg.Now().Add(oauthStateTTL)})
	return state
}

// takeState consumes a state value. Each state is valid once.
func (o *oauthInstaller) takeState(state string, p domain.Platform) (string, bool) {
	pi, ok := o.pending.Get(state)
	if !ok {
		return "", false
	}
	o.pending.Remove(state)
	if pi.platform != p || o.cfg.Now().After(pi.expiresAt) {
		return "", false
	}
	return pi.userID, true
}

func (o *oauthInstaller) callback(w http.ResponseWriter, r *http.Request) {
	p := domain.Platform(chi.URLParam(r, "platform"))
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "install cancelled: "+e, http.StatusBadRequest)
		return
	}
	userID, ok := o.takeState(q.Get("state"), p)
	if !ok {
		http.Error(w, "unknown or expired state", http.StatusBadRequest)
		return
	}
	oc, err := o.connector(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	cc, err := oc.HandleAuthCallback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		o.cfg.Logger.Warn("oauth exchange failed", "platform", p, "user", userID, "err", err)
		http.Error(w, "authorization failed", http.StatusBadGateway)
		return
	}

	acct, err := o.saveAccount(r.Context(), userID, p, cc)
	if err != nil {
		o.cfg.Logger.Error("oauth account save failed", "platform", p, "user", userID, "err", err)
		http.Error(w, "could not store account", http.StatusInternalServerError)
		return
	}
	if err := o.cfg.Manager.ConnectChannel(r.Context(), userID, *acct); err != nil {
		o.cfg.Logger.Warn("installed account failed to connect", "account", acct.ID, "err", err)
		http.Error(w, "installed, but the connection failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	o.cfg.Logger.Info("oauth install complete", "platform", p, "user", userID, "account", acct.ID)
	writeJSON(w, http.StatusOK, map[string]string{"account_id": acct.ID, "channel": acct.ExternalChannelID})
}

// saveAccount creates the account for a new installation or rotates the
// credentials of an existing one.
func (o *oauthInstaller) saveAccount(ctx context.Context, userID string, p domain.Platform, cc domain.ConnectorConfig) (*domain.ChannelAccount, error) {
	sealed, err := sealCredentials(o.cfg.Vault, cc.Credentials)
	if err != nil {
		return nil, err
	}
	existing, err := o.cfg.Accounts.FindAccount(ctx, userID, p, cc.ExternalChannelID)
	switch {
	case err == nil:
		if err := o.cfg.Accounts.UpdateCredentials(ctx, existing.ID, sealed); err != nil {
			return nil, err
		}
		existing.EncryptedCredentials = sealed
		return existing, nil
	case !errors.Is(err, domain.ErrAccountNotFound):
		return nil, err
	}

	acct := domain.ChannelAccount{
		ID:                   uuid.NewString(),
		UserID:               userID,
		Platform:             p,
		ExternalChannelID:    cc.ExternalChannelID,
		IsActive:             true,
		EncryptedCredentials: sealed,
		RuntimeConfig:        domain.DefaultRuntimeConfig(),
	}
	if err := o.cfg.Accounts.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// sealCredentials encrypts creds with the vault, or encodes them as JSON
// when no vault is configured.
func sealCredentials(v *security.Vault, creds map[string]string) (string, error) {
	if len(creds) == 0 {
		return "", nil
	}
	if v != nil {
		return v.Seal(creds)
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
