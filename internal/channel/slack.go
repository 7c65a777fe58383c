package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"omnichat/internal/domain"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackAuthorizeURL = "https://slack.com/oauth/v2/authorize"

// SlackAppConfig is the workspace-independent Slack app registration.
type SlackAppConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// AppToken (xapp-) opens Socket Mode connections for every workspace.
	AppToken   string
	HTTPClient *http.Client
}

// SlackConfig configures one Slack connector instance.
type SlackConfig struct {
	App       SlackAppConfig
	Reconnect ReconnectPolicy
	Logger    *slog.Logger
}

// Slack connects a workspace installation through Socket Mode.
type Slack struct {
	base
	app    SlackAppConfig
	policy ReconnectPolicy

	apiMu  sync.RWMutex
	api    *slack.Client
	botUID string
	cancel context.CancelFunc

	names *lru.Cache[string, string]
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.App.HTTPClient == nil {
		cfg.App.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if len(cfg.App.Scopes) == 0 {
		cfg.App.Scopes = []string{"chat:write", "channels:history", "groups:history", "im:history", "files:read", "users:read"}
	}
	names, _ := lru.New[string, string](512)
	return &Slack{
		base:   newBase(domain.PlatformSlack, cfg.Logger),
		app:    cfg.App,
		policy: cfg.Reconnect,
		names:  names,
	}
}

// AuthURL returns the workspace install URL for the OAuth v2 flow.
func (s *Slack) AuthURL(state string) string {
	q := url.Values{}
	q.Set("client_id", s.app.ClientID)
	q.Set("scope", strings.Join(s.app.Scopes, ","))
	q.Set("state", state)
	if s.app.RedirectURL != "" {
		q.Set("redirect_uri", s.app.RedirectURL)
	}
	return slackAuthorizeURL + "?" + q.Encode()
}

// HandleAuthCallback exchanges an OAuth code for a bot token. The returned
// config has no account or user id; the caller fills those in.
func (s *Slack) HandleAuthCallback(ctx context.Context, code, state string) (domain.ConnectorConfig, error) {
	resp, err := slack.GetOAuthV2ResponseContext(ctx, s.app.HTTPClient, s.app.ClientID, s.app.ClientSecret, code, s.app.RedirectURL)
	if err != nil {
		return domain.ConnectorConfig{}, fmt.Errorf("slack oauth exchange: %w", err)
	}
	return domain.ConnectorConfig{
		Platform:          domain.PlatformSlack,
		ExternalChannelID: resp.Team.ID,
		Credentials:       slackCredentials(nil, resp),
	}, nil
}

// RefreshToken rotates an expiring bot token.
func (s *Slack) RefreshToken(ctx context.Context, cfg domain.ConnectorConfig) (domain.ConnectorConfig, error) {
	refresh := cfg.Credential("refresh_token")
	if refresh == "" {
		return cfg, fmt.Errorf("slack refresh: %w: token rotation not enabled", domain.ErrNotSupported)
	}
	resp, err := slack.RefreshOAuthV2TokenContext(ctx, s.app.HTTPClient, s.app.ClientID, s.app.ClientSecret, refresh)
	if err != nil {
		return cfg, fmt.Errorf("slack refresh: %w", err)
	}
	out := cfg
	out.Credentials = slackCredentials(cfg.Credentials, resp)
	return out, nil
}

func slackCredentials(prev map[string]string, resp *slack.OAuthV2Response) map[string]string {
	creds := make(map[string]string, len(prev)+6)
	for k, v := range prev {
		creds[k] = v
	}
	creds["bot_token"] = resp.AccessToken
	if resp.RefreshToken != "" {
		creds["refresh_token"] = resp.RefreshToken
	}
	if resp.ExpiresIn > 0 {
		creds["expires_at"] = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
	}
	if resp.BotUserID != "" {
		creds["bot_user_id"] = resp.BotUserID
	}
	if resp.Team.ID != "" {
		creds["team_id"] = resp.Team.ID
		creds["team_name"] = resp.Team.Name
	}
	return creds
}

// Connect verifies the bot token and opens Socket Mode. Credentials:
// bot_token, and app_token unless the app config carries one.
func (s *Slack) Connect(ctx context.Context, cfg domain.ConnectorConfig, events chan<- domain.ConnectorEvent) error {
	botToken := cfg.Credential("bot_token")
	appToken := cfg.Credential("app_token")
	if appToken == "" {
		appToken = s.app.AppToken
	}
	if botToken == "" || appToken == "" {
		return fmt.Errorf("slack: bot_token and app_token are required")
	}
	s.attach(cfg, events)

	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		s.detach()
		return fmt.Errorf("slack auth: %w", err)
	}
	s.apiMu.Lock()
	s.api = api
	s.botUID = auth.UserID
	s.apiMu.Unlock()
	s.logger.Info("slack bot connected", "team", auth.Team, "user_id", auth.UserID)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.connected.Store(true)
	go s.run(runCtx, api)
	return nil
}

// run keeps a Socket Mode session open until Disconnect, reconnecting when it
// drops.
func (s *Slack) run(ctx context.Context, api *slack.Client) {
	for {
		client := socketmode.New(api)
		evCtx, stopEvents := context.WithCancel(ctx)
		go s.consume(evCtx, client)

		err := client.RunContext(ctx)
		stopEvents()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("socket mode session ended")
		}
		resumed := s.sessionLost(ctx, s.policy, fmt.Errorf("slack socket mode: %w", err), func(ctx context.Context) error {
			_, err := api.AuthTestContext(ctx)
			if err != nil && isSlackAuthError(err) {
				return permanent(err)
			}
			return err
		})
		if !resumed {
			return
		}
	}
}

func isSlackAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid_auth") || strings.Contains(msg, "token_revoked") || strings.Contains(msg, "account_inactive")
}

func (s *Slack) consume(ctx context.Context, client *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			if evt.Request != nil {
				client.Ack(*evt.Request)
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			api, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok || api.Type != slackevents.CallbackEvent {
				continue
			}
			if ev, ok := api.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				s.handleMessage(ctx, ev)
			}
		}
	}
}

func (s *Slack) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	s.apiMu.RLock()
	botUID := s.botUID
	s.apiMu.RUnlock()

	kind, msg := normalizeSlack(ev, botUID)
	switch kind {
	case domain.EventMessage, domain.EventMessageEdit:
		if msg.Sender.ID != "" {
			msg.Sender.DisplayName = s.displayName(ctx, msg.Sender.ID)
		}
		if kind == domain.EventMessage {
			s.emitMessage(msg)
		} else {
			s.emitEdit(msg)
		}
	case domain.EventMessageDelete:
		s.emitDelete(ev.Channel, ev.DeletedTimeStamp)
	}
}

func (s *Slack) displayName(ctx context.Context, userID string) string {
	if name, ok := s.names.Get(userID); ok {
		return name
	}
	s.apiMu.RLock()
	api := s.api
	s.apiMu.RUnlock()
	if api == nil {
		return ""
	}
	u, err := api.GetUserInfoContext(ctx, userID)
	if err != nil {
		s.logger.Debug("slack user lookup failed", "user", userID, "err", err)
		return ""
	}
	name := u.Profile.DisplayName
	if name == "" {
		name = u.RealName
	}
	if name == "" {
		name = u.Name
	}
	s.names.Add(userID, name)
	return name
}

// normalizeSlack classifies a message event. The bot's own messages and
// other bots are ignored; the returned kind is empty for skipped events.
func normalizeSlack(ev *slackevents.MessageEvent, botUID string) (domain.EventType, *domain.NormalizedMessage) {
	switch ev.SubType {
	case "message_deleted":
		if ev.DeletedTimeStamp == "" {
			return "", nil
		}
		return domain.EventMessageDelete, nil
	case "message_changed":
		if ev.Message == nil || ev.Message.User == "" || ev.Message.User == botUID {
			return "", nil
		}
		msg := slackMessage(ev.Channel, ev.ChannelType, ev.Message)
		msg.Metadata[domain.MetaEdited] = "true"
		return domain.EventMessageEdit, msg
	case "", "file_share", "thread_broadcast":
	default:
		return "", nil
	}
	if ev.BotID != "" || ev.User == "" || ev.User == botUID {
		return "", nil
	}
	src := ev.Message
	if src == nil {
		src = &slack.Msg{}
	}
	m := *src
	m.User = ev.User
	m.Text = ev.Text
	m.Timestamp = ev.TimeStamp
	m.ThreadTimestamp = ev.ThreadTimeStamp
	return domain.EventMessage, slackMessage(ev.Channel, ev.ChannelType, &m)
}

func slackMessage(channel, channelType string, m *slack.Msg) *domain.NormalizedMessage {
	out := &domain.NormalizedMessage{
		ID:                m.Timestamp,
		Platform:          domain.PlatformSlack,
		ExternalChannelID: channel,
		Content:           strings.TrimSpace(m.Text),
		ContentKind:       domain.ContentText,
		Sender:            domain.Sender{ID: m.User},
		Timestamp:         slackTime(m.Timestamp),
		Metadata:          map[string]string{domain.MetaChatType: channelType},
	}
	// A thread root reports its own ts as thread_ts.
	if m.ThreadTimestamp != "" && m.ThreadTimestamp != m.Timestamp {
		out.ThreadID = m.ThreadTimestamp
		out.ReplyToID = m.ThreadTimestamp
	}
	for _, f := range m.Files {
		kind := domain.ContentFile
		switch {
		case strings.HasPrefix(f.Mimetype, "image/"):
			kind = domain.ContentImage
		case strings.HasPrefix(f.Mimetype, "audio/"):
			kind = domain.ContentVoice
		}
		out.Attachments = append(out.Attachments, domain.Attachment{
			Kind:      kind,
			URL:       f.URLPrivate,
			Name:      f.Name,
			SizeBytes: int64(f.Size),
			MimeType:  f.Mimetype,
		})
		if out.ContentKind == domain.ContentText && out.Content == "" {
			out.ContentKind = kind
		}
	}
	return out
}

func slackTime(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	var nsec int64
	if frac != "" {
		for len(frac) < 9 {
			frac += "0"
		}
		nsec, _ = strconv.ParseInt(frac[:9], 10, 64)
	}
	return time.Unix(sec, nsec).UTC()
}

func (s *Slack) Disconnect(ctx context.Context) error {
	s.detach()
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("slack bot disconnected")
	return nil
}

func (s *Slack) client() (*slack.Client, error) {
	s.apiMu.RLock()
	defer s.apiMu.RUnlock()
	if s.api == nil || !s.IsConnected() {
		return nil, domain.ErrNotConnected
	}
	return s.api, nil
}

func (s *Slack) SendMessage(ctx context.Context, channelID, content string, opts domain.SendOptions) (string, error) {
	api, err := s.client()
	if err != nil {
		return "", err
	}
	thread := opts.ThreadID
	if thread == "" {
		thread = opts.ReplyTo
	}
	chunks := SplitMessage(content, slackMaxMsgLen)
	return sendChunks(ctx, chunks, 0, func(ctx context.Context, _ int, chunk string) (string, error) {
		options := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if thread != "" {
			options = append(options, slack.MsgOptionTS(thread))
		}
		_, ts, err := api.PostMessageContext(ctx, channelID, options...)
		if err != nil {
			return "", fmt.Errorf("slack post: %w", err)
		}
		return ts, nil
	})
}

func (s *Slack) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	api, err := s.client()
	if err != nil {
		return err
	}
	if _, _, _, err := api.UpdateMessageContext(ctx, channelID, messageID, slack.MsgOptionText(content, false)); err != nil {
		return fmt.Errorf("slack update: %w", err)
	}
	return nil
}

func (s *Slack) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	api, err := s.client()
	if err != nil {
		return err
	}
	if _, _, err := api.DeleteMessageContext(ctx, channelID, messageID); err != nil {
		return fmt.Errorf("slack delete: %w", err)
	}
	return nil
}
