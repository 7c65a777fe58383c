package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"omnichat/internal/domain"

	"github.com/bwmarrin/discordgo"
)

// Discord connects a bot through the gateway websocket. discordgo handles
// gateway resumes itself.
type Discord struct {
	base
	guildID string

	sessMu  sync.RWMutex
	session *discordgo.Session
}

type DiscordConfig struct {
	Logger *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{base: newBase(domain.PlatformDiscord, cfg.Logger)}
}

// Connect opens the gateway session. Credentials: bot_token, and optionally
// guild_id to restrict the bot to one server.
func (d *Discord) Connect(ctx context.Context, cfg domain.ConnectorConfig, events chan<- domain.ConnectorEvent) error {
	token := cfg.Credential("bot_token")
	if token == "" {
		return fmt.Errorf("discord: missing bot_token credential")
	}
	d.attach(cfg, events)
	d.guildID = cfg.Credential("guild_id")

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		d.detach()
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	session.AddHandler(d.onCreate)
	session.AddHandler(d.onUpdate)
	session.AddHandler(d.onDelete)
	session.AddHandler(d.onInteraction)
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.logger.Warn("discord gateway disconnected, waiting for resume")
	})

	if err := session.Open(); err != nil {
		d.detach()
		return fmt.Errorf("discord connect: %w", err)
	}
	d.sessMu.Lock()
	d.session = session
	d.sessMu.Unlock()
	d.connected.Store(true)

	d.logger.Info("discord bot connected", "user", session.State.User.Username)
	d.registerSlashCommands(session)
	return nil
}

func (d *Discord) selfID(s *discordgo.Session) string {
	if s.State == nil || s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}

func (d *Discord) accepts(s *discordgo.Session, m *discordgo.Message) bool {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == d.selfID(s) {
		return false
	}
	return d.guildID == "" || m.GuildID == "" || m.GuildID == d.guildID
}

func (d *Discord) onCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if !d.accepts(s, m.Message) {
		return
	}
	if msg := normalizeDiscord(m.Message); msg != nil {
		d.emitMessage(msg)
	}
}

func (d *Discord) onUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if !d.accepts(s, m.Message) {
		return
	}
	if msg := normalizeDiscord(m.Message); msg != nil {
		msg.Metadata[domain.MetaEdited] = "true"
		d.emitEdit(msg)
	}
}

func (d *Discord) onDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil {
		return
	}
	d.emitDelete(m.ChannelID, m.ID)
}

// onInteraction turns slash commands into "/name args" messages so they go
// through the same command handling as typed commands.
func (d *Discord) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	parts := []string{"/" + data.Name}
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			parts = append(parts, opt.StringValue())
		}
	}

	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: "On it.", Flags: discordgo.MessageFlagsEphemeral},
	}); err != nil {
		d.logger.Warn("discord interaction ack failed", "err", err)
	}

	d.emitMessage(&domain.NormalizedMessage{
		ID:                i.ID,
		Platform:          domain.PlatformDiscord,
		ExternalChannelID: i.ChannelID,
		Content:           strings.Join(parts, " "),
		ContentKind:       domain.ContentText,
		Sender:            domain.Sender{ID: user.ID, DisplayName: discordName(user, i.Member)},
		Timestamp:         time.Now().UTC(),
		Metadata:          map[string]string{domain.MetaChatType: "interaction"},
	})
}

func normalizeDiscord(m *discordgo.Message) *domain.NormalizedMessage {
	out := &domain.NormalizedMessage{
		ID:                m.ID,
		Platform:          domain.PlatformDiscord,
		ExternalChannelID: m.ChannelID,
		Content:           strings.TrimSpace(m.Content),
		ContentKind:       domain.ContentText,
		Sender:            domain.Sender{ID: m.Author.ID, DisplayName: discordName(m.Author, m.Member), AvatarURL: m.Author.AvatarURL("")},
		Timestamp:         m.Timestamp.UTC(),
		Metadata:          map[string]string{},
	}
	if m.GuildID == "" {
		out.Metadata[domain.MetaChatType] = "dm"
	} else {
		out.Metadata[domain.MetaChatType] = "guild"
	}
	if m.MessageReference != nil {
		out.ReplyToID = m.MessageReference.MessageID
	}
	for _, a := range m.Attachments {
		kind := domain.ContentFile
		switch {
		case strings.HasPrefix(a.ContentType, "image/"):
			kind = domain.ContentImage
		case strings.HasPrefix(a.ContentType, "audio/"):
			kind = domain.ContentVoice
		}
		out.Attachments = append(out.Attachments, domain.Attachment{
			Kind:      kind,
			URL:       a.URL,
			Name:      a.Filename,
			SizeBytes: int64(a.Size),
			MimeType:  a.ContentType,
		})
		if out.Content == "" && out.ContentKind == domain.ContentText {
			out.ContentKind = kind
		}
	}
	if out.Content == "" && len(out.Attachments) == 0 {
		return nil
	}
	return out
}

func discordName(u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func (d *Discord) registerSlashCommands(s *discordgo.Session) {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "ask",
			Description: "Ask the assistant a question",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "question",
				Description: "Your question",
				Required:    true,
			}},
		},
		{Name: "status", Description: "Show assistant status"},
		{Name: "help", Description: "Show available commands"},
		{Name: "clear", Description: "Clear this conversation"},
	}
	for _, cmd := range commands {
		if _, err := s.ApplicationCommandCreate(d.selfID(s), d.guildID, cmd); err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}

func (d *Discord) Disconnect(ctx context.Context) error {
	d.detach()
	d.sessMu.Lock()
	session := d.session
	d.session = nil
	d.sessMu.Unlock()
	if session == nil {
		return nil
	}
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) client() (*discordgo.Session, error) {
	d.sessMu.RLock()
	defer d.sessMu.RUnlock()
	if d.session == nil {
		return nil, domain.ErrNotConnected
	}
	return d.session, nil
}

func (d *Discord) SendMessage(ctx context.Context, channelID, content string, opts domain.SendOptions) (string, error) {
	s, err := d.client()
	if err != nil {
		return "", err
	}
	chunks := SplitMessage(content, discordMaxMsgLen)
	return sendChunks(ctx, chunks, 0, func(ctx context.Context, i int, chunk string) (string, error) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && opts.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyTo, ChannelID: channelID}
		}
		msg, err := s.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
		if err != nil {
			return "", fmt.Errorf("discord send: %w", err)
		}
		return msg.ID, nil
	})
}

func (d *Discord) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	s, err := d.client()
	if err != nil {
		return err
	}
	if _, err := s.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

func (d *Discord) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	s, err := d.client()
	if err != nil {
		return err
	}
	if err := s.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord delete: %w", err)
	}
	return nil
}
