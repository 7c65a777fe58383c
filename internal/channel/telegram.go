package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"omnichat/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxSendRetries = 3
	telegramChunkDelay     = 300 * time.Millisecond
)

// Telegram connects a bot account through long polling.
type Telegram struct {
	base
	parseMode string

	botMu    sync.RWMutex
	bot      *tgbotapi.BotAPI
	stopPoll sync.Once
	cancel   context.CancelFunc
}

type TelegramConfig struct {
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	return &Telegram{
		base:      newBase(domain.PlatformTelegram, cfg.Logger),
		parseMode: cfg.ParseMode,
	}
}

// Connect validates the bot token and starts polling. Credentials: bot_token.
func (t *Telegram) Connect(ctx context.Context, cfg domain.ConnectorConfig, events chan<- domain.ConnectorEvent) error {
	token := cfg.Credential("bot_token")
	if token == "" {
		return fmt.Errorf("telegram: missing bot_token credential")
	}
	t.attach(cfg, events)

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		t.detach()
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.botMu.Lock()
	t.bot = bot
	t.stopPoll = sync.Once{}
	t.botMu.Unlock()

	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	pollCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)
	t.connected.Store(true)

	go t.poll(pollCtx, updates)
	return nil
}

func (t *Telegram) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	done := t.doneCh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			t.handleUpdate(update)
		}
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		msg := normalizeTelegram(update.Message, t.fileURL)
		if msg == nil {
			return
		}
		t.logger.Debug("telegram message received", "chat_id", msg.ExternalChannelID, "content_len", len(msg.Content))
		t.emitMessage(msg)
	case update.EditedMessage != nil:
		msg := normalizeTelegram(update.EditedMessage, t.fileURL)
		if msg == nil {
			return
		}
		msg.Metadata[domain.MetaEdited] = "true"
		t.emitEdit(msg)
	}
}

func (t *Telegram) fileURL(fileID string) string {
	t.botMu.RLock()
	bot := t.bot
	t.botMu.RUnlock()
	if bot == nil {
		return ""
	}
	u, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		t.logger.Warn("telegram file url lookup failed", "file_id", fileID, "err", err)
		return ""
	}
	return u
}

// normalizeTelegram converts a bot API message. Messages without text or
// media are dropped.
func normalizeTelegram(m *tgbotapi.Message, fileURL func(string) string) *domain.NormalizedMessage {
	if m == nil || m.Chat == nil {
		return nil
	}
	out := &domain.NormalizedMessage{
		ID:                strconv.Itoa(m.MessageID),
		Platform:          domain.PlatformTelegram,
		ExternalChannelID: strconv.FormatInt(m.Chat.ID, 10),
		Content:           strings.TrimSpace(m.Text),
		ContentKind:       domain.ContentText,
		Timestamp:         time.Unix(int64(m.Date), 0).UTC(),
		Metadata:          map[string]string{domain.MetaChatType: m.Chat.Type},
	}
	if m.From != nil {
		out.Sender = domain.Sender{
			ID:          strconv.FormatInt(m.From.ID, 10),
			DisplayName: strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
		}
		if out.Sender.DisplayName == "" {
			out.Sender.DisplayName = m.From.UserName
		}
	}
	if m.ReplyToMessage != nil {
		out.ReplyToID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	if out.Content == "" {
		out.Content = strings.TrimSpace(m.Caption)
	}

	switch {
	case m.Voice != nil:
		out.ContentKind = domain.ContentVoice
		out.Attachments = append(out.Attachments, domain.Attachment{
			Kind:      domain.ContentVoice,
			URL:       fileURL(m.Voice.FileID),
			SizeBytes: int64(m.Voice.FileSize),
			MimeType:  orDefault(m.Voice.MimeType, "audio/ogg"),
		})
	case m.Audio != nil:
		out.ContentKind = domain.ContentVoice
		out.Attachments = append(out.Attachments, domain.Attachment{
			Kind:      domain.ContentVoice,
			URL:       fileURL(m.Audio.FileID),
			Name:      m.Audio.FileName,
			SizeBytes: int64(m.Audio.FileSize),
			MimeType:  orDefault(m.Audio.MimeType, "audio/mpeg"),
		})
	case len(m.Photo) > 0:
		// Sizes are ordered smallest first.
		best := m.Photo[len(m.Photo)-1]
		out.ContentKind = domain.ContentImage
		out.Attachments = append(out.Attachments, domain.Attachment{
			Kind:      domain.ContentImage,
			URL:       fileURL(best.FileID),
			SizeBytes: int64(best.FileSize),
			MimeType:  "image/jpeg",
		})
	case m.Document != nil:
		kind := domain.ContentFile
		if strings.HasPrefix(m.Document.MimeType, "image/") {
			kind = domain.ContentImage
		}
		out.ContentKind = kind
		out.Attachments = append(out.Attachments, domain.Attachment{
			Kind:      kind,
			URL:       fileURL(m.Document.FileID),
			Name:      m.Document.FileName,
			SizeBytes: int64(m.Document.FileSize),
			MimeType:  m.Document.MimeType,
		})
	}

	if out.Content == "" && len(out.Attachments) == 0 {
		return nil
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (t *Telegram) Disconnect(ctx context.Context) error {
	t.detach()
	if t.cancel != nil {
		t.cancel()
	}
	t.botMu.RLock()
	bot := t.bot
	t.botMu.RUnlock()
	if bot != nil {
		// StopReceivingUpdates panics when called twice.
		t.stopPoll.Do(bot.StopReceivingUpdates)
	}
	t.logger.Info("telegram channel stopped")
	return nil
}

func (t *Telegram) client() (*tgbotapi.BotAPI, error) {
	t.botMu.RLock()
	defer t.botMu.RUnlock()
	if t.bot == nil || !t.IsConnected() {
		return nil, domain.ErrNotConnected
	}
	return t.bot, nil
}

func (t *Telegram) SendMessage(ctx context.Context, channelID, content string, opts domain.SendOptions) (string, error) {
	bot, err := t.client()
	if err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat ID %q: %w", channelID, err)
	}
	replyTo, _ := strconv.Atoi(opts.ReplyTo)

	chunks := SplitMessage(content, telegramMaxMsgLen)
	return sendChunks(ctx, chunks, telegramChunkDelay, func(ctx context.Context, i int, chunk string) (string, error) {
		rt := 0
		if i == 0 {
			rt = replyTo
		}
		return t.sendChunk(ctx, bot, chatID, rt, chunk)
	})
}

// sendChunk sends one piece with retry and rate limit handling. The first
// attempt uses the configured parse mode; a parse error falls back to plain
// text immediately.
func (t *Telegram) sendChunk(ctx context.Context, bot *tgbotapi.BotAPI, chatID int64, replyTo int, text string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ReplyToMessageID = replyTo
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		sent, err := bot.Send(msg)
		if err == nil {
			return strconv.Itoa(sent.MessageID), nil
		}
		lastErr = err
		errStr := err.Error()

		wait := time.Duration(attempt+1) * time.Second
		switch {
		case strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429"):
			wait = time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
		case attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities"):
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		case strings.Contains(errStr, "chat not found") || strings.Contains(errStr, "Unauthorized"):
			return "", err
		default:
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", wait)
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	t.logger.Error("telegram send failed after retries", "err", lastErr, "attempts", telegramMaxSendRetries+1)
	return "", lastErr
}

func (t *Telegram) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	bot, err := t.client()
	if err != nil {
		return err
	}
	chatID, msgID, err := telegramIDs(channelID, messageID)
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, content)); err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (t *Telegram) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	bot, err := t.client()
	if err != nil {
		return err
	}
	chatID, msgID, err := telegramIDs(channelID, messageID)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		return fmt.Errorf("telegram delete: %w", err)
	}
	return nil
}

func telegramIDs(channelID, messageID string) (int64, int, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat ID %q: %w", channelID, err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid message ID %q: %w", messageID, err)
	}
	return chatID, msgID, nil
}
