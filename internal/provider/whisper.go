package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"omnichat/internal/domain"
)

// WhisperConfig configures speech-to-text over the OpenAI-compatible
// transcription endpoint.
type WhisperConfig struct {
	APIBase    string // e.g. "https://api.groq.com/openai/v1" or "https://api.openai.com/v1"
	APIKey     string
	Model      string // "whisper-large-v3" (Groq) or "whisper-1" (OpenAI)
	Language   string // optional ISO-639-1 hint
	MaxBytes   int64
	HTTPClient *http.Client
	Logger     *slog.Logger

	// DownloadClient fetches audio attachments; nil allows public
	// addresses only.
	DownloadClient *http.Client
}

// Whisper implements domain.Transcriber.
type Whisper struct {
	client     *openai.Client
	model      string
	language   string
	downloader *Downloader
	logger     *slog.Logger
}

func NewWhisper(cfg WhisperConfig) *Whisper {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.groq.com/openai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-large-v3"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(120 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.APIBase, "/")
	oc.HTTPClient = cfg.HTTPClient

	return &Whisper{
		client:     openai.NewClientWithConfig(oc),
		model:      cfg.Model,
		language:   cfg.Language,
		downloader: NewDownloader(cfg.DownloadClient, cfg.MaxBytes, cfg.Logger),
		logger:     cfg.Logger.With("component", "whisper"),
	}
}

// Transcribe downloads the audio attachment and returns its text.
func (w *Whisper) Transcribe(ctx context.Context, audio domain.Attachment) (string, error) {
	if audio.URL == "" {
		return "", errors.New("transcribe: attachment has no url")
	}
	data, err := w.downloader.Fetch(ctx, audio.URL)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}

	start := time.Now()
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: audioFilename(audio),
		Reader:   bytes.NewReader(data),
		Language: w.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	w.logger.Debug("transcribed audio", "bytes", len(data), "chars", len(text), "took", time.Since(start))
	if text == "" {
		return "", errors.New("transcribe: empty transcription")
	}
	return text, nil
}

// audioFilename picks a name whose extension the endpoint uses to detect
// the format.
func audioFilename(a domain.Attachment) string {
	if a.Name != "" && path.Ext(a.Name) != "" {
		return a.Name
	}
	if a.MimeType != "" {
		if exts, _ := mime.ExtensionsByType(a.MimeType); len(exts) > 0 {
			return "audio" + exts[0]
		}
		if sub, ok := strings.CutPrefix(a.MimeType, "audio/"); ok && sub != "" {
			return "audio." + strings.TrimPrefix(sub, "x-")
		}
	}
	if ext := path.Ext(strings.SplitN(a.URL, "?", 2)[0]); ext != "" && len(ext) <= 5 {
		return "audio" + ext
	}
	return "audio.ogg"
}
