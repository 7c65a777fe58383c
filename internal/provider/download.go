package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"omnichat/internal/security"
)

const defaultMaxDownloadBytes = 25 << 20 // Whisper upload limit

// Downloader fetches attachment bytes from connector-provided URLs. Those
// URLs can come from unauthenticated payloads, so the default client only
// reaches public addresses.
type Downloader struct {
	client   *http.Client
	maxBytes int64
	backoff  time.Duration
	logger   *slog.Logger
}

func NewDownloader(client *http.Client, maxBytes int64, logger *slog.Logger) *Downloader {
	if client == nil {
		client = security.PublicHTTPClient(60 * time.Second)
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxDownloadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{client: client, maxBytes: maxBytes, backoff: time.Second, logger: logger}
}

// Fetch downloads url, retrying transient failures. Bodies larger than the
// configured limit are rejected.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := doWithRetry(ctx, d.client, d.backoff, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}, d.logger)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength > d.maxBytes {
		return nil, fmt.Errorf("download: %d bytes exceeds limit of %d", resp.ContentLength, d.maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download: read body: %w", err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, fmt.Errorf("download: body exceeds limit of %d bytes", d.maxBytes)
	}
	return data, nil
}
