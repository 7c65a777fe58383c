package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"omnichat/internal/security"
)

const maxRetries = 3

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// retryBackOff is exponential with jitter, starting at initial.
func retryBackOff(ctx context.Context, initial time.Duration) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.RandomizationFactor = 0.5
	eb.Multiplier = 2
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, maxRetries), ctx)
}

// doWithRetry executes an HTTP request, retrying network failures, 5xx and
// 429 responses. Other responses are returned to the caller unread.
func doWithRetry(ctx context.Context, client *http.Client, initial time.Duration, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	op := func() (*http.Response, error) {
		req, err := buildReq()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, security.ErrPrivateAddress) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, &retryableError{statusCode: resp.StatusCode, body: string(body)}
		}
		return resp, nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("request failed, will retry", "error", err, "backoff", wait)
	}
	return backoff.RetryNotifyWithData(op, retryBackOff(ctx, initial), notify)
}
