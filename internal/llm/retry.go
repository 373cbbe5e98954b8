package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryClient re-sends failed Chat requests. It is opt-in: the turn
// loop never retries a model call on its own.
type RetryClient struct {
	Client
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// WithRetry wraps client so that a failed Chat is retried up to
// attempts more times, waiting delay (doubled each time) in between.
// Context errors and non-temporary API errors are returned at once.
// With attempts <= 0 the client is returned unchanged.
func WithRetry(client Client, attempts int, delay time.Duration, logger *slog.Logger) Client {
	if attempts <= 0 {
		return client
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryClient{Client: client, attempts: attempts, delay: delay, logger: logger}
}

// Chat implements Client.
func (r *RetryClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	delay := r.delay
	for attempt := 0; ; attempt++ {
		resp, err := r.Client.Chat(ctx, model, messages, tools)
		if err == nil || attempt >= r.attempts || !retryable(ctx, err) {
			return resp, err
		}

		r.logger.Warn("model request failed, retrying",
			"model", model,
			"attempt", attempt+1,
			"max_retries", r.attempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
