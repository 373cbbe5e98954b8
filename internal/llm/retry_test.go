package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedClient returns errs in order, then succeeds.
type scriptedClient struct {
	errs  []error
	calls int
}

func (s *scriptedClient) Chat(context.Context, string, []Message, []map[string]any) (*ChatResponse, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return nil, s.errs[s.calls-1]
	}
	return &ChatResponse{Message: Message{Role: RoleAssistant, Content: "ok"}}, nil
}

func (s *scriptedClient) Ping(context.Context) error { return nil }

func TestWithRetry_ZeroAttemptsIsPassthrough(t *testing.T) {
	inner := &scriptedClient{}
	if got := WithRetry(inner, 0, time.Millisecond, nil); got != Client(inner) {
		t.Errorf("WithRetry(0) wrapped the client: %T", got)
	}
}

func TestWithRetry(t *testing.T) {
	transient := errors.New("connection reset")
	tests := []struct {
		name      string
		errs      []error
		attempts  int
		wantErr   bool
		wantCalls int
	}{
		{"succeeds first", nil, 2, false, 1},
		{"recovers", []error{transient, transient}, 2, false, 3},
		{"exhausts", []error{transient, transient, transient}, 2, true, 3},
		{"permanent status", []error{&StatusError{Provider: "x", StatusCode: 400}}, 3, true, 1},
		{"temporary status", []error{&StatusError{Provider: "x", StatusCode: 503}}, 1, false, 2},
		{"deadline", []error{context.DeadlineExceeded}, 3, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &scriptedClient{errs: tt.errs}
			c := WithRetry(inner, tt.attempts, time.Millisecond, testLogger())

			_, err := c.Chat(t.Context(), "m", nil, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if inner.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", inner.calls, tt.wantCalls)
			}
		})
	}
}

func TestWithRetry_StopsOnCancel(t *testing.T) {
	inner := &scriptedClient{errs: []error{errors.New("a"), errors.New("b")}}
	c := WithRetry(inner, 5, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Chat(ctx, "m", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("retry wait ignored cancellation")
	}
}
