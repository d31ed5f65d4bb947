package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	calls := 0
	got, err := Connect(context.Background(), quietLogger(), RetryConfig{Interval: time.Millisecond, MaxAttempts: 3}, "ws://node", nil,
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("refused")
			}
			return "handle", nil
		})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got != "handle" || calls != 3 {
		t.Fatalf("got %q after %d calls", got, calls)
	}
}

func TestConnectExhaustsAttempts(t *testing.T) {
	calls := 0
	dialErr := errors.New("refused")
	_, err := Connect(context.Background(), quietLogger(), RetryConfig{Interval: time.Millisecond, MaxAttempts: 3}, "ws://node", []string{"0xabc"},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, dialErr
		})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if connErr.Endpoint != "ws://node" || len(connErr.Addresses) != 1 {
		t.Fatalf("error does not name endpoint/addresses: %v", connErr)
	}
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected wrapped dial error, got %v", err)
	}
}
