package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/devblac/chain-events/internal/event"
)

// DefaultStreamMaxLen caps each chain stream when no length is configured.
const DefaultStreamMaxLen = 10_000

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStream appends events to the stream "chain-events:<chain>".
type RedisStream struct {
	client streamAdder
	closer func() error
	maxLen int64
}

// NewRedisStream connects to addr. maxLen <= 0 uses DefaultStreamMaxLen.
func NewRedisStream(addr, password string, db int, maxLen int64) (*RedisStream, error) {
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return newRedisStream(client, client.Close, maxLen), nil
}

func newRedisStream(client streamAdder, closer func() error, maxLen int64) *RedisStream {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &RedisStream{client: client, closer: closer, maxLen: maxLen}
}

// StreamKey is the stream a chain's events go to.
func StreamKey(chain string) string {
	return "chain-events:" + chain
}

func (r *RedisStream) Handle(ctx context.Context, ev event.Event, prev any) (any, error) {
	if duplicate(prev) {
		return prev, nil
	}
	payload, err := encodeMessage(ev, prev)
	if err != nil {
		return nil, err
	}
	key := StreamKey(ev.Chain)
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":  string(ev.Kind),
			"block": ev.BlockNumber,
			"event": string(payload),
		},
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("redis XADD %s: %w", key, err)
	}
	return prev, nil
}

// Close closes the client.
func (r *RedisStream) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
