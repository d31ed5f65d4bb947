// Package source defines the per-network capability set a listener is built
// from: a processor, a live subscriber and a storage fetcher, all bound to
// one connection opened by Connect.
package source

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/devblac/chain-events/internal/event"
)

// RawBlock is one raw unit received from a chain: a log, a batch of logs, a
// decoded block or block results. Only the network's processor understands
// the payload.
type RawBlock struct {
	Number  uint64
	Payload any
}

// Processor turns a raw unit into zero or more events, in on-chain order.
type Processor interface {
	Process(ctx context.Context, raw RawBlock) ([]event.Event, error)
}

// Subscriber produces the live stream of raw units. The returned channel is
// closed when the subscriber stops, either through Unsubscribe or because
// the connection dropped. Unsubscribe must be idempotent.
type Subscriber interface {
	Subscribe(ctx context.Context, resume *event.BlockRange) (<-chan RawBlock, error)
	Unsubscribe()
}

// StorageFetcher rebuilds events for a historical range from queryable chain
// state.
type StorageFetcher interface {
	Head(ctx context.Context) (uint64, error)
	Fetch(ctx context.Context, rng event.BlockRange) ([]event.Event, error)
	FetchOne(ctx context.Context, id string) ([]event.Event, error)
}

// Capabilities is what a network factory hands back to a listener. Closer
// releases the underlying connection and may be nil.
type Capabilities struct {
	Processor  Processor
	Subscriber Subscriber
	Fetcher    StorageFetcher
	Closer     io.Closer
}

// Close releases the connection behind the capabilities.
func (c *Capabilities) Close() error {
	if c == nil || c.Closer == nil {
		return nil
	}
	return c.Closer.Close()
}

// Env carries everything a factory needs to connect one listener. Each
// listener builds its own Env, so nothing here is shared between listeners.
type Env struct {
	Chain        string
	Network      event.Network
	URL          string
	Addresses    []string
	Spec         string
	Version      int
	PollInterval time.Duration
	ABIDirs      []string
	Retry        RetryConfig
	Log          *slog.Logger
	// OnEnrichmentError, when set, is called for every dropped event after
	// it has been logged.
	OnEnrichmentError func(err *EnrichmentError)
}

// Logger returns the env logger or the default one.
func (e Env) Logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

// DropEvent logs an enrichment failure and notifies the hook. The event it
// belongs to must not be emitted.
func (e Env) DropEvent(err *EnrichmentError) {
	e.Logger().Warn("dropping event", "kind", err.Kind, "block", err.BlockNumber, "error", err.Err)
	if e.OnEnrichmentError != nil {
		e.OnEnrichmentError(err)
	}
}

// Factory connects to a network and builds its capabilities.
type Factory func(ctx context.Context, env Env) (*Capabilities, error)

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }
