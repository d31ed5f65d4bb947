// Package listener runs one chain: it connects through the network's
// factory, catches up on what was missed while offline, then feeds live
// blocks through the processor and the handler chain in order.
package listener

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/logging"
	"github.com/devblac/chain-events/internal/metrics"
	"github.com/devblac/chain-events/internal/source"
)

// State is the lifecycle position of a listener.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateSubscribed:
		return "subscribed"
	default:
		return "uninitialized"
	}
}

// DiscoverFunc returns the range to catch up for chain, or nil when there
// is nothing persisted to resume from.
type DiscoverFunc func(ctx context.Context, chain string) (*event.BlockRange, error)

// Options configure a listener.
type Options struct {
	URL          string
	Addresses    []string
	Spec         string
	Version      int
	PollInterval time.Duration
	// RetryInterval spaces connection attempts and reconnects.
	RetryInterval time.Duration
	MaxAttempts   uint
	ABIDirs       []string
	SkipCatchup   bool

	DiscoverReconnectRange DiscoverFunc

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Listener is the per-chain state machine. It is safe for concurrent use.
type Listener struct {
	chain   string
	network event.Network
	factory source.Factory
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu serializes lifecycle transitions.
	mu        sync.Mutex
	opts      Options
	state     atomic.Int32
	caps      *source.Capabilities
	gen       uint64
	subCancel context.CancelFunc
	subDone   chan struct{}
	retrying  *reconnectHandle

	// blockMu serializes block processing and dispatch.
	blockMu   sync.Mutex
	lastBlock uint64
	hasLast   bool

	hmu            sync.RWMutex
	handlers       []entry
	globalExcluded kindSet
}

type reconnectHandle struct {
	cancel context.CancelFunc
}

// New returns an uninitialized listener backed by factory.
func New(chain string, network event.Network, factory source.Factory, opts Options) *Listener {
	return &Listener{
		chain:   chain,
		network: network,
		factory: factory,
		opts:    opts,
		log:     logging.For(opts.Logger, string(network), chain),
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Chain returns the chain name events are stamped with.
func (l *Listener) Chain() string { return l.chain }

// Network returns the listener's network.
func (l *Listener) Network() event.Network { return l.network }

// Status returns the current state without waiting for a transition.
func (l *Listener) Status() State { return State(l.state.Load()) }

func (l *Listener) setState(s State) { l.state.Store(int32(s)) }

// LastBlock returns the highest block processed so far.
func (l *Listener) LastBlock() (uint64, bool) {
	l.blockMu.Lock()
	defer l.blockMu.Unlock()
	return l.lastBlock, l.hasLast
}

func (l *Listener) env() source.Env {
	o := l.opts
	return source.Env{
		Chain:        l.chain,
		Network:      l.network,
		URL:          o.URL,
		Addresses:    slices.Clone(o.Addresses),
		Spec:         o.Spec,
		Version:      o.Version,
		PollInterval: o.PollInterval,
		ABIDirs:      o.ABIDirs,
		Retry:        source.RetryConfig{Interval: o.RetryInterval, MaxAttempts: o.MaxAttempts},
		Log:          l.log,
		OnEnrichmentError: func(err *source.EnrichmentError) {
			l.metrics.EnrichmentFailure(l.chain, string(err.Kind))
		},
	}
}

// Init connects and builds the network capabilities. A failure leaves the
// listener uninitialized until Init succeeds.
func (l *Listener) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initLocked(ctx)
}

func (l *Listener) initLocked(ctx context.Context) error {
	l.stopLocked()
	if l.caps != nil {
		if err := l.caps.Close(); err != nil {
			l.log.Warn("closing previous connection", "error", err)
		}
		l.caps = nil
	}
	l.setState(StateUninitialized)

	caps, err := l.factory(ctx, l.env())
	if err != nil {
		l.log.Error("init failed", "error", err)
		return err
	}
	l.caps = caps
	l.setState(StateInitialized)
	l.log.Info("listener initialized")
	return nil
}

// Subscribe runs catch-up unless disabled, then attaches the live
// subscriber. It warns and does nothing when the listener is not
// initialized or already subscribed.
func (l *Listener) Subscribe(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribeLocked(ctx)
}

func (l *Listener) subscribeLocked(ctx context.Context) error {
	switch l.Status() {
	case StateUninitialized:
		l.log.Warn("subscribe ignored, listener not initialized")
		return nil
	case StateSubscribed:
		l.log.Warn("subscribe ignored, already subscribed")
		return nil
	}

	var resume *event.BlockRange
	if l.opts.SkipCatchup {
		resume = l.lastRange()
	} else {
		resume = l.catchUp(ctx, l.caps.Fetcher)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := l.caps.Subscriber.Subscribe(subCtx, resume)
	if err != nil {
		cancel()
		serr := &source.SubscriptionError{Chain: l.chain, Err: err}
		l.log.Error("subscribe failed", "error", serr)
		return serr
	}

	l.gen++
	done := make(chan struct{})
	l.subCancel, l.subDone = cancel, done
	l.setState(StateSubscribed)
	go l.drain(subCtx, l.gen, l.caps.Processor, ch, done)
	l.log.Info("subscribed", "resume", resume)
	return nil
}

// drain feeds the subscription into processBlock. Blocks already handed
// over are processed even if the subscription is cancelled meanwhile.
func (l *Listener) drain(ctx context.Context, gen uint64, proc source.Processor, ch <-chan source.RawBlock, done chan struct{}) {
	defer close(done)
	procCtx := context.WithoutCancel(ctx)
	for raw := range ch {
		l.processBlock(procCtx, proc, raw)
	}
	if ctx.Err() != nil {
		return
	}
	l.log.Warn("subscription dropped")
	go l.reconnect(gen)
}

// reconnect re-initializes and re-subscribes after the subscriber closed
// on its own, until it succeeds or the listener is unsubscribed.
func (l *Listener) reconnect(gen uint64) {
	l.mu.Lock()
	if l.gen != gen || l.Status() != StateSubscribed {
		l.mu.Unlock()
		return
	}
	l.subCancel()
	l.caps.Subscriber.Unsubscribe()
	l.subCancel, l.subDone = nil, nil
	l.setState(StateInitialized)

	ctx, cancel := context.WithCancel(context.Background())
	r := &reconnectHandle{cancel: cancel}
	l.retrying = r
	interval := l.opts.RetryInterval
	l.mu.Unlock()

	if interval <= 0 {
		interval = source.DefaultRetryInterval
	}
	err := retry.Do(
		func() error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}
			if err := l.rebuildLocked(ctx); err != nil {
				return err
			}
			return l.subscribeLocked(ctx)
		},
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.LastErrorOnly(true),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			l.log.Warn("reconnect attempt failed", "attempt", n+1, "error", err)
		}),
	)

	l.mu.Lock()
	if l.retrying == r {
		l.retrying = nil
	}
	l.mu.Unlock()
	cancel()

	if err != nil {
		l.log.Info("reconnect stopped", "error", err)
		return
	}
	l.metrics.Reconnect(l.chain)
	l.log.Info("reconnected")
}

// rebuildLocked is initLocked without cancelling the reconnect in
// progress.
func (l *Listener) rebuildLocked(ctx context.Context) error {
	r := l.retrying
	l.retrying = nil
	err := l.initLocked(ctx)
	l.retrying = r
	return err
}

// Unsubscribe stops the live subscription, or a reconnect in progress. A
// second call warns and does nothing.
func (l *Listener) Unsubscribe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopLocked() {
		l.log.Warn("unsubscribe ignored, not subscribed")
		return
	}
	l.log.Info("unsubscribed")
}

// stopLocked reports whether there was anything to stop. It waits for the
// drain goroutine so no block from the old subscription is processed
// afterwards.
func (l *Listener) stopLocked() bool {
	stopped := false
	if l.retrying != nil {
		l.retrying.cancel()
		l.retrying = nil
		stopped = true
	}
	if l.Status() == StateSubscribed {
		l.subCancel()
		l.caps.Subscriber.Unsubscribe()
		<-l.subDone
		l.subCancel, l.subDone = nil, nil
		l.setState(StateInitialized)
		stopped = true
	}
	return stopped
}

// Close stops the listener and releases its connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
	l.setState(StateUninitialized)
	caps := l.caps
	l.caps = nil
	return caps.Close()
}

// processBlock advances the block checkpoint and dispatches the block's
// events in order.
func (l *Listener) processBlock(ctx context.Context, proc source.Processor, raw source.RawBlock) {
	l.blockMu.Lock()
	defer l.blockMu.Unlock()

	if !l.hasLast || raw.Number > l.lastBlock {
		l.lastBlock, l.hasLast = raw.Number, true
	}
	evs, err := proc.Process(ctx, raw)
	l.metrics.BlockProcessed(l.chain)
	if err != nil {
		l.log.Error("process block failed", "block", raw.Number, "error", err)
		return
	}
	for _, ev := range evs {
		l.handleEvent(ctx, ev)
	}
}

// UpdateURL points the listener at a new endpoint.
func (l *Listener) UpdateURL(ctx context.Context, url string) error {
	return l.update(ctx, "url",
		func(o Options) bool { return o.URL == url },
		func(o *Options) { o.URL = url })
}

// UpdateAddresses replaces the watched contracts or targets.
func (l *Listener) UpdateAddresses(ctx context.Context, addresses []string) error {
	addresses = slices.Clone(addresses)
	return l.update(ctx, "addresses",
		func(o Options) bool { return slices.Equal(o.Addresses, addresses) },
		func(o *Options) { o.Addresses = addresses })
}

// UpdateSpec replaces the network spec string.
func (l *Listener) UpdateSpec(ctx context.Context, spec string) error {
	return l.update(ctx, "spec",
		func(o Options) bool { return o.Spec == spec },
		func(o *Options) { o.Spec = spec })
}

// UpdateVersion replaces the protocol version.
func (l *Listener) UpdateVersion(ctx context.Context, version int) error {
	return l.update(ctx, "version",
		func(o Options) bool { return o.Version == version },
		func(o *Options) { o.Version = version })
}

// update re-initializes with the changed options and restores the
// subscription if there was one.
func (l *Listener) update(ctx context.Context, field string, same func(Options) bool, apply func(*Options)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if same(l.opts) {
		l.log.Warn("update ignored, value unchanged", "field", field)
		return nil
	}
	wasSubscribed := l.stopLocked()
	apply(&l.opts)
	l.log.Info("options updated, reinitializing", "field", field)
	if err := l.initLocked(ctx); err != nil {
		return err
	}
	if wasSubscribed {
		return l.subscribeLocked(ctx)
	}
	return nil
}

// Fetch returns the events of a historical range without dispatching them.
func (l *Listener) Fetch(ctx context.Context, rng event.BlockRange) ([]event.Event, error) {
	f, err := l.fetcher()
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, rng)
}

// FetchOne returns every event of one entity.
func (l *Listener) FetchOne(ctx context.Context, id string) ([]event.Event, error) {
	f, err := l.fetcher()
	if err != nil {
		return nil, err
	}
	return f.FetchOne(ctx, id)
}

// Head returns the chain height seen by the listener's connection.
func (l *Listener) Head(ctx context.Context) (uint64, error) {
	f, err := l.fetcher()
	if err != nil {
		return 0, err
	}
	return f.Head(ctx)
}

func (l *Listener) fetcher() (source.StorageFetcher, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.caps == nil {
		return nil, errNotInitialized
	}
	return l.caps.Fetcher, nil
}
