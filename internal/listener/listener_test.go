package listener

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(msg string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), `msg="`+msg+`"`)
}

type fakeSubscriber struct {
	mu      sync.Mutex
	ch      chan source.RawBlock
	closed  bool
	err     error
	resumes []*event.BlockRange
}

func (s *fakeSubscriber) Subscribe(_ context.Context, resume *event.BlockRange) (<-chan source.RawBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.resumes = append(s.resumes, resume)
	s.ch = make(chan source.RawBlock, 16)
	s.closed = false
	return s.ch, nil
}

func (s *fakeSubscriber) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil && !s.closed {
		close(s.ch)
		s.closed = true
	}
}

func (s *fakeSubscriber) send(raw source.RawBlock) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	ch <- raw
}

func (s *fakeSubscriber) subscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resumes)
}

func (s *fakeSubscriber) lastResume() *event.BlockRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumes[len(s.resumes)-1]
}

// fakeProcessor emits the events carried in the payload.
type fakeProcessor struct{}

func (fakeProcessor) Process(_ context.Context, raw source.RawBlock) ([]event.Event, error) {
	evs, ok := raw.Payload.([]event.Event)
	if !ok {
		return nil, errors.New("bad payload")
	}
	return evs, nil
}

type fakeFetcher struct {
	mu     sync.Mutex
	head   uint64
	events []event.Event
	err    error
	heads  int
	ranges []event.BlockRange
}

func (f *fakeFetcher) Head(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	return f.head, nil
}

func (f *fakeFetcher) Fetch(_ context.Context, rng event.BlockRange) ([]event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, rng)
	if f.err != nil {
		return nil, f.err
	}
	start, end, err := rng.Resolve(f.head)
	if err != nil {
		return nil, err
	}
	var out []event.Event
	// newest first, the listener sorts
	for i := len(f.events) - 1; i >= 0; i-- {
		ev := f.events[i]
		if ev.BlockNumber >= start && ev.BlockNumber <= end {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeFetcher) FetchOne(_ context.Context, id string) ([]event.Event, error) {
	var out []event.Event
	for _, ev := range f.events {
		if ev.Entity == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	prevs  []any
}

func (r *recorder) Handle(_ context.Context, ev event.Event, prev any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.prevs = append(r.prevs, prev)
	return ev.BlockNumber, nil
}

func (r *recorder) blocks() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.BlockNumber)
	}
	return out
}

type fixture struct {
	sub   *fakeSubscriber
	fetch *fakeFetcher
	inits atomic.Int32
	logs  *syncBuffer
	fail  atomic.Bool
	envs  []source.Env
}

func newFixture() *fixture {
	return &fixture{
		sub:   &fakeSubscriber{},
		fetch: &fakeFetcher{head: 200},
		logs:  &syncBuffer{},
	}
}

func (f *fixture) factory(_ context.Context, env source.Env) (*source.Capabilities, error) {
	f.inits.Add(1)
	if f.fail.Load() {
		return nil, &source.ConnectionError{Endpoint: env.URL, Err: errors.New("refused")}
	}
	f.envs = append(f.envs, env)
	return &source.Capabilities{Processor: fakeProcessor{}, Subscriber: f.sub, Fetcher: f.fetch}, nil
}

func (f *fixture) listener(t *testing.T, opts Options) *Listener {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	l := New("gov", event.NetworkCompound, f.factory, opts)
	l.now = func() time.Time { return time.Unix(1700000000, 0) }
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func ev(block uint64, index uint, kind event.Kind) event.Event {
	return event.Event{Network: event.NetworkCompound, BlockNumber: block, LogIndex: index, Kind: kind}
}

func block(n uint64, evs ...event.Event) source.RawBlock {
	return source.RawBlock{Number: n, Payload: evs}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name    string
		rng     event.BlockRange
		last    uint64
		hasLast bool
		want    *uint64
	}{
		{"memory newer wins", event.From(50), 100, true, ptr(100)},
		{"persisted newer kept", event.From(120), 100, true, ptr(120)},
		{"missing start uses memory", event.BlockRange{}, 100, true, ptr(100)},
		{"nothing known", event.BlockRange{}, 0, false, nil},
		{"no memory", event.From(7), 0, false, ptr(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reconcile(tt.rng, tt.last, tt.hasLast)
			if tt.want == nil {
				require.Nil(t, got.StartBlock)
				return
			}
			require.NotNil(t, got.StartBlock)
			require.Equal(t, *tt.want, *got.StartBlock)
		})
	}
}

func ptr(v uint64) *uint64 { return &v }

func TestProcessBlockKeepsOrderAndMonotonicCursor(t *testing.T) {
	f := newFixture()
	l := f.listener(t, Options{})
	rec := &recorder{}
	l.AddHandler("rec", rec)

	ctx := context.Background()
	l.processBlock(ctx, fakeProcessor{}, block(10, ev(10, 0, "a"), ev(10, 1, "b")))
	l.processBlock(ctx, fakeProcessor{}, block(7))
	last, ok := l.LastBlock()
	require.True(t, ok)
	require.Equal(t, uint64(10), last)

	l.processBlock(ctx, fakeProcessor{}, block(11, ev(11, 0, "a")))
	last, _ = l.LastBlock()
	require.Equal(t, uint64(11), last)

	require.Equal(t, []uint64{10, 10, 11}, rec.blocks())
	require.Equal(t, "gov", rec.events[0].Chain)
	require.Equal(t, time.Unix(1700000000, 0), rec.events[0].ReceivedAt)
	require.Equal(t, uint(1), rec.events[1].LogIndex)
}

func TestHandlerChainPassesPrevAndIsolatesFailures(t *testing.T) {
	f := newFixture()
	l := f.listener(t, Options{})

	var firstCalls atomic.Int32
	l.AddHandler("flaky", event.HandlerFunc(func(_ context.Context, e event.Event, prev any) (any, error) {
		firstCalls.Add(1)
		if e.Kind == "boom" {
			return nil, errors.New("boom")
		}
		if e.Kind == "panic" {
			panic("bad handler")
		}
		return "from-flaky", nil
	}))
	rec := &recorder{}
	l.AddHandler("rec", rec)

	l.processBlock(context.Background(), fakeProcessor{},
		block(5, ev(5, 0, "boom"), ev(5, 1, "panic"), ev(5, 2, "ok")))

	require.Equal(t, int32(3), firstCalls.Load())
	require.Equal(t, []uint64{5}, rec.blocks())
	require.Equal(t, "from-flaky", rec.prevs[0])
	require.Equal(t, 2, f.logs.count("handler failed"))
}

func TestExcludedKinds(t *testing.T) {
	f := newFixture()
	l := f.listener(t, Options{})
	all, some := &recorder{}, &recorder{}
	l.AddHandler("all", all)
	l.AddHandler("some", some, "vote-cast")
	l.SetGlobalExcluded("proposal-queued")

	l.processBlock(context.Background(), fakeProcessor{},
		block(1, ev(1, 0, "proposal-created"), ev(1, 1, "vote-cast"), ev(1, 2, "proposal-queued")))

	require.Len(t, all.events, 2)
	require.Len(t, some.events, 1)
	require.Equal(t, event.Kind("proposal-created"), some.events[0].Kind)
	require.Equal(t, []string{"all", "some"}, l.HandlerKeys())
	require.True(t, l.RemoveHandler("some"))
	require.False(t, l.RemoveHandler("some"))
}

func TestSubscribeBeforeInitWarns(t *testing.T) {
	f := newFixture()
	l := f.listener(t, Options{})
	require.NoError(t, l.Subscribe(context.Background()))
	require.Equal(t, StateUninitialized, l.Status())
	require.Equal(t, 1, f.logs.count("subscribe ignored, listener not initialized"))
	require.Equal(t, 0, f.sub.subscribeCount())
}

func TestInitFailureLeavesUninitialized(t *testing.T) {
	f := newFixture()
	f.fail.Store(true)
	l := f.listener(t, Options{})
	err := l.Init(context.Background())
	var cerr *source.ConnectionError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, StateUninitialized, l.Status())
}

func TestLiveBlocksReachHandlersInOrder(t *testing.T) {
	f := newFixture()
	l := f.listener(t, Options{SkipCatchup: true})
	rec := &recorder{}
	l.AddHandler("rec", rec)

	ctx := context.Background()
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx))
	require.Equal(t, StateSubscribed, l.Status())
	require.Nil(t, f.sub.lastResume())

	f.sub.send(block(3, ev(3, 0, "a")))
	f.sub.send(block(4, ev(4, 0, "a"), ev(4, 1, "b")))
	require.Eventually(t, func() bool { return len(rec.blocks()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{3, 4, 4}, rec.blocks())
	require.Equal(t, 0, f.fetch.heads)
}

func TestCatchUpPrefersInMemoryCheckpoint(t *testing.T) {
	f := newFixture()
	f.fetch.head = 150
	f.fetch.events = []event.Event{ev(60, 0, "old"), ev(100, 1, "x"), ev(120, 0, "y"), ev(100, 0, "w")}
	l := f.listener(t, Options{
		DiscoverReconnectRange: func(context.Context, string) (*event.BlockRange, error) {
			r := event.From(50)
			return &r, nil
		},
	})
	rec := &recorder{}
	l.AddHandler("rec", rec)

	ctx := context.Background()
	require.NoError(t, l.Init(ctx))
	l.processBlock(ctx, fakeProcessor{}, block(100))
	require.NoError(t, l.Subscribe(ctx))

	require.Len(t, f.fetch.ranges, 1)
	require.Equal(t, uint64(100), *f.fetch.ranges[0].StartBlock)
	require.Equal(t, uint64(150), *f.fetch.ranges[0].EndBlock)
	require.Equal(t, []uint64{100, 100, 120}, rec.blocks())
	require.Equal(t, uint(0), rec.events[0].LogIndex)

	resume := f.sub.lastResume()
	require.NotNil(t, resume)
	require.Equal(t, uint64(150), *resume.StartBlock)
	last, _ := l.LastBlock()
	require.Equal(t, uint64(150), last)
}

func TestCatchUpNeverReplaysFromGenesis(t *testing.T) {
	for name, discover := range map[string]DiscoverFunc{
		"nil range": func(context.Context, string) (*event.BlockRange, error) { return nil, nil },
		"no start":  func(context.Context, string) (*event.BlockRange, error) { return &event.BlockRange{}, nil },
		"error":     func(context.Context, string) (*event.BlockRange, error) { return nil, errors.New("db locked") },
		"none":      nil,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			l := f.listener(t, Options{DiscoverReconnectRange: discover})
			ctx := context.Background()
			require.NoError(t, l.Init(ctx))
			require.NoError(t, l.Subscribe(ctx))

			require.Equal(t, 0, f.fetch.heads)
			require.Empty(t, f.fetch.ranges)
			require.Nil(t, f.sub.lastResume())
			require.Equal(t, StateSubscribed, l.Status())
		})
	}
}

func TestCatchUpFailureStillSubscribes(t *testing.T) {
	f := newFixture()
	f.fetch.err = errors.New("rpc timeout")
	l := f.listener(t, Options{
		DiscoverReconnectRange: func(context.Context, string) (*event.BlockRange, error) {
			r := event.From(10)
			return &r, nil
		},
	})
	ctx := context.Background()
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx))

	require.Equal(t, StateSubscribed, l.Status())
	require.Nil(t, f.sub.lastResume())
	require.Equal(t, 1, f.logs.count("catch-up failed"))
}

func TestCatchUpAtHeadResumesFromCursor(t *testing.T) {
	f := newFixture()
	f.fetch.head = 40
	l := f.listener(t, Options{
		DiscoverReconnectRange: func(context.Context, string) (*event.BlockRange, error) {
			r := event.From(40)
			return &r, nil
		},
	})
	ctx := context.Background()
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx))

	require.Empty(t, f.fetch.ranges)
	require.Equal(t, uint64(40), *f.sub.lastResume().StartBlock)
}

func TestSubscribeFailureIsReported(t *testing.T) {
	f := newFixture()
	f.sub.err = errors.New("filter rejected")
	l := f.listener(t, Options{SkipCatchup: true})
	ctx := context.Background()
	require.NoError(t, l.Init(ctx))

	err := l.Subscribe(ctx)
	var serr *source.SubscriptionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, StateInitialized, l.Status())
}

func TestDoubleUnsubscribeWarnsOnce(t *testing.T) {
	f := newFixture()
	l := f.listener(t, Options{SkipCatchup: true})
	ctx := context.Background()
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx))

	l.Unsubscribe()
	l.Unsubscribe()
	require.Equal(t, StateInitialized, l.Status())
	require.Equal(t, 1, f.logs.count("unsubscribe ignored, not subscribed"))
}

func TestUpdateWithSameValueIsNoop(t *testing.T) {
	f := newFixture()
	l := f.listener(t, Options{SkipCatchup: true, URL: "wss://node", Addresses: []string{"0xa"}})
	ctx := context.Background()
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx))

	require.NoError(t, l.UpdateAddresses(ctx, []string{"0xa"}))
	require.Equal(t, int32(1), f.inits.Load())
	require.Equal(t, 1, f.sub.subscribeCount())
	require.Equal(t, StateSubscribed, l.Status())
	require.Equal(t, 1, f.logs.count("update ignored, value unchanged"))
}

func TestUpdateReinitializesAndResubscribes(t *testing.T) {
	f := newFixture()
	l := f.listener(t, Options{SkipCatchup: true, URL: "wss://old"})
	ctx := context.Background()
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx))

	require.NoError(t, l.UpdateURL(ctx, "wss://new"))
	require.Equal(t, int32(2), f.inits.Load())
	require.Equal(t, "wss://new", f.envs[1].URL)
	require.Equal(t, 2, f.sub.subscribeCount())
	require.Equal(t, StateSubscribed, l.Status())

	// not subscribed before, so only re-initialized
	l.Unsubscribe()
	require.NoError(t, l.UpdateSpec(ctx, "governor"))
	require.NoError(t, l.UpdateVersion(ctx, 1))
	require.Equal(t, int32(4), f.inits.Load())
	require.Equal(t, 2, f.sub.subscribeCount())
	require.Equal(t, StateInitialized, l.Status())
	require.Equal(t, 1, f.envs[3].Version)
}

func TestDroppedSubscriptionReconnects(t *testing.T) {
	f := newFixture()
	l := f.listener(t, Options{SkipCatchup: true})
	rec := &recorder{}
	l.AddHandler("rec", rec)
	ctx := context.Background()
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx))

	f.sub.send(block(8, ev(8, 0, "a")))
	require.Eventually(t, func() bool { return len(rec.blocks()) == 1 }, time.Second, 5*time.Millisecond)

	// connection lost: the subscriber closes the channel on its own
	f.sub.Unsubscribe()
	require.Eventually(t, func() bool {
		return f.sub.subscribeCount() == 2 && l.Status() == StateSubscribed
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), f.inits.Load())
	require.Equal(t, uint64(8), *f.sub.lastResume().StartBlock)

	f.sub.send(block(9, ev(9, 0, "a")))
	require.Eventually(t, func() bool { return len(rec.blocks()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsReconnect(t *testing.T) {
	f := newFixture()
	l := f.listener(t, Options{SkipCatchup: true, RetryInterval: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Subscribe(ctx))

	f.fail.Store(true)
	f.sub.Unsubscribe()
	require.Eventually(t, func() bool { return f.inits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	l.Unsubscribe()
	settled := f.inits.Load()
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, f.inits.Load(), settled+1)
	require.Equal(t, 0, f.logs.count("unsubscribe ignored, not subscribed"))
	require.NotEqual(t, StateSubscribed, l.Status())
}

func TestFetchRequiresInit(t *testing.T) {
	f := newFixture()
	f.fetch.head = 15
	f.fetch.events = []event.Event{ev(12, 0, "a"), ev(16, 0, "b")}
	l := f.listener(t, Options{})
	ctx := context.Background()

	_, err := l.Fetch(ctx, event.Between(10, 20))
	require.Error(t, err)

	require.NoError(t, l.Init(ctx))
	evs, err := l.Fetch(ctx, event.Between(10, 20))
	require.NoError(t, err)
	require.Len(t, evs, 1)

	_, err = l.Fetch(ctx, event.Between(15, 20))
	require.ErrorIs(t, err, event.ErrRangeBeyondHead)
}

func TestCreateRejectsUnknownNetwork(t *testing.T) {
	_, err := Create(context.Background(), "x", "solana", Options{})
	require.ErrorIs(t, err, ErrUnknownNetwork)
	require.Contains(t, Networks(), event.NetworkCosmos)
	require.Contains(t, Networks(), event.NetworkSubstrate)
	require.Contains(t, Networks(), event.NetworkERC721)
}
