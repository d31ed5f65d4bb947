package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source"
)

type fakeChain struct {
	mu      sync.Mutex
	head    uint64
	failAt  map[uint64]bool
	fetched []uint64
}

func (c *fakeChain) Head(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) Fetch(ctx context.Context, h uint64) (source.RawBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = append(c.fetched, h)
	if c.failAt[h] {
		return source.RawBlock{}, errors.New("not found")
	}
	return source.RawBlock{Number: h}, nil
}

func (c *fakeChain) setHead(h uint64) {
	c.mu.Lock()
	c.head = h
	c.mu.Unlock()
}

func numbers(blocks []source.RawBlock) []uint64 {
	out := make([]uint64, len(blocks))
	for i, b := range blocks {
		out[i] = b.Number
	}
	return out
}

func newTestPoller(c *fakeChain) *Poller {
	return New(time.Hour, c.Head, c.Fetch, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWalkBack(t *testing.T) {
	require.Equal(t, []uint64{7}, WalkBack(0, false, 7, 0))
	require.Nil(t, WalkBack(7, true, 7, 0))
	require.Nil(t, WalkBack(9, true, 7, 0))
	require.Equal(t, []uint64{10, 9, 8}, WalkBack(7, true, 10, 0))
	require.Equal(t, []uint64{10, 9, 8}, WalkBack(7, true, 10, 3))
	require.Equal(t, []uint64{9, 8}, WalkBack(7, true, 10, 2))
	require.Equal(t, []uint64{1000}, WalkBack(0, false, 1000, 2))
}

func TestTickFirstPollEmitsHeadOnly(t *testing.T) {
	c := &fakeChain{head: 42}
	p := newTestPoller(c)

	blocks, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, numbers(blocks))
}

func TestTickWalksBackAndEmitsOldestFirst(t *testing.T) {
	c := &fakeChain{head: 10}
	p := newTestPoller(c)

	_, err := p.Tick(context.Background())
	require.NoError(t, err)

	c.setHead(13)
	blocks, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{11, 12, 13}, numbers(blocks))
	require.Equal(t, []uint64{10, 13, 12, 11}, c.fetched)

	blocks, err = p.Tick(context.Background())
	require.NoError(t, err)
	require.Empty(t, blocks)
}

func TestTickCapsBacklogAndCarriesOver(t *testing.T) {
	c := &fakeChain{head: 10}
	p := newTestPoller(c)
	p.limit = 4

	_, err := p.Tick(context.Background())
	require.NoError(t, err)

	c.setHead(20)
	blocks, err := p.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{11, 12, 13, 14}, numbers(blocks))
	require.True(t, p.behind)

	blocks, err = p.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{15, 16, 17, 18}, numbers(blocks))

	blocks, err = p.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{19, 20}, numbers(blocks))
	require.False(t, p.behind)
}

func TestSubscribeDrainsBacklogWithoutWaiting(t *testing.T) {
	c := &fakeChain{head: 30}
	p := newTestPoller(c)
	p.limit = 5

	resume := event.From(10)
	ch, err := p.Subscribe(context.Background(), &resume)
	require.NoError(t, err)
	defer p.Unsubscribe()

	var got []uint64
	for len(got) < 20 {
		select {
		case b := <-ch:
			got = append(got, b.Number)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}
	require.Equal(t, uint64(11), got[0])
	require.Equal(t, uint64(30), got[19])
}

func TestTickFailureKeepsCheckpoint(t *testing.T) {
	c := &fakeChain{head: 10, failAt: map[uint64]bool{12: true}}
	p := newTestPoller(c)

	_, err := p.Tick(context.Background())
	require.NoError(t, err)

	c.setHead(13)
	blocks, err := p.Tick(context.Background())
	require.Error(t, err)
	require.Empty(t, blocks)

	c.mu.Lock()
	c.failAt = nil
	c.mu.Unlock()

	blocks, err = p.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{11, 12, 13}, numbers(blocks))
}

func TestSubscribeSeedsFromResumeRange(t *testing.T) {
	c := &fakeChain{head: 8}
	p := newTestPoller(c)

	resume := event.From(5)
	ch, err := p.Subscribe(context.Background(), &resume)
	require.NoError(t, err)

	var got []uint64
	for i := 0; i < 3; i++ {
		select {
		case b := <-ch:
			got = append(got, b.Number)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for block")
		}
	}
	require.Equal(t, []uint64{6, 7, 8}, got)

	p.Unsubscribe()
	_, open := <-ch
	require.False(t, open, "channel should close after unsubscribe")
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	c := &fakeChain{head: 1}
	p := newTestPoller(c)

	p.Unsubscribe()

	ch, err := p.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	<-ch

	p.Unsubscribe()
	p.Unsubscribe()

	_, err = p.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	p.Unsubscribe()
}
