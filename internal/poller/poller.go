// Package poller implements the walk-back subscriber used by networks that
// have no push subscription: on every tick it reads the head height and
// fetches every block since the last one it emitted.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source"
)

// DefaultInterval is used when no poll interval is configured.
const DefaultInterval = 6 * time.Second

// MaxBlocksPerTick caps a single walk-back. A poller that fell further
// behind emits the oldest MaxBlocksPerTick blocks and polls again without
// waiting for the ticker.
const MaxBlocksPerTick = 100

// HeadFunc returns the current chain height.
type HeadFunc func(ctx context.Context) (uint64, error)

// FetchFunc fetches a single block by height.
type FetchFunc func(ctx context.Context, height uint64) (source.RawBlock, error)

var errRunning = errors.New("poller already running")

// Poller is a source.Subscriber driven by a ticker.
type Poller struct {
	interval time.Duration
	head     HeadFunc
	fetch    FetchFunc
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   uint64
	seen   bool
	behind bool
	limit  uint64
}

// New builds a poller. A zero interval falls back to DefaultInterval.
func New(interval time.Duration, head HeadFunc, fetch FetchFunc, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{interval: interval, head: head, fetch: fetch, log: log, limit: MaxBlocksPerTick}
}

// WalkBack returns the heights to fetch for one tick, newest first. On the
// first poll only the head is fetched; afterwards everything after last up
// to head, at most limit heights. A zero limit means no cap.
func WalkBack(last uint64, seen bool, head, limit uint64) []uint64 {
	if !seen {
		return []uint64{head}
	}
	if head <= last {
		return nil
	}
	top := head
	if limit > 0 && head-last > limit {
		top = last + limit
	}
	heights := make([]uint64, 0, top-last)
	for h := top; h > last; h-- {
		heights = append(heights, h)
	}
	return heights
}

// Subscribe starts the ticker. A resume range seeds the checkpoint from its
// start block so the first tick walks forward through the gap.
func (p *Poller) Subscribe(ctx context.Context, resume *event.BlockRange) (<-chan source.RawBlock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil, errRunning
	}

	if resume != nil && resume.StartBlock != nil {
		p.last = *resume.StartBlock
		p.seen = true
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan source.RawBlock)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go p.run(runCtx, out, done)
	return out, nil
}

// Unsubscribe stops the ticker and waits for the loop to exit. Calling it on
// a stopped poller is a no-op.
func (p *Poller) Unsubscribe() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) run(ctx context.Context, out chan<- source.RawBlock, done chan struct{}) {
	defer close(done)
	defer close(out)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		blocks, err := p.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("poll tick aborted", "error", err)
		}
		for _, b := range blocks {
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}

		p.mu.Lock()
		behind := p.behind && err == nil
		p.mu.Unlock()
		if behind {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one poll: it reads the head, fetches the walk-back heights
// newest first and returns them oldest first. Any fetch failure discards
// the whole tick and leaves the checkpoint untouched. When more than the
// per-tick cap is outstanding only the oldest part is returned.
func (p *Poller) Tick(ctx context.Context) ([]source.RawBlock, error) {
	head, err := p.head(ctx)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}

	p.mu.Lock()
	last, seen, limit := p.last, p.seen, p.limit
	p.mu.Unlock()

	heights := WalkBack(last, seen, head, limit)
	if len(heights) == 0 {
		return nil, nil
	}

	blocks := make([]source.RawBlock, len(heights))
	for i, h := range heights {
		b, err := p.fetch(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("fetch block %d: %w", h, err)
		}
		blocks[len(heights)-1-i] = b
	}

	top := heights[0]
	p.mu.Lock()
	p.last, p.seen, p.behind = top, true, top < head
	p.mu.Unlock()

	p.log.Debug("polled blocks", "from", heights[len(heights)-1], "to", top, "head", head)
	return blocks, nil
}
