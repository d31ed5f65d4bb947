package substrate

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source"
)

const (
	chunkBlocks       = 256
	fetchParallelism  = 4
	requestsPerSecond = 20
)

// Fetcher rebuilds events by reading System.Events block by block. Only
// finalized blocks are walked.
type Fetcher struct {
	env     source.Env
	client  Client
	proc    *Processor
	limiter *rate.Limiter
}

func newFetcher(env source.Env, client Client, proc *Processor) *Fetcher {
	return &Fetcher{
		env:     env,
		client:  client,
		proc:    proc,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), fetchParallelism),
	}
}

// Head implements source.StorageFetcher.
func (f *Fetcher) Head(ctx context.Context) (uint64, error) {
	return f.client.FinalizedHeight(ctx)
}

// Fetch implements source.StorageFetcher.
func (f *Fetcher) Fetch(ctx context.Context, rng event.BlockRange) ([]event.Event, error) {
	head, err := f.Head(ctx)
	if err != nil {
		return nil, err
	}
	start, end, err := rng.Resolve(head)
	if err != nil {
		return nil, err
	}
	return f.walk(ctx, start, end, nil)
}

// FetchOne implements source.StorageFetcher. The id is matched against the
// event entity: a proposal or referendum index, a tip hash or an account.
func (f *Fetcher) FetchOne(ctx context.Context, id string) ([]event.Event, error) {
	head, err := f.Head(ctx)
	if err != nil {
		return nil, err
	}
	return f.walk(ctx, 0, head, func(ev event.Event) bool { return ev.Entity == id })
}

func (f *Fetcher) walk(ctx context.Context, start, end uint64, keep func(event.Event) bool) ([]event.Event, error) {
	var out []event.Event
	for from := start; from <= end; from += chunkBlocks {
		to := min(from+chunkBlocks-1, end)
		blocks, err := f.fetchChunk(ctx, from, to)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			var matched []event.Event
			for _, ev := range decodeBlock(f.env.Network, b) {
				if keep == nil || keep(ev) {
					matched = append(matched, ev)
				}
			}
			out = append(out, f.proc.complete(ctx, matched)...)
		}
		if to == end {
			break
		}
	}
	slices.SortStableFunc(out, event.Compare)
	f.env.Logger().Debug("fetched events", "from", start, "to", end, "count", len(out))
	return out, nil
}

func (f *Fetcher) fetchChunk(ctx context.Context, from, to uint64) ([]Block, error) {
	blocks := make([]Block, to-from+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for h := from; h <= to; h++ {
		g.Go(func() error {
			if err := f.limiter.Wait(gctx); err != nil {
				return err
			}
			b, err := f.client.Events(gctx, h)
			if err != nil {
				return err
			}
			blocks[h-from] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch blocks [%d,%d]: %w", from, to, err)
	}
	return blocks, nil
}
