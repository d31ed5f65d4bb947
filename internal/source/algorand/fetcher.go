package algorand

import (
	"context"
	"fmt"
	"slices"

	sdk "github.com/algorand/go-algorand-sdk/v2/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source"
)

const (
	// chunkRounds is how many rounds are held in memory at once.
	chunkRounds = 256
	// fetchParallelism bounds concurrent block requests.
	fetchParallelism = 4
	// requestsPerSecond paces block requests against public algod nodes.
	requestsPerSecond = 20
)

// Fetcher rebuilds events by walking rounds. Algorand has no log index to
// query, so every round in the range is fetched.
type Fetcher struct {
	env     source.Env
	client  AlgodClient
	targets Targets
	limiter *rate.Limiter
}

func newFetcher(env source.Env, client AlgodClient, targets Targets) *Fetcher {
	return &Fetcher{
		env:     env,
		client:  client,
		targets: targets,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), fetchParallelism),
	}
}

// Head implements source.StorageFetcher.
func (f *Fetcher) Head(ctx context.Context) (uint64, error) {
	return lastRound(ctx, f.client)
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

// FetchOne implements source.StorageFetcher. The id is an application or
// asset id.
// TODO: use the indexer's per-application transaction search when an
// indexer URL is configured instead of walking every round.
func (f *Fetcher) FetchOne(ctx context.Context, id string) ([]event.Event, error) {
	head, err := f.Head(ctx)
	if err != nil {
		return nil, err
	}
	return f.walk(ctx, 0, head, func(ev event.Event) bool { return ev.Entity == id })
}

func (f *Fetcher) walk(ctx context.Context, start, end uint64, keep func(event.Event) bool) ([]event.Event, error) {
	var out []event.Event
	for from := start; from <= end; from += chunkRounds {
		to := min(from+chunkRounds-1, end)
		blocks, err := f.fetchChunk(ctx, from, to)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			for _, ev := range matchBlock(f.targets, b) {
				if keep == nil || keep(ev) {
					out = append(out, ev)
				}
			}
		}
		if to == end {
			break
		}
	}
	slices.SortStableFunc(out, event.Compare)
	f.env.Logger().Debug("fetched events", "from", start, "to", end, "count", len(out))
	return out, nil
}

func (f *Fetcher) fetchChunk(ctx context.Context, from, to uint64) ([]sdk.Block, error) {
	blocks := make([]sdk.Block, to-from+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for r := from; r <= to; r++ {
		g.Go(func() error {
			if err := f.limiter.Wait(gctx); err != nil {
				return err
			}
			b, err := fetchBlock(gctx, f.client, r)
			if err != nil {
				return err
			}
			blocks[r-from] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch rounds [%d,%d]: %w", from, to, err)
	}
	return blocks, nil
}
