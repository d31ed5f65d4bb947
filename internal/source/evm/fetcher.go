package evm

import (
	"context"
	"fmt"
	"math/big"
	"slices"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source"
)

const (
	// fetchWindow bounds the block span of one eth_getLogs call.
	fetchWindow uint64 = 2000
	// enrichParallelism bounds concurrent enrichment calls during catch-up.
	enrichParallelism = 8
)

// Fetcher rebuilds events for a block range from eth_getLogs.
type Fetcher struct {
	env       source.Env
	client    Client
	addresses []common.Address
	proto     *Protocol
	proc      *Processor
}

// Head implements source.StorageFetcher.
func (f *Fetcher) Head(ctx context.Context) (uint64, error) {
	return f.client.BlockNumber(ctx)
}

// Fetch implements source.StorageFetcher. Kinds are queried one by one; an
// optional kind whose query fails contributes nothing.
func (f *Fetcher) Fetch(ctx context.Context, rng event.BlockRange) ([]event.Event, error) {
	head, err := f.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	start, end, err := rng.Resolve(head)
	if err != nil {
		return nil, err
	}
	return f.fetchResolved(ctx, start, end)
}

func (f *Fetcher) fetchResolved(ctx context.Context, start, end uint64) ([]event.Event, error) {
	log := f.env.Logger()
	var raw []types.Log
	for _, topic := range f.proto.topics() {
		def, _ := f.proto.lookup(topic)
		logs, err := f.filter(ctx, topic, start, end)
		if err != nil {
			if def.optional {
				log.Warn("optional kind query failed", "kind", def.kind, "from", start, "to", end, "error", err)
				continue
			}
			return nil, fmt.Errorf("fetch %s [%d,%d]: %w", def.kind, start, end, err)
		}
		raw = append(raw, logs...)
	}

	results := make([]event.Event, len(raw))
	keep := make([]bool, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichParallelism)
	for i := range raw {
		g.Go(func() error {
			results[i], keep[i] = f.proc.one(gctx, raw[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]event.Event, 0, len(raw))
	for i, ev := range results {
		if keep[i] {
			out = append(out, ev)
		}
	}
	slices.SortStableFunc(out, event.Compare)
	log.Debug("fetched events", "from", start, "to", end, "count", len(out))
	return out, nil
}

func (f *Fetcher) filter(ctx context.Context, topic common.Hash, start, end uint64) ([]types.Log, error) {
	var out []types.Log
	for from := start; from <= end; from += fetchWindow {
		to := min(from+fetchWindow-1, end)
		logs, err := f.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: f.addresses,
			Topics:    [][]common.Hash{{topic}},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, logs...)
		if to == end {
			break
		}
	}
	return out, nil
}

// FetchOne implements source.StorageFetcher by fetching the full history and
// filtering on the event entity.
// TODO: narrow the query with the indexed id topic where the ABI has one.
func (f *Fetcher) FetchOne(ctx context.Context, id string) ([]event.Event, error) {
	head, err := f.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	all, err := f.fetchResolved(ctx, 0, head)
	if err != nil {
		return nil, err
	}
	var out []event.Event
	for _, ev := range all {
		if ev.Entity == id {
			out = append(out, ev)
		}
	}
	return out, nil
}
