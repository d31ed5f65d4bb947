package cosmos

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
	searchPerPage     = 100
	enrichParallelism = 8
	// requestsPerSecond paces catch-up RPC calls.
	requestsPerSecond = 10
)

type searchKind struct {
	kind      event.Kind
	eventType string
	optional  bool
}

var searchKinds = []searchKind{
	{KindSubmitProposal, typeSubmitProposal, false},
	{KindProposalDeposit, typeDeposit, true},
	{KindProposalVote, typeVote, true},
	{KindProposalFinalized, typeActiveProposal, true},
}

// Fetcher rebuilds gov events from the node's tx and block indexes.
type Fetcher struct {
	env      source.Env
	client   Client
	enricher *proposalEnricher
	limiter  *rate.Limiter
}

func newFetcher(env source.Env, client Client, en *proposalEnricher) *Fetcher {
	return &Fetcher{
		env:      env,
		client:   client,
		enricher: en,
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), enrichParallelism),
	}
}

// Head implements source.StorageFetcher.
func (f *Fetcher) Head(ctx context.Context) (uint64, error) {
	return latestHeight(ctx, f.client)
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
	return f.fetchResolved(ctx, start, end)
}

// FetchOne implements source.StorageFetcher; id is a proposal id.
// TODO: query "<event>.proposal_id = id" directly instead of the full range.
func (f *Fetcher) FetchOne(ctx context.Context, id string) ([]event.Event, error) {
	head, err := f.Head(ctx)
	if err != nil {
		return nil, err
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

func (f *Fetcher) fetchResolved(ctx context.Context, start, end uint64) ([]event.Event, error) {
	log := f.env.Logger()
	var found []event.Event
	for _, sk := range searchKinds {
		var (
			evs []event.Event
			err error
		)
		if sk.kind == KindProposalFinalized {
			evs, err = f.searchBlocks(ctx, start, end)
		} else {
			evs, err = f.searchTxs(ctx, sk, start, end)
		}
		if err != nil {
			if sk.optional {
				log.Warn("optional kind query failed", "kind", sk.kind, "from", start, "to", end, "error", err)
				continue
			}
			return nil, fmt.Errorf("fetch %s [%d,%d]: %w", sk.kind, start, end, err)
		}
		found = append(found, evs...)
	}

	keep := make([]bool, len(found))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichParallelism)
	for i := range found {
		if found[i].Kind != KindSubmitProposal {
			keep[i] = true
			continue
		}
		g.Go(func() error {
			if err := f.limiter.Wait(gctx); err != nil {
				return err
			}
			if err := f.enricher.enrich(gctx, &found[i]); err != nil {
				f.env.DropEvent(&source.EnrichmentError{Kind: found[i].Kind, BlockNumber: found[i].BlockNumber, Err: err})
				return nil
			}
			keep[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]event.Event, 0, len(found))
	for i, ev := range found {
		if keep[i] {
			out = append(out, ev)
		}
	}
	slices.SortStableFunc(out, event.Compare)
	log.Debug("fetched events", "from", start, "to", end, "count", len(out))
	return out, nil
}

func (f *Fetcher) drop(kind event.Kind, height uint64, err error) {
	f.env.DropEvent(&source.EnrichmentError{Kind: kind, BlockNumber: height, Err: err})
}

func (f *Fetcher) searchTxs(ctx context.Context, sk searchKind, start, end uint64) ([]event.Event, error) {
	query := fmt.Sprintf("%s.proposal_id EXISTS AND tx.height >= %d AND tx.height <= %d", sk.eventType, start, end)
	perPage := searchPerPage
	var out []event.Event
	for page, seen := 1, 0; ; page++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		p := page
		res, err := f.client.TxSearch(ctx, query, false, &p, &perPage, "asc")
		if err != nil {
			return nil, err
		}
		for _, tx := range res.Txs {
			if tx.TxResult.Code != 0 {
				continue
			}
			hash := fmt.Sprintf("%X", []byte(tx.Hash))
			for _, ev := range txEvents(uint64(tx.Height), tx.Index, hash, tx.TxResult.Events, f.drop) {
				if ev.Kind == sk.kind {
					out = append(out, ev)
				}
			}
		}
		seen += len(res.Txs)
		if len(res.Txs) == 0 || seen >= res.TotalCount {
			return out, nil
		}
	}
}

func (f *Fetcher) searchBlocks(ctx context.Context, start, end uint64) ([]event.Event, error) {
	query := fmt.Sprintf("%s.proposal_id EXISTS AND block.height >= %d AND block.height <= %d", typeActiveProposal, start, end)
	perPage := searchPerPage
	var out []event.Event
	for page, seen := 1, 0; ; page++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		p := page
		res, err := f.client.BlockSearch(ctx, query, &p, &perPage, "asc")
		if err != nil {
			return nil, err
		}
		for _, b := range res.Blocks {
			h := b.Block.Height
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			br, err := f.client.BlockResults(ctx, &h)
			if err != nil {
				return nil, fmt.Errorf("block results %d: %w", h, err)
			}
			out = append(out, finalizeEvents(uint64(h), br.FinalizeBlockEvents, f.drop)...)
		}
		seen += len(res.Blocks)
		if len(res.Blocks) == 0 || seen >= res.TotalCount {
			return out, nil
		}
	}
}
