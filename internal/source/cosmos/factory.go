// Package cosmos implements the Cosmos network: x/gov proposal events read
// from a CometBFT node.
package cosmos

import (
	"context"
	"fmt"
	"strings"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/poller"
	"github.com/devblac/chain-events/internal/source"
)

// Processor extracts gov events from block results. Only successful
// transactions are scanned, in tx index order, followed by block-level
// proposal outcomes.
type Processor struct {
	env      source.Env
	enricher *proposalEnricher
}

// Process implements source.Processor.
func (p *Processor) Process(ctx context.Context, raw source.RawBlock) ([]event.Event, error) {
	b, ok := raw.Payload.(Block)
	if !ok || b.Results == nil {
		return nil, fmt.Errorf("cosmos: unexpected payload %T", raw.Payload)
	}

	drop := func(kind event.Kind, height uint64, err error) {
		p.env.DropEvent(&source.EnrichmentError{Kind: kind, BlockNumber: height, Err: err})
	}

	var found []event.Event
	for i, tx := range b.Results.TxsResults {
		if tx == nil || tx.Code != 0 {
			continue
		}
		var hash string
		if i < len(b.TxHashes) {
			hash = b.TxHashes[i]
		}
		found = append(found, txEvents(b.Height, uint32(i), hash, tx.Events, drop)...)
	}
	found = append(found, finalizeEvents(b.Height, b.Results.FinalizeBlockEvents, drop)...)

	out := found[:0]
	for _, ev := range found {
		if err := p.enricher.enrich(ctx, &ev); err != nil {
			drop(ev.Kind, ev.BlockNumber, err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

type dialFunc func(url string) (Client, error)

// Factory implements source.Factory for the cosmos network.
func Factory(ctx context.Context, env source.Env) (*source.Capabilities, error) {
	return build(ctx, env, Dial)
}

func build(ctx context.Context, env source.Env, dial dialFunc) (*source.Capabilities, error) {
	client, err := source.Connect(ctx, env.Logger(), env.Retry, env.URL, env.Addresses, func(ctx context.Context) (Client, error) {
		c, err := dial(env.URL)
		if err != nil {
			return nil, err
		}
		if _, err := latestHeight(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	path := strings.TrimSpace(env.Spec)
	if path == "" {
		path = DefaultProposalQueryPath
	}
	en := &proposalEnricher{client: client, path: path}

	fetch := func(ctx context.Context, height uint64) (source.RawBlock, error) {
		b, err := fetchBlock(ctx, client, height)
		if err != nil {
			return source.RawBlock{}, err
		}
		return source.RawBlock{Number: height, Payload: b}, nil
	}
	head := func(ctx context.Context) (uint64, error) { return latestHeight(ctx, client) }

	return &source.Capabilities{
		Processor:  &Processor{env: env, enricher: en},
		Subscriber: poller.New(env.PollInterval, head, fetch, env.Logger()),
		Fetcher:    newFetcher(env, client, en),
	}, nil
}
