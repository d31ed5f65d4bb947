// Package substrate implements the Substrate network: staking, democracy,
// treasury, elections, identity and validator events read from each
// finalized block's System.Events.
package substrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/poller"
	"github.com/devblac/chain-events/internal/source"
)

// Processor turns decoded blocks into enriched events in block order.
type Processor struct {
	env      source.Env
	enricher *enricher
}

// Process implements source.Processor. An event whose enrichment fails is
// dropped on its own; the rest of the block is still emitted.
func (p *Processor) Process(ctx context.Context, raw source.RawBlock) ([]event.Event, error) {
	b, ok := raw.Payload.(Block)
	if !ok {
		return nil, fmt.Errorf("substrate: unexpected payload %T", raw.Payload)
	}
	return p.complete(ctx, decodeBlock(p.env.Network, b)), nil
}

func (p *Processor) complete(ctx context.Context, evs []event.Event) []event.Event {
	out := evs[:0]
	for _, ev := range evs {
		err := p.enricher.enrich(ctx, &ev)
		switch {
		case errors.Is(err, errBelowThreshold):
			continue
		case err != nil:
			p.env.DropEvent(&source.EnrichmentError{Kind: ev.Kind, BlockNumber: ev.BlockNumber, Err: err})
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Factory implements source.Factory for the substrate network.
func Factory(ctx context.Context, env source.Env) (*source.Capabilities, error) {
	return build(ctx, env, dialRPC)
}

func build(ctx context.Context, env source.Env, dial dialFunc) (*source.Capabilities, error) {
	opts, err := ParseOptions(env.Spec)
	if err != nil {
		return nil, err
	}
	client, err := source.Connect(ctx, env.Logger(), env.Retry, env.URL, env.Addresses, func(ctx context.Context) (Client, error) {
		c, err := dial(ctx, env.URL)
		if err != nil {
			return nil, err
		}
		if _, err := c.FinalizedHeight(ctx); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	proc := &Processor{env: env, enricher: newEnricher(client, opts, env.Chain)}
	fetch := func(ctx context.Context, height uint64) (source.RawBlock, error) {
		b, err := client.Events(ctx, height)
		if err != nil {
			return source.RawBlock{}, err
		}
		return source.RawBlock{Number: height, Payload: b}, nil
	}

	return &source.Capabilities{
		Processor:  proc,
		Subscriber: poller.New(env.PollInterval, client.FinalizedHeight, fetch, env.Logger()),
		Fetcher:    newFetcher(env, client, proc),
		Closer: source.CloserFunc(func() error {
			client.Close()
			return nil
		}),
	}, nil
}
