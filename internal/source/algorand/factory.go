// Package algorand implements the Algorand network: application calls and
// asset transfers read from algod blocks.
package algorand

import (
	"context"
	"fmt"

	sdk "github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/poller"
	"github.com/devblac/chain-events/internal/source"
)

// Processor turns decoded algod blocks into events in payset order.
type Processor struct {
	targets Targets
}

// Process implements source.Processor.
func (p *Processor) Process(_ context.Context, raw source.RawBlock) ([]event.Event, error) {
	block, ok := raw.Payload.(sdk.Block)
	if !ok {
		return nil, fmt.Errorf("algorand: unexpected payload %T", raw.Payload)
	}
	return matchBlock(p.targets, block), nil
}

// Factory implements source.Factory for the algorand network.
func Factory(ctx context.Context, env source.Env) (*source.Capabilities, error) {
	return build(ctx, env, NewAlgodClient)
}

func build(ctx context.Context, env source.Env, dial dialFunc) (*source.Capabilities, error) {
	targets, err := ParseTargets(env.Addresses)
	if err != nil {
		return nil, err
	}
	client, targets, err := connect(ctx, env, targets, dial)
	if err != nil {
		return nil, err
	}

	fetch := func(ctx context.Context, round uint64) (source.RawBlock, error) {
		b, err := fetchBlock(ctx, client, round)
		if err != nil {
			return source.RawBlock{}, err
		}
		return source.RawBlock{Number: round, Payload: b}, nil
	}
	head := func(ctx context.Context) (uint64, error) { return lastRound(ctx, client) }

	return &source.Capabilities{
		Processor:  &Processor{targets: targets},
		Subscriber: poller.New(env.PollInterval, head, fetch, env.Logger()),
		Fetcher:    newFetcher(env, client, targets),
	}, nil
}
