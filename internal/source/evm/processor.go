package evm

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source"
)

// Processor decodes and enriches EVM logs. It accepts a single types.Log
// (push subscriptions) or a []types.Log (one polled block).
type Processor struct {
	env      source.Env
	decoder  *decoder
	enricher enricher
}

func newProcessor(env source.Env, proto *Protocol, en enricher) *Processor {
	if en == nil {
		en = noopEnricher{}
	}
	return &Processor{
		env:      env,
		decoder:  &decoder{network: env.Network, proto: proto},
		enricher: en,
	}
}

// Process implements source.Processor.
func (p *Processor) Process(ctx context.Context, raw source.RawBlock) ([]event.Event, error) {
	var logs []types.Log
	switch pl := raw.Payload.(type) {
	case types.Log:
		logs = []types.Log{pl}
	case *types.Log:
		logs = []types.Log{*pl}
	case []types.Log:
		logs = append(logs, pl...)
		sort.SliceStable(logs, func(i, j int) bool { return logs[i].Index < logs[j].Index })
	default:
		return nil, fmt.Errorf("evm: unexpected payload %T", raw.Payload)
	}

	out := make([]event.Event, 0, len(logs))
	for _, lg := range logs {
		if ev, ok := p.one(ctx, lg); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// one decodes and enriches a single log. Decode and enrichment failures drop
// the event.
func (p *Processor) one(ctx context.Context, lg types.Log) (event.Event, bool) {
	ev, def, ok, err := p.decoder.decode(lg)
	if err != nil {
		p.env.DropEvent(&source.EnrichmentError{Kind: def.kind, BlockNumber: lg.BlockNumber, Err: err})
		return event.Event{}, false
	}
	if !ok {
		return event.Event{}, false
	}
	if err := p.enricher.enrich(ctx, &ev, lg.Address); err != nil {
		p.env.DropEvent(&source.EnrichmentError{Kind: ev.Kind, BlockNumber: ev.BlockNumber, Err: err})
		return event.Event{}, false
	}
	return ev, true
}
