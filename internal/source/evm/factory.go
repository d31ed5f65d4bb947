// Package evm implements the EVM networks: the compound and aave
// governors, moloch DAOs, erc20 and erc721 tokens and a generic network
// driven by ABI files.
package evm

import (
	"context"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source"
)

// Factory implements source.Factory for every EVM network.
func Factory(ctx context.Context, env source.Env) (*source.Capabilities, error) {
	return build(ctx, env, dialRPC)
}

func build(ctx context.Context, env source.Env, dial dialFunc) (*source.Capabilities, error) {
	proto, err := NewProtocol(env.Network, env.Version, env.Spec, env.ABIDirs)
	if err != nil {
		return nil, err
	}
	client, addresses, err := connect(ctx, env, dial)
	if err != nil {
		return nil, err
	}

	var en enricher
	if env.Network == event.NetworkCompound {
		en = newGovernorEnricher(client, proto.abi, env.Chain)
	}
	proc := newProcessor(env, proto, en)

	var sub source.Subscriber
	if supportsPush(env.URL) {
		sub = &pushSubscriber{client: client, addresses: addresses, log: env.Logger()}
	} else {
		sub = newPollSubscriber(env, client, addresses)
	}

	return &source.Capabilities{
		Processor:  proc,
		Subscriber: sub,
		Fetcher:    &Fetcher{env: env, client: client, addresses: addresses, proto: proto, proc: proc},
		Closer: source.CloserFunc(func() error {
			client.Close()
			return nil
		}),
	}, nil
}
