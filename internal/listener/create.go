package listener

import (
	"context"
	"fmt"
	"slices"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source"
	"github.com/devblac/chain-events/internal/source/algorand"
	"github.com/devblac/chain-events/internal/source/cosmos"
	"github.com/devblac/chain-events/internal/source/evm"
	"github.com/devblac/chain-events/internal/source/substrate"
)

var factories = map[event.Network]source.Factory{
	event.NetworkCompound:  evm.Factory,
	event.NetworkAave:      evm.Factory,
	event.NetworkMoloch:    evm.Factory,
	event.NetworkERC20:     evm.Factory,
	event.NetworkERC721:    evm.Factory,
	event.NetworkEVM:       evm.Factory,
	event.NetworkAlgorand:  algorand.Factory,
	event.NetworkCosmos:    cosmos.Factory,
	event.NetworkSubstrate: substrate.Factory,
}

// Networks lists the networks Create accepts, sorted.
func Networks() []event.Network {
	out := make([]event.Network, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Create builds and initializes a listener for chain on network.
func Create(ctx context.Context, chain string, network event.Network, opts Options) (*Listener, error) {
	factory, ok := factories[network]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownNetwork, network)
	}
	l := New(chain, network, factory, opts)
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	return l, nil
}
