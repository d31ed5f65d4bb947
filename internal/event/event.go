// Package event defines the network-agnostic event model shared by every
// source, the listener and the downstream handlers.
package event

import (
	"context"
	"time"
)

// Network identifies a family of chains sharing one wire protocol and event
// taxonomy (e.g. "compound", "erc20", "cosmos", "algorand").
type Network string

const (
	NetworkCompound  Network = "compound"
	NetworkAave      Network = "aave"
	NetworkMoloch    Network = "moloch"
	NetworkERC20     Network = "erc20"
	NetworkERC721    Network = "erc721"
	NetworkEVM       Network = "evm"
	NetworkCosmos    Network = "cosmos"
	NetworkAlgorand  Network = "algorand"
	NetworkSubstrate Network = "substrate"
)

// Kind is a network-specific event kind.
type Kind string

// Event is a normalized chain event. Processors create it; the listener
// stamps Chain and ReceivedAt right before dispatch. It is passed by value
// and must not be mutated by handlers.
type Event struct {
	Network     Network
	Chain       string
	BlockNumber uint64
	Kind        Kind
	// Entity identifies the on-chain object the event belongs to (proposal
	// id, app id). Empty when the kind has no entity.
	Entity     string
	TxHash     string
	LogIndex   uint
	Data       map[string]any
	ReceivedAt time.Time
}

// Handler consumes events at the end of the listener pipeline. prev is the
// value returned by the previous handler in the chain, nil for the first.
type Handler interface {
	Handle(ctx context.Context, ev Event, prev any) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event, prev any) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev Event, prev any) (any, error) {
	return f(ctx, ev, prev)
}

// Less orders events by block number, then log index.
func Less(a, b Event) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	return a.LogIndex < b.LogIndex
}

// Compare is Less in the three-way form expected by slices.SortStableFunc.
func Compare(a, b Event) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}
