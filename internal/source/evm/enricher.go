package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sony/gobreaker/v2"

	"github.com/devblac/chain-events/internal/event"
)

// enricher completes decoded events that need extra chain state.
type enricher interface {
	enrich(ctx context.Context, ev *event.Event, contract common.Address) error
}

type noopEnricher struct{}

func (noopEnricher) enrich(context.Context, *event.Event, common.Address) error { return nil }

// governorEnricher attaches quorum and proposal threshold to new proposals,
// read at the proposal's block. Calls go through a circuit breaker so a
// failing node does not stall every event behind a timeout.
type governorEnricher struct {
	client Client
	abi    *abi.ABI
	cb     *gobreaker.CircuitBreaker[[]byte]
}

func newGovernorEnricher(client Client, a *abi.ABI, chain string) *governorEnricher {
	return &governorEnricher{
		client: client,
		abi:    a,
		cb: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "governor-enrich-" + chain,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (g *governorEnricher) enrich(ctx context.Context, ev *event.Event, contract common.Address) error {
	if ev.Kind != KindProposalCreated {
		return nil
	}
	at := new(big.Int).SetUint64(ev.BlockNumber)
	var (
		quorum *big.Int
		err    error
	)
	if _, ok := g.abi.Methods["quorumVotes"]; ok {
		quorum, err = g.readUint(ctx, contract, "quorumVotes", at)
	} else {
		// OpenZeppelin governors only answer quorum for past blocks.
		quorum, err = g.readUint(ctx, contract, "quorum", at, new(big.Int).SetUint64(max(ev.BlockNumber, 1)-1))
	}
	if err != nil {
		return err
	}
	threshold, err := g.readUint(ctx, contract, "proposalThreshold", at)
	if err != nil {
		return err
	}
	ev.Data["quorumVotes"] = quorum
	ev.Data["proposalThreshold"] = threshold
	return nil
}

func (g *governorEnricher) readUint(ctx context.Context, contract common.Address, method string, at *big.Int, args ...any) (*big.Int, error) {
	input, err := g.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := g.cb.Execute(func() ([]byte, error) {
		return g.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, at)
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := g.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("unpack %s: %d values", method, len(vals))
	}
	n, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected %T", method, vals[0])
	}
	return n, nil
}
