package evm

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/poller"
	"github.com/devblac/chain-events/internal/source"
)

var errSubscribed = errors.New("already subscribed")

// pushSubscriber attaches one log filter over every live contract with no
// topic restriction and forwards each log as it arrives. The channel closes
// when the node drops the subscription.
type pushSubscriber struct {
	client    Client
	addresses []common.Address
	log       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe implements source.Subscriber. The resume range is unused: the
// listener's catch-up has already covered everything before the head.
func (s *pushSubscriber) Subscribe(ctx context.Context, _ *event.BlockRange) (<-chan source.RawBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, errSubscribed
	}

	logs := make(chan types.Log, 64)
	sub, err := s.client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{Addresses: s.addresses}, logs)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan source.RawBlock)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					s.log.Warn("log subscription dropped", "error", err)
				}
				return
			case lg := <-logs:
				select {
				case out <- source.RawBlock{Number: lg.BlockNumber, Payload: lg}:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Unsubscribe implements source.Subscriber.
func (s *pushSubscriber) Unsubscribe() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// newPollSubscriber serves endpoints without eth_subscribe: every block is
// one FilterLogs call carrying all the block's logs for the contracts.
func newPollSubscriber(env source.Env, client Client, addresses []common.Address) *poller.Poller {
	fetch := func(ctx context.Context, height uint64) (source.RawBlock, error) {
		n := new(big.Int).SetUint64(height)
		logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{FromBlock: n, ToBlock: n, Addresses: addresses})
		if err != nil {
			return source.RawBlock{}, err
		}
		return source.RawBlock{Number: height, Payload: logs}, nil
	}
	return poller.New(env.PollInterval, client.BlockNumber, fetch, env.Logger())
}
