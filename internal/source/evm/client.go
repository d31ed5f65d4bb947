package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client captures the subset of ethclient used by the network.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies Client.
type RPCClient struct {
	*ethclient.Client
}

// Dial opens an RPC client to an EVM node.
func Dial(ctx context.Context, rpcURL string) (*RPCClient, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// supportsPush reports whether the endpoint can carry eth_subscribe.
func supportsPush(rpcURL string) bool {
	u := strings.ToLower(rpcURL)
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://") ||
		!strings.Contains(u, "://")
}
