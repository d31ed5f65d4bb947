package evm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devblac/chain-events/internal/source"
)

var errNoDeployedContracts = errors.New("no deployed contracts at configured addresses")

// dialFunc opens a client; replaced in tests.
type dialFunc func(ctx context.Context, url string) (Client, error)

func dialRPC(ctx context.Context, url string) (Client, error) {
	return Dial(ctx, url)
}

// connect dials with retry, then confirms every contract is deployed. A
// contract without code is logged and excluded; if none remain the client
// is closed and a ConnectionError returned.
func connect(ctx context.Context, env source.Env, dial dialFunc) (Client, []common.Address, error) {
	log := env.Logger()
	client, err := source.Connect(ctx, log, env.Retry, env.URL, env.Addresses, func(ctx context.Context) (Client, error) {
		c, err := dial(ctx, env.URL)
		if err != nil {
			return nil, err
		}
		if _, err := c.BlockNumber(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("block number: %w", err)
		}
		return c, nil
	})
	if err != nil {
		return nil, nil, err
	}

	live := make([]common.Address, 0, len(env.Addresses))
	for _, a := range env.Addresses {
		if !common.IsHexAddress(a) {
			log.Warn("excluding contract: invalid address", "address", a)
			continue
		}
		addr := common.HexToAddress(a)
		code, err := client.CodeAt(ctx, addr, nil)
		if err != nil {
			log.Warn("excluding contract: code lookup failed", "address", addr.Hex(), "error", err)
			continue
		}
		if len(code) == 0 {
			log.Warn("excluding contract: not deployed", "address", addr.Hex())
			continue
		}
		live = append(live, addr)
	}
	if len(live) == 0 {
		client.Close()
		return nil, nil, &source.ConnectionError{Endpoint: env.URL, Addresses: env.Addresses, Err: errNoDeployedContracts}
	}
	return client, live, nil
}
