package cosmos

import (
	"context"
	"fmt"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
)

// rpcTimeoutSeconds bounds every CometBFT RPC request.
const rpcTimeoutSeconds uint = 30

// Client is the subset of the CometBFT RPC client used by the network.
type Client interface {
	Status(ctx context.Context) (*coretypes.ResultStatus, error)
	Block(ctx context.Context, height *int64) (*coretypes.ResultBlock, error)
	BlockResults(ctx context.Context, height *int64) (*coretypes.ResultBlockResults, error)
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*coretypes.ResultABCIQuery, error)
	TxSearch(ctx context.Context, query string, prove bool, page, perPage *int, orderBy string) (*coretypes.ResultTxSearch, error)
	BlockSearch(ctx context.Context, query string, page, perPage *int, orderBy string) (*coretypes.ResultBlockSearch, error)
}

// Dial builds an HTTP RPC client for a CometBFT node.
func Dial(url string) (Client, error) {
	c, err := rpchttp.NewWithTimeout(url, "/websocket", rpcTimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("dial cometbft rpc: %w", err)
	}
	return c, nil
}

func latestHeight(ctx context.Context, c Client) (uint64, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return 0, fmt.Errorf("status: %w", err)
	}
	return uint64(st.SyncInfo.LatestBlockHeight), nil
}

// Block is the raw unit emitted for one height: the block results plus the
// hashes of the block's transactions, in order.
type Block struct {
	Height   uint64
	TxHashes []string
	Results  *coretypes.ResultBlockResults
}

func fetchBlock(ctx context.Context, c Client, height uint64) (Block, error) {
	h := int64(height)
	res, err := c.BlockResults(ctx, &h)
	if err != nil {
		return Block{}, fmt.Errorf("block results %d: %w", height, err)
	}
	blk, err := c.Block(ctx, &h)
	if err != nil {
		return Block{}, fmt.Errorf("block %d: %w", height, err)
	}
	hashes := make([]string, len(blk.Block.Data.Txs))
	for i, tx := range blk.Block.Data.Txs {
		hashes[i] = fmt.Sprintf("%X", tx.Hash())
	}
	return Block{Height: height, TxHashes: hashes, Results: res}, nil
}
