package algorand

import (
	"context"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	sdk "github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/algorand/go-codec/codec"
)

// statusGetter models the algod Status() fluent call.
type statusGetter interface {
	Do(ctx context.Context, headers ...*common.Header) (models.NodeStatus, error)
}

// blockGetter models the algod BlockRaw() fluent call.
type blockGetter interface {
	Do(ctx context.Context, headers ...*common.Header) ([]byte, error)
}

type appGetter interface {
	Do(ctx context.Context, headers ...*common.Header) (models.Application, error)
}

type assetGetter interface {
	Do(ctx context.Context, headers ...*common.Header) (models.Asset, error)
}

// AlgodClient is the minimal subset of the algod client we need.
type AlgodClient interface {
	Status() statusGetter
	BlockRaw(round uint64) blockGetter
	GetApplicationByID(id uint64) appGetter
	GetAssetByID(id uint64) assetGetter
}

// NewAlgodClient constructs a real algod client.
func NewAlgodClient(url, token string) (AlgodClient, error) {
	cli, err := algod.MakeClient(url, token)
	if err != nil {
		return nil, err
	}
	return &clientAdapter{c: cli}, nil
}

type clientAdapter struct {
	c *algod.Client
}

func (a *clientAdapter) Status() statusGetter { return a.c.Status() }
func (a *clientAdapter) BlockRaw(round uint64) blockGetter {
	return a.c.BlockRaw(round)
}
func (a *clientAdapter) GetApplicationByID(id uint64) appGetter {
	return a.c.GetApplicationByID(id)
}
func (a *clientAdapter) GetAssetByID(id uint64) assetGetter {
	return a.c.GetAssetByID(id)
}

// blockResponse is the msgpack envelope returned by /v2/blocks/{round}.
type blockResponse struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Block sdk.Block `codec:"block"`
}

func decodeBlock(raw []byte) (sdk.Block, error) {
	var resp blockResponse
	h := &codec.MsgpackHandle{}
	dec := codec.NewDecoderBytes(raw, h)
	if err := dec.Decode(&resp); err != nil {
		return sdk.Block{}, fmt.Errorf("decode block: %w", err)
	}
	return resp.Block, nil
}

func lastRound(ctx context.Context, c AlgodClient) (uint64, error) {
	status, err := c.Status().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("status: %w", err)
	}
	return status.LastRound, nil
}

func fetchBlock(ctx context.Context, c AlgodClient, round uint64) (sdk.Block, error) {
	raw, err := c.BlockRaw(round).Do(ctx)
	if err != nil {
		return sdk.Block{}, fmt.Errorf("block %d: %w", round, err)
	}
	return decodeBlock(raw)
}
