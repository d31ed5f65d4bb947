package substrate

import (
	"context"
	"fmt"
	"sync"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

// Field is one decoded event argument. Name is the metadata field name and
// may be empty on older runtimes.
type Field struct {
	Name  string
	Value any
}

// RawEvent is one record of System.Events. Extrinsic is the index of the
// extrinsic that emitted it, or -1 for initialization and finalization.
type RawEvent struct {
	Name      string
	Extrinsic int
	Fields    []Field
}

// Block is the decoded event list of one block.
type Block struct {
	Height uint64
	Hash   string
	Events []RawEvent
}

// Client is the subset of a substrate node the network needs.
type Client interface {
	FinalizedHeight(ctx context.Context) (uint64, error)
	Events(ctx context.Context, height uint64) (Block, error)
	// Storage reads the raw value of module.item at height. A missing entry
	// returns nil without error.
	Storage(ctx context.Context, height uint64, module, item string, keys ...[]byte) ([]byte, error)
	Close()
}

type dialFunc func(ctx context.Context, url string) (Client, error)

// runtimeMeta is the metadata and event registry of one runtime spec
// version. Blocks are decoded with the runtime they were produced by.
type runtimeMeta struct {
	meta   *types.Metadata
	events registry.EventRegistry
}

type rpcClient struct {
	api     *gsrpc.SubstrateAPI
	factory registry.Factory
	parser  parser.EventParser

	mu       sync.Mutex
	runtimes map[uint32]*runtimeMeta
}

// dialRPC connects to a node over websocket or http.
func dialRPC(_ context.Context, url string) (Client, error) {
	api, err := gsrpc.NewSubstrateAPI(url)
	if err != nil {
		return nil, err
	}
	return &rpcClient{
		api:      api,
		factory:  registry.NewFactory(),
		parser:   parser.NewEventParser(),
		runtimes: make(map[uint32]*runtimeMeta),
	}, nil
}

func (c *rpcClient) FinalizedHeight(context.Context) (uint64, error) {
	hash, err := c.api.RPC.Chain.GetFinalizedHead()
	if err != nil {
		return 0, fmt.Errorf("finalized head: %w", err)
	}
	header, err := c.api.RPC.Chain.GetHeader(hash)
	if err != nil {
		return 0, fmt.Errorf("header %s: %w", hash.Hex(), err)
	}
	return uint64(header.Number), nil
}

func (c *rpcClient) runtimeAt(hash types.Hash) (*runtimeMeta, error) {
	rv, err := c.api.RPC.State.GetRuntimeVersion(hash)
	if err != nil {
		return nil, fmt.Errorf("runtime version: %w", err)
	}
	version := uint32(rv.SpecVersion)

	c.mu.Lock()
	rt, ok := c.runtimes[version]
	c.mu.Unlock()
	if ok {
		return rt, nil
	}

	meta, err := c.api.RPC.State.GetMetadata(hash)
	if err != nil {
		return nil, fmt.Errorf("metadata for spec %d: %w", version, err)
	}
	events, err := c.factory.CreateEventRegistry(meta)
	if err != nil {
		return nil, fmt.Errorf("event registry for spec %d: %w", version, err)
	}
	rt = &runtimeMeta{meta: meta, events: events}

	c.mu.Lock()
	c.runtimes[version] = rt
	c.mu.Unlock()
	return rt, nil
}

func (c *rpcClient) Events(_ context.Context, height uint64) (Block, error) {
	hash, err := c.api.RPC.Chain.GetBlockHash(height)
	if err != nil {
		return Block{}, fmt.Errorf("block hash %d: %w", height, err)
	}
	rt, err := c.runtimeAt(hash)
	if err != nil {
		return Block{}, err
	}
	key, err := types.CreateStorageKey(rt.meta, "System", "Events")
	if err != nil {
		return Block{}, fmt.Errorf("events key: %w", err)
	}
	raw, err := c.api.RPC.State.GetStorageRaw(key, hash)
	if err != nil {
		return Block{}, fmt.Errorf("events at %d: %w", height, err)
	}
	parsed, err := c.parser.ParseEvents(rt.events, raw)
	if err != nil {
		return Block{}, fmt.Errorf("decode events at %d: %w", height, err)
	}

	out := Block{Height: height, Hash: hash.Hex(), Events: make([]RawEvent, 0, len(parsed))}
	for _, e := range parsed {
		re := RawEvent{Name: e.Name, Extrinsic: -1}
		if e.Phase != nil && e.Phase.IsApplyExtrinsic {
			re.Extrinsic = int(e.Phase.AsApplyExtrinsic)
		}
		for _, f := range e.Fields {
			re.Fields = append(re.Fields, Field{Name: f.Name, Value: f.Value})
		}
		out.Events = append(out.Events, re)
	}
	return out, nil
}

func (c *rpcClient) Storage(_ context.Context, height uint64, module, item string, keys ...[]byte) ([]byte, error) {
	hash, err := c.api.RPC.Chain.GetBlockHash(height)
	if err != nil {
		return nil, fmt.Errorf("block hash %d: %w", height, err)
	}
	rt, err := c.runtimeAt(hash)
	if err != nil {
		return nil, err
	}
	key, err := types.CreateStorageKey(rt.meta, module, item, keys...)
	if err != nil {
		return nil, fmt.Errorf("%s.%s key: %w", module, item, err)
	}
	raw, err := c.api.RPC.State.GetStorageRaw(key, hash)
	if err != nil {
		return nil, fmt.Errorf("%s.%s at %d: %w", module, item, height, err)
	}
	if raw == nil || len(*raw) == 0 {
		return nil, nil
	}
	return *raw, nil
}

func (c *rpcClient) Close() {
	if cl, ok := c.api.Client.(interface{ Close() }); ok {
		cl.Close()
	}
}
