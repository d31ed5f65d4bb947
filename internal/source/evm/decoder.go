package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/devblac/chain-events/internal/event"
)

// decoder turns logs into events using a protocol's ABI.
type decoder struct {
	network event.Network
	proto   *Protocol
}

// decode returns ok=false for logs the protocol does not know about.
func (d *decoder) decode(lg types.Log) (event.Event, eventDef, bool, error) {
	if lg.Removed || len(lg.Topics) == 0 {
		return event.Event{}, eventDef{}, false, nil
	}
	def, ok := d.proto.lookup(lg.Topics[0])
	if !ok {
		return event.Event{}, eventDef{}, false, nil
	}

	args := map[string]any{}
	indexed, nonIndexed := splitIndexed(def.event.Inputs)
	if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
		return event.Event{}, def, false, fmt.Errorf("%s: parse topics: %w", def.kind, err)
	}
	if err := nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
		return event.Event{}, def, false, fmt.Errorf("%s: unpack data: %w", def.kind, err)
	}
	for k, v := range args {
		args[k] = normalize(v)
	}
	args["contract"] = lg.Address.Hex()

	entity := lg.Address.Hex()
	if def.entityArg != "" {
		if v, ok := args[def.entityArg]; ok {
			entity = fmt.Sprint(v)
		}
	}

	return event.Event{
		Network:     d.network,
		BlockNumber: lg.BlockNumber,
		Kind:        def.kind,
		Entity:      entity,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		Data:        args,
	}, def, true, nil
}

// normalize converts go-ethereum values into plain forms handlers can
// serialize. Integers stay *big.Int.
func normalize(v any) any {
	switch t := v.(type) {
	case common.Address:
		return t.Hex()
	case []common.Address:
		out := make([]string, len(t))
		for i, a := range t {
			out[i] = a.Hex()
		}
		return out
	case common.Hash:
		return t.Hex()
	case [32]byte:
		return hexutil.Encode(t[:])
	case []byte:
		return hexutil.Encode(t)
	case [][]byte:
		out := make([]string, len(t))
		for i, b := range t {
			out[i] = hexutil.Encode(b)
		}
		return out
	case uint8:
		return new(big.Int).SetUint64(uint64(t))
	default:
		return v
	}
}
