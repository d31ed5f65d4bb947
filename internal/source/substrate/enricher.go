package substrate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/sony/gobreaker/v2"

	"github.com/devblac/chain-events/internal/event"
)

// Options are read from the listener spec, a comma separated list of
// key=value pairs.
type Options struct {
	// TransferThresholdPermill drops balance transfers smaller than this
	// share of the total issuance, in millionths. Zero keeps every
	// transfer.
	TransferThresholdPermill uint64
}

// ParseOptions parses a spec such as "transfer_threshold_permill=10000".
func ParseOptions(spec string) (Options, error) {
	var o Options
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return Options{}, fmt.Errorf("substrate spec: %q is not key=value", part)
		}
		switch strings.TrimSpace(key) {
		case "transfer_threshold_permill":
			n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
			if err != nil || n > 1_000_000 {
				return Options{}, fmt.Errorf("substrate spec: bad transfer_threshold_permill %q", val)
			}
			o.TransferThresholdPermill = n
		default:
			return Options{}, fmt.Errorf("substrate spec: unknown key %q", key)
		}
	}
	return o, nil
}

var errBelowThreshold = errors.New("transfer below threshold")

// enricher reads the chain state some kinds need, at the event's block.
// Reads go through a circuit breaker so a failing node does not stall
// every event behind a timeout.
type enricher struct {
	client Client
	opts   Options
	cb     *gobreaker.CircuitBreaker[[]byte]
}

func newEnricher(client Client, opts Options, chain string) *enricher {
	return &enricher{
		client: client,
		opts:   opts,
		cb: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "substrate-enrich-" + chain,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// enrich completes ev in place. errBelowThreshold means the event is
// filtered out, not failed.
func (e *enricher) enrich(ctx context.Context, ev *event.Event) error {
	switch ev.Kind {
	case KindBalanceTransfer:
		if e.opts.TransferThresholdPermill == 0 {
			return nil
		}
		amount, ok := ev.Data["amount"].(*big.Int)
		if !ok {
			return fmt.Errorf("transfer amount is %T", ev.Data["amount"])
		}
		issuance, err := e.readU128(ctx, ev.BlockNumber, "Balances", "TotalIssuance")
		if err != nil {
			return err
		}
		scaled := new(big.Int).Mul(amount, big.NewInt(1_000_000))
		scaled.Quo(scaled, new(big.Int).SetUint64(e.opts.TransferThresholdPermill))
		if scaled.Cmp(issuance) < 0 {
			return errBelowThreshold
		}

	case KindBonded, KindUnbonded:
		stash, _ := ev.Data["stash"].(string)
		key, err := codec.HexDecodeString(stash)
		if err != nil {
			return fmt.Errorf("stash %q: %w", stash, err)
		}
		raw, err := e.read(ctx, ev.BlockNumber, "Staking", "Bonded", key)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return fmt.Errorf("no staking controller for %s", stash)
		}
		ev.Data["controller"] = codec.HexEncodeToString(raw)

	case KindSomeOffline, KindAllGood:
		// the heartbeat verdict is for the session that just ended
		index, err := e.readU32(ctx, ev.BlockNumber, "Session", "CurrentIndex")
		if err != nil {
			return err
		}
		ev.Data["sessionIndex"] = new(big.Int).SetUint64(uint64(max(index, 1) - 1))
	}
	return nil
}

func (e *enricher) read(ctx context.Context, height uint64, module, item string, keys ...[]byte) ([]byte, error) {
	raw, err := e.cb.Execute(func() ([]byte, error) {
		return e.client.Storage(ctx, height, module, item, keys...)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", module, item, err)
	}
	return raw, nil
}

func (e *enricher) readU128(ctx context.Context, height uint64, module, item string) (*big.Int, error) {
	raw, err := e.read(ctx, height, module, item)
	if err != nil {
		return nil, err
	}
	var v types.U128
	if err := codec.Decode(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s.%s: %w", module, item, err)
	}
	return v.Int, nil
}

func (e *enricher) readU32(ctx context.Context, height uint64, module, item string) (uint32, error) {
	raw, err := e.read(ctx, height, module, item)
	if err != nil {
		return 0, err
	}
	var v types.U32
	if err := codec.Decode(raw, &v); err != nil {
		return 0, fmt.Errorf("decode %s.%s: %w", module, item, err)
	}
	return uint32(v), nil
}
