package algorand

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	sdk "github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/devblac/chain-events/internal/event"
)

// Algorand kinds.
const (
	KindAppCall       event.Kind = "app-call"
	KindAssetTransfer event.Kind = "asset-transfer"
)

// Targets is the set of applications and assets a listener watches. An
// empty set watches every app call and asset transfer.
type Targets struct {
	Apps   map[uint64]struct{}
	Assets map[uint64]struct{}
}

// ParseTargets parses addresses of the form "app:123", "asset:456" or a
// bare number, which names an application.
func ParseTargets(addresses []string) (Targets, error) {
	t := Targets{Apps: map[uint64]struct{}{}, Assets: map[uint64]struct{}{}}
	for _, a := range addresses {
		kind, id := "app", strings.TrimSpace(a)
		if k, v, ok := strings.Cut(id, ":"); ok {
			kind, id = strings.ToLower(k), v
		}
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return Targets{}, fmt.Errorf("algorand address %q: %w", a, err)
		}
		switch kind {
		case "app":
			t.Apps[n] = struct{}{}
		case "asset":
			t.Assets[n] = struct{}{}
		default:
			return Targets{}, fmt.Errorf("algorand address %q: unknown kind %q", a, kind)
		}
	}
	return t, nil
}

func (t Targets) empty() bool { return len(t.Apps) == 0 && len(t.Assets) == 0 }

func (t Targets) matchApp(id uint64) bool {
	if t.empty() {
		return true
	}
	_, ok := t.Apps[id]
	return ok
}

func (t Targets) matchAsset(id uint64) bool {
	if t.empty() {
		return true
	}
	_, ok := t.Assets[id]
	return ok
}

// matchBlock walks the payset in order and returns one event per matching
// transaction.
func matchBlock(targets Targets, block sdk.Block) []event.Event {
	round := uint64(block.BlockHeader.Round)
	var out []event.Event
	for i, stib := range block.Payset {
		tx := stib.SignedTxnWithAD.SignedTxn.Txn
		// algod strips the genesis fields from payset entries; the tx id
		// is computed over the transaction with them restored.
		if stib.HasGenesisID {
			tx.GenesisID = block.BlockHeader.GenesisID
		}
		if stib.HasGenesisHash {
			tx.GenesisHash = block.BlockHeader.GenesisHash
		}
		apply := stib.SignedTxnWithAD.ApplyData
		ev, ok := matchTxn(targets, tx, apply)
		if !ok {
			continue
		}
		ev.Network = event.NetworkAlgorand
		ev.BlockNumber = round
		ev.TxHash = crypto.TransactionIDString(tx)
		ev.LogIndex = uint(i)
		out = append(out, ev)
	}
	return out
}

func matchTxn(targets Targets, tx sdk.Transaction, apply sdk.ApplyData) (event.Event, bool) {
	switch tx.Type {
	case sdk.ApplicationCallTx:
		appID := uint64(tx.ApplicationID)
		if appID == 0 && apply.ApplicationID != 0 {
			appID = uint64(apply.ApplicationID)
		}
		if !targets.matchApp(appID) {
			return event.Event{}, false
		}
		args := map[string]any{
			"sender":           tx.Sender.String(),
			"on_completion":    int(tx.OnCompletion),
			"app_id":           appID,
			"foreign_apps":     toAppUint64s(tx.ForeignApps),
			"foreign_assets":   toAssetUint64s(tx.ForeignAssets),
			"accounts":         toStrings(tx.Accounts),
			"application_args": encodeArgs(tx.ApplicationArgs),
		}
		if apply.ApplicationID != 0 {
			args["created_app_id"] = uint64(apply.ApplicationID)
		}
		return event.Event{Kind: KindAppCall, Entity: strconv.FormatUint(appID, 10), Data: args}, true

	case sdk.AssetTransferTx:
		assetID := uint64(tx.XferAsset)
		if !targets.matchAsset(assetID) {
			return event.Event{}, false
		}
		args := map[string]any{
			"asset_id":     assetID,
			"amount":       new(big.Int).SetUint64(tx.AssetAmount),
			"sender":       tx.Sender.String(),
			"asset_sender": tx.AssetSender.String(),
			"receiver":     tx.AssetReceiver.String(),
			"close_to":     tx.AssetCloseTo.String(),
			"close_amount": new(big.Int).SetUint64(apply.AssetClosingAmount),
		}
		return event.Event{Kind: KindAssetTransfer, Entity: strconv.FormatUint(assetID, 10), Data: args}, true
	}
	return event.Event{}, false
}

func toAssetUint64s(in []sdk.AssetIndex) []uint64 {
	out := make([]uint64, 0, len(in))
	for _, v := range in {
		out = append(out, uint64(v))
	}
	return out
}

func toAppUint64s(in []sdk.AppIndex) []uint64 {
	out := make([]uint64, 0, len(in))
	for _, v := range in {
		out = append(out, uint64(v))
	}
	return out
}

func toStrings(addrs []sdk.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func encodeArgs(args [][]byte) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, base64.StdEncoding.EncodeToString(a))
	}
	return out
}
