package cosmos

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	abci "github.com/cometbft/cometbft/abci/types"
	"github.com/shopspring/decimal"

	"github.com/devblac/chain-events/internal/event"
)

// Cosmos gov kinds.
const (
	KindSubmitProposal    event.Kind = "submit-proposal"
	KindProposalDeposit   event.Kind = "proposal-deposit"
	KindProposalVote      event.Kind = "proposal-vote"
	KindProposalFinalized event.Kind = "proposal-finalized"
)

// ABCI event types emitted by x/gov.
const (
	typeSubmitProposal = "submit_proposal"
	typeDeposit        = "proposal_deposit"
	typeVote           = "proposal_vote"
	typeActiveProposal = "active_proposal"
)

// eventsPerTx spaces log indexes so that an event keeps the same index
// whether it was read from block results or from tx search.
const eventsPerTx = 1 << 10

// finalizeIndexBase places block-level events after every tx event.
const finalizeIndexBase = 1 << 30

var kindByType = map[string]event.Kind{
	typeSubmitProposal: KindSubmitProposal,
	typeDeposit:        KindProposalDeposit,
	typeVote:           KindProposalVote,
	typeActiveProposal: KindProposalFinalized,
}

func txLogIndex(txIndex uint32, eventIndex int) uint {
	return uint(txIndex)*eventsPerTx + uint(eventIndex)
}

func attrs(ev abci.Event) map[string]string {
	out := make(map[string]string, len(ev.Attributes))
	for _, a := range ev.Attributes {
		out[a.Key] = a.Value
	}
	return out
}

// dropFunc reports an event that could not be normalized.
type dropFunc func(kind event.Kind, height uint64, err error)

// txEvents extracts gov events from one successful transaction. Events
// that fail to parse are reported to drop and skipped.
func txEvents(height uint64, txIndex uint32, txHash string, events []abci.Event, drop dropFunc) []event.Event {
	var out []event.Event
	for j, raw := range events {
		kind, ok := kindByType[raw.Type]
		if !ok || kind == KindProposalFinalized {
			continue
		}
		ev, err := normalize(kind, attrs(raw))
		if err != nil {
			drop(kind, height, fmt.Errorf("tx %s: %w", txHash, err))
			continue
		}
		ev.BlockNumber = height
		ev.TxHash = txHash
		ev.LogIndex = txLogIndex(txIndex, j)
		out = append(out, ev)
	}
	return out
}

// finalizeEvents extracts proposal outcomes from block-level events.
func finalizeEvents(height uint64, events []abci.Event, drop dropFunc) []event.Event {
	var out []event.Event
	for j, raw := range events {
		if raw.Type != typeActiveProposal {
			continue
		}
		ev, err := normalize(KindProposalFinalized, attrs(raw))
		if err != nil {
			drop(KindProposalFinalized, height, err)
			continue
		}
		ev.BlockNumber = height
		ev.LogIndex = finalizeIndexBase + uint(j)
		out = append(out, ev)
	}
	return out
}

func normalize(kind event.Kind, a map[string]string) (event.Event, error) {
	id, ok := a["proposal_id"]
	if !ok {
		return event.Event{}, fmt.Errorf("missing proposal_id")
	}
	pid, ok := new(big.Int).SetString(id, 10)
	if !ok {
		return event.Event{}, fmt.Errorf("invalid proposal_id %q", id)
	}

	data := map[string]any{"proposal_id": pid}
	switch kind {
	case KindSubmitProposal:
		if v := a["voting_period_start"]; v != "" {
			data["voting_period_start"] = v
		}
		if v := a["proposal_messages"]; v != "" {
			data["proposal_messages"] = v
		}
	case KindProposalDeposit:
		coins, err := parseCoins(a["amount"])
		if err != nil {
			return event.Event{}, err
		}
		data["coins"] = coins
		if len(coins) > 0 {
			data["amount"] = coins[0].Amount
			data["denom"] = coins[0].Denom
		}
		if v := a["depositor"]; v != "" {
			data["depositor"] = v
		}
	case KindProposalVote:
		opts, err := parseVoteOptions(a["option"])
		if err != nil {
			return event.Event{}, err
		}
		data["options"] = opts
		if v := a["voter"]; v != "" {
			data["voter"] = v
		}
	case KindProposalFinalized:
		data["result"] = strings.TrimPrefix(a["proposal_result"], "proposal_")
	}

	return event.Event{
		Network: event.NetworkCosmos,
		Kind:    kind,
		Entity:  pid.String(),
		Data:    data,
	}, nil
}

// Coin is one parsed amount of a denom.
type Coin struct {
	Amount *big.Int `json:"amount"`
	Denom  string   `json:"denom"`
}

var coinRe = regexp.MustCompile(`^([0-9]+)([a-zA-Z][a-zA-Z0-9/:._-]*)$`)

// parseCoins parses "100uatom,5ibc/ABC" style amounts.
func parseCoins(s string) ([]Coin, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []Coin
	for _, part := range strings.Split(s, ",") {
		m := coinRe.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			return nil, fmt.Errorf("invalid coin %q", part)
		}
		amt, ok := new(big.Int).SetString(m[1], 10)
		if !ok {
			return nil, fmt.Errorf("invalid coin amount %q", m[1])
		}
		out = append(out, Coin{Amount: amt, Denom: m[2]})
	}
	return out, nil
}

// VoteOption is one weighted vote option.
type VoteOption struct {
	Option string          `json:"option"`
	Weight decimal.Decimal `json:"weight"`
}

var voteOptionNames = map[string]string{
	"1": "yes", "2": "abstain", "3": "no", "4": "no_with_veto",
	"VOTE_OPTION_YES": "yes", "VOTE_OPTION_ABSTAIN": "abstain",
	"VOTE_OPTION_NO": "no", "VOTE_OPTION_NO_WITH_VETO": "no_with_veto",
}

type rawVoteOption struct {
	Option json.RawMessage `json:"option"`
	Weight string          `json:"weight"`
}

var textOptionRe = regexp.MustCompile(`option:(\S+)\s+weight:"?([0-9.]+)"?`)

// parseVoteOptions accepts the JSON forms emitted by recent SDKs
// ([{"option":1,"weight":"1.0"}] or a single object) and the older text
// form option:VOTE_OPTION_YES weight:"1.0".
func parseVoteOptions(s string) ([]VoteOption, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("missing vote option")
	}

	var raws []rawVoteOption
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &raws); err != nil {
			return nil, fmt.Errorf("vote option: %w", err)
		}
	} else if strings.HasPrefix(s, "{") {
		var one rawVoteOption
		if err := json.Unmarshal([]byte(s), &one); err != nil {
			return nil, fmt.Errorf("vote option: %w", err)
		}
		raws = append(raws, one)
	} else {
		for _, m := range textOptionRe.FindAllStringSubmatch(s, -1) {
			raws = append(raws, rawVoteOption{Option: json.RawMessage(`"` + m[1] + `"`), Weight: m[2]})
		}
		if len(raws) == 0 {
			// a bare option name means full weight
			raws = append(raws, rawVoteOption{Option: json.RawMessage(`"` + s + `"`), Weight: "1"})
		}
	}

	out := make([]VoteOption, 0, len(raws))
	for _, r := range raws {
		name := strings.Trim(string(r.Option), `"`)
		if n, ok := voteOptionNames[name]; ok {
			name = n
		}
		w := r.Weight
		if w == "" {
			w = "1"
		}
		weight, err := decimal.NewFromString(w)
		if err != nil {
			return nil, fmt.Errorf("vote weight %q: %w", w, err)
		}
		out = append(out, VoteOption{Option: name, Weight: weight})
	}
	return out, nil
}
