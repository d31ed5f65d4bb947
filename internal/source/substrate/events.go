package substrate

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"

	"github.com/devblac/chain-events/internal/event"
)

// Staking and balances kinds.
const (
	KindSlash           event.Kind = "slash"
	KindReward          event.Kind = "reward"
	KindBonded          event.Kind = "bonded"
	KindUnbonded        event.Kind = "unbonded"
	KindStakingElection event.Kind = "staking-election"
	KindBalanceTransfer event.Kind = "balance-transfer"
)

// Democracy and preimage kinds.
const (
	KindVoteDelegated      event.Kind = "vote-delegated"
	KindDemocracyProposed  event.Kind = "democracy-proposed"
	KindDemocracySeconded  event.Kind = "democracy-seconded"
	KindDemocracyTabled    event.Kind = "democracy-tabled"
	KindDemocracyStarted   event.Kind = "democracy-started"
	KindDemocracyVoted     event.Kind = "democracy-voted"
	KindDemocracyPassed    event.Kind = "democracy-passed"
	KindDemocracyNotPassed event.Kind = "democracy-not-passed"
	KindDemocracyCancelled event.Kind = "democracy-cancelled"
	KindDemocracyExecuted  event.Kind = "democracy-executed"
	KindPreimageNoted      event.Kind = "preimage-noted"
	KindPreimageUsed       event.Kind = "preimage-used"
	KindPreimageInvalid    event.Kind = "preimage-invalid"
	KindPreimageMissing    event.Kind = "preimage-missing"
	KindPreimageReaped     event.Kind = "preimage-reaped"
)

// Treasury and tips kinds.
const (
	KindTreasuryProposed event.Kind = "treasury-proposed"
	KindTreasuryAwarded  event.Kind = "treasury-awarded"
	KindTreasuryRejected event.Kind = "treasury-rejected"
	KindNewTip           event.Kind = "new-tip"
	KindTipClosing       event.Kind = "tip-closing"
	KindTipClosed        event.Kind = "tip-closed"
	KindTipRetracted     event.Kind = "tip-retracted"
	KindTipSlashed       event.Kind = "tip-slashed"
)

// Elections, identity, session, im-online and offences kinds.
const (
	KindElectionNewTerm         event.Kind = "election-new-term"
	KindElectionEmptyTerm       event.Kind = "election-empty-term"
	KindElectionMemberKicked    event.Kind = "election-member-kicked"
	KindElectionMemberRenounced event.Kind = "election-member-renounced"
	KindIdentitySet             event.Kind = "identity-set"
	KindIdentityCleared         event.Kind = "identity-cleared"
	KindIdentityKilled          event.Kind = "identity-killed"
	KindNewSession              event.Kind = "new-session"
	KindAllGood                 event.Kind = "all-good"
	KindHeartbeatReceived       event.Kind = "heartbeat-received"
	KindSomeOffline             event.Kind = "some-offline"
	KindOffence                 event.Kind = "offences-offence"
)

// eventDef maps one pallet event to a kind. args name the fields
// positionally so the payload keys stay stable across runtimes that renamed
// or never named them. entity is the arg used as Event.Entity.
type eventDef struct {
	kind   event.Kind
	args   []string
	entity string
}

// taxonomy is keyed by "Pallet.Event" as the metadata names it. Renamed
// events of older runtimes point at the same kind.
var taxonomy = map[string]eventDef{
	"Staking.Slashed":               {KindSlash, []string{"staker", "amount"}, "staker"},
	"Staking.Slash":                 {KindSlash, []string{"staker", "amount"}, "staker"},
	"Staking.Rewarded":              {KindReward, []string{"stash", "amount"}, "stash"},
	"Staking.Reward":                {KindReward, []string{"stash", "amount"}, "stash"},
	"Staking.Bonded":                {KindBonded, []string{"stash", "amount"}, "stash"},
	"Staking.Unbonded":              {KindUnbonded, []string{"stash", "amount"}, "stash"},
	"Staking.StakersElected":        {KindStakingElection, nil, ""},
	"Staking.StakingElection":       {KindStakingElection, nil, ""},
	"Balances.Transfer":             {KindBalanceTransfer, []string{"from", "to", "amount"}, ""},
	"Democracy.Delegated":           {KindVoteDelegated, []string{"who", "target"}, "who"},
	"Democracy.Proposed":            {KindDemocracyProposed, []string{"proposalIndex", "deposit"}, "proposalIndex"},
	"Democracy.Seconded":            {KindDemocracySeconded, []string{"seconder", "proposalIndex"}, "proposalIndex"},
	"Democracy.Tabled":              {KindDemocracyTabled, []string{"proposalIndex", "deposit"}, "proposalIndex"},
	"Democracy.Started":             {KindDemocracyStarted, []string{"referendumIndex", "threshold"}, "referendumIndex"},
	"Democracy.Voted":               {KindDemocracyVoted, []string{"voter", "referendumIndex", "vote"}, "referendumIndex"},
	"Democracy.Passed":              {KindDemocracyPassed, []string{"referendumIndex"}, "referendumIndex"},
	"Democracy.NotPassed":           {KindDemocracyNotPassed, []string{"referendumIndex"}, "referendumIndex"},
	"Democracy.Cancelled":           {KindDemocracyCancelled, []string{"referendumIndex"}, "referendumIndex"},
	"Democracy.Executed":            {KindDemocracyExecuted, []string{"referendumIndex", "result"}, "referendumIndex"},
	"Democracy.PreimageNoted":       {KindPreimageNoted, []string{"proposalHash", "who", "deposit"}, "proposalHash"},
	"Democracy.PreimageUsed":        {KindPreimageUsed, []string{"proposalHash", "provider", "deposit"}, "proposalHash"},
	"Democracy.PreimageInvalid":     {KindPreimageInvalid, []string{"proposalHash", "referendumIndex"}, "proposalHash"},
	"Democracy.PreimageMissing":     {KindPreimageMissing, []string{"proposalHash", "referendumIndex"}, "proposalHash"},
	"Democracy.PreimageReaped":      {KindPreimageReaped, []string{"proposalHash", "provider", "deposit", "reaper"}, "proposalHash"},
	"Preimage.Noted":                {KindPreimageNoted, []string{"proposalHash"}, "proposalHash"},
	"Preimage.Cleared":              {KindPreimageReaped, []string{"proposalHash"}, "proposalHash"},
	"Treasury.Proposed":             {KindTreasuryProposed, []string{"proposalIndex"}, "proposalIndex"},
	"Treasury.Awarded":              {KindTreasuryAwarded, []string{"proposalIndex", "award", "account"}, "proposalIndex"},
	"Treasury.Rejected":             {KindTreasuryRejected, []string{"proposalIndex", "slashed"}, "proposalIndex"},
	"Tips.NewTip":                   {KindNewTip, []string{"tipHash"}, "tipHash"},
	"Tips.TipClosing":               {KindTipClosing, []string{"tipHash"}, "tipHash"},
	"Tips.TipClosed":                {KindTipClosed, []string{"tipHash", "who", "payout"}, "tipHash"},
	"Tips.TipRetracted":             {KindTipRetracted, []string{"tipHash"}, "tipHash"},
	"Tips.TipSlashed":               {KindTipSlashed, []string{"tipHash", "finder", "deposit"}, "tipHash"},
	"Treasury.NewTip":               {KindNewTip, []string{"tipHash"}, "tipHash"},
	"Treasury.TipClosing":           {KindTipClosing, []string{"tipHash"}, "tipHash"},
	"Treasury.TipClosed":            {KindTipClosed, []string{"tipHash", "who", "payout"}, "tipHash"},
	"Treasury.TipRetracted":         {KindTipRetracted, []string{"tipHash"}, "tipHash"},
	"PhragmenElection.NewTerm":      {KindElectionNewTerm, []string{"newMembers"}, ""},
	"PhragmenElection.EmptyTerm":    {KindElectionEmptyTerm, nil, ""},
	"PhragmenElection.MemberKicked": {KindElectionMemberKicked, []string{"member"}, "member"},
	"PhragmenElection.Renounced":    {KindElectionMemberRenounced, []string{"candidate"}, "candidate"},
	"Elections.NewTerm":             {KindElectionNewTerm, []string{"newMembers"}, ""},
	"Elections.EmptyTerm":           {KindElectionEmptyTerm, nil, ""},
	"Elections.MemberKicked":        {KindElectionMemberKicked, []string{"member"}, "member"},
	"Elections.Renounced":           {KindElectionMemberRenounced, []string{"candidate"}, "candidate"},
	"Identity.IdentitySet":          {KindIdentitySet, []string{"who"}, "who"},
	"Identity.IdentityCleared":      {KindIdentityCleared, []string{"who", "deposit"}, "who"},
	"Identity.IdentityKilled":       {KindIdentityKilled, []string{"who", "deposit"}, "who"},
	"Session.NewSession":            {KindNewSession, []string{"sessionIndex"}, "sessionIndex"},
	"ImOnline.AllGood":              {KindAllGood, nil, ""},
	"ImOnline.HeartbeatReceived":    {KindHeartbeatReceived, []string{"authorityId"}, "authorityId"},
	"ImOnline.SomeOffline":          {KindSomeOffline, []string{"offline"}, ""},
	"Offences.Offence":              {KindOffence, []string{"offenceKind", "timeslot"}, ""},
}

// decodeBlock turns the taxonomy events of b into events in block order.
// LogIndex is the position in System.Events, which is unique per block.
func decodeBlock(network event.Network, b Block) []event.Event {
	var out []event.Event
	for i, raw := range b.Events {
		def, ok := taxonomy[raw.Name]
		if !ok {
			continue
		}
		data := make(map[string]any, len(raw.Fields)+2)
		for j, f := range raw.Fields {
			name := f.Name
			if j < len(def.args) {
				name = def.args[j]
			} else if name == "" {
				name = "arg" + strconv.Itoa(j)
			}
			data[name] = normalize(f.Value)
		}
		data["event"] = raw.Name
		data["blockHash"] = b.Hash
		if raw.Extrinsic >= 0 {
			data["extrinsic"] = raw.Extrinsic
		}

		entity := ""
		if def.entity != "" {
			if v, ok := data[def.entity]; ok {
				entity = fmt.Sprint(v)
			}
		}
		out = append(out, event.Event{
			Network:     network,
			BlockNumber: b.Height,
			Kind:        def.kind,
			Entity:      entity,
			LogIndex:    uint(i),
			Data:        data,
		})
	}
	return out
}

// normalize converts registry values into plain forms handlers can
// serialize. Integers become *big.Int, byte sequences 0x hex, and
// single-field composites such as AccountId32 collapse to their field.
func normalize(v any) any {
	switch t := v.(type) {
	case registry.DecodedFields:
		if len(t) == 1 {
			return normalize(t[0].Value)
		}
		m := make(map[string]any, len(t))
		for i, f := range t {
			name := f.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			m[name] = normalize(f.Value)
		}
		return m
	case []any:
		if b, ok := byteSlice(t); ok {
			return codec.HexEncodeToString(b)
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []byte:
		return codec.HexEncodeToString(t)
	case types.Bytes:
		return codec.HexEncodeToString(t)
	case types.U8:
		return new(big.Int).SetUint64(uint64(t))
	case types.U16:
		return new(big.Int).SetUint64(uint64(t))
	case types.U32:
		return new(big.Int).SetUint64(uint64(t))
	case types.U64:
		return new(big.Int).SetUint64(uint64(t))
	case types.I8:
		return big.NewInt(int64(t))
	case types.I16:
		return big.NewInt(int64(t))
	case types.I32:
		return big.NewInt(int64(t))
	case types.I64:
		return big.NewInt(int64(t))
	case types.U128:
		if t.Int == nil {
			return new(big.Int)
		}
		return new(big.Int).Set(t.Int)
	case types.U256:
		if t.Int == nil {
			return new(big.Int)
		}
		return new(big.Int).Set(t.Int)
	case types.UCompact:
		return new(big.Int).Set((*big.Int)(&t))
	case types.Bool:
		return bool(t)
	case types.Text:
		return string(t)
	case types.AccountID:
		return t.ToHexString()
	case types.Hash:
		return t.Hex()
	default:
		return v
	}
}

func byteSlice(vals []any) ([]byte, bool) {
	if len(vals) == 0 {
		return nil, false
	}
	out := make([]byte, len(vals))
	for i, v := range vals {
		b, ok := v.(types.U8)
		if !ok {
			return nil, false
		}
		out[i] = byte(b)
	}
	return out, true
}
