// Package label holds the static display tables for events: a title per
// network and kind, and a one-line label per event.
package label

import (
	"fmt"
	"strings"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source/algorand"
	"github.com/devblac/chain-events/internal/source/cosmos"
	"github.com/devblac/chain-events/internal/source/evm"
	"github.com/devblac/chain-events/internal/source/substrate"
)

var governorTitles = map[event.Kind]string{
	evm.KindProposalCreated:  "Proposal Created",
	evm.KindVoteCast:         "Vote Cast",
	evm.KindProposalCanceled: "Proposal Canceled",
	evm.KindProposalQueued:   "Proposal Queued",
	evm.KindProposalExecuted: "Proposal Executed",
}

var aaveTitles = map[event.Kind]string{
	evm.KindProposalCreated:       "Proposal Created",
	evm.KindVoteEmitted:           "Vote Emitted",
	evm.KindProposalCanceled:      "Proposal Canceled",
	evm.KindProposalQueued:        "Proposal Queued",
	evm.KindProposalExecuted:      "Proposal Executed",
	evm.KindDelegateChanged:       "Delegate Changed",
	evm.KindDelegatedPowerChanged: "Delegated Power Changed",
}

var substrateTitles = map[event.Kind]string{
	substrate.KindSlash:              "Validator Slashed",
	substrate.KindReward:             "Staking Reward",
	substrate.KindBonded:             "Bonded",
	substrate.KindUnbonded:           "Unbonded",
	substrate.KindStakingElection:    "Staking Election",
	substrate.KindBalanceTransfer:    "Balance Transfer",
	substrate.KindDemocracyProposed:  "Democracy Proposal",
	substrate.KindDemocracyStarted:   "Referendum Started",
	substrate.KindDemocracyPassed:    "Referendum Passed",
	substrate.KindDemocracyNotPassed: "Referendum Failed",
	substrate.KindTreasuryProposed:   "Treasury Proposal",
	substrate.KindTreasuryAwarded:    "Treasury Award",
	substrate.KindNewTip:             "New Tip",
	substrate.KindSomeOffline:        "Validators Offline",
	substrate.KindAllGood:            "All Validators Online",
	substrate.KindOffence:            "Offence Reported",
}

var titles = map[event.Network]map[event.Kind]string{
	event.NetworkCompound: governorTitles,
	event.NetworkAave:     aaveTitles,
	event.NetworkMoloch: {
		evm.KindSubmitProposal:    "Proposal Submitted",
		evm.KindSubmitVote:        "Vote Submitted",
		evm.KindProcessProposal:   "Proposal Processed",
		evm.KindRagequit:          "Member Ragequit",
		evm.KindAbort:             "Proposal Aborted",
		evm.KindUpdateDelegateKey: "Delegate Key Updated",
		evm.KindSummonComplete:    "DAO Summoned",
	},
	event.NetworkERC20: {
		evm.KindTransfer: "Token Transfer",
		evm.KindApproval: "Token Approval",
	},
	event.NetworkERC721: {
		evm.KindTransfer:       "NFT Transfer",
		evm.KindApproval:       "NFT Approval",
		evm.KindApprovalForAll: "NFT Operator Approval",
	},
	event.NetworkSubstrate: substrateTitles,
	event.NetworkCosmos: {
		cosmos.KindSubmitProposal:    "Proposal Submitted",
		cosmos.KindProposalDeposit:   "Proposal Deposit",
		cosmos.KindProposalVote:      "Proposal Vote",
		cosmos.KindProposalFinalized: "Proposal Finalized",
	},
	event.NetworkAlgorand: {
		algorand.KindAppCall:       "Application Call",
		algorand.KindAssetTransfer: "Asset Transfer",
	},
}

// Title returns the display title of a kind. Unknown pairs, including
// every kind of the generic evm network, get the kind in title case.
func Title(network event.Network, kind event.Kind) string {
	if t, ok := titles[network][kind]; ok {
		return t
	}
	words := strings.Split(string(kind), "-")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Label returns a one-line description of ev prefixed with its chain.
func Label(chain string, ev event.Event) string {
	return fmt.Sprintf("[%s] %s", chain, describe(ev))
}

func describe(ev event.Event) string {
	title := Title(ev.Network, ev.Kind)
	d := ev.Data
	switch ev.Network {
	case event.NetworkCompound:
		switch ev.Kind {
		case evm.KindVoteCast:
			return fmt.Sprintf("%s on #%s by %s", title, ev.Entity, str(d, "voter"))
		default:
			return fmt.Sprintf("%s #%s", title, ev.Entity)
		}
	case event.NetworkAave:
		switch ev.Kind {
		case evm.KindVoteEmitted:
			return fmt.Sprintf("%s on #%s by %s", title, ev.Entity, str(d, "voter"))
		case evm.KindDelegateChanged, evm.KindDelegatedPowerChanged:
			return fmt.Sprintf("%s for %s", title, ev.Entity)
		default:
			return fmt.Sprintf("%s #%s", title, ev.Entity)
		}
	case event.NetworkMoloch:
		switch ev.Kind {
		case evm.KindSubmitVote:
			return fmt.Sprintf("%s on #%s by %s", title, ev.Entity, str(d, "memberAddress"))
		case evm.KindRagequit, evm.KindUpdateDelegateKey, evm.KindSummonComplete:
			return fmt.Sprintf("%s: %s", title, ev.Entity)
		default:
			return fmt.Sprintf("%s #%s", title, ev.Entity)
		}
	case event.NetworkERC20:
		return fmt.Sprintf("%s of %s from %s to %s", title, str(d, "value"), str(d, "from"), str(d, "to"))
	case event.NetworkERC721:
		if ev.Kind == evm.KindApprovalForAll {
			return fmt.Sprintf("%s of %s by %s", title, str(d, "operator"), str(d, "owner"))
		}
		return fmt.Sprintf("%s of #%s", title, ev.Entity)
	case event.NetworkSubstrate:
		switch ev.Kind {
		case substrate.KindBalanceTransfer:
			return fmt.Sprintf("%s of %s from %s to %s", title, str(d, "amount"), str(d, "from"), str(d, "to"))
		case substrate.KindSlash, substrate.KindReward:
			return fmt.Sprintf("%s: %s for %s", title, str(d, "amount"), ev.Entity)
		}
	case event.NetworkCosmos:
		switch ev.Kind {
		case cosmos.KindSubmitProposal:
			if t := str(d, "title"); t != "" {
				return fmt.Sprintf("%s #%s: %s", title, ev.Entity, t)
			}
		case cosmos.KindProposalDeposit:
			return fmt.Sprintf("%s on #%s: %s%s", title, ev.Entity, str(d, "amount"), str(d, "denom"))
		case cosmos.KindProposalFinalized:
			return fmt.Sprintf("%s #%s: %s", title, ev.Entity, str(d, "result"))
		}
		return fmt.Sprintf("%s #%s", title, ev.Entity)
	case event.NetworkAlgorand:
		switch ev.Kind {
		case algorand.KindAssetTransfer:
			return fmt.Sprintf("%s of %s (asset %s) to %s", title, str(d, "amount"), ev.Entity, str(d, "receiver"))
		default:
			return fmt.Sprintf("%s to app %s by %s", title, ev.Entity, str(d, "sender"))
		}
	}
	if ev.Entity != "" {
		return fmt.Sprintf("%s %s", title, ev.Entity)
	}
	return title
}

func str(d map[string]any, key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
