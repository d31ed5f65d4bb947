package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/devblac/chain-events/internal/event"
)

// Compound governor kinds.
const (
	KindProposalCreated  event.Kind = "proposal-created"
	KindVoteCast         event.Kind = "vote-cast"
	KindProposalCanceled event.Kind = "proposal-canceled"
	KindProposalQueued   event.Kind = "proposal-queued"
	KindProposalExecuted event.Kind = "proposal-executed"
)

// Aave governance kinds. The proposal lifecycle reuses the governor kinds.
const (
	KindVoteEmitted           event.Kind = "vote-emitted"
	KindDelegateChanged       event.Kind = "delegate-changed"
	KindDelegatedPowerChanged event.Kind = "delegated-power-changed"
)

// Moloch kinds.
const (
	KindSubmitProposal    event.Kind = "submit-proposal"
	KindSubmitVote        event.Kind = "submit-vote"
	KindProcessProposal   event.Kind = "process-proposal"
	KindRagequit          event.Kind = "ragequit"
	KindAbort             event.Kind = "abort"
	KindUpdateDelegateKey event.Kind = "update-delegate-key"
	KindSummonComplete    event.Kind = "summon-complete"
)

// ERC20 and ERC721 kinds.
const (
	KindTransfer       event.Kind = "transfer"
	KindApproval       event.Kind = "approval"
	KindApprovalForAll event.Kind = "approval-for-all"
)

// Governor versions selectable through the listener's Version option.
const (
	GovernorAlpha = 1
	GovernorBravo = 2
	// GovernorOZ is the OpenZeppelin Governor with the Bravo compatible
	// event layout.
	GovernorOZ = 3
)

const governorCommon = `
	{"type":"event","name":"ProposalCreated","inputs":[
		{"name":"id","type":"uint256","indexed":false},
		{"name":"proposer","type":"address","indexed":false},
		{"name":"targets","type":"address[]","indexed":false},
		{"name":"values","type":"uint256[]","indexed":false},
		{"name":"signatures","type":"string[]","indexed":false},
		{"name":"calldatas","type":"bytes[]","indexed":false},
		{"name":"startBlock","type":"uint256","indexed":false},
		{"name":"endBlock","type":"uint256","indexed":false},
		{"name":"description","type":"string","indexed":false}]},
	{"type":"event","name":"ProposalCanceled","inputs":[{"name":"id","type":"uint256","indexed":false}]},
	{"type":"event","name":"ProposalQueued","inputs":[
		{"name":"id","type":"uint256","indexed":false},
		{"name":"eta","type":"uint256","indexed":false}]},
	{"type":"event","name":"ProposalExecuted","inputs":[{"name":"id","type":"uint256","indexed":false}]},
	{"type":"function","name":"quorumVotes","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"proposalThreshold","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}`

const governorAlphaABI = `[` + governorCommon + `,
	{"type":"event","name":"VoteCast","inputs":[
		{"name":"voter","type":"address","indexed":false},
		{"name":"proposalId","type":"uint256","indexed":false},
		{"name":"support","type":"bool","indexed":false},
		{"name":"votes","type":"uint256","indexed":false}]}
]`

const governorBravoABI = `[` + governorCommon + `,
	{"type":"event","name":"VoteCast","inputs":[
		{"name":"voter","type":"address","indexed":true},
		{"name":"proposalId","type":"uint256","indexed":false},
		{"name":"support","type":"uint8","indexed":false},
		{"name":"votes","type":"uint256","indexed":false},
		{"name":"reason","type":"string","indexed":false}]}
]`

const erc20ABI = `[
	{"type":"event","name":"Transfer","inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]},
	{"type":"event","name":"Approval","inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"spender","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]}
]`

const governorOZABI = `[
	{"type":"event","name":"ProposalCreated","inputs":[
		{"name":"proposalId","type":"uint256","indexed":false},
		{"name":"proposer","type":"address","indexed":false},
		{"name":"targets","type":"address[]","indexed":false},
		{"name":"values","type":"uint256[]","indexed":false},
		{"name":"signatures","type":"string[]","indexed":false},
		{"name":"calldatas","type":"bytes[]","indexed":false},
		{"name":"startBlock","type":"uint256","indexed":false},
		{"name":"endBlock","type":"uint256","indexed":false},
		{"name":"description","type":"string","indexed":false}]},
	{"type":"event","name":"ProposalCanceled","inputs":[{"name":"proposalId","type":"uint256","indexed":false}]},
	{"type":"event","name":"ProposalQueued","inputs":[
		{"name":"proposalId","type":"uint256","indexed":false},
		{"name":"eta","type":"uint256","indexed":false}]},
	{"type":"event","name":"ProposalExecuted","inputs":[{"name":"proposalId","type":"uint256","indexed":false}]},
	{"type":"event","name":"VoteCast","inputs":[
		{"name":"voter","type":"address","indexed":true},
		{"name":"proposalId","type":"uint256","indexed":false},
		{"name":"support","type":"uint8","indexed":false},
		{"name":"weight","type":"uint256","indexed":false},
		{"name":"reason","type":"string","indexed":false}]},
	{"type":"function","name":"quorum","stateMutability":"view","inputs":[{"name":"blockNumber","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"proposalThreshold","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// aaveABI covers AaveGovernanceV2 and the delegation events of the Aave
// governance tokens, which are watched side by side.
const aaveABI = `[
	{"type":"event","name":"ProposalCreated","inputs":[
		{"name":"id","type":"uint256","indexed":false},
		{"name":"creator","type":"address","indexed":true},
		{"name":"executor","type":"address","indexed":true},
		{"name":"targets","type":"address[]","indexed":false},
		{"name":"values","type":"uint256[]","indexed":false},
		{"name":"signatures","type":"string[]","indexed":false},
		{"name":"calldatas","type":"bytes[]","indexed":false},
		{"name":"withDelegatecalls","type":"bool[]","indexed":false},
		{"name":"startBlock","type":"uint256","indexed":false},
		{"name":"endBlock","type":"uint256","indexed":false},
		{"name":"strategy","type":"address","indexed":false},
		{"name":"ipfsHash","type":"bytes32","indexed":false}]},
	{"type":"event","name":"ProposalCanceled","inputs":[{"name":"id","type":"uint256","indexed":false}]},
	{"type":"event","name":"ProposalQueued","inputs":[
		{"name":"id","type":"uint256","indexed":false},
		{"name":"executionTime","type":"uint256","indexed":false},
		{"name":"initiatorQueueing","type":"address","indexed":true}]},
	{"type":"event","name":"ProposalExecuted","inputs":[
		{"name":"id","type":"uint256","indexed":false},
		{"name":"initiatorExecution","type":"address","indexed":true}]},
	{"type":"event","name":"VoteEmitted","inputs":[
		{"name":"id","type":"uint256","indexed":false},
		{"name":"voter","type":"address","indexed":true},
		{"name":"support","type":"bool","indexed":false},
		{"name":"votingPower","type":"uint256","indexed":false}]},
	{"type":"event","name":"DelegateChanged","inputs":[
		{"name":"delegator","type":"address","indexed":true},
		{"name":"delegatee","type":"address","indexed":true},
		{"name":"delegationType","type":"uint8","indexed":false}]},
	{"type":"event","name":"DelegatedPowerChanged","inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"delegationType","type":"uint8","indexed":false}]}
]`

// molochABI is the Moloch v1 DAO.
const molochABI = `[
	{"type":"event","name":"SubmitProposal","inputs":[
		{"name":"proposalIndex","type":"uint256","indexed":false},
		{"name":"delegateKey","type":"address","indexed":true},
		{"name":"memberAddress","type":"address","indexed":true},
		{"name":"applicant","type":"address","indexed":true},
		{"name":"tokenTribute","type":"uint256","indexed":false},
		{"name":"sharesRequested","type":"uint256","indexed":false}]},
	{"type":"event","name":"SubmitVote","inputs":[
		{"name":"proposalIndex","type":"uint256","indexed":true},
		{"name":"delegateKey","type":"address","indexed":true},
		{"name":"memberAddress","type":"address","indexed":true},
		{"name":"uintVote","type":"uint8","indexed":false}]},
	{"type":"event","name":"ProcessProposal","inputs":[
		{"name":"proposalIndex","type":"uint256","indexed":true},
		{"name":"applicant","type":"address","indexed":true},
		{"name":"memberAddress","type":"address","indexed":true},
		{"name":"tokenTribute","type":"uint256","indexed":false},
		{"name":"sharesRequested","type":"uint256","indexed":false},
		{"name":"didPass","type":"bool","indexed":false}]},
	{"type":"event","name":"Ragequit","inputs":[
		{"name":"memberAddress","type":"address","indexed":true},
		{"name":"sharesToBurn","type":"uint256","indexed":false}]},
	{"type":"event","name":"Abort","inputs":[
		{"name":"proposalIndex","type":"uint256","indexed":true},
		{"name":"applicantAddress","type":"address","indexed":false}]},
	{"type":"event","name":"UpdateDelegateKey","inputs":[
		{"name":"memberAddress","type":"address","indexed":true},
		{"name":"newDelegateKey","type":"address","indexed":false}]},
	{"type":"event","name":"SummonComplete","inputs":[
		{"name":"summoner","type":"address","indexed":true},
		{"name":"shares","type":"uint256","indexed":false}]}
]`

const erc721ABI = `[
	{"type":"event","name":"Transfer","inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":true}]},
	{"type":"event","name":"Approval","inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"approved","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":true}]},
	{"type":"event","name":"ApprovalForAll","inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"operator","type":"address","indexed":true},
		{"name":"approved","type":"bool","indexed":false}]}
]`

// eventDef binds one ABI event to a normalized kind.
type eventDef struct {
	kind  event.Kind
	event *abi.Event
	// entityArg names the argument used as Event.Entity; empty means the
	// emitting contract address.
	entityArg string
	// optional kinds may not exist on every deployment; a failed catch-up
	// query for them counts as zero results.
	optional bool
}

// Protocol is the event taxonomy of one EVM network.
type Protocol struct {
	network event.Network
	abi     *abi.ABI
	byTopic map[common.Hash]eventDef
	order   []common.Hash
}

// NewProtocol builds the taxonomy for network. Version selects the governor
// layout for compound and the DAO version for moloch; spec and abiDirs
// configure the generic evm network.
func NewProtocol(network event.Network, version int, spec string, abiDirs []string) (*Protocol, error) {
	switch network {
	case event.NetworkCompound:
		src, id := governorBravoABI, "id"
		switch version {
		case 0, GovernorBravo:
		case GovernorAlpha:
			src = governorAlphaABI
		case GovernorOZ:
			src, id = governorOZABI, "proposalId"
		default:
			return nil, fmt.Errorf("compound: unsupported governor version %d", version)
		}
		p, a, err := parseProtocol(network, src)
		if err != nil {
			return nil, err
		}
		p.add(a.Events["ProposalCreated"], KindProposalCreated, id, false)
		p.add(a.Events["VoteCast"], KindVoteCast, "proposalId", true)
		p.add(a.Events["ProposalCanceled"], KindProposalCanceled, id, true)
		p.add(a.Events["ProposalQueued"], KindProposalQueued, id, true)
		p.add(a.Events["ProposalExecuted"], KindProposalExecuted, id, true)
		return p, nil

	case event.NetworkAave:
		p, a, err := parseProtocol(network, aaveABI)
		if err != nil {
			return nil, err
		}
		p.add(a.Events["ProposalCreated"], KindProposalCreated, "id", false)
		p.add(a.Events["VoteEmitted"], KindVoteEmitted, "id", true)
		p.add(a.Events["ProposalCanceled"], KindProposalCanceled, "id", true)
		p.add(a.Events["ProposalQueued"], KindProposalQueued, "id", true)
		p.add(a.Events["ProposalExecuted"], KindProposalExecuted, "id", true)
		p.add(a.Events["DelegateChanged"], KindDelegateChanged, "delegator", true)
		p.add(a.Events["DelegatedPowerChanged"], KindDelegatedPowerChanged, "user", true)
		return p, nil

	case event.NetworkMoloch:
		if version != 0 && version != 1 {
			return nil, fmt.Errorf("moloch: unsupported version %d", version)
		}
		p, a, err := parseProtocol(network, molochABI)
		if err != nil {
			return nil, err
		}
		p.add(a.Events["SubmitProposal"], KindSubmitProposal, "proposalIndex", false)
		p.add(a.Events["SubmitVote"], KindSubmitVote, "proposalIndex", true)
		p.add(a.Events["ProcessProposal"], KindProcessProposal, "proposalIndex", true)
		p.add(a.Events["Abort"], KindAbort, "proposalIndex", true)
		p.add(a.Events["Ragequit"], KindRagequit, "memberAddress", true)
		p.add(a.Events["UpdateDelegateKey"], KindUpdateDelegateKey, "memberAddress", true)
		p.add(a.Events["SummonComplete"], KindSummonComplete, "summoner", true)
		return p, nil

	case event.NetworkERC20:
		p, a, err := parseProtocol(network, erc20ABI)
		if err != nil {
			return nil, err
		}
		p.add(a.Events["Transfer"], KindTransfer, "", false)
		p.add(a.Events["Approval"], KindApproval, "", true)
		return p, nil

	case event.NetworkERC721:
		p, a, err := parseProtocol(network, erc721ABI)
		if err != nil {
			return nil, err
		}
		p.add(a.Events["Transfer"], KindTransfer, "tokenId", false)
		p.add(a.Events["Approval"], KindApproval, "tokenId", true)
		p.add(a.Events["ApprovalForAll"], KindApprovalForAll, "", true)
		return p, nil

	case event.NetworkEVM:
		return genericProtocol(spec, abiDirs)
	}
	return nil, fmt.Errorf("evm: unsupported network %q", network)
}

func parseProtocol(network event.Network, src string) (*Protocol, *abi.ABI, error) {
	a, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s abi: %w", network, err)
	}
	return newProtocol(network, &a), &a, nil
}

func newProtocol(network event.Network, a *abi.ABI) *Protocol {
	return &Protocol{network: network, abi: a, byTopic: map[common.Hash]eventDef{}}
}

func (p *Protocol) add(ev abi.Event, kind event.Kind, entityArg string, optional bool) {
	e := ev
	if _, dup := p.byTopic[e.ID]; !dup {
		p.order = append(p.order, e.ID)
	}
	p.byTopic[e.ID] = eventDef{kind: kind, event: &e, entityArg: entityArg, optional: optional}
}

// genericProtocol exposes every event found in abiDirs. spec, when set, is a
// comma separated list of event signatures restricting the kinds; signatures
// missing from the ABIs are built from their declaration with all arguments
// non-indexed.
func genericProtocol(spec string, abiDirs []string) (*Protocol, error) {
	files, err := LoadABIs(abiDirs)
	if err != nil {
		return nil, err
	}
	p := newProtocol(event.NetworkEVM, nil)

	if strings.TrimSpace(spec) != "" {
		for _, sig := range strings.Split(spec, ",") {
			sig = strings.TrimSpace(sig)
			if sig == "" {
				continue
			}
			ev, ok := FindEvent(files, sig)
			if !ok {
				if ev, err = syntheticEvent(sig); err != nil {
					return nil, err
				}
			}
			p.add(*ev, kindFromName(ev.Name), "", true)
		}
	} else {
		for _, f := range files {
			for _, ev := range f.Events() {
				p.add(ev, kindFromName(ev.Name), "", true)
			}
		}
	}

	if len(p.byTopic) == 0 {
		return nil, fmt.Errorf("evm: no events configured (abi_dirs %v)", abiDirs)
	}
	return p, nil
}

// Kinds lists the configured kinds in declaration order.
func (p *Protocol) Kinds() []event.Kind {
	out := make([]event.Kind, 0, len(p.order))
	for _, t := range p.order {
		out = append(out, p.byTopic[t].kind)
	}
	return out
}

func (p *Protocol) lookup(topic0 common.Hash) (eventDef, bool) {
	d, ok := p.byTopic[topic0]
	return d, ok
}

func (p *Protocol) topics() []common.Hash {
	return p.order
}

// kindFromName maps an ABI event name to a kebab-case kind, e.g.
// "ProposalCreated" -> "proposal-created".
func kindFromName(name string) event.Kind {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return event.Kind(b.String())
}
