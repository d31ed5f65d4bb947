package cosmos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"reflect"
	"strings"
	"testing"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/shopspring/decimal"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source"
)

type fakeClient struct {
	height    int64
	results   map[int64]*coretypes.ResultBlockResults
	txs       map[string][]*coretypes.ResultTx
	blocks    []int64
	proposals map[string]string
	failQuery map[string]error
	queries   []string
	abciPaths []string
}

func (f *fakeClient) Status(context.Context) (*coretypes.ResultStatus, error) {
	return &coretypes.ResultStatus{SyncInfo: coretypes.SyncInfo{LatestBlockHeight: f.height}}, nil
}

func (f *fakeClient) Block(_ context.Context, h *int64) (*coretypes.ResultBlock, error) {
	return &coretypes.ResultBlock{Block: &cmttypes.Block{
		Header: cmttypes.Header{Height: *h},
		Data:   cmttypes.Data{Txs: cmttypes.Txs{cmttypes.Tx("tx-a"), cmttypes.Tx("tx-b")}},
	}}, nil
}

func (f *fakeClient) BlockResults(_ context.Context, h *int64) (*coretypes.ResultBlockResults, error) {
	if r, ok := f.results[*h]; ok {
		return r, nil
	}
	return &coretypes.ResultBlockResults{Height: *h}, nil
}

func (f *fakeClient) ABCIQuery(_ context.Context, path string, data cmtbytes.HexBytes) (*coretypes.ResultABCIQuery, error) {
	f.abciPaths = append(f.abciPaths, path)
	var q proposalQuery
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, err
	}
	body, ok := f.proposals[q.ProposalID]
	if !ok {
		return &coretypes.ResultABCIQuery{Response: abci.ResponseQuery{Code: 1, Log: "proposal not found"}}, nil
	}
	return &coretypes.ResultABCIQuery{Response: abci.ResponseQuery{Value: []byte(body)}}, nil
}

func (f *fakeClient) TxSearch(_ context.Context, query string, _ bool, page, perPage *int, _ string) (*coretypes.ResultTxSearch, error) {
	f.queries = append(f.queries, query)
	typ := query[:strings.Index(query, ".")]
	if err := f.failQuery[typ]; err != nil {
		return nil, err
	}
	all := f.txs[typ]
	from := min((*page-1)*(*perPage), len(all))
	to := min(from+*perPage, len(all))
	return &coretypes.ResultTxSearch{Txs: all[from:to], TotalCount: len(all)}, nil
}

func (f *fakeClient) BlockSearch(_ context.Context, query string, _, _ *int, _ string) (*coretypes.ResultBlockSearch, error) {
	f.queries = append(f.queries, query)
	res := &coretypes.ResultBlockSearch{TotalCount: len(f.blocks)}
	for _, h := range f.blocks {
		res.Blocks = append(res.Blocks, &coretypes.ResultBlock{Block: &cmttypes.Block{Header: cmttypes.Header{Height: h}}})
	}
	return res, nil
}

func attr(k, v string) abci.EventAttribute { return abci.EventAttribute{Key: k, Value: v, Index: true} }

func submitEvent(id string) abci.Event {
	return abci.Event{Type: typeSubmitProposal, Attributes: []abci.EventAttribute{attr("proposal_id", id)}}
}

func depositEvent(id, amount string) abci.Event {
	return abci.Event{Type: typeDeposit, Attributes: []abci.EventAttribute{attr("amount", amount), attr("proposal_id", id)}}
}

func voteEvent(id, option string) abci.Event {
	return abci.Event{Type: typeVote, Attributes: []abci.EventAttribute{attr("option", option), attr("proposal_id", id), attr("voter", "cosmos1voter")}}
}

func testEnv() source.Env {
	return source.Env{
		Chain:   "cosmoshub",
		Network: event.NetworkCosmos,
		URL:     "http://rpc",
		Retry:   source.RetryConfig{Interval: time.Millisecond, MaxAttempts: 1},
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestParseCoins(t *testing.T) {
	coins, err := parseCoins("1000000000000000000000uatom,5ibc/27394FB092D2ECCD")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	if len(coins) != 2 || coins[0].Amount.Cmp(want) != 0 || coins[0].Denom != "uatom" || coins[1].Denom != "ibc/27394FB092D2ECCD" {
		t.Fatalf("unexpected coins %+v", coins)
	}
	if _, err := parseCoins("1.5uatom"); err == nil {
		t.Fatalf("expected error for fractional coin")
	}
}

func TestParseVoteOptions(t *testing.T) {
	cases := map[string][]VoteOption{
		`[{"option":1,"weight":"0.700000000000000000"},{"option":3,"weight":"0.300000000000000000"}]`: {
			{Option: "yes", Weight: decimal.RequireFromString("0.7")},
			{Option: "no", Weight: decimal.RequireFromString("0.3")},
		},
		`{"option":4,"weight":"1.000000000000000000"}`: {{Option: "no_with_veto", Weight: decimal.NewFromInt(1)}},
		`option:VOTE_OPTION_ABSTAIN weight:"1.000000000000000000"`: {{Option: "abstain", Weight: decimal.NewFromInt(1)}},
		`VOTE_OPTION_YES`: {{Option: "yes", Weight: decimal.NewFromInt(1)}},
	}
	for in, want := range cases {
		got, err := parseVoteOptions(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if len(got) != len(want) {
			t.Fatalf("%s: got %+v", in, got)
		}
		for i := range want {
			if got[i].Option != want[i].Option || !got[i].Weight.Equal(want[i].Weight) {
				t.Fatalf("%s: option %d = %+v, want %+v", in, i, got[i], want[i])
			}
		}
	}
}

func TestProcessorSkipsFailedTxsAndEnriches(t *testing.T) {
	client := &fakeClient{proposals: map[string]string{
		"7": `{"content":{"value":{"title":"Upgrade","description":"Move to v15"}},"voting_end_time":"2024-01-01T00:00:00Z"}`,
	}}
	p := &Processor{env: testEnv(), enricher: &proposalEnricher{client: client, path: DefaultProposalQueryPath}}

	results := &coretypes.ResultBlockResults{
		Height: 40,
		TxsResults: []*abci.ExecTxResult{
			{Code: 5, Events: []abci.Event{submitEvent("6")}},
			{Events: []abci.Event{{Type: "message"}, submitEvent("7"), depositEvent("7", "10uatom")}},
		},
		FinalizeBlockEvents: []abci.Event{{Type: typeActiveProposal, Attributes: []abci.EventAttribute{attr("proposal_id", "3"), attr("proposal_result", "proposal_passed")}}},
	}
	evs, err := p.Process(context.Background(), source.RawBlock{Number: 40, Payload: Block{Height: 40, TxHashes: []string{"AA", "BB"}, Results: results}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %+v", evs)
	}
	if evs[0].Kind != KindSubmitProposal || evs[0].Entity != "7" || evs[0].TxHash != "BB" || evs[0].Data["title"] != "Upgrade" {
		t.Fatalf("unexpected submit event %+v", evs[0])
	}
	if evs[1].Kind != KindProposalDeposit || evs[1].Data["amount"].(*big.Int).Int64() != 10 || evs[1].Data["denom"] != "uatom" {
		t.Fatalf("unexpected deposit event %+v", evs[1])
	}
	if evs[2].Kind != KindProposalFinalized || evs[2].Data["result"] != "passed" {
		t.Fatalf("unexpected finalize event %+v", evs[2])
	}
	if !(evs[0].LogIndex < evs[1].LogIndex && evs[1].LogIndex < evs[2].LogIndex) {
		t.Fatalf("events out of order")
	}
}

func TestEnrichmentFailureDropsEvent(t *testing.T) {
	client := &fakeClient{}
	var dropped int
	env := testEnv()
	env.OnEnrichmentError = func(*source.EnrichmentError) { dropped++ }
	p := &Processor{env: env, enricher: &proposalEnricher{client: client, path: "custom/gov/v1/proposal"}}

	results := &coretypes.ResultBlockResults{TxsResults: []*abci.ExecTxResult{{Events: []abci.Event{submitEvent("9"), voteEvent("2", "VOTE_OPTION_YES")}}}}
	evs, err := p.Process(context.Background(), source.RawBlock{Number: 1, Payload: Block{Height: 1, Results: results}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != KindProposalVote {
		t.Fatalf("expected only the vote, got %+v", evs)
	}
	if dropped != 1 {
		t.Fatalf("expected one dropped event, got %d", dropped)
	}
	if client.abciPaths[0] != "custom/gov/v1/proposal" {
		t.Fatalf("spec should override the query path, got %s", client.abciPaths[0])
	}
}

func resultTx(height int64, index uint32, events ...abci.Event) *coretypes.ResultTx {
	return &coretypes.ResultTx{
		Hash:     cmtbytes.HexBytes(fmt.Sprintf("h%d-%d", height, index)),
		Height:   height,
		Index:    index,
		TxResult: abci.ExecTxResult{Events: events},
	}
}

func TestFetchMatchesLiveIndexesAndTreatsOptionalFailures(t *testing.T) {
	client := &fakeClient{
		height: 500,
		proposals: map[string]string{
			"1": `{"title":"Signal","summary":"Text proposal"}`,
		},
		txs: map[string][]*coretypes.ResultTx{
			typeSubmitProposal: {resultTx(120, 1, submitEvent("1"), depositEvent("1", "5uatom"))},
			typeDeposit:        {resultTx(120, 1, submitEvent("1"), depositEvent("1", "5uatom")), resultTx(90, 0, depositEvent("0", "1uatom"))},
		},
		failQuery: map[string]error{typeVote: errors.New("tx indexing disabled")},
		blocks:    []int64{300},
		results: map[int64]*coretypes.ResultBlockResults{
			300: {Height: 300, FinalizeBlockEvents: []abci.Event{{Type: typeActiveProposal, Attributes: []abci.EventAttribute{attr("proposal_id", "1"), attr("proposal_result", "proposal_rejected")}}}},
		},
	}
	f := newFetcher(testEnv(), client, &proposalEnricher{client: client, path: DefaultProposalQueryPath})
	f.limiter.SetLimit(1e6)

	evs, err := f.Fetch(context.Background(), event.From(50))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(evs) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(evs), evs)
	}
	kinds := []event.Kind{KindProposalDeposit, KindSubmitProposal, KindProposalDeposit, KindProposalFinalized}
	for i, k := range kinds {
		if evs[i].Kind != k {
			t.Fatalf("event %d: kind %s, want %s", i, evs[i].Kind, k)
		}
	}
	if evs[1].Data["title"] != "Signal" || evs[1].Data["description"] != "Text proposal" {
		t.Fatalf("submit not enriched: %+v", evs[1].Data)
	}
	if evs[1].LogIndex != txLogIndex(1, 0) || evs[2].LogIndex != txLogIndex(1, 1) {
		t.Fatalf("log indexes differ from live processing: %d %d", evs[1].LogIndex, evs[2].LogIndex)
	}
	if !strings.Contains(client.queries[0], "tx.height >= 50 AND tx.height <= 500") {
		t.Fatalf("unexpected query %q", client.queries[0])
	}
}

func TestFetchTwiceReturnsSameEvents(t *testing.T) {
	client := &fakeClient{
		height:    400,
		proposals: map[string]string{"2": `{"title":"Pool","summary":"Community pool spend"}`},
		txs: map[string][]*coretypes.ResultTx{
			typeSubmitProposal: {resultTx(200, 0, submitEvent("2"))},
			typeDeposit:        {resultTx(210, 3, depositEvent("2", "7uatom"))},
			typeVote:           {resultTx(220, 1, voteEvent("2", "VOTE_OPTION_NO"))},
		},
		blocks: []int64{350},
		results: map[int64]*coretypes.ResultBlockResults{
			350: {Height: 350, FinalizeBlockEvents: []abci.Event{{Type: typeActiveProposal, Attributes: []abci.EventAttribute{attr("proposal_id", "2"), attr("proposal_result", "proposal_passed")}}}},
		},
	}
	f := newFetcher(testEnv(), client, &proposalEnricher{client: client, path: DefaultProposalQueryPath})
	f.limiter.SetLimit(1e6)

	first, err := f.Fetch(context.Background(), event.Between(100, 400))
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := f.Fetch(context.Background(), event.Between(100, 400))
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(first) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(first), first)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated fetch differs:\n%+v\n%+v", first, second)
	}
}

func TestFetchPaginates(t *testing.T) {
	var txs []*coretypes.ResultTx
	for i := 0; i < 230; i++ {
		txs = append(txs, resultTx(int64(10+i), 0, depositEvent("4", "1uatom")))
	}
	client := &fakeClient{height: 1000, txs: map[string][]*coretypes.ResultTx{typeDeposit: txs}}
	f := newFetcher(testEnv(), client, &proposalEnricher{client: client, path: DefaultProposalQueryPath})
	f.limiter.SetLimit(1e6)

	evs, err := f.Fetch(context.Background(), event.From(1))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(evs) != 230 {
		t.Fatalf("expected 230 deposits, got %d", len(evs))
	}
}

func TestFetchRequiredKindFailure(t *testing.T) {
	client := &fakeClient{height: 100, failQuery: map[string]error{typeSubmitProposal: errors.New("boom")}}
	f := newFetcher(testEnv(), client, &proposalEnricher{client: client, path: DefaultProposalQueryPath})
	if _, err := f.Fetch(context.Background(), event.From(1)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBuildRetriesAndFails(t *testing.T) {
	calls := 0
	env := testEnv()
	env.Retry.MaxAttempts = 3
	_, err := build(context.Background(), env, func(string) (Client, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	var connErr *source.ConnectionError
	if !errors.As(err, &connErr) || calls != 3 {
		t.Fatalf("expected ConnectionError after 3 calls, got %v after %d", err, calls)
	}
}
