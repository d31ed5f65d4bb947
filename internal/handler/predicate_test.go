package handler

import (
	"context"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/devblac/chain-events/internal/event"
)

func TestCompilePredicates_NumericComparisons(t *testing.T) {
	preds, err := CompilePredicates([]string{"value > 10", "value < 20", "value >= 15", "value <= 15"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for _, v := range []any{15, big.NewInt(15), "15", uint64(15), decimal.RequireFromString("15")} {
		args := map[string]any{"value": v}
		for i, p := range preds {
			ok, err := p(args)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if !ok {
				t.Fatalf("predicate %d failed for %T", i, v)
			}
		}
	}
}

func TestCompilePredicates_BigAmountsStayExact(t *testing.T) {
	preds, err := CompilePredicates([]string{"value > ether(1_000)"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	// 1000 ether + 1 wei does not fit a float64 mantissa
	v, _ := new(big.Int).SetString("1000000000000000000001", 10)
	ok, err := preds[0](map[string]any{"value": v})
	if err != nil || !ok {
		t.Fatalf("expected match, got %v err=%v", ok, err)
	}
	ok, _ = preds[0](map[string]any{"value": new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil)})
	if ok {
		t.Fatalf("exactly 1000 ether must not match")
	}
}

func TestCompilePredicates_InAndContains(t *testing.T) {
	preds, err := CompilePredicates([]string{"voter in a,b,c", "description contains upgrade"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	args := map[string]any{"voter": "b", "description": "runtime upgrade v2"}
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if !ok {
			t.Fatalf("expected predicate to pass")
		}
	}
}

func TestCompilePredicates_Errors(t *testing.T) {
	for _, expr := range []string{"value", "value > abc", " in a,b"} {
		if _, err := CompilePredicates([]string{expr}); err == nil {
			t.Errorf("expected error for %q", expr)
		}
	}
}

func TestEvaluateNumberHelpers(t *testing.T) {
	tests := map[string]string{
		"1e6":           "1000000",
		"1_000 * 1e3":   "1000000",
		"wei(5)":        "5",
		"gwei(2)":       "2000000000",
		"algos(1.5)":    "1500000",
		"atom(2)":       "2000000",
		"microAlgos(7)": "7",
	}
	for in, want := range tests {
		got, ok := evaluateNumber(in)
		if !ok || !got.Equal(decimal.RequireFromString(want)) {
			t.Errorf("evaluateNumber(%q) = %s, %v; want %s", in, got, ok, want)
		}
	}
	if _, ok := evaluateNumber("bogus(1)"); ok {
		t.Errorf("unknown helper must not parse")
	}
}

func TestWherePassesPrevThroughOnMiss(t *testing.T) {
	preds, err := CompilePredicates([]string{"kind == proposal-created"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	called := 0
	h := Where(event.HandlerFunc(func(ctx context.Context, ev event.Event, prev any) (any, error) {
		called++
		return "handled", nil
	}), preds)

	out, err := h.Handle(context.Background(), event.Event{Kind: "vote-cast"}, "prev")
	if err != nil || out != "prev" || called != 0 {
		t.Fatalf("miss: out=%v err=%v called=%d", out, err, called)
	}
	out, err = h.Handle(context.Background(), event.Event{Kind: "proposal-created"}, "prev")
	if err != nil || out != "handled" || called != 1 {
		t.Fatalf("hit: out=%v err=%v called=%d", out, err, called)
	}
}
