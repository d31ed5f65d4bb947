package event

import (
	"errors"
	"slices"
	"testing"
)

func TestResolveClampsEndToHead(t *testing.T) {
	start, end, err := Between(10, 20).Resolve(15)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if start != 10 || end != 15 {
		t.Fatalf("expected 10..15, got %d..%d", start, end)
	}
}

func TestResolveStartAtHeadFails(t *testing.T) {
	_, _, err := Between(15, 20).Resolve(15)
	if !errors.Is(err, ErrRangeBeyondHead) {
		t.Fatalf("expected ErrRangeBeyondHead, got %v", err)
	}
}

func TestResolveDefaults(t *testing.T) {
	start, end, err := BlockRange{}.Resolve(42)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if start != 0 || end != 42 {
		t.Fatalf("expected 0..42, got %d..%d", start, end)
	}

	start, end, err = From(7).Resolve(42)
	if err != nil || start != 7 || end != 42 {
		t.Fatalf("expected 7..42, got %d..%d err=%v", start, end, err)
	}
}

func TestResolveInvertedRange(t *testing.T) {
	_, _, err := Between(10, 5).Resolve(100)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestCompareOrdersByBlockThenLogIndex(t *testing.T) {
	evs := []Event{
		{BlockNumber: 5, LogIndex: 2},
		{BlockNumber: 3, LogIndex: 9},
		{BlockNumber: 5, LogIndex: 0},
	}
	slices.SortStableFunc(evs, Compare)
	if evs[0].BlockNumber != 3 || evs[1].LogIndex != 0 || evs[2].LogIndex != 2 {
		t.Fatalf("unexpected order: %+v", evs)
	}
}
