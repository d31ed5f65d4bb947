package storage

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/devblac/chain-events/internal/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleEvent(block uint64, index uint) event.Event {
	return event.Event{
		Network:     event.NetworkCompound,
		Chain:       "mainnet-gov",
		BlockNumber: block,
		Kind:        "proposal-created",
		Entity:      "12",
		TxHash:      "0xabc",
		LogIndex:    index,
		Data:        map[string]any{"id": big.NewInt(12), "description": "raise cap"},
		ReceivedAt:  time.Now(),
	}
}

func TestCursorOnlyMovesForward(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertCursor(ctx, "src1", 10); err != nil {
		t.Fatalf("upsert cursor: %v", err)
	}
	h, ok, err := store.GetCursor(ctx, "src1")
	if err != nil || !ok || h != 10 {
		t.Fatalf("get cursor failed h=%d err=%v ok=%v", h, err, ok)
	}

	if err := store.UpsertCursor(ctx, "src1", 20); err != nil {
		t.Fatalf("upsert cursor update: %v", err)
	}
	if err := store.UpsertCursor(ctx, "src1", 15); err != nil {
		t.Fatalf("upsert lower cursor: %v", err)
	}
	h, ok, err = store.GetCursor(ctx, "src1")
	if err != nil || !ok || h != 20 {
		t.Fatalf("cursor moved backwards: %d err=%v ok=%v", h, err, ok)
	}
}

func TestRecordEventIsExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := sampleEvent(100, 2)
	rec, inserted, err := store.RecordEvent(ctx, ev)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !inserted || rec.ID == 0 || rec.BlockNumber != 100 || rec.Kind != "proposal-created" {
		t.Fatalf("unexpected record %+v inserted=%v", rec, inserted)
	}

	// same event seen again through catch-up, later receive time
	ev.ReceivedAt = ev.ReceivedAt.Add(time.Minute)
	again, inserted, err := store.RecordEvent(ctx, ev)
	if err != nil {
		t.Fatalf("record again: %v", err)
	}
	if inserted || again.ID != rec.ID {
		t.Fatalf("duplicate inserted: %+v", again)
	}

	n, err := store.CountEvents(ctx, "mainnet-gov")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 stored event, got %d err=%v", n, err)
	}

	h, ok, err := store.GetCursor(ctx, "mainnet-gov")
	if err != nil || !ok || h != 100 {
		t.Fatalf("cursor not advanced: %d ok=%v err=%v", h, ok, err)
	}
}

func TestListEventsInBlockOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, ev := range []event.Event{sampleEvent(30, 1), sampleEvent(10, 0), sampleEvent(30, 0)} {
		if _, _, err := store.RecordEvent(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	evs, err := store.ListEvents(ctx, "mainnet-gov", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evs) != 3 || evs[0].BlockNumber != 10 || evs[1].LogIndex != 0 || evs[2].LogIndex != 1 {
		t.Fatalf("unexpected order %+v", evs)
	}
	if evs[0].PayloadJSON == "" {
		t.Fatalf("payload not stored")
	}
}

func TestDiscoverReconnectRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rng, err := store.DiscoverReconnectRange(ctx, "fresh")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if rng == nil || rng.HasStart() {
		t.Fatalf("expected range without start, got %v", rng)
	}

	if err := store.UpsertCursor(ctx, "fresh", 42); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rng, err = store.DiscoverReconnectRange(ctx, "fresh")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !rng.HasStart() || *rng.StartBlock != 42 || rng.EndBlock != nil {
		t.Fatalf("unexpected range %v", rng)
	}
}

func TestListCursors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.UpsertCursor(ctx, "b", 2)
	_ = store.UpsertCursor(ctx, "a", 1)

	cursors, err := store.ListCursors(ctx)
	if err != nil {
		t.Fatalf("list cursors: %v", err)
	}
	if len(cursors) != 2 || cursors[0].Chain != "a" || cursors[1].Height != 2 {
		t.Fatalf("unexpected cursors %+v", cursors)
	}
}
