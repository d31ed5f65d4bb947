package listener

import (
	"context"
	"errors"
	"slices"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/source"
)

// reconcile prefers the in-memory checkpoint over a discovered range that
// starts earlier or has no start: after a warm reconnect the persisted
// cursor may lag behind what this process already handled.
func reconcile(rng event.BlockRange, last uint64, hasLast bool) event.BlockRange {
	if hasLast && (rng.StartBlock == nil || last > *rng.StartBlock) {
		return event.From(last)
	}
	return rng
}

func (l *Listener) lastRange() *event.BlockRange {
	last, ok := l.LastBlock()
	if !ok {
		return nil
	}
	r := event.From(last)
	return &r
}

// catchUp dispatches the events missed while offline and returns the range
// the subscriber resumes from. Every failure is logged and skipped.
func (l *Listener) catchUp(ctx context.Context, fetcher source.StorageFetcher) *event.BlockRange {
	discover := l.opts.DiscoverReconnectRange
	if discover == nil {
		l.log.Info("catch-up skipped, no reconnect range discovery")
		return l.lastRange()
	}
	found, err := discover(ctx, l.chain)
	if err != nil {
		l.log.Error("catch-up skipped", "error", &CatchUpError{Chain: l.chain, Err: err})
		return l.lastRange()
	}
	if found == nil {
		l.log.Info("catch-up skipped, nothing to resume from")
		return l.lastRange()
	}

	last, hasLast := l.LastBlock()
	rng := reconcile(*found, last, hasLast)
	if !rng.HasStart() {
		l.log.Info("catch-up skipped, range has no start block")
		return l.lastRange()
	}

	head, err := fetcher.Head(ctx)
	if err != nil {
		l.log.Error("catch-up failed", "error", &CatchUpError{Chain: l.chain, Range: &rng, Err: err})
		return l.lastRange()
	}
	start, end, err := rng.Resolve(head)
	if errors.Is(err, event.ErrRangeBeyondHead) {
		l.log.Info("catch-up skipped, already at head", "start", *rng.StartBlock, "head", head)
		return &rng
	}
	if err != nil {
		l.log.Error("catch-up failed", "error", &CatchUpError{Chain: l.chain, Range: &rng, Err: err})
		return l.lastRange()
	}

	window := event.Between(start, end)
	evs, err := fetcher.Fetch(ctx, window)
	if err != nil {
		l.log.Error("catch-up failed", "error", &CatchUpError{Chain: l.chain, Range: &window, Err: err})
		return l.lastRange()
	}
	slices.SortStableFunc(evs, event.Compare)

	l.blockMu.Lock()
	for _, ev := range evs {
		l.handleEvent(ctx, ev)
	}
	if !l.hasLast || end > l.lastBlock {
		l.lastBlock, l.hasLast = end, true
	}
	l.blockMu.Unlock()

	l.metrics.CatchUpEvents(l.chain, len(evs))
	l.log.Info("catch-up complete", "from", start, "to", end, "events", len(evs))
	resume := event.From(end)
	return &resume
}
