package listener

import (
	"context"
	"fmt"

	"github.com/devblac/chain-events/internal/event"
)

type kindSet map[event.Kind]struct{}

func newKindSet(kinds []event.Kind) kindSet {
	if len(kinds) == 0 {
		return nil
	}
	s := make(kindSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

func (s kindSet) has(k event.Kind) bool {
	_, ok := s[k]
	return ok
}

type entry struct {
	key      string
	handler  event.Handler
	excluded kindSet
}

// AddHandler appends h to the chain under key. Kinds in excluded never
// reach it. Adding an existing key replaces that entry in place.
func (l *Listener) AddHandler(key string, h event.Handler, excluded ...event.Kind) {
	l.hmu.Lock()
	defer l.hmu.Unlock()

	e := entry{key: key, handler: h, excluded: newKindSet(excluded)}
	next := make([]entry, 0, len(l.handlers)+1)
	replaced := false
	for _, cur := range l.handlers {
		if cur.key == key {
			next = append(next, e)
			replaced = true
			continue
		}
		next = append(next, cur)
	}
	if !replaced {
		next = append(next, e)
	}
	l.handlers = next
}

// RemoveHandler drops the handler registered under key and reports whether
// there was one.
func (l *Listener) RemoveHandler(key string) bool {
	l.hmu.Lock()
	defer l.hmu.Unlock()

	next := make([]entry, 0, len(l.handlers))
	for _, cur := range l.handlers {
		if cur.key != key {
			next = append(next, cur)
		}
	}
	removed := len(next) != len(l.handlers)
	l.handlers = next
	return removed
}

// SetGlobalExcluded replaces the kinds no handler receives.
func (l *Listener) SetGlobalExcluded(kinds ...event.Kind) {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	l.globalExcluded = newKindSet(kinds)
}

// HandlerKeys lists the registered handlers in chain order.
func (l *Listener) HandlerKeys() []string {
	l.hmu.RLock()
	defer l.hmu.RUnlock()
	keys := make([]string, 0, len(l.handlers))
	for _, e := range l.handlers {
		keys = append(keys, e.key)
	}
	return keys
}

// handleEvent stamps ev and runs it through the handler chain. The first
// failing handler ends the chain for this event. Callers hold blockMu.
func (l *Listener) handleEvent(ctx context.Context, ev event.Event) {
	ev.Chain = l.chain
	ev.ReceivedAt = l.now()

	l.hmu.RLock()
	entries, global := l.handlers, l.globalExcluded
	l.hmu.RUnlock()

	if global.has(ev.Kind) {
		return
	}
	var prev any
	for _, e := range entries {
		if e.excluded.has(ev.Kind) {
			continue
		}
		out, err := invoke(ctx, e.handler, ev, prev)
		if err != nil {
			herr := &HandlerError{Chain: l.chain, Handler: e.key, Kind: ev.Kind, BlockNumber: ev.BlockNumber, Err: err}
			l.log.Error("handler failed", "handler", e.key, "kind", ev.Kind, "block", ev.BlockNumber, "error", herr)
			l.metrics.HandlerError(l.chain, e.key)
			return
		}
		prev = out
	}
	l.metrics.EventHandled(l.chain, string(ev.Kind))
}

func invoke(ctx context.Context, h event.Handler, ev event.Event, prev any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev, prev)
}
