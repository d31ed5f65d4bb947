package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/devblac/chain-events/internal/config"
	"github.com/devblac/chain-events/internal/listener"
)

// createFunc builds and initializes the listener for lc.
type createFunc func(ctx context.Context, cfg *config.Config, lc config.Listener) (*listener.Listener, error)

// fleet owns the running listeners and reconciles them with the config on
// every reload. A chain whose listener cannot be created is remembered as
// failed and retried on the next reload.
type fleet struct {
	log    *slog.Logger
	create createFunc

	mu       sync.Mutex
	cfg      *config.Config
	running  map[string]*member
	failed   map[string]config.Listener
	handlers []chainHandler
	closers  []io.Closer
	// live is the context new listeners subscribe with; nil until the
	// initial subscription round is done.
	live context.Context
}

type member struct {
	lc config.Listener
	l  *listener.Listener
}

func newFleet(log *slog.Logger, create createFunc) *fleet {
	return &fleet{
		log:     log,
		create:  create,
		running: make(map[string]*member),
		failed:  make(map[string]config.Listener),
	}
}

// start creates every configured listener concurrently. Failures are
// logged and leave the chain for the next reload.
func (f *fleet) start(ctx context.Context, cfg *config.Config, handlers []chainHandler, closers []io.Closer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg, f.handlers, f.closers = cfg, handlers, closers

	created := make([]*listener.Listener, len(cfg.Listeners))
	errs := make([]error, len(cfg.Listeners))
	var g errgroup.Group
	for i, lc := range cfg.Listeners {
		g.Go(func() error {
			created[i], errs[i] = f.create(ctx, cfg, lc)
			return nil
		})
	}
	_ = g.Wait()

	for i, lc := range cfg.Listeners {
		f.adoptLocked(lc, created[i], errs[i])
	}
}

func (f *fleet) adoptLocked(lc config.Listener, l *listener.Listener, err error) bool {
	if err != nil {
		f.log.Error("listener not created, retrying on next reload", "chain", lc.Chain, "network", lc.Network, "error", err)
		f.failed[lc.Chain] = lc
		return false
	}
	delete(f.failed, lc.Chain)
	attach(l, f.cfg, lc, f.handlers)
	f.running[lc.Chain] = &member{lc: lc, l: l}
	return true
}

// goLive makes listeners created by later reloads subscribe with ctx.
func (f *fleet) goLive(ctx context.Context) {
	f.mu.Lock()
	f.live = ctx
	f.mu.Unlock()
}

// listeners returns the running listeners sorted by chain.
func (f *fleet) listeners() []*listener.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*listener.Listener, 0, len(f.running))
	for _, m := range f.running {
		out = append(out, m.l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain() < out[j].Chain() })
	return out
}

// statuses maps every configured chain to its listener state. Chains
// that failed to start report uninitialized.
func (f *fleet) statuses() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.running)+len(f.failed))
	for chain, m := range f.running {
		out[chain] = m.l.Status().String()
	}
	for chain := range f.failed {
		out[chain] = listener.StateUninitialized.String()
	}
	return out
}

// reload reconciles the fleet with cfg: removed chains are closed, new and
// previously failed chains are created, changed endpoints, addresses, spec
// and version go through the listener update calls, and the handler chains
// are re-attached. Closers of the replaced handler set are released.
func (f *fleet) reload(ctx context.Context, cfg *config.Config, handlers []chainHandler, closers []io.Closer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.cfg
	oldClosers := f.closers
	f.cfg, f.handlers, f.closers = cfg, handlers, closers
	defer closeAll(f.log, oldClosers)

	if prev != nil && prev.Global.DBPath != cfg.Global.DBPath {
		f.log.Warn("db_path change needs a restart, keeping the open database", "db_path", prev.Global.DBPath)
	}

	want := make(map[string]bool, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		want[lc.Chain] = true
	}
	for chain, m := range f.running {
		if !want[chain] {
			f.log.Info("listener removed from config", "chain", chain)
			f.closeLocked(m)
		}
	}
	for chain := range f.failed {
		if !want[chain] {
			delete(f.failed, chain)
		}
	}

	for _, lc := range cfg.Listeners {
		m, ok := f.running[lc.Chain]
		if ok && needsRebuild(prev, cfg, m.lc, lc) {
			f.log.Info("listener settings changed, recreating", "chain", lc.Chain)
			f.closeLocked(m)
			ok = false
		}
		if ok {
			if err := applyUpdates(ctx, m, lc); err != nil {
				f.log.Error("listener update failed, retrying on next reload", "chain", lc.Chain, "error", err)
				f.closeLocked(m)
				f.failed[lc.Chain] = lc
				continue
			}
			attach(m.l, cfg, lc, handlers)
			continue
		}

		l, err := f.create(ctx, cfg, lc)
		if f.adoptLocked(lc, l, err) && f.live != nil {
			go f.subscribe(f.live, l)
		}
	}
}

// unchanged reports whether cfg equals the config last applied.
func (f *fleet) unchanged(cfg *config.Config) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return reflect.DeepEqual(f.cfg, cfg)
}

// retryFailed tries again to create the listeners that failed to start.
func (f *fleet) retryFailed(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, lc := range f.cfg.Listeners {
		if _, ok := f.failed[lc.Chain]; !ok {
			continue
		}
		l, err := f.create(ctx, f.cfg, lc)
		if f.adoptLocked(lc, l, err) {
			f.log.Info("listener created on retry", "chain", lc.Chain)
			if f.live != nil {
				go f.subscribe(f.live, l)
			}
		}
	}
}

func (f *fleet) subscribe(ctx context.Context, l *listener.Listener) {
	if err := l.Subscribe(ctx); err != nil {
		f.log.Error("listener not live", "chain", l.Chain(), "error", err)
	}
}

func (f *fleet) closeLocked(m *member) {
	delete(f.running, m.lc.Chain)
	if err := m.l.Close(); err != nil {
		f.log.Warn("close listener", "chain", m.lc.Chain, "error", err)
	}
}

// close stops every listener and releases the handler resources.
func (f *fleet) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.running {
		f.closeLocked(m)
	}
	closeAll(f.log, f.closers)
	f.closers = nil
}

// needsRebuild reports changes no listener update call covers.
func needsRebuild(prev, next *config.Config, old, lc config.Listener) bool {
	if old.Network != lc.Network || old.PollInterval != lc.PollInterval || old.SkipCatchup != lc.SkipCatchup {
		return true
	}
	if !slices.Equal(old.ABIDirs, lc.ABIDirs) {
		return true
	}
	return prev != nil && (prev.Global.RetryInterval != next.Global.RetryInterval || prev.Global.MaxAttempts != next.Global.MaxAttempts)
}

// applyUpdates pushes the changed connection fields into the listener. Each
// update reinitializes and resubscribes the listener.
func applyUpdates(ctx context.Context, m *member, lc config.Listener) error {
	if lc.URL != m.lc.URL {
		if err := m.l.UpdateURL(ctx, lc.URL); err != nil {
			return fmt.Errorf("url: %w", err)
		}
	}
	if !slices.Equal(lc.Addresses, m.lc.Addresses) {
		if err := m.l.UpdateAddresses(ctx, lc.Addresses); err != nil {
			return fmt.Errorf("addresses: %w", err)
		}
	}
	if lc.Spec != m.lc.Spec {
		if err := m.l.UpdateSpec(ctx, lc.Spec); err != nil {
			return fmt.Errorf("spec: %w", err)
		}
	}
	if lc.Version != m.lc.Version {
		if err := m.l.UpdateVersion(ctx, lc.Version); err != nil {
			return fmt.Errorf("version: %w", err)
		}
	}
	m.lc = lc
	return nil
}
