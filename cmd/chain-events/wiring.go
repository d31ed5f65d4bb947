package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/devblac/chain-events/internal/config"
	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/handler"
	"github.com/devblac/chain-events/internal/listener"
	"github.com/devblac/chain-events/internal/metrics"
	"github.com/devblac/chain-events/internal/storage"
)

func kinds(names ...[]string) []event.Kind {
	var out []event.Kind
	for _, list := range names {
		for _, n := range list {
			out = append(out, event.Kind(n))
		}
	}
	return out
}

func listenerOptions(cfg *config.Config, lc config.Listener, store *storage.Store, log *slog.Logger, mtr *metrics.Metrics) listener.Options {
	opts := listener.Options{
		URL:           lc.URL,
		Addresses:     lc.Addresses,
		Spec:          lc.Spec,
		Version:       lc.Version,
		PollInterval:  lc.PollInterval.Std(),
		RetryInterval: cfg.Global.RetryInterval.Std(),
		MaxAttempts:   cfg.Global.MaxAttempts,
		ABIDirs:       lc.ABIDirs,
		SkipCatchup:   lc.SkipCatchup,
		Logger:        log,
		Metrics:       mtr,
	}
	if store != nil {
		opts.DiscoverReconnectRange = store.DiscoverReconnectRange
	}
	return opts
}

type chainHandler struct {
	cfg     config.Handler
	handler event.Handler
}

// defaultHandlers is the chain used when the config declares none.
var defaultHandlers = []config.Handler{
	{Key: "storage", Type: "storage"},
	{Key: "logging", Type: "logging"},
}

func buildHandlers(cfg *config.Config, store *storage.Store, log *slog.Logger) ([]chainHandler, []io.Closer, error) {
	specs := cfg.Handlers
	if len(specs) == 0 {
		specs = defaultHandlers
	}

	var (
		out     []chainHandler
		closers []io.Closer
	)
	for _, hc := range specs {
		var (
			h   event.Handler
			err error
		)
		switch strings.ToLower(hc.Type) {
		case "storage":
			if store == nil {
				return nil, closers, errors.New("storage handler needs a database")
			}
			h = handler.NewStorage(store)
		case "logging":
			h = handler.NewLogging(log)
		case "slack":
			h, err = handler.NewSlack(hc.WebhookURL, hc.Template)
		case "teams":
			h, err = handler.NewTeams(hc.WebhookURL, hc.Template)
		case "webhook":
			h, err = handler.NewWebhook(hc.URL, hc.Method, hc.Template, hc.Headers)
		case "kafka":
			var k *handler.Kafka
			if k, err = handler.NewKafka(hc.Brokers, hc.Topic); err == nil {
				closers = append(closers, k)
				h = k
			}
		case "redis":
			var r *handler.RedisStream
			if r, err = handler.NewRedisStream(hc.RedisAddr, hc.RedisPassword, hc.RedisDB, hc.StreamMaxLen); err == nil {
				closers = append(closers, r)
				h = r
			}
		default:
			err = fmt.Errorf("unsupported handler type: %s", hc.Type)
		}
		if err != nil {
			return nil, closers, fmt.Errorf("handler %s: %w", hc.Key, err)
		}

		preds, err := handler.CompilePredicates(hc.Where)
		if err != nil {
			return nil, closers, fmt.Errorf("handler %s where: %w", hc.Key, err)
		}
		out = append(out, chainHandler{cfg: hc, handler: handler.Where(h, preds)})
	}
	return out, closers, nil
}

// attach registers the handlers that apply to l's chain, in config order,
// and drops any registered key the config no longer names for it. Keys
// already present keep their position.
func attach(l *listener.Listener, cfg *config.Config, lc config.Listener, handlers []chainHandler) {
	want := make(map[string]bool, len(handlers))
	for _, ch := range handlers {
		if !ch.cfg.AppliesTo(l.Chain()) {
			continue
		}
		want[ch.cfg.Key] = true
		l.AddHandler(ch.cfg.Key, ch.handler, kinds(ch.cfg.ExcludedEvents)...)
	}
	for _, key := range l.HandlerKeys() {
		if !want[key] {
			l.RemoveHandler(key)
		}
	}
	l.SetGlobalExcluded(kinds(cfg.Global.ExcludedEvents, lc.ExcludedEvents)...)
}

func findListener(cfg *config.Config, chain string) (config.Listener, error) {
	for _, lc := range cfg.Listeners {
		if lc.Chain == chain {
			return lc, nil
		}
	}
	return config.Listener{}, fmt.Errorf("no listener configured for chain %q", chain)
}

func closeAll(log *slog.Logger, closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Warn("close failed", "error", err)
		}
	}
}
