package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/devblac/chain-events/internal/config"
	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/health"
	"github.com/devblac/chain-events/internal/listener"
	"github.com/devblac/chain-events/internal/logging"
	"github.com/devblac/chain-events/internal/metrics"
	"github.com/devblac/chain-events/internal/storage"
)

var (
	flagOnce    bool
	flagHealth  string
	flagMetrics string
	flagReload  time.Duration
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Catch up every listener and exit")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
	runCmd.Flags().DurationVar(&flagReload, "reload", time.Minute, "Re-read the config at this interval, 0 disables (SIGHUP always reloads)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logLevel := os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			logLevel = cfg.Global.LogLevel
		}
		log := logging.NewWithLevel(logLevel)

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		reg := prometheus.NewRegistry()
		mtr := metrics.New(reg)

		handlers, closers, err := buildHandlers(cfg, store, log)
		if err != nil {
			closeAll(log, closers)
			return err
		}

		fl := newFleet(log, func(ctx context.Context, cfg *config.Config, lc config.Listener) (*listener.Listener, error) {
			return listener.Create(ctx, lc.Chain, event.Network(lc.Network), listenerOptions(cfg, lc, store, log, mtr))
		})
		fl.start(ctx, cfg, handlers, closers)
		defer fl.close()

		if flagHealth != "" {
			healthSrv := health.Serve(flagHealth, health.Handler(health.Checker{
				DBPing:    store.Ping,
				Listeners: fl.statuses,
			}))
			log.Info("health check enabled", "addr", flagHealth)
			defer shutdown(healthSrv)
		}
		if flagMetrics != "" {
			metricsSrv := health.Serve(flagMetrics, metrics.Handler(reg))
			log.Info("metrics enabled", "addr", flagMetrics)
			defer shutdown(metricsSrv)
		}

		// Subscribing runs catch-up, so listeners start side by side.
		listeners := fl.listeners()
		var wg sync.WaitGroup
		for _, l := range listeners {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := l.Subscribe(ctx); err != nil {
					log.Error("listener not live", "chain", l.Chain(), "error", err)
				}
			}()
		}
		wg.Wait()

		if flagOnce {
			log.Info("catch-up complete, exiting")
			return nil
		}
		fl.goLive(ctx)
		log.Info("listening", "listeners", len(listeners))

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		var tick <-chan time.Time
		if flagReload > 0 {
			ticker := time.NewTicker(flagReload)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				log.Info("shutting down")
				return nil
			case <-hup:
				log.Info("SIGHUP received, reloading config")
			case <-tick:
			}
			reloadConfig(ctx, fl, store, log)
		}
	},
}

// reloadConfig re-reads the config file and reconciles the fleet with it.
// An invalid file keeps the current setup; an unchanged one only retries
// the chains that failed to start.
func reloadConfig(ctx context.Context, fl *fleet, store *storage.Store, log *slog.Logger) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Warn("reload skipped, config invalid", "error", err)
		return
	}
	if fl.unchanged(cfg) {
		fl.retryFailed(ctx)
		return
	}
	handlers, closers, err := buildHandlers(cfg, store, log)
	if err != nil {
		closeAll(log, closers)
		log.Warn("reload skipped, handlers invalid", "error", err)
		return
	}
	fl.reload(ctx, cfg, handlers, closers)
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(ctx, srv)
}
