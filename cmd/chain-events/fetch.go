package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devblac/chain-events/internal/config"
	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/handler"
	"github.com/devblac/chain-events/internal/listener"
	"github.com/devblac/chain-events/internal/logging"
)

var (
	fetchChain string
	fetchFrom  uint64
	fetchTo    uint64
	fetchID    string
)

func init() {
	fetchCmd.Flags().StringVar(&fetchChain, "chain", "", "Listener chain to query (required)")
	fetchCmd.Flags().Uint64Var(&fetchFrom, "from", 0, "First block/round (inclusive)")
	fetchCmd.Flags().Uint64Var(&fetchTo, "to", 0, "Last block/round (inclusive, default head)")
	fetchCmd.Flags().StringVar(&fetchID, "id", "", "Fetch every event of one entity (proposal, app or asset id)")
	_ = fetchCmd.MarkFlagRequired("chain")
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Print historical events of a chain as JSON lines, without dispatching them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		lc, err := findListener(cfg, fetchChain)
		if err != nil {
			return err
		}
		if fetchTo > 0 && fetchTo < fetchFrom {
			return errors.New("--to must not be before --from")
		}

		log := logging.NewWithLevel("warn")
		l, err := listener.Create(ctx, lc.Chain, event.Network(lc.Network), listenerOptions(cfg, lc, nil, log, nil))
		if err != nil {
			return err
		}
		defer l.Close()

		var evs []event.Event
		if fetchID != "" {
			evs, err = l.FetchOne(ctx, fetchID)
		} else {
			rng := event.From(fetchFrom)
			if fetchTo > 0 {
				rng = event.Between(fetchFrom, fetchTo)
			}
			evs, err = l.Fetch(ctx, rng)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, ev := range evs {
			ev.Chain = lc.Chain
			if err := enc.Encode(handler.NewMessage(ev, nil)); err != nil {
				return err
			}
		}
		return nil
	},
}
