package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/devblac/chain-events/internal/config"
	"github.com/devblac/chain-events/internal/storage"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show cursors and stored events per chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		ctx := cmd.Context()
		cursors, err := store.ListCursors(ctx)
		if err != nil {
			return err
		}
		byChain := make(map[string]storage.Cursor, len(cursors))
		for _, c := range cursors {
			byChain[c.Chain] = c
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHAIN\tNETWORK\tCURSOR\tEVENTS\tUPDATED")
		for _, lc := range cfg.Listeners {
			n, err := store.CountEvents(ctx, lc.Chain)
			if err != nil {
				return err
			}
			c, ok := byChain[lc.Chain]
			if !ok {
				fmt.Fprintf(w, "%s\t%s\t-\t%d\t-\n", lc.Chain, lc.Network, n)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", lc.Chain, lc.Network, c.Height, n, c.UpdatedAt.UTC().Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}
