package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/chain-events/internal/config"
	"github.com/devblac/chain-events/internal/storage"
)

var (
	exportChain  string
	exportFormat string
	exportLimit  int
)

func init() {
	exportCmd.Flags().StringVar(&exportChain, "chain", "", "Chain whose stored events to export (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Maximum events to export (0 = all)")
	_ = exportCmd.MarkFlagRequired("chain")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored events of a chain as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportFormat != "json" && exportFormat != "csv" {
			return fmt.Errorf("unsupported format %q (want json or csv)", exportFormat)
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		evs, err := store.ListEvents(cmd.Context(), exportChain, exportLimit)
		if err != nil {
			return err
		}
		if exportFormat == "csv" {
			return writeCSV(cmd, evs)
		}
		return writeJSON(cmd, evs)
	},
}

type exportedEvent struct {
	ID          int64           `json:"id"`
	Chain       string          `json:"chain"`
	Network     string          `json:"network"`
	Kind        string          `json:"kind"`
	Entity      string          `json:"entity,omitempty"`
	BlockNumber uint64          `json:"block_number"`
	TxHash      string          `json:"tx_hash,omitempty"`
	LogIndex    uint            `json:"log_index"`
	Data        json.RawMessage `json:"data,omitempty"`
	ReceivedAt  *time.Time      `json:"received_at,omitempty"`
}

func writeJSON(cmd *cobra.Command, evs []storage.StoredEvent) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, ev := range evs {
		out := exportedEvent{
			ID:          ev.ID,
			Chain:       ev.Chain,
			Network:     ev.Network,
			Kind:        ev.Kind,
			Entity:      ev.Entity,
			BlockNumber: ev.BlockNumber,
			TxHash:      ev.TxHash,
			LogIndex:    ev.LogIndex,
		}
		if ev.PayloadJSON != "" {
			out.Data = json.RawMessage(ev.PayloadJSON)
		}
		if !ev.ReceivedAt.IsZero() {
			t := ev.ReceivedAt.UTC()
			out.ReceivedAt = &t
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(cmd *cobra.Command, evs []storage.StoredEvent) error {
	w := csv.NewWriter(cmd.OutOrStdout())
	_ = w.Write([]string{"id", "chain", "network", "kind", "entity", "block_number", "tx_hash", "log_index", "received_at", "data"})
	for _, ev := range evs {
		var received string
		if !ev.ReceivedAt.IsZero() {
			received = ev.ReceivedAt.UTC().Format(time.RFC3339)
		}
		if err := w.Write([]string{
			strconv.FormatInt(ev.ID, 10),
			ev.Chain,
			ev.Network,
			ev.Kind,
			ev.Entity,
			strconv.FormatUint(ev.BlockNumber, 10),
			ev.TxHash,
			strconv.FormatUint(uint64(ev.LogIndex), 10),
			received,
			ev.PayloadJSON,
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
