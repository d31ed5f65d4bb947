// Package handler implements the host-side consumers at the end of a
// listener's handler chain: persistence, logging, webhooks and message
// buses.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/label"
	"github.com/devblac/chain-events/internal/storage"
)

// Recorder persists events; *storage.Store implements it.
type Recorder interface {
	RecordEvent(ctx context.Context, ev event.Event) (storage.StoredEvent, bool, error)
}

// Stored is the result of the storage handler, handed to the handlers after
// it as prev.
type Stored struct {
	Record storage.StoredEvent
	// Duplicate is set when the event was already stored, typically
	// because catch-up replayed the cursor block.
	Duplicate bool
}

type storageHandler struct {
	rec Recorder
}

// NewStorage returns a handler that records every event.
func NewStorage(rec Recorder) event.Handler {
	return &storageHandler{rec: rec}
}

func (h *storageHandler) Handle(ctx context.Context, ev event.Event, _ any) (any, error) {
	rec, inserted, err := h.rec.RecordEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("store event: %w", err)
	}
	return Stored{Record: rec, Duplicate: !inserted}, nil
}

// duplicate reports whether an earlier storage handler saw ev before.
// Forwarding handlers skip those so a replayed block is not announced
// twice.
func duplicate(prev any) bool {
	s, ok := prev.(Stored)
	return ok && s.Duplicate
}

type loggingHandler struct {
	log *slog.Logger
}

// NewLogging returns a handler that logs each event at info level.
func NewLogging(log *slog.Logger) event.Handler {
	if log == nil {
		log = slog.Default()
	}
	return &loggingHandler{log: log}
}

func (h *loggingHandler) Handle(_ context.Context, ev event.Event, prev any) (any, error) {
	attrs := []any{
		"chain", ev.Chain,
		"network", ev.Network,
		"kind", ev.Kind,
		"block", ev.BlockNumber,
		"log_index", ev.LogIndex,
		"tx", ev.TxHash,
	}
	if ev.Entity != "" {
		attrs = append(attrs, "entity", ev.Entity)
	}
	if s, ok := prev.(Stored); ok {
		attrs = append(attrs, "stored_id", s.Record.ID, "duplicate", s.Duplicate)
	}
	h.log.Info(label.Label(ev.Chain, ev), attrs...)
	return prev, nil
}

// Message is the JSON document published to message buses.
type Message struct {
	ID          int64          `json:"id,omitempty"`
	Chain       string         `json:"chain"`
	Network     string         `json:"network"`
	Kind        string         `json:"kind"`
	Title       string         `json:"title"`
	Entity      string         `json:"entity,omitempty"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      string         `json:"tx_hash,omitempty"`
	LogIndex    uint           `json:"log_index"`
	Data        map[string]any `json:"data,omitempty"`
	ReceivedAt  time.Time      `json:"received_at"`
}

// NewMessage renders ev for publishing; prev contributes the stored id.
func NewMessage(ev event.Event, prev any) Message {
	m := Message{
		Chain:       ev.Chain,
		Network:     string(ev.Network),
		Kind:        string(ev.Kind),
		Title:       label.Title(ev.Network, ev.Kind),
		Entity:      ev.Entity,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		Data:        ev.Data,
		ReceivedAt:  ev.ReceivedAt,
	}
	if s, ok := prev.(Stored); ok {
		m.ID = s.Record.ID
	}
	return m
}

func encodeMessage(ev event.Event, prev any) ([]byte, error) {
	b, err := json.Marshal(NewMessage(ev, prev))
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return b, nil
}
