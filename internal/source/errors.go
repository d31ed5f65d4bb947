package source

import (
	"fmt"
	"strings"

	"github.com/devblac/chain-events/internal/event"
)

// ConnectionError is returned when a connector runs out of attempts.
type ConnectionError struct {
	Endpoint  string
	Addresses []string
	Attempts  uint
	Err       error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("connect %s", e.Endpoint)
	if len(e.Addresses) > 0 {
		msg += " [" + strings.Join(e.Addresses, ",") + "]"
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError is returned when a subscriber cannot attach.
type SubscriptionError struct {
	Chain string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Chain, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// EnrichmentError is logged when a single event cannot be completed; the
// event is dropped.
type EnrichmentError struct {
	Kind        event.Kind
	BlockNumber uint64
	Err         error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrich %s at block %d: %v", e.Kind, e.BlockNumber, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }
