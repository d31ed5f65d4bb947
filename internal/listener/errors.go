package listener

import (
	"errors"
	"fmt"

	"github.com/devblac/chain-events/internal/event"
)

// ErrUnknownNetwork is returned by Create for a network with no factory.
var ErrUnknownNetwork = errors.New("unknown network")

// CatchUpError wraps a failure to discover or fetch the catch-up range. It
// is logged and never stops a subscription.
type CatchUpError struct {
	Chain string
	Range *event.BlockRange
	Err   error
}

func (e *CatchUpError) Error() string {
	if e.Range != nil {
		return fmt.Sprintf("catch up %s over %s: %v", e.Chain, e.Range, e.Err)
	}
	return fmt.Sprintf("catch up %s: %v", e.Chain, e.Err)
}

func (e *CatchUpError) Unwrap() error { return e.Err }

// HandlerError is logged when a handler fails; the rest of the chain is
// skipped for that event only.
type HandlerError struct {
	Chain       string
	Handler     string
	Kind        event.Kind
	BlockNumber uint64
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s on %s %s at block %d: %v", e.Handler, e.Chain, e.Kind, e.BlockNumber, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

var errNotInitialized = errors.New("listener not initialized")
