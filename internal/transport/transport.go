// Package transport delivers notifications to their downstream channel.
package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Notification is the unit handed to a transport.
type Notification struct {
	Recipient string
	Channel   string
	Message   string
}

// Transport sends a notification over one or more channels. Deliver must be
// idempotent with respect to retries of the same notification.
type Transport interface {
	Deliver(ctx context.Context, n Notification) error
	SupportsChannel(channel string) bool
}

// TransientError marks a delivery failure worth retrying (throttling, network
// flaps, downstream 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError marks a delivery failure retries cannot fix (malformed
// payload, unsupported channel, rejected recipient). The consumer sends these
// straight to the DLQ instead of burning its retry budget.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Terminal wraps err as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err is marked non-retryable. Unclassified errors
// default to transient.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// Router fans a notification out to the first transport that supports its
// channel.
type Router struct {
	transports []Transport
	logger     *zap.Logger
}

// NewRouter creates a channel router over the given transports.
func NewRouter(logger *zap.Logger, transports ...Transport) *Router {
	return &Router{
		transports: transports,
		logger:     logger,
	}
}

// Deliver routes the notification to the transport for its channel.
func (r *Router) Deliver(ctx context.Context, n Notification) error {
	for _, t := range r.transports {
		if t.SupportsChannel(n.Channel) {
			r.logger.Debug("routing notification",
				zap.String("channel", n.Channel),
				zap.String("recipient", n.Recipient),
			)
			return t.Deliver(ctx, n)
		}
	}

	return Terminal(fmt.Errorf("no transport for channel: %s", n.Channel))
}

// SupportsChannel reports whether any underlying transport handles channel.
func (r *Router) SupportsChannel(channel string) bool {
	for _, t := range r.transports {
		if t.SupportsChannel(channel) {
			return true
		}
	}
	return false
}
