// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package bus

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
)

// Handler consumes one inbound envelope. Handlers must not panic; any
// error is logged by the handler itself and the dispatcher moves on to
// the next message.
type Handler func(ctx context.Context, inbound *Inbound)

// Inbound is a received envelope together with the concrete channel it
// arrived on, which matters for pattern subscriptions.
type Inbound struct {
	Channel  string
	Envelope *Envelope
}

// Dispatcher routes inbound envelopes to the handler registered for
// their type. Registration happens once at startup from each subsystem's
// wiring call; there is no reflection and no global state.
type Dispatcher struct {
	logger hclog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger hclog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a message type, replacing any previous
// binding for the same type.
func (d *Dispatcher) Register(msgType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[msgType]; exists {
		d.logger.Warn("replacing handler registration", "type", msgType)
	}
	d.handlers[msgType] = h
}

// Dispatch delivers one inbound message to its handler. Unknown types
// are counted and dropped; per-channel ordering is the caller's concern
// (one consume goroutine per subscription).
func (d *Dispatcher) Dispatch(ctx context.Context, inbound *Inbound) {
	d.mu.RLock()
	h, ok := d.handlers[inbound.Envelope.Type]
	d.mu.RUnlock()

	if !ok {
		metrics.IncrCounter([]string{"bus", "unhandled"}, 1)
		d.logger.Debug("no handler for message type",
			"type", inbound.Envelope.Type, "channel", inbound.Channel)
		return
	}

	defer metrics.MeasureSince([]string{"bus", "dispatch"}, time.Now())
	h(ctx, inbound)
}

// Consume runs a dispatch loop over a subscription channel until the
// context ends or the channel closes. Messages from one subscription are
// handled serially, preserving the transport's arrival order.
func (d *Dispatcher) Consume(ctx context.Context, inbound <-chan *Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			d.Dispatch(ctx, msg)
		}
	}
}
