// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package bus

import (
	"context"
	"fmt"
	"time"
)

// Request publishes an envelope and waits for the first reply on
// replyChannel, correlating by the request's correlation id. The reply
// subscription is opened before publishing so a fast responder cannot
// race the listener. Timeout failures leave nothing behind; the caller
// retries or gives up.
func Request(ctx context.Context, t Transport, channel, replyChannel string, env *Envelope, timeout time.Duration) (*Envelope, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inbound, stop, err := t.Subscribe(reqCtx, replyChannel)
	if err != nil {
		return nil, fmt.Errorf("subscribe reply channel: %w", err)
	}
	defer stop()

	if err := t.Publish(reqCtx, channel, env); err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}

	for {
		select {
		case <-reqCtx.Done():
			return nil, fmt.Errorf("request %s timed out: %w", env.Type, reqCtx.Err())
		case msg, ok := <-inbound:
			if !ok {
				return nil, fmt.Errorf("reply subscription closed")
			}
			if msg.Envelope.CorrelationID != env.CorrelationID {
				continue
			}
			return msg.Envelope, nil
		}
	}
}
