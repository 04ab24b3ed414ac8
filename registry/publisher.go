// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"

	"github.com/fulcrumnet/fulcrum-registry/registry/bus"
)

// Publisher sends typed messages on the bus on behalf of the registry.
// Components depend on this narrow surface instead of the transport so
// tests can capture outbound traffic.
type Publisher interface {
	Publish(ctx context.Context, channel, msgType string, payload any) error

	// PublishReply sends a message carrying the correlation id of the
	// request it answers, so a blocked requester can match it.
	PublishReply(ctx context.Context, channel, msgType, correlationID string, payload any) error
}

// busPublisher is the production publisher over a bus transport.
type busPublisher struct {
	transport bus.Transport
	senderID  string
}

// NewPublisher wraps a transport with the registry's sender identity.
func NewPublisher(transport bus.Transport, senderID string) Publisher {
	return &busPublisher{transport: transport, senderID: senderID}
}

func (p *busPublisher) Publish(ctx context.Context, channel, msgType string, payload any) error {
	env, err := bus.NewEnvelope(msgType, p.senderID, payload)
	if err != nil {
		return err
	}
	return p.transport.Publish(ctx, channel, env)
}

func (p *busPublisher) PublishReply(ctx context.Context, channel, msgType, correlationID string, payload any) error {
	env, err := bus.NewEnvelope(msgType, p.senderID, payload)
	if err != nil {
		return err
	}
	env.WithCorrelation(correlationID)
	return p.transport.Publish(ctx, channel, env)
}
