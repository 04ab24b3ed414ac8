// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/redis/go-redis/v9"
)

// Transport moves envelopes between services. Implementations must
// deliver messages from one channel in publish order to a single
// subscriber goroutine.
type Transport interface {
	// Publish sends an envelope on a channel.
	Publish(ctx context.Context, channel string, env *Envelope) error

	// Subscribe opens a subscription covering the given channels or
	// patterns (a pattern contains '*'). The returned stop function closes
	// the subscription and the channel.
	Subscribe(ctx context.Context, channels ...string) (<-chan *Inbound, func(), error)
}

// RedisTransport is the production transport over Redis pub/sub.
type RedisTransport struct {
	client redis.UniversalClient
	logger hclog.Logger
}

// NewRedisTransport wraps a Redis client as a bus transport.
func NewRedisTransport(client redis.UniversalClient, logger hclog.Logger) *RedisTransport {
	return &RedisTransport{
		client: client,
		logger: logger.Named("bus"),
	}
}

// Publish encodes and sends an envelope.
func (t *RedisTransport) Publish(ctx context.Context, channel string, env *Envelope) error {
	defer metrics.MeasureSince([]string{"bus", "publish"}, time.Now())

	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, channel, raw).Err()
}

// Subscribe opens one pub/sub connection covering the given channels.
// Names containing '*' are pattern-subscribed. Undecodable frames are
// counted and dropped so a bad sender cannot wedge the subscription.
func (t *RedisTransport) Subscribe(ctx context.Context, channels ...string) (<-chan *Inbound, func(), error) {
	var plain, patterns []string
	for _, c := range channels {
		if strings.Contains(c, "*") {
			patterns = append(patterns, c)
		} else {
			plain = append(plain, c)
		}
	}

	var pubsub *redis.PubSub
	switch {
	case len(patterns) > 0 && len(plain) > 0:
		pubsub = t.client.PSubscribe(ctx, patterns...)
		if err := pubsub.Subscribe(ctx, plain...); err != nil {
			_ = pubsub.Close()
			return nil, nil, err
		}
	case len(patterns) > 0:
		pubsub = t.client.PSubscribe(ctx, patterns...)
	default:
		pubsub = t.client.Subscribe(ctx, plain...)
	}

	out := make(chan *Inbound)
	var once sync.Once
	stop := func() {
		once.Do(func() { _ = pubsub.Close() })
	}

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			env, err := DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				metrics.IncrCounter([]string{"bus", "decode_failed"}, 1)
				t.logger.Warn("dropping undecodable bus message",
					"channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- &Inbound{Channel: msg.Channel, Envelope: env}:
			case <-ctx.Done():
				stop()
				return
			}
		}
	}()

	return out, stop, nil
}
