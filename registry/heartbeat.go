// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
)

// heartbeatTimers tracks one expiry timer per registered service. A
// heartbeat resets the service's timer; silence past the TTL fires
// onExpire exactly once for that silence. The expiry callback runs on the
// timer goroutine and must not block.
type heartbeatTimers struct {
	logger   hclog.Logger
	ttl      time.Duration
	grace    time.Duration
	onExpire func(serviceID string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newHeartbeatTimers(logger hclog.Logger, ttl, grace time.Duration, onExpire func(serviceID string)) *heartbeatTimers {
	return &heartbeatTimers{
		logger:   logger.Named("heartbeat"),
		ttl:      ttl,
		grace:    grace,
		onExpire: onExpire,
		timers:   make(map[string]*time.Timer),
	}
}

// reset arms or re-arms the timer for a service. The first timer gets the
// grace period added so a service that just registered has time to start
// heartbeating.
func (h *heartbeatTimers) reset(serviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, ok := h.timers[serviceID]; ok {
		timer.Reset(h.ttl)
		return
	}

	h.timers[serviceID] = time.AfterFunc(h.ttl+h.grace, func() {
		h.expire(serviceID)
	})
	metrics.SetGauge([]string{"heartbeat", "active"}, float32(len(h.timers)))
}

// clear stops tracking a service, e.g. on clean deregistration.
func (h *heartbeatTimers) clear(serviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, ok := h.timers[serviceID]; ok {
		timer.Stop()
		delete(h.timers, serviceID)
		metrics.SetGauge([]string{"heartbeat", "active"}, float32(len(h.timers)))
	}
}

// clearAll stops every timer, used on shutdown.
func (h *heartbeatTimers) clearAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, timer := range h.timers {
		timer.Stop()
		delete(h.timers, id)
	}
	metrics.SetGauge([]string{"heartbeat", "active"}, 0)
}

func (h *heartbeatTimers) expire(serviceID string) {
	h.mu.Lock()
	if _, ok := h.timers[serviceID]; !ok {
		// Cleared between firing and running.
		h.mu.Unlock()
		return
	}
	delete(h.timers, serviceID)
	metrics.SetGauge([]string{"heartbeat", "active"}, float32(len(h.timers)))
	h.mu.Unlock()

	metrics.IncrCounter([]string{"heartbeat", "expired"}, 1)
	h.logger.Warn("service missed heartbeat deadline", "service_id", serviceID, "ttl", h.ttl)
	h.onExpire(serviceID)
}
