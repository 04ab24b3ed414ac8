// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
)

// Monitor pings the store and declares it down once connectivity has been
// lost for longer than the failover deadline. While the store is down the
// registry stops accepting new routing work; the monitor flips it back to
// healthy on the first successful ping.
type Monitor struct {
	store  *RoutingStore
	logger hclog.Logger

	interval time.Duration
	deadline time.Duration

	healthy atomic.Bool
	lastOK  atomic.Int64

	onDown func()
	onUp   func()
}

// NewMonitor builds a monitor. onDown and onUp may be nil.
func NewMonitor(store *RoutingStore, logger hclog.Logger, interval, deadline time.Duration, onDown, onUp func()) *Monitor {
	m := &Monitor{
		store:    store,
		logger:   logger.Named("store_monitor"),
		interval: interval,
		deadline: deadline,
		onDown:   onDown,
		onUp:     onUp,
	}
	m.healthy.Store(true)
	m.lastOK.Store(time.Now().UnixNano())
	return m
}

// Healthy reports whether the store is currently considered reachable.
func (m *Monitor) Healthy() bool {
	return m.healthy.Load()
}

// Run pings until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.store.Ping(pingCtx)
	cancel()

	now := time.Now()
	if err == nil {
		m.lastOK.Store(now.UnixNano())
		if !m.healthy.Load() {
			m.healthy.Store(true)
			m.logger.Info("routing store connectivity restored")
			metrics.SetGauge([]string{"store", "healthy"}, 1)
			if m.onUp != nil {
				m.onUp()
			}
		}
		return
	}

	outage := now.Sub(time.Unix(0, m.lastOK.Load()))
	m.logger.Warn("routing store ping failed", "error", err, "outage", outage)
	if m.healthy.Load() && outage > m.deadline {
		m.healthy.Store(false)
		m.logger.Error("routing store past failover deadline, marking health down",
			"deadline", m.deadline)
		metrics.SetGauge([]string{"store", "healthy"}, 0)
		if m.onDown != nil {
			m.onDown()
		}
	}
}
