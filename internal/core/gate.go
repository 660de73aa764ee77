package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Gate pauses CM traffic while the CM is unreachable or no token can be
// obtained. Workers that hit AuthRenewalFailed trip it and wait; a probe loop
// reopens it.
type Gate struct {
	mu       sync.Mutex
	paused   bool
	reopened chan struct{}
	since    time.Time
	trips    int64
	logger   *slog.Logger
}

func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{logger: logger}
}

// Trip closes the gate. Tripping a closed gate is a no-op.
func (g *Gate) Trip(reason error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.reopened = make(chan struct{})
	g.since = time.Now()
	g.trips++
	g.logger.Warn("CM unavailable, pausing operations", "error", reason)
}

// Open reopens the gate and wakes every waiter.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.reopened)
	g.logger.Info("CM reachable again, resuming operations", "paused_for", time.Since(g.since).Round(time.Second))
}

func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Trips reports how many times the gate closed.
func (g *Gate) Trips() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trips
}

// Wait blocks until the gate is open or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	ch := g.reopened
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Probe runs until ctx ends. While the gate is closed it calls check every
// interval and reopens the gate once check succeeds.
func (g *Gate) Probe(ctx context.Context, interval time.Duration, check func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !g.Paused() {
				continue
			}
			if err := check(ctx); err != nil {
				g.logger.Warn("CM still unavailable", "retry_in", interval, "error", err)
				continue
			}
			g.Open()
		case <-ctx.Done():
			return
		}
	}
}
