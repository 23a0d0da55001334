// Package typing drives a platform "is typing" indicator for the duration
// of an agent turn. Most chat platforms expire the indicator after a few
// seconds, so it must be refreshed on an interval until the turn completes
// or a safety TTL elapses.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a typing Controller.
type Options struct {
	// MaxDuration is the safety TTL after which the controller stops
	// itself even if Stop was never called.
	MaxDuration time.Duration
	// KeepaliveInterval is how often StartFn is re-invoked to refresh
	// the indicator. Should be shorter than the platform's own timeout.
	KeepaliveInterval time.Duration
	// StartFn sends one "typing" signal to the platform.
	StartFn func() error
}

// Controller runs a keepalive loop in the background until Stop is called
// or MaxDuration elapses.
type Controller struct {
	opts Options
	stop chan struct{}
	once sync.Once
}

// New creates a Controller. Call Start to begin sending keepalives.
func New(opts Options) *Controller {
	return &Controller{
		opts: opts,
		stop: make(chan struct{}),
	}
}

// Start fires StartFn immediately and then on every KeepaliveInterval
// until Stop is called or MaxDuration elapses.
func (c *Controller) Start() {
	if c.opts.StartFn == nil {
		return
	}
	if err := c.opts.StartFn(); err != nil {
		slog.Debug("typing indicator failed", "error", err)
	}

	interval := c.opts.KeepaliveInterval
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		deadline := time.After(c.opts.MaxDuration)
		if c.opts.MaxDuration <= 0 {
			deadline = nil
		}

		for {
			select {
			case <-c.stop:
				return
			case <-deadline:
				return
			case <-ticker.C:
				if err := c.opts.StartFn(); err != nil {
					slog.Debug("typing indicator keepalive failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the keepalive loop. Safe to call multiple times.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
}
