// Package lifecycle ties the poll loop to the process: readiness, shutdown
// and draining an in-flight batch.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orrn/labeld/internal/poller"
)

const (
	DefaultDrainTimeout = 60 * time.Second
	drainPollInterval   = 250 * time.Millisecond
)

// Loop is the part of the poll loop the controller drives.
type Loop interface {
	Start() error
	Stop()
	Status() poller.Status
}

type Controller struct {
	loop         Loop
	drainTimeout time.Duration
	drainEvery   time.Duration
	notify       func(string) error
	logger       *slog.Logger
}

func NewController(loop Loop, drainTimeout time.Duration, logger *slog.Logger) *Controller {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		loop:         loop,
		drainTimeout: drainTimeout,
		drainEvery:   drainPollInterval,
		notify:       notify,
		logger:       logger.With("component", "lifecycle"),
	}
}

// Run starts the loop, reports readiness and blocks until ctx is cancelled.
// It then shuts down and reports whether an in-flight batch finished within
// the drain timeout.
func (c *Controller) Run(ctx context.Context) (bool, error) {
	if err := c.loop.Start(); err != nil && !errors.Is(err, poller.ErrAlreadyRunning) {
		return false, fmt.Errorf("start poll loop: %w", err)
	}

	if err := c.notify(msgReady); err != nil {
		c.logger.Warn("systemd notify failed", "error", err)
	}
	c.logger.Info("service ready")

	<-ctx.Done()

	return c.Shutdown(), nil
}

// Shutdown stops scheduling new polls and waits for an in-flight fetch and
// its batch to end.
// The wait is best effort: past the drain timeout the caller exits anyway.
func (c *Controller) Shutdown() bool {
	c.loop.Stop()

	if err := c.notify(msgStopping); err != nil {
		c.logger.Warn("systemd notify failed", "error", err)
	}

	// a fetch still in flight after Stop may go on to start a batch
	if !c.loop.Status().Busy {
		c.logger.Info("shutdown complete, nothing in flight")
		return true
	}

	c.logger.Info("waiting for in-flight poll or batch", "timeout", c.drainTimeout)
	if err := c.notify(statusMsg("draining in-flight work")); err != nil {
		c.logger.Debug("systemd status notify failed", "error", err)
	}

	deadline := time.NewTimer(c.drainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.drainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			c.logger.Warn("drain timeout elapsed, poll or batch still in flight", "timeout", c.drainTimeout)
			return false
		case <-ticker.C:
			if !c.loop.Status().Busy {
				c.logger.Info("in-flight work finished, shutdown complete")
				return true
			}
		}
	}
}
