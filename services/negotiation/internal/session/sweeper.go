package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the deadline scheduler: it periodically expires overdue
// sessions. It lives outside the state machine — expiry is just another
// caller of Expire.
type Sweeper struct {
	registry  *Registry
	interval  time.Duration
	logger    *slog.Logger
	onExpired func(View)
}

func NewSweeper(registry *Registry, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{registry: registry, interval: interval, logger: logger}
}

// OnExpired registers a hook invoked with the view of every session the
// sweeper expires. Used for outcome webhooks and archival.
func (w *Sweeper) OnExpired(fn func(View)) *Sweeper {
	w.onExpired = fn
	return w
}

// Run blocks until ctx is done, sweeping once per interval.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired := w.registry.ExpireOverdue(now.UTC())
			for _, jobID := range expired {
				w.logger.Info("session expired", "job_id", jobID)
				if w.onExpired != nil {
					if s, err := w.registry.Get(jobID); err == nil {
						w.onExpired(s.View())
					}
				}
			}
		}
	}
}
