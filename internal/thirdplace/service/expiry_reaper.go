package service

import (
	"context"
	"log/slog"
	"time"
)

// ExpiryReaper periodically expires envelopes and grants whose window has
// ended.  It runs as a background goroutine and is stopped via its context
// or the Stop method.
type ExpiryReaper struct {
	envelopes *EnvelopeService
	interval  time.Duration
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewExpiryReaper creates a reaper but does not start it.  An interval of
// 0 defaults to one minute.
func NewExpiryReaper(envelopes *EnvelopeService, interval time.Duration, logger *slog.Logger) *ExpiryReaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpiryReaper{
		envelopes: envelopes,
		interval:  interval,
		logger:    logger.With("component", "expiry_reaper"),
		done:      make(chan struct{}),
	}
}

// Start begins the loop.  It sweeps once immediately, then on every tick.
func (r *ExpiryReaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
	r.logger.Info("expiry reaper started", "interval", r.interval)
}

// Stop signals the reaper to exit and waits for it to finish.  It must
// only be called after Start.
func (r *ExpiryReaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *ExpiryReaper) loop(ctx context.Context) {
	defer close(r.done)

	// Catch up on anything that ended while the server was down.
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *ExpiryReaper) sweep(ctx context.Context) {
	if _, err := r.envelopes.ExpireDue(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("expiry sweep failed", "error", err)
	}
}
