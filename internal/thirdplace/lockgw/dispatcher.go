package lockgw

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DispatcherConfig tunes revocation delivery.
type DispatcherConfig struct {
	// MaxAttempts before an item is buried for manual reconciliation.
	MaxAttempts int
	// Backoff is the delay after the first failure; it doubles per attempt
	// up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Interval between queue sweeps.  Submit also wakes the loop.
	Interval time.Duration
	// Lease hides a claimed item from other sweepers while it is delivered.
	Lease time.Duration
	// CallTimeout bounds a single gateway call.
	CallTimeout time.Duration
	BatchSize   int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Dispatcher delivers gateway revocations after the state change that
// caused them has committed.  A failed call is retried with exponential
// backoff; one that keeps failing is buried and logged as an error so an
// operator can reconcile the physical lock by hand.
type Dispatcher struct {
	registry *Registry
	queue    Queue
	cfg      DispatcherConfig
	logger   *slog.Logger
	now      func() time.Time

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewDispatcher(registry *Registry, queue Queue, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		queue:    queue,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "revocation_dispatcher"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SetClock replaces the dispatcher's time source.  Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Submit queues revocations for delivery.  It never calls a gateway on the
// caller's goroutine unless the queue itself is failing, in which case one
// direct attempt is made per item and failures are logged for
// reconciliation.
//
// The state change behind revs has already committed, so Submit ignores
// cancellation of ctx.
func (d *Dispatcher) Submit(ctx context.Context, revs ...Revocation) {
	if len(revs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	now := d.now().UTC()
	for _, r := range revs {
		if r.EnqueuedAt.IsZero() {
			r.EnqueuedAt = now
		}
		if err := d.queue.Enqueue(ctx, r, now); err != nil {
			d.logger.Error("revocation enqueue failed, delivering directly",
				"grant_id", r.GrantID, "lock_id", r.LockID, "error", err)
			if err := d.deliver(ctx, r); err != nil {
				d.logger.Error("revocation not delivered, reconcile lock manually",
					"grant_id", r.GrantID, "lock_id", r.LockID, "reason", r.Reason, "error", err)
			}
		}
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Flush runs one delivery pass and reports how many revocations the
// gateways confirmed.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	now := d.now().UTC()
	batch, err := d.queue.Claim(ctx, now, d.cfg.Lease, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, r := range batch {
		err := d.deliver(ctx, r)
		if err == nil {
			delivered++
			if err := d.queue.Ack(ctx, r.GrantID); err != nil {
				d.logger.Warn("revocation ack failed; it will be redelivered", "grant_id", r.GrantID, "error", err)
			}
			continue
		}

		r.Attempts++
		r.LastError = err.Error()
		if r.Attempts >= d.cfg.MaxAttempts {
			if berr := d.queue.Bury(ctx, r); berr != nil {
				d.logger.Error("revocation bury failed", "grant_id", r.GrantID, "error", berr)
			}
			d.logger.Error("revocation dead-lettered, reconcile lock manually",
				"grant_id", r.GrantID, "lock_id", r.LockID, "reason", r.Reason,
				"attempts", r.Attempts, "error", err)
			continue
		}

		next := now.Add(d.backoff(r.Attempts))
		if qerr := d.queue.Enqueue(ctx, r, next); qerr != nil {
			d.logger.Error("revocation requeue failed", "grant_id", r.GrantID, "error", qerr)
			continue
		}
		d.logger.Warn("revocation failed, will retry",
			"grant_id", r.GrantID, "lock_id", r.LockID, "attempts", r.Attempts,
			"retry_at", next.Format(time.RFC3339), "error", err)
	}
	return delivered, nil
}

// Drain makes a last delivery pass before shutdown and reports how many
// revocations are still queued.  Whatever is left in a MemoryQueue dies with
// the process, so it is logged as needing manual reconciliation.
func (d *Dispatcher) Drain(ctx context.Context) (delivered, pending int, err error) {
	delivered, err = d.Flush(ctx)
	if err != nil {
		return delivered, 0, err
	}
	if pending, err = d.queue.Len(ctx); err != nil {
		return delivered, 0, err
	}
	buried, err := d.queue.Buried(ctx)
	if err != nil {
		return delivered, pending, err
	}

	mq, volatile := d.queue.(*MemoryQueue)
	switch {
	case volatile && pending+len(buried) > 0:
		d.logger.Error("revocations lost on exit, reconcile locks manually",
			"pending", pending, "dead_lettered", len(buried), "grant_ids", mq.GrantIDs())
	case pending > 0:
		d.logger.Warn("revocations left queued for the next start", "pending", pending)
	}
	return delivered, pending, nil
}

func (d *Dispatcher) deliver(ctx context.Context, r Revocation) error {
	gw, _ := d.registry.For(r.LockID)
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	err := gw.Revoke(ctx, r.GrantID)
	if err != nil && isUnknownGrant(err) {
		// Nothing was provisioned, so nothing is left to revoke.
		return nil
	}
	return err
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	b := d.cfg.Backoff
	for i := 1; i < attempts; i++ {
		b *= 2
		if b >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return b
}

// Start launches the delivery loop.  It exits when ctx is cancelled or
// Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.loop(ctx)
	d.logger.Info("revocation dispatcher started",
		"interval", d.cfg.Interval, "max_attempts", d.cfg.MaxAttempts)
}

// Stop signals the loop to exit and waits for it.  Safe to call more than
// once, and before Start.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		if d.cancel == nil {
			close(d.done)
			return
		}
		d.cancel()
	})
	<-d.done
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	if _, err := d.Flush(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("revocation sweep failed", "error", err)
	}
}
