package lockgw

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// Revocation is one pending gateway revoke.  It is keyed by GrantID, so
// enqueueing the same grant twice keeps a single entry.
type Revocation struct {
	GrantID    string    `json:"grant_id"`
	LockID     string    `json:"lock_id"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue stores revocations until a gateway confirms them.
//
// Claim hands out due items and hides them until now+lease; an item that is
// neither acked nor re-enqueued before the lease runs out is handed out
// again.  Delivery is therefore at-least-once.
type Queue interface {
	Enqueue(ctx context.Context, r Revocation, due time.Time) error
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Revocation, error)
	Ack(ctx context.Context, grantID string) error
	Bury(ctx context.Context, r Revocation) error
	Buried(ctx context.Context) ([]Revocation, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is a Queue for single-process deployments and tests.
type MemoryQueue struct {
	mu     sync.Mutex
	items  map[string]scheduled
	buried []Revocation
}

type scheduled struct {
	rev Revocation
	due time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]scheduled)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, r Revocation, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[r.GrantID] = scheduled{rev: r, due: due}
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Revocation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []scheduled
	for _, s := range q.items {
		if !s.due.After(now) {
			due = append(due, s)
		}
	}
	slices.SortFunc(due, func(a, b scheduled) int {
		return cmp.Or(a.due.Compare(b.due), cmp.Compare(a.rev.GrantID, b.rev.GrantID))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Revocation, 0, len(due))
	for _, s := range due {
		q.items[s.rev.GrantID] = scheduled{rev: s.rev, due: now.Add(lease)}
		out = append(out, s.rev)
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, grantID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, grantID)
	return nil
}

func (q *MemoryQueue) Bury(_ context.Context, r Revocation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, r.GrantID)
	q.buried = append(q.buried, r)
	return nil
}

func (q *MemoryQueue) Buried(_ context.Context) ([]Revocation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.buried), nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// GrantIDs lists the grants still queued or buried, sorted.
func (q *MemoryQueue) GrantIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.items)+len(q.buried))
	for id := range q.items {
		out = append(out, id)
	}
	for _, r := range q.buried {
		out = append(out, r.GrantID)
	}
	slices.Sort(out)
	return out
}
