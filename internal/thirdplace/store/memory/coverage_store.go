package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

// CoverageStore keeps envelopes, grants and pricing snapshots in memory.
//
// Row locks are keyed by envelope id: locking a grant locks its envelope,
// so check-ins on the same grant (and cascades over its siblings) serialize
// while unrelated envelopes proceed in parallel.  Writes are staged in the
// transaction and applied only on commit.
type CoverageStore struct {
	// gate is held shared by ordinary transactions and exclusively by
	// WithExclusiveTx.
	gate sync.RWMutex

	mu        sync.RWMutex
	envelopes map[string]types.CoverageEnvelope
	grants    map[string]types.AccessGrant
	snapshots map[string]types.PricingSnapshot // by envelope id

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func NewCoverageStore() *CoverageStore {
	return &CoverageStore{
		envelopes: make(map[string]types.CoverageEnvelope),
		grants:    make(map[string]types.AccessGrant),
		snapshots: make(map[string]types.PricingSnapshot),
		locks:     make(map[string]chan struct{}),
	}
}

func (s *CoverageStore) WithTx(ctx context.Context, fn store.TxFn) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.run(ctx, fn)
}

func (s *CoverageStore) WithExclusiveTx(ctx context.Context, fn store.TxFn) error {
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.run(ctx, fn)
}

func (s *CoverageStore) run(ctx context.Context, fn store.TxFn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &coverageTx{
		s:         s,
		held:      make(map[string]chan struct{}),
		envelopes: make(map[string]types.CoverageEnvelope),
		grants:    make(map[string]types.AccessGrant),
		snapshots: make(map[string]types.PricingSnapshot),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	// A cancelled caller gets a full rollback, never a partial commit.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *CoverageStore) commit(tx *coverageTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range tx.envelopes {
		s.envelopes[id] = e
	}
	for id, g := range tx.grants {
		s.grants[id] = g
	}
	for id, snap := range tx.snapshots {
		s.snapshots[id] = snap
	}
}

func (s *CoverageStore) rowLock(key string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[key] = l
	}
	return l
}

type coverageTx struct {
	s    *CoverageStore
	held map[string]chan struct{}

	envelopes map[string]types.CoverageEnvelope
	grants    map[string]types.AccessGrant
	snapshots map[string]types.PricingSnapshot
}

func (t *coverageTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	l := t.s.rowLock(key)
	select {
	case l <- struct{}{}:
		t.held[key] = l
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *coverageTx) release() {
	for key, l := range t.held {
		<-l
		delete(t.held, key)
	}
}

// ── Envelopes ───────────────────────────────────────────────────────────────

func (t *coverageTx) GetEnvelope(_ context.Context, id string) (types.CoverageEnvelope, error) {
	if e, ok := t.envelopes[id]; ok {
		return e, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	e, ok := t.s.envelopes[id]
	if !ok {
		return types.CoverageEnvelope{}, store.ErrNotFound
	}
	return e, nil
}

func (t *coverageTx) LockEnvelope(ctx context.Context, id string) (types.CoverageEnvelope, error) {
	if _, err := t.GetEnvelope(ctx, id); err != nil {
		return types.CoverageEnvelope{}, err
	}
	if err := t.lock(ctx, id); err != nil {
		return types.CoverageEnvelope{}, err
	}
	return t.GetEnvelope(ctx, id)
}

func (t *coverageTx) InsertEnvelope(ctx context.Context, e types.CoverageEnvelope) error {
	if _, err := t.GetEnvelope(ctx, e.ID); err == nil {
		return store.ErrConflict
	}
	if err := t.lock(ctx, e.ID); err != nil {
		return err
	}
	e.Metadata.Equipment = slices.Clone(e.Metadata.Equipment)
	t.envelopes[e.ID] = e
	return nil
}

func (t *coverageTx) UpdateEnvelope(ctx context.Context, e types.CoverageEnvelope) error {
	if _, err := t.GetEnvelope(ctx, e.ID); err != nil {
		return err
	}
	e.Metadata.Equipment = slices.Clone(e.Metadata.Equipment)
	t.envelopes[e.ID] = e
	return nil
}

func (t *coverageTx) ListEnvelopesByStatus(_ context.Context, statuses ...types.EnvelopeStatus) ([]types.CoverageEnvelope, error) {
	merged := make(map[string]types.CoverageEnvelope)
	t.s.mu.RLock()
	for id, e := range t.s.envelopes {
		merged[id] = e
	}
	t.s.mu.RUnlock()
	for id, e := range t.envelopes {
		merged[id] = e
	}

	var out []types.CoverageEnvelope
	for _, e := range merged {
		if slices.Contains(statuses, e.Status) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b types.CoverageEnvelope) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// ── Grants ──────────────────────────────────────────────────────────────────

func (t *coverageTx) GetGrant(_ context.Context, id string) (types.AccessGrant, error) {
	if g, ok := t.grants[id]; ok {
		return g, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	g, ok := t.s.grants[id]
	if !ok {
		return types.AccessGrant{}, store.ErrNotFound
	}
	return g, nil
}

func (t *coverageTx) LockGrant(ctx context.Context, id string) (types.AccessGrant, error) {
	g, err := t.GetGrant(ctx, id)
	if err != nil {
		return types.AccessGrant{}, err
	}
	if err := t.lock(ctx, g.EnvelopeID); err != nil {
		return types.AccessGrant{}, err
	}
	// Re-read: the previous lock holder may have committed a new counter.
	return t.GetGrant(ctx, id)
}

func (t *coverageTx) InsertGrant(ctx context.Context, g types.AccessGrant) error {
	if _, err := t.GetGrant(ctx, g.ID); err == nil {
		return store.ErrConflict
	}
	if _, err := t.GetEnvelope(ctx, g.EnvelopeID); err != nil {
		return err
	}
	t.grants[g.ID] = g
	return nil
}

func (t *coverageTx) UpdateGrant(ctx context.Context, g types.AccessGrant) error {
	if _, err := t.GetGrant(ctx, g.ID); err != nil {
		return err
	}
	t.grants[g.ID] = g
	return nil
}

func (t *coverageTx) ListGrantsByEnvelope(_ context.Context, envelopeID string) ([]types.AccessGrant, error) {
	return t.listGrants(func(g types.AccessGrant) bool { return g.EnvelopeID == envelopeID }), nil
}

func (t *coverageTx) ListGrantsByStatus(_ context.Context, status types.GrantStatus) ([]types.AccessGrant, error) {
	return t.listGrants(func(g types.AccessGrant) bool { return g.Status == status }), nil
}

func (t *coverageTx) listGrants(keep func(types.AccessGrant) bool) []types.AccessGrant {
	merged := make(map[string]types.AccessGrant)
	t.s.mu.RLock()
	for id, g := range t.s.grants {
		merged[id] = g
	}
	t.s.mu.RUnlock()
	for id, g := range t.grants {
		merged[id] = g
	}

	var out []types.AccessGrant
	for _, g := range merged {
		if keep(g) {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b types.AccessGrant) int {
		return cmp.Or(a.IssuedAt.Compare(b.IssuedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// ── Pricing snapshots ───────────────────────────────────────────────────────

func (t *coverageTx) InsertPricingSnapshot(ctx context.Context, snap types.PricingSnapshot) error {
	if _, err := t.GetPricingSnapshot(ctx, snap.EnvelopeID); err == nil {
		return store.ErrConflict
	}
	t.snapshots[snap.EnvelopeID] = snap
	return nil
}

func (t *coverageTx) GetPricingSnapshot(_ context.Context, envelopeID string) (types.PricingSnapshot, error) {
	if snap, ok := t.snapshots[envelopeID]; ok {
		return snap, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	snap, ok := t.s.snapshots[envelopeID]
	if !ok {
		return types.PricingSnapshot{}, store.ErrNotFound
	}
	return snap, nil
}
