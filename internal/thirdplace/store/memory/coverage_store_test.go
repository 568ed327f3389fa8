package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/store/memory"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

var t0 = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

func seed(t *testing.T, cov *memory.CoverageStore, envelopeID string, grantIDs ...string) {
	t.Helper()
	err := cov.WithTx(context.Background(), func(ctx context.Context, tx store.CoverageTx) error {
		if err := tx.InsertEnvelope(ctx, types.CoverageEnvelope{
			ID: envelopeID, AttendanceCap: 100, Status: types.EnvelopeActive,
			ValidFrom: t0, ValidUntil: t0.Add(time.Hour), CreatedAt: t0,
		}); err != nil {
			return err
		}
		for _, id := range grantIDs {
			if err := tx.InsertGrant(ctx, types.AccessGrant{
				ID: id, EnvelopeID: envelopeID, AttendanceCap: 100, Status: types.GrantActive, IssuedAt: t0,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCoverageStore_ErrorDiscardsStagedWrites(t *testing.T) {
	cov := memory.NewCoverageStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		require.NoError(t, tx.InsertEnvelope(ctx, types.CoverageEnvelope{ID: "env-1", Status: types.EnvelopePending}))
		// Visible inside the transaction.
		_, err := tx.GetEnvelope(ctx, "env-1")
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		_, err := tx.GetEnvelope(ctx, "env-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestCoverageStore_CancelledContextRollsBack(t *testing.T) {
	cov := memory.NewCoverageStore()
	ctx, cancel := context.WithCancel(context.Background())

	err := cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		cancel()
		return tx.InsertEnvelope(ctx, types.CoverageEnvelope{ID: "env-1"})
	})
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, cov.WithTx(context.Background(), func(ctx context.Context, tx store.CoverageTx) error {
		_, err := tx.GetEnvelope(ctx, "env-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestCoverageStore_InsertConflicts(t *testing.T) {
	cov := memory.NewCoverageStore()
	seed(t, cov, "env-1", "g-1")

	err := cov.WithTx(context.Background(), func(ctx context.Context, tx store.CoverageTx) error {
		assert.ErrorIs(t, tx.InsertEnvelope(ctx, types.CoverageEnvelope{ID: "env-1"}), store.ErrConflict)
		assert.ErrorIs(t, tx.InsertGrant(ctx, types.AccessGrant{ID: "g-1", EnvelopeID: "env-1"}), store.ErrConflict)
		assert.ErrorIs(t, tx.InsertGrant(ctx, types.AccessGrant{ID: "g-2", EnvelopeID: "missing"}), store.ErrNotFound)
		assert.ErrorIs(t, tx.UpdateGrant(ctx, types.AccessGrant{ID: "missing"}), store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

// Read-modify-write under LockGrant must not lose updates, even when two
// grants of the same envelope are hammered at once.
func TestCoverageStore_LockGrantSerializesEnvelope(t *testing.T) {
	cov := memory.NewCoverageStore()
	seed(t, cov, "env-1", "g-1", "g-2")
	ctx := context.Background()

	const perGrant = 50
	var wg sync.WaitGroup
	for _, id := range []string{"g-1", "g-2"} {
		for range perGrant {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
					g, err := tx.LockGrant(ctx, id)
					if err != nil {
						return err
					}
					g.CheckinsUsed++
					return tx.UpdateGrant(ctx, g)
				})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	require.NoError(t, cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		grants, err := tx.ListGrantsByEnvelope(ctx, "env-1")
		require.NoError(t, err)
		require.Len(t, grants, 2)
		for _, g := range grants {
			assert.Equal(t, perGrant, g.CheckinsUsed, g.ID)
		}
		return nil
	}))
}

func TestCoverageStore_LockWaitHonoursContext(t *testing.T) {
	cov := memory.NewCoverageStore()
	seed(t, cov, "env-1", "g-1")

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = cov.WithTx(context.Background(), func(ctx context.Context, tx store.CoverageTx) error {
			_, err := tx.LockEnvelope(ctx, "env-1")
			close(held)
			<-release
			return err
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		_, err := tx.LockGrant(ctx, "g-1")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoverageStore_ExclusiveTxWaitsForReaders(t *testing.T) {
	cov := memory.NewCoverageStore()
	seed(t, cov, "env-1")

	inTx := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cov.WithTx(context.Background(), func(ctx context.Context, tx store.CoverageTx) error {
			close(inTx)
			<-release
			return nil
		})
	}()
	<-inTx

	exclusive := make(chan struct{})
	go func() {
		_ = cov.WithExclusiveTx(context.Background(), func(ctx context.Context, tx store.CoverageTx) error {
			close(exclusive)
			return nil
		})
	}()

	select {
	case <-exclusive:
		t.Fatal("exclusive transaction ran while another was open")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	select {
	case <-exclusive:
	case <-time.After(time.Second):
		t.Fatal("exclusive transaction never ran")
	}
}

func TestCoverageStore_ListingsMergeStagedRows(t *testing.T) {
	cov := memory.NewCoverageStore()
	seed(t, cov, "env-1", "g-1")

	require.NoError(t, cov.WithTx(context.Background(), func(ctx context.Context, tx store.CoverageTx) error {
		g, err := tx.LockGrant(ctx, "g-1")
		require.NoError(t, err)
		g.Status = types.GrantRevoked
		require.NoError(t, tx.UpdateGrant(ctx, g))

		active, err := tx.ListGrantsByStatus(ctx, types.GrantActive)
		require.NoError(t, err)
		assert.Empty(t, active)

		e, err := tx.LockEnvelope(ctx, "env-1")
		require.NoError(t, err)
		e.Status = types.EnvelopeVoided
		require.NoError(t, tx.UpdateEnvelope(ctx, e))

		voided, err := tx.ListEnvelopesByStatus(ctx, types.EnvelopeVoided)
		require.NoError(t, err)
		assert.Len(t, voided, 1)
		return nil
	}))
}
