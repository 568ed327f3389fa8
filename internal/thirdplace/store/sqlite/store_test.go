package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/store/sqlite"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var t0 = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

func seedPolicy(t *testing.T, refs *sqlite.ReferenceStore) types.PolicyRoot {
	t.Helper()
	p := types.PolicyRoot{
		ID:             "pol-1",
		InsurerName:    "Acme Mutual",
		PolicyNumber:   "AM-0001",
		Jurisdiction:   "US-CA",
		EffectiveFrom:  t0.AddDate(-1, 0, 0),
		EffectiveUntil: t0.AddDate(1, 0, 0),
		BaseLimits:     types.CoverageLimits{GeneralLiability: 1_000_000},
		CategoryLimits: map[string]types.CoverageLimits{
			types.CategoryToolBased: {GeneralLiability: 2_000_000, MedicalPayments: 10_000},
		},
		Status: types.PolicyActive,
	}
	require.NoError(t, refs.UpsertPolicy(context.Background(), p))
	return p
}

func newEnvelope(id string) types.CoverageEnvelope {
	return types.CoverageEnvelope{
		ID:                 id,
		PolicyRootID:       "pol-1",
		ActivityCategoryID: "cat-passive",
		SpaceID:            "space-1",
		StewardID:          "steward-1",
		PlatformEntityID:   "platform-1",
		Metadata:           types.EventMetadata{DeclaredActivity: "board games", Equipment: []string{"tables"}},
		AttendanceCap:      10,
		DurationMinutes:    180,
		CoverageLimits:     types.CoverageLimits{GeneralLiability: 1_000_000},
		Jurisdiction:       "US-CA",
		ValidFrom:          t0,
		ValidUntil:         t0.Add(3 * time.Hour),
		Status:             types.EnvelopePending,
		CreatedAt:          t0.Add(-time.Hour),
		UpdatedAt:          t0.Add(-time.Hour),
	}
}

func newGrant(id, envelopeID string) types.AccessGrant {
	return types.AccessGrant{
		ID:            id,
		EnvelopeID:    envelopeID,
		LockID:        "kisi:front",
		AccessType:    types.AccessAPIUnlock,
		ValidFrom:     t0,
		ValidUntil:    t0.Add(3 * time.Hour),
		AttendanceCap: 10,
		Status:        types.GrantActive,
		IssuedAt:      t0,
		UpdatedAt:     t0,
	}
}

// ---------------------------------------------------------------------------
// Reference data
// ---------------------------------------------------------------------------

func TestReferenceStore_CategoryRoundTrip(t *testing.T) {
	conn := openTestDB(t)
	refs := sqlite.NewReferenceStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	in := types.ActivityCategory{
		ID:                  "cat-tool",
		Slug:                types.CategoryToolBased,
		BaseRiskScore:       0.7,
		DefaultLimits:       types.CoverageLimits{GeneralLiability: 2_000_000},
		ProhibitedEquipment: []string{"welding"},
	}
	require.NoError(t, refs.UpsertCategory(ctx, in))

	got, err := refs.GetCategoryBySlug(ctx, types.CategoryToolBased)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	in.AllowsMinors = true
	require.NoError(t, refs.UpsertCategory(ctx, in))
	got, err = refs.GetCategory(ctx, "cat-tool")
	require.NoError(t, err)
	assert.True(t, got.AllowsMinors)

	_, err = refs.GetCategory(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, err := refs.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReferenceStore_PolicyWithCategoryLimits(t *testing.T) {
	conn := openTestDB(t)
	refs := sqlite.NewReferenceStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	want := seedPolicy(t, refs)

	got, err := refs.GetActivePolicy(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.Status = types.PolicySuspended
	want.CategoryLimits = nil
	require.NoError(t, refs.UpsertPolicy(ctx, want))

	_, err = refs.GetActivePolicy(ctx, want.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err = refs.GetPolicy(ctx, want.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CategoryLimits)
}

func TestReferenceStore_Space(t *testing.T) {
	conn := openTestDB(t)
	refs := sqlite.NewReferenceStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	inspected := t0.AddDate(0, -2, 0)
	in := types.SpaceRiskProfile{SpaceID: "space-1", Name: "Back room", HazardRating: 0.2, Stairs: true, LastInspectedAt: &inspected}
	require.NoError(t, refs.UpsertSpace(ctx, in))

	got, err := refs.GetSpace(ctx, " space-1 ")
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

// ---------------------------------------------------------------------------
// Coverage transactions
// ---------------------------------------------------------------------------

func TestCoverageStore_EnvelopeLifecycle(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	seedPolicy(t, sqlite.NewReferenceStore(conn, w))
	cov := sqlite.NewCoverageStore(w)
	ctx := context.Background()

	env := newEnvelope("env-1")
	require.NoError(t, cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		return tx.InsertEnvelope(ctx, env)
	}))

	err := cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		return tx.InsertEnvelope(ctx, env)
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		got, err := tx.LockEnvelope(ctx, "env-1")
		if err != nil {
			return err
		}
		assert.Equal(t, env, got)

		got.Status = types.EnvelopeActive
		got.CertificateRef = "https://certs.example/env-1.pdf"
		got.UpdatedAt = t0
		return tx.UpdateEnvelope(ctx, got)
	}))

	require.NoError(t, cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		active, err := tx.ListEnvelopesByStatus(ctx, types.EnvelopeActive, types.EnvelopePending)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "https://certs.example/env-1.pdf", active[0].CertificateRef)

		voided, err := tx.ListEnvelopesByStatus(ctx, types.EnvelopeVoided)
		require.NoError(t, err)
		assert.Empty(t, voided)
		return nil
	}))
}

func TestCoverageStore_ErrorRollsBack(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	seedPolicy(t, sqlite.NewReferenceStore(conn, w))
	cov := sqlite.NewCoverageStore(w)
	ctx := context.Background()

	boom := errors.New("boom")
	err := cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		if err := tx.InsertEnvelope(ctx, newEnvelope("env-1")); err != nil {
			return err
		}
		if err := tx.InsertGrant(ctx, newGrant("g-1", "env-1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		_, err := tx.GetEnvelope(ctx, "env-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.GetGrant(ctx, "g-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestCoverageStore_GrantCounterCannotPassCap(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	seedPolicy(t, sqlite.NewReferenceStore(conn, w))
	cov := sqlite.NewCoverageStore(w)
	ctx := context.Background()

	require.NoError(t, cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		if err := tx.InsertEnvelope(ctx, newEnvelope("env-1")); err != nil {
			return err
		}
		return tx.InsertGrant(ctx, newGrant("g-1", "env-1"))
	}))

	err := cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		g, err := tx.LockGrant(ctx, "g-1")
		if err != nil {
			return err
		}
		g.CheckinsUsed = g.AttendanceCap + 1
		return tx.UpdateGrant(ctx, g)
	})
	require.Error(t, err, "schema CHECK must reject checkins_used > attendance_cap")

	require.NoError(t, cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		g, err := tx.GetGrant(ctx, "g-1")
		require.NoError(t, err)
		assert.Zero(t, g.CheckinsUsed)

		byEnv, err := tx.ListGrantsByEnvelope(ctx, "env-1")
		require.NoError(t, err)
		assert.Len(t, byEnv, 1)

		byStatus, err := tx.ListGrantsByStatus(ctx, types.GrantRevoked)
		require.NoError(t, err)
		assert.Empty(t, byStatus)
		return nil
	}))
}

func TestCoverageStore_PricingSnapshot(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	seedPolicy(t, sqlite.NewReferenceStore(conn, w))
	cov := sqlite.NewCoverageStore(w)
	ctx := context.Background()

	snap := types.PricingSnapshot{
		ID: "snap-1", EnvelopeID: "env-1", CategorySlug: types.CategoryPassive,
		RiskScore: 0.3, HazardRating: 0.2, AttendanceCap: 10, DurationMinutes: 180, Jurisdiction: "US-CA",
		BaseRate: 10, DurationFactor: 1, AttendanceFactor: 1, JurisdictionFactor: 1.1, RiskFactor: 1.352,
		FinalPrice: 14.87, Currency: "USD", ComputedAt: t0,
	}
	require.NoError(t, cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		if err := tx.InsertEnvelope(ctx, newEnvelope("env-1")); err != nil {
			return err
		}
		return tx.InsertPricingSnapshot(ctx, snap)
	}))

	require.NoError(t, cov.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		got, err := tx.GetPricingSnapshot(ctx, "env-1")
		require.NoError(t, err)
		assert.Equal(t, snap, got)

		assert.ErrorIs(t, tx.InsertPricingSnapshot(ctx, snap), store.ErrConflict)
		return nil
	}))
}

func TestCoverageStore_UpdateMissingRow(t *testing.T) {
	conn := openTestDB(t)
	cov := sqlite.NewCoverageStore(newTestWriter(t, conn))

	err := cov.WithExclusiveTx(context.Background(), func(ctx context.Context, tx store.CoverageTx) error {
		return tx.UpdateGrant(ctx, newGrant("nope", "env-x"))
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
