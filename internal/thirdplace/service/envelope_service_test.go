package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thirdplace/server/internal/logger"
	"github.com/thirdplace/server/internal/thirdplace/apperr"
	"github.com/thirdplace/server/internal/thirdplace/service"
	"github.com/thirdplace/server/internal/thirdplace/store/memory"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

// ── Create ──────────────────────────────────────────────────────────────────

func TestCreate_ActivatesWithCertificate(t *testing.T) {
	for name, newF := range map[string]func(*testing.T) *fixture{
		"memory": newFixture,
		"sqlite": newSQLiteFixture,
	} {
		t.Run(name, func(t *testing.T) {
			f := newF(t)
			env := f.mustCreate(t, 10)

			assert.Equal(t, types.EnvelopeActive, env.Status)
			assert.Equal(t, "https://certs.test/"+env.ID+".pdf", env.CertificateRef)
			assert.Equal(t, "US-CA", env.Jurisdiction)
			assert.Equal(t, types.CoverageLimits{GeneralLiability: 1_000_000, MedicalPayments: 5_000}, env.CoverageLimits)

			stored, err := f.envelopes.Get(context.Background(), env.ID)
			require.NoError(t, err)
			assert.Equal(t, env.Status, stored.Status)
			assert.Equal(t, env.CertificateRef, stored.CertificateRef)
			assert.True(t, env.ValidFrom.Equal(stored.ValidFrom))

			snap, ok, err := f.envelopes.PricingSnapshot(context.Background(), env.ID)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 12.81, snap.FinalPrice)
			assert.Equal(t, 1.1, snap.JurisdictionFactor)
		})
	}
}

func TestCreate_PolicyCategoryLimitsMerge(t *testing.T) {
	f := newFixture(t)
	req := createReq(5)
	req.ActivityCategoryID = "cat-tool-based"

	env, err := f.envelopes.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), env.CoverageLimits.GeneralLiability)
	assert.Equal(t, int64(100_000), env.CoverageLimits.PropertyDamage)
	assert.Equal(t, int64(25_000), env.CoverageLimits.MedicalPayments)
}

func TestCreate_RejectionsLeaveNoRow(t *testing.T) {
	cases := map[string]func(*service.CreateEnvelopeRequest){
		"zero cap":          func(r *service.CreateEnvelopeRequest) { r.AttendanceCap = 0 },
		"zero duration":     func(r *service.CreateEnvelopeRequest) { r.DurationMinutes = 0 },
		"missing steward":   func(r *service.CreateEnvelopeRequest) { r.StewardID = "" },
		"reversed window":   func(r *service.CreateEnvelopeRequest) { r.ValidUntil = r.ValidFrom },
		"window too long":   func(r *service.CreateEnvelopeRequest) { r.ValidUntil = r.ValidFrom.Add(13 * time.Hour) },
		"starts in past":    func(r *service.CreateEnvelopeRequest) { r.ValidFrom = t0.Add(-time.Minute) },
		"unknown policy":    func(r *service.CreateEnvelopeRequest) { r.PolicyRootID = "nope" },
		"unknown category":  func(r *service.CreateEnvelopeRequest) { r.ActivityCategoryID = "nope" },
		"unknown space":     func(r *service.CreateEnvelopeRequest) { r.SpaceID = "nope" },
		"alcohol forbidden": func(r *service.CreateEnvelopeRequest) { r.Alcohol = true },
		"minors forbidden": func(r *service.CreateEnvelopeRequest) {
			r.ActivityCategoryID = "cat-tool-based"
			r.MinorsPresent = true
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			req := createReq(10)
			mutate(&req)

			_, err := f.envelopes.Create(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), err.Error())
			assert.Zero(t, f.envelopeCount(t))
		})
	}
}

func TestCreate_SuspendedPolicy(t *testing.T) {
	refs := memory.NewReferenceStore()
	f := buildFixture(t, refs, memory.NewCoverageStore())
	refs.SetPolicyStatus("policy-demo", types.PolicySuspended)

	_, err := f.envelopes.Create(context.Background(), createReq(10))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Zero(t, f.envelopeCount(t))
}

func TestCreate_ValidationNamesFields(t *testing.T) {
	f := newFixture(t)
	_, err := f.envelopes.Create(context.Background(), service.CreateEnvelopeRequest{})

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Details, "policy_root_id is required")
	assert.Contains(t, appErr.Details, "attendance_cap must be greater than 0")
}

// ── Void / claim ────────────────────────────────────────────────────────────

func TestVoid_Idempotent(t *testing.T) {
	f := newFixture(t)
	env := f.mustCreate(t, 10)
	ctx := context.Background()

	first, err := f.envelopes.Void(ctx, env.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.EnvelopeVoided, first.Status)
	assert.Equal(t, types.CauseManual, first.StatusReason)

	f.clock.Set(t0.Add(time.Minute))
	second, err := f.envelopes.Void(ctx, env.ID, "steward cancelled")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestVoid_UnknownEnvelope(t *testing.T) {
	f := newFixture(t)
	_, err := f.envelopes.Void(context.Background(), "missing", "")
	assert.True(t, apperr.Is(err, apperr.KindCoverage))
}

func TestVoid_RevokesEveryGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.mustCreate(t, 10)
	front := f.mustIssue(t, env.ID, "kisi:front")
	back := f.mustIssue(t, env.ID, "schlage:back")

	_, err := f.envelopes.Void(ctx, env.ID, "")
	require.NoError(t, err)

	for _, g := range f.grantsOf(t, env.ID) {
		assert.Equal(t, types.GrantRevoked, g.Status)
		assert.Equal(t, types.CauseManual, g.StatusReason)
	}

	assert.Equal(t, 2, f.queued(t))
	n, err := f.dispatcher.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, err := f.kisi.Verify(ctx, front.Grant.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.False(t, f.schlage.CheckPIN(back.Grant.ID, back.AccessPayload["pin"].(string)))
}

func TestOpenClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.mustCreate(t, 10)
	f.mustIssue(t, env.ID, "door-1")

	claimed, err := f.envelopes.OpenClaim(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvelopeClaimOpen, claimed.Status)
	assert.Equal(t, types.GrantRevoked, f.grantsOf(t, env.ID)[0].Status)

	_, err = f.envelopes.Void(ctx, env.ID, "")
	assert.True(t, apperr.Is(err, apperr.KindCoverage), "claim_open is not voidable")

	voided := f.mustCreate(t, 10)
	_, err = f.envelopes.Void(ctx, voided.ID, "")
	require.NoError(t, err)
	_, err = f.envelopes.OpenClaim(ctx, voided.ID)
	assert.True(t, apperr.Is(err, apperr.KindCoverage))
}

// ── Queries ─────────────────────────────────────────────────────────────────

func TestVerify_EvaluatedAtCallTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.mustCreate(t, 10)

	v, err := f.envelopes.Verify(ctx, env.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid, "window has not opened yet")
	assert.Equal(t, types.EnvelopeActive, v.Status)

	f.enterWindow()
	v, err = f.envelopes.Verify(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, env.CertificateRef, v.CertificateRef)

	f.clock.Set(env.ValidUntil.Add(time.Second))
	v, err = f.envelopes.Verify(ctx, env.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestCapacityStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.mustCreate(t, 5)
	front := f.mustIssue(t, env.ID, "door-front")
	back := f.mustIssue(t, env.ID, "door-back")
	f.enterWindow()

	for range 2 {
		_, err := f.access.CheckIn(ctx, front.Grant.ID)
		require.NoError(t, err)
	}
	_, err := f.access.CheckIn(ctx, back.Grant.ID)
	require.NoError(t, err)

	st, err := f.envelopes.CapacityStatus(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, st.AttendanceCap)
	assert.Equal(t, 3, st.CurrentAttendance, "admissions through both doors count")
	assert.Equal(t, 2, st.RemainingCapacity)
	assert.Equal(t, 2, st.LiveGrants)
	assert.False(t, st.CapacityReached)
}

// ── Expiry ──────────────────────────────────────────────────────────────────

func TestExpireDue_EnvelopeAndGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.mustCreate(t, 10)
	f.mustIssue(t, env.ID, "door-1")

	report, err := f.envelopes.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, report)

	f.clock.Set(env.ValidUntil.Add(time.Minute))
	report, err = f.envelopes.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.ExpiryReport{EnvelopesExpired: 1, GrantsRevoked: 1}, report)

	got, err := f.envelopes.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvelopeExpired, got.Status)
	assert.Equal(t, 1, f.queued(t))

	again, err := f.envelopes.Void(ctx, env.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.EnvelopeExpired, again.Status, "expired is terminal")
}

func TestExpireDue_ShortGrantExpiresAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.mustCreate(t, 10)

	until := t0.Add(2 * time.Hour)
	issued, err := f.access.IssueGrant(ctx, service.IssueGrantRequest{
		EnvelopeID: env.ID, LockID: "door-1", ValidUntil: &until,
	})
	require.NoError(t, err)

	f.clock.Set(t0.Add(150 * time.Minute))
	report, err := f.envelopes.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.ExpiryReport{GrantsExpired: 1}, report)

	g, err := f.access.Get(ctx, issued.Grant.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GrantExpired, g.Status)

	got, err := f.envelopes.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvelopeActive, got.Status)
}

func TestExpiryReaper_SweepsOnStart(t *testing.T) {
	f := newFixture(t)
	env := f.mustCreate(t, 10)
	f.clock.Set(env.ValidUntil.Add(time.Minute))

	reaper := service.NewExpiryReaper(f.envelopes, time.Hour, logger.Discard())
	reaper.Start(context.Background())
	defer reaper.Stop()

	assert.Eventually(t, func() bool {
		got, err := f.envelopes.Get(context.Background(), env.ID)
		return err == nil && got.Status == types.EnvelopeExpired
	}, 2*time.Second, 10*time.Millisecond)
}
