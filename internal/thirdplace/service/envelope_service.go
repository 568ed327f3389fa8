package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/thirdplace/server/internal/thirdplace/apperr"
	"github.com/thirdplace/server/internal/thirdplace/lockgw"
	"github.com/thirdplace/server/internal/thirdplace/pricing"
	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

type CreateEnvelopeRequest struct {
	PolicyRootID       string              `json:"policy_root_id" validate:"required"`
	ActivityCategoryID string              `json:"activity_category_id" validate:"required"`
	SpaceID            string              `json:"space_id" validate:"required"`
	StewardID          string              `json:"steward_id" validate:"required"`
	PlatformEntityID   string              `json:"platform_entity_id" validate:"required"`
	AttendanceCap      int                 `json:"attendance_cap" validate:"gt=0"`
	DurationMinutes    int                 `json:"duration_minutes" validate:"gt=0,lte=720"`
	ValidFrom          time.Time           `json:"valid_from" validate:"required"`
	ValidUntil         time.Time           `json:"valid_until" validate:"required"`
	Alcohol            bool                `json:"alcohol"`
	MinorsPresent      bool                `json:"minors_present"`
	Jurisdiction       string              `json:"jurisdiction,omitempty"`
	Metadata           types.EventMetadata `json:"event_metadata"`
}

// EnvelopeVerification is the answer a venue gets when it asks whether an
// event is insured right now.
type EnvelopeVerification struct {
	EnvelopeID     string               `json:"envelope_id"`
	Valid          bool                 `json:"valid"`
	Status         types.EnvelopeStatus `json:"status"`
	CoverageLimits types.CoverageLimits `json:"coverage_limits"`
	ValidFrom      time.Time            `json:"valid_from"`
	ValidUntil     time.Time            `json:"valid_until"`
	CertificateRef string               `json:"certificate_ref,omitempty"`
	CheckedAt      time.Time            `json:"checked_at"`
}

// CapacityStatus reports attendance against the insured cap.  Each grant
// counts its own door; CurrentAttendance is the busiest one.
type CapacityStatus struct {
	EnvelopeID        string `json:"envelope_id"`
	AttendanceCap     int    `json:"attendance_cap"`
	CurrentAttendance int    `json:"current_attendance"`
	RemainingCapacity int    `json:"remaining_capacity"`
	LiveGrants        int    `json:"live_grants"`
	CapacityReached   bool   `json:"capacity_reached"`
}

// ExpiryReport counts what one ExpireDue pass changed.
type ExpiryReport struct {
	EnvelopesExpired int `json:"envelopes_expired"`
	GrantsExpired    int `json:"grants_expired"`
	GrantsRevoked    int `json:"grants_revoked"`
}

// activation holds the reference data an activation re-checks.  It is read
// before the coverage transaction opens.
type activation struct {
	policy      types.PolicyRoot
	policyFound bool
	category    bool
	space       bool
}

// EnvelopeService owns the coverage-envelope state machine.
type EnvelopeService struct {
	deps   Deps
	logger *slog.Logger
}

func NewEnvelopeService(deps Deps) *EnvelopeService {
	deps = deps.withDefaults()
	return &EnvelopeService{deps: deps, logger: deps.Logger.With("component", "envelope_service")}
}

// Create validates req, prices it and persists an active envelope with its
// pricing snapshot.  Creation and activation are one transaction: on any
// error nothing is stored.
func (s *EnvelopeService) Create(ctx context.Context, req CreateEnvelopeRequest) (types.CoverageEnvelope, error) {
	if err := validateStruct(req); err != nil {
		return types.CoverageEnvelope{}, err
	}
	now := s.deps.now()
	from, until := req.ValidFrom.UTC().Truncate(time.Millisecond), req.ValidUntil.UTC().Truncate(time.Millisecond)

	if !from.Before(until) {
		return types.CoverageEnvelope{}, apperr.Validation("valid_from must be before valid_until")
	}
	if until.Sub(from) > types.MaxEnvelopeWindow {
		return types.CoverageEnvelope{}, apperr.Validation(
			fmt.Sprintf("coverage window may not exceed %s", types.MaxEnvelopeWindow))
	}
	if from.Before(now) {
		return types.CoverageEnvelope{}, apperr.Validation("valid_from may not be in the past")
	}

	policy, err := s.deps.References.GetActivePolicy(ctx, req.PolicyRootID)
	if err != nil {
		return types.CoverageEnvelope{}, storeErr(err,
			apperr.Validation("policy root not found or not active", "policy_root_id="+req.PolicyRootID))
	}
	if !policy.InEffect(now) || !policy.InEffect(until) {
		return types.CoverageEnvelope{}, apperr.Validation("policy root is not in effect for the coverage window",
			"policy_root_id="+req.PolicyRootID)
	}
	category, err := s.deps.References.GetCategory(ctx, req.ActivityCategoryID)
	if err != nil {
		return types.CoverageEnvelope{}, storeErr(err,
			apperr.Validation("activity category not found", "activity_category_id="+req.ActivityCategoryID))
	}
	space, err := s.deps.References.GetSpace(ctx, req.SpaceID)
	if err != nil {
		return types.CoverageEnvelope{}, storeErr(err,
			apperr.Validation("space risk profile not found", "space_id="+req.SpaceID))
	}
	if req.Alcohol && !category.AllowsAlcohol {
		return types.CoverageEnvelope{}, apperr.Validation("alcohol not permitted for activity category", category.Slug)
	}
	if req.MinorsPresent && !category.AllowsMinors {
		return types.CoverageEnvelope{}, apperr.Validation("minors not permitted for activity category", category.Slug)
	}

	jurisdiction := strings.ToUpper(strings.TrimSpace(req.Jurisdiction))
	if jurisdiction == "" {
		jurisdiction = policy.Jurisdiction
	}

	env := types.CoverageEnvelope{
		ID:                 s.deps.NewID(),
		PolicyRootID:       policy.ID,
		ActivityCategoryID: category.ID,
		SpaceID:            space.SpaceID,
		StewardID:          strings.TrimSpace(req.StewardID),
		PlatformEntityID:   strings.TrimSpace(req.PlatformEntityID),
		Metadata:           req.Metadata,
		AttendanceCap:      req.AttendanceCap,
		DurationMinutes:    req.DurationMinutes,
		Alcohol:            req.Alcohol,
		MinorsPresent:      req.MinorsPresent,
		CoverageLimits:     policy.LimitsFor(category),
		Jurisdiction:       jurisdiction,
		ValidFrom:          from,
		ValidUntil:         until,
		Status:             types.EnvelopePending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	in := pricing.Input{
		CategorySlug:    category.Slug,
		BaseRiskScore:   category.BaseRiskScore,
		HazardRating:    space.HazardRating,
		AttendanceCap:   env.AttendanceCap,
		DurationMinutes: env.DurationMinutes,
		Jurisdiction:    env.Jurisdiction,
	}
	snap := pricing.Snapshot(s.deps.NewID(), env.ID, in, pricing.Calculate(in), now)
	refs, err := s.loadActivation(ctx, env)
	if err != nil {
		return types.CoverageEnvelope{}, storeErr(err, nil)
	}

	err = s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		if err := tx.InsertEnvelope(ctx, env); err != nil {
			return fmt.Errorf("insert envelope: %w", err)
		}
		if err := tx.InsertPricingSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("insert pricing snapshot: %w", err)
		}
		activated, err := s.activate(ctx, tx, env, refs, now)
		if err != nil {
			return err
		}
		env = activated
		return nil
	})
	if err != nil {
		return types.CoverageEnvelope{}, storeErr(err, nil)
	}

	s.logger.Info("envelope activated",
		"envelope_id", env.ID, "policy_root_id", env.PolicyRootID, "attendance_cap", env.AttendanceCap,
		"valid_from", env.ValidFrom, "valid_until", env.ValidUntil, "premium", snap.FinalPrice)
	return env, nil
}

// loadActivation reads the references e depends on.  A missing row is
// recorded as such; any other store failure is returned.
func (s *EnvelopeService) loadActivation(ctx context.Context, e types.CoverageEnvelope) (activation, error) {
	var (
		refs activation
		err  error
	)
	refs.policy, err = s.deps.References.GetPolicy(ctx, e.PolicyRootID)
	if refs.policyFound, err = found(err); err != nil {
		return activation{}, fmt.Errorf("policy root %s: %w", e.PolicyRootID, err)
	}
	_, err = s.deps.References.GetCategory(ctx, e.ActivityCategoryID)
	if refs.category, err = found(err); err != nil {
		return activation{}, fmt.Errorf("activity category %s: %w", e.ActivityCategoryID, err)
	}
	_, err = s.deps.References.GetSpace(ctx, e.SpaceID)
	if refs.space, err = found(err); err != nil {
		return activation{}, fmt.Errorf("space %s: %w", e.SpaceID, err)
	}
	return refs, nil
}

func found(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	}
	return false, err
}

// activate moves a pending envelope to active and stamps its certificate.
// On error e is unchanged.
func (s *EnvelopeService) activate(ctx context.Context, tx store.CoverageTx, e types.CoverageEnvelope, refs activation, now time.Time) (types.CoverageEnvelope, error) {
	if e.Status != types.EnvelopePending {
		return e, apperr.Coverage("only pending envelopes can be activated", "status="+string(e.Status))
	}
	switch {
	case !refs.policyFound || refs.policy.Status != types.PolicyActive:
		return e, apperr.Coverage("policy root is no longer active", "policy_root_id="+e.PolicyRootID)
	case !refs.policy.InEffect(now):
		return e, apperr.Coverage("policy root is not in effect", "policy_root_id="+e.PolicyRootID)
	case !refs.category:
		return e, apperr.Coverage("activity category no longer exists", "activity_category_id="+e.ActivityCategoryID)
	case !refs.space:
		return e, apperr.Coverage("space risk profile no longer exists", "space_id="+e.SpaceID)
	case now.After(e.ValidUntil):
		return e, apperr.Coverage("coverage window has already ended", "envelope_id="+e.ID)
	}

	next := e
	next.CertificateRef = s.certificateRef(e.ID)
	activated, _, err := transition(ctx, tx, next, types.EnvelopeActive, "", now)
	if err != nil {
		return e, err
	}
	return activated, nil
}

func (s *EnvelopeService) certificateRef(envelopeID string) string {
	return strings.TrimRight(s.deps.CertificateBaseURL, "/") + "/" + envelopeID + ".pdf"
}

// Void ends coverage and revokes every live grant of the envelope.  Voiding
// an already voided or expired envelope returns it unchanged.
func (s *EnvelopeService) Void(ctx context.Context, id, reason string) (types.CoverageEnvelope, error) {
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = types.CauseManual
	}
	return s.end(ctx, id, types.EnvelopeVoided, reason)
}

// OpenClaim marks an active envelope as under claim.  Access ends with it.
func (s *EnvelopeService) OpenClaim(ctx context.Context, id string) (types.CoverageEnvelope, error) {
	return s.end(ctx, id, types.EnvelopeClaimOpen, types.CauseClaimOpened)
}

func (s *EnvelopeService) end(ctx context.Context, id string, next types.EnvelopeStatus, reason string) (types.CoverageEnvelope, error) {
	now := s.deps.now()
	var (
		env     types.CoverageEnvelope
		revs    []lockgw.Revocation
		changed bool
	)
	err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		e, err := tx.LockEnvelope(ctx, id)
		if err != nil {
			return err
		}
		if e.Status == next || (next == types.EnvelopeVoided && e.Status.Terminal()) {
			env, revs, changed = e, nil, false
			return nil
		}
		env, revs, err = transition(ctx, tx, e, next, reason, now)
		changed = err == nil
		return err
	})
	if err != nil {
		return types.CoverageEnvelope{}, storeErr(err, apperr.Coverage("envelope not found", "envelope_id="+id))
	}
	if changed {
		s.logger.Info("envelope coverage ended",
			"envelope_id", env.ID, "status", env.Status, "reason", reason, "grants_revoked", len(revs))
		s.deps.Revocations.Submit(ctx, revs...)
	}
	return env, nil
}

func (s *EnvelopeService) Get(ctx context.Context, id string) (types.CoverageEnvelope, error) {
	var env types.CoverageEnvelope
	err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		var err error
		env, err = tx.GetEnvelope(ctx, id)
		return err
	})
	if err != nil {
		return types.CoverageEnvelope{}, storeErr(err, apperr.Coverage("envelope not found", "envelope_id="+id))
	}
	return env, nil
}

// Verify evaluates the validity predicate at the current time.  It is
// never cached.
func (s *EnvelopeService) Verify(ctx context.Context, id string) (EnvelopeVerification, error) {
	env, err := s.Get(ctx, id)
	if err != nil {
		return EnvelopeVerification{}, err
	}
	now := s.deps.now()
	return EnvelopeVerification{
		EnvelopeID:     env.ID,
		Valid:          env.CurrentlyValid(now),
		Status:         env.Status,
		CoverageLimits: env.CoverageLimits,
		ValidFrom:      env.ValidFrom,
		ValidUntil:     env.ValidUntil,
		CertificateRef: env.CertificateRef,
		CheckedAt:      now,
	}, nil
}

// PricingSnapshot returns the quote frozen at creation and whether it still
// reproduces.
func (s *EnvelopeService) PricingSnapshot(ctx context.Context, id string) (types.PricingSnapshot, bool, error) {
	var snap types.PricingSnapshot
	err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		var err error
		snap, err = tx.GetPricingSnapshot(ctx, id)
		return err
	})
	if err != nil {
		return types.PricingSnapshot{}, false, storeErr(err,
			apperr.Coverage("pricing snapshot not found", "envelope_id="+id))
	}
	return snap, pricing.Verify(snap), nil
}

func (s *EnvelopeService) CapacityStatus(ctx context.Context, id string) (CapacityStatus, error) {
	var st CapacityStatus
	err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		env, err := tx.GetEnvelope(ctx, id)
		if err != nil {
			return err
		}
		grants, err := tx.ListGrantsByEnvelope(ctx, id)
		if err != nil {
			return err
		}
		st = CapacityStatus{EnvelopeID: env.ID, AttendanceCap: env.AttendanceCap}
		for _, g := range grants {
			st.CurrentAttendance += g.CheckinsUsed
			if g.Status == types.GrantActive {
				st.LiveGrants++
			}
		}
		return nil
	})
	if err != nil {
		return CapacityStatus{}, storeErr(err, apperr.Coverage("envelope not found", "envelope_id="+id))
	}
	st.RemainingCapacity = max(st.AttendanceCap-st.CurrentAttendance, 0)
	st.CapacityReached = st.RemainingCapacity == 0
	return st, nil
}

// ExpireDue expires envelopes and grants whose window has ended.  Each row
// is expired in its own transaction, re-checked under its lock, so a long
// pass never holds more than one envelope.
func (s *EnvelopeService) ExpireDue(ctx context.Context) (ExpiryReport, error) {
	now := s.deps.now()
	var (
		report    ExpiryReport
		envelopes []types.CoverageEnvelope
		grants    []types.AccessGrant
	)
	err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		var err error
		envelopes, err = tx.ListEnvelopesByStatus(ctx, types.EnvelopePending, types.EnvelopeActive)
		if err != nil {
			return err
		}
		grants, err = tx.ListGrantsByStatus(ctx, types.GrantActive)
		return err
	})
	if err != nil {
		return report, storeErr(err, nil)
	}

	var revs []lockgw.Revocation
	defer func() { s.deps.Revocations.Submit(ctx, revs...) }()

	for _, candidate := range envelopes {
		if !now.After(candidate.ValidUntil) {
			continue
		}
		err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
			e, err := tx.LockEnvelope(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if e.Status.Terminal() || !now.After(e.ValidUntil) || !e.Status.CanTransitionTo(types.EnvelopeExpired) {
				return nil
			}
			_, r, err := transition(ctx, tx, e, types.EnvelopeExpired, types.CauseEnvelopeExpired, now)
			if err != nil {
				return err
			}
			report.EnvelopesExpired++
			report.GrantsRevoked += len(r)
			revs = append(revs, r...)
			return nil
		})
		if err != nil {
			return report, storeErr(err, nil)
		}
	}

	for _, candidate := range grants {
		if !now.After(candidate.ValidUntil) {
			continue
		}
		err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
			g, err := tx.LockGrant(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if g.Status != types.GrantActive || !now.After(g.ValidUntil) {
				return nil
			}
			r, err := revokeGrant(ctx, tx, g, types.GrantExpired, types.CauseGrantExpired, now)
			if err != nil {
				return err
			}
			report.GrantsExpired++
			revs = append(revs, r)
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return report, storeErr(err, nil)
		}
	}

	if report != (ExpiryReport{}) {
		s.logger.Info("expired coverage",
			"envelopes", report.EnvelopesExpired, "grants_expired", report.GrantsExpired,
			"grants_revoked", report.GrantsRevoked)
	}
	return report, nil
}
