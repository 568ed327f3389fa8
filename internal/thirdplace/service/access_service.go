package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/thirdplace/server/internal/thirdplace/apperr"
	"github.com/thirdplace/server/internal/thirdplace/lockgw"
	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

// IssueGrantRequest asks for a door credential bound to an envelope.  The
// window defaults to the envelope's.
type IssueGrantRequest struct {
	EnvelopeID string     `json:"envelope_id" validate:"required"`
	LockID     string     `json:"lock_id" validate:"required,max=200"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// IssuedGrant is a grant plus the credential its gateway provisioned.
type IssuedGrant struct {
	Grant         types.AccessGrant `json:"grant"`
	Vendor        string            `json:"vendor"`
	AccessPayload map[string]any    `json:"access_payload,omitempty"`
}

type AttendanceStatus struct {
	GrantID           string            `json:"grant_id"`
	EnvelopeID        string            `json:"envelope_id"`
	Status            types.GrantStatus `json:"status"`
	AttendanceCap     int               `json:"attendance_cap"`
	CheckinsUsed      int               `json:"checkins_used"`
	Admitted          int               `json:"admitted"`
	RemainingCapacity int               `json:"remaining_capacity"`
}

// GrantVerification combines local state with what the lock vendor reports.
type GrantVerification struct {
	GrantID      string            `json:"grant_id"`
	Status       types.GrantStatus `json:"status"`
	Valid        bool              `json:"valid"`
	Vendor       string            `json:"vendor"`
	GatewayValid bool              `json:"gateway_valid"`
	ExpiresAt    *time.Time        `json:"gateway_expires_at,omitempty"`
	GatewayError string            `json:"gateway_error,omitempty"`
	CheckedAt    time.Time         `json:"checked_at"`
}

type EmergencyReport struct {
	GrantsRevoked   int       `json:"grants_revoked"`
	EnvelopesVoided int       `json:"envelopes_voided"`
	Reason          string    `json:"reason"`
	At              time.Time `json:"at"`
}

// AccessService issues access grants and enforces attendance caps at the
// door.
type AccessService struct {
	deps   Deps
	logger *slog.Logger
}

func NewAccessService(deps Deps) *AccessService {
	deps = deps.withDefaults()
	return &AccessService{deps: deps, logger: deps.Logger.With("component", "access_service")}
}

// IssueGrant records a grant and then asks the lock's gateway for a
// credential.  If provisioning fails the grant is revoked again and the
// error returned.
func (s *AccessService) IssueGrant(ctx context.Context, req IssueGrantRequest) (IssuedGrant, error) {
	if err := validateStruct(req); err != nil {
		return IssuedGrant{}, err
	}
	lockID := strings.TrimSpace(req.LockID)
	gw, vendor := s.deps.Gateways.For(lockID)
	now := s.deps.now()

	var grant types.AccessGrant
	err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		env, err := tx.LockEnvelope(ctx, req.EnvelopeID)
		if err != nil {
			return err
		}
		if env.Status != types.EnvelopeActive || now.After(env.ValidUntil) {
			return apperr.Coverage("envelope is not valid for access", "status="+string(env.Status))
		}

		from, until := env.ValidFrom, env.ValidUntil
		if req.ValidFrom != nil {
			from = req.ValidFrom.UTC().Truncate(time.Millisecond)
		}
		if req.ValidUntil != nil {
			until = req.ValidUntil.UTC().Truncate(time.Millisecond)
		}
		if !from.Before(until) {
			return apperr.Validation("valid_from must be before valid_until")
		}
		if from.Before(env.ValidFrom) || until.After(env.ValidUntil) {
			return apperr.Validation("grant window must lie within the envelope window")
		}

		siblings, err := tx.ListGrantsByEnvelope(ctx, env.ID)
		if err != nil {
			return err
		}
		for _, g := range siblings {
			if g.Status == types.GrantActive && g.LockID == lockID {
				return apperr.Coverage("envelope already has a live grant for this lock", "grant_id="+g.ID)
			}
		}

		grant = types.AccessGrant{
			ID:            s.deps.NewID(),
			EnvelopeID:    env.ID,
			LockID:        lockID,
			AccessType:    lockgw.AccessTypeForVendor(vendor),
			ValidFrom:     from,
			ValidUntil:    until,
			AttendanceCap: env.AttendanceCap,
			Status:        types.GrantActive,
			IssuedAt:      now,
			UpdatedAt:     now,
		}
		return tx.InsertGrant(ctx, grant)
	})
	if err != nil {
		return IssuedGrant{}, storeErr(err, apperr.Coverage("envelope not found", "envelope_id="+req.EnvelopeID))
	}

	prov, err := gw.Provision(ctx, lockgw.GrantContext{
		GrantID:       grant.ID,
		EnvelopeID:    grant.EnvelopeID,
		LockID:        grant.LockID,
		ValidFrom:     grant.ValidFrom,
		ValidUntil:    grant.ValidUntil,
		AttendanceCap: grant.AttendanceCap,
	})
	if err != nil {
		s.logger.Error("lock provisioning failed, revoking grant",
			"grant_id", grant.ID, "lock_id", grant.LockID, "vendor", vendor, "error", err)
		if _, rerr := s.Revoke(context.WithoutCancel(ctx), grant.ID, types.CauseProvisionFailed); rerr != nil {
			s.logger.Error("revoke after failed provisioning", "grant_id", grant.ID, "error", rerr)
		}
		return IssuedGrant{}, apperr.Internal("lock provisioning failed", err)
	}

	if prov.AccessType.Valid() && prov.AccessType != grant.AccessType {
		err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
			g, err := tx.LockGrant(ctx, grant.ID)
			if err != nil {
				return err
			}
			g.AccessType = prov.AccessType
			grant = g
			return tx.UpdateGrant(ctx, g)
		})
		if err != nil {
			return IssuedGrant{}, storeErr(err, nil)
		}
	}

	issued := IssuedGrant{Grant: grant, Vendor: vendor}
	if prov.Payload != nil {
		issued.AccessPayload = prov.Payload.AsMap()
	}
	s.logger.Info("access grant issued",
		"grant_id", grant.ID, "envelope_id", grant.EnvelopeID, "lock_id", grant.LockID,
		"vendor", vendor, "access_type", grant.AccessType, "attendance_cap", grant.AttendanceCap)
	return issued, nil
}

// CheckIn admits one person through a grant.  Denials are decisions, not
// errors; an error means the grant does not exist or the store failed.
//
// The cap belongs to the envelope, not the door: admissions through every
// grant of the envelope count against it.  The envelope row lock is held
// from the counter read to commit, so concurrent check-ins on any of its
// grants serialize.  Reaching the cap voids the envelope and revokes every
// grant bound to it in the same transaction; gateway revocations go out
// after commit.
func (s *AccessService) CheckIn(ctx context.Context, grantID string) (types.CheckInDecision, error) {
	var (
		dec  types.CheckInDecision
		revs []lockgw.Revocation
	)
	err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		now := s.deps.now()
		revs = nil

		g, err := tx.LockGrant(ctx, grantID)
		if err != nil {
			return err
		}
		siblings, err := tx.ListGrantsByEnvelope(ctx, g.EnvelopeID)
		if err != nil {
			return fmt.Errorf("grant %s siblings: %w", g.ID, err)
		}
		admitted, limit := types.Admitted(siblings), g.AttendanceCap
		dec = types.CheckInDecision{GrantID: g.ID, EnvelopeID: g.EnvelopeID, DecidedAt: now}
		defer func() {
			dec.GrantStatus = g.Status
			dec.CheckinsUsed = g.CheckinsUsed
			dec.Admitted = admitted
			dec.RemainingCapacity = max(limit-admitted, 0)
		}()

		if g.Status != types.GrantActive {
			dec.Reason = types.ReasonGrantNotActive
			if admitted >= limit {
				dec.Reason = types.ReasonCapacityExceeded
			}
			dec.Detail = fmt.Sprintf("grant %s: %s", g.Status, g.StatusReason)
			return nil
		}
		if !g.InWindow(now) {
			dec.Reason = types.ReasonOutsideWindow
			return nil
		}

		env, err := tx.LockEnvelope(ctx, g.EnvelopeID)
		if err != nil {
			return fmt.Errorf("grant %s envelope: %w", g.ID, err)
		}
		limit = env.AttendanceCap
		if !env.CurrentlyValid(now) {
			// A grant must not outlive its coverage.
			rev, err := revokeGrant(ctx, tx, g, types.GrantRevoked, types.CauseEnvelopeInvalid, now)
			if err != nil {
				return err
			}
			revs = append(revs, rev)
			g.Status, g.StatusReason = types.GrantRevoked, types.CauseEnvelopeInvalid
			dec.Reason = types.ReasonEnvelopeInvalid
			dec.Detail = "envelope status " + string(env.Status)
			return nil
		}

		if admitted >= limit {
			r, err := s.shutdown(ctx, tx, env, types.CauseCapacityExceeded, now)
			if err != nil {
				return err
			}
			revs = r
			g.Status, g.StatusReason = types.GrantRevoked, types.CauseCapacityExceeded
			dec.Reason = types.ReasonCapacityExceeded
			dec.CoverageVoided = true
			return nil
		}

		g.CheckinsUsed++
		g.UpdatedAt = now
		if err := tx.UpdateGrant(ctx, g); err != nil {
			return fmt.Errorf("update grant: %w", err)
		}
		admitted++
		dec.Allowed = true
		dec.Reason = types.ReasonGranted

		if admitted == limit {
			r, err := s.shutdown(ctx, tx, env, types.CauseCapacityReached, now)
			if err != nil {
				return err
			}
			revs = r
			g.Status, g.StatusReason = types.GrantRevoked, types.CauseCapacityReached
			dec.CoverageVoided = true
		}
		return nil
	})
	if err != nil {
		return types.CheckInDecision{}, storeErr(err, apperr.AccessDenied("access grant not found", "grant_id="+grantID))
	}

	if dec.CoverageVoided && dec.Allowed {
		s.logger.Warn("attendance cap reached, coverage voided",
			"grant_id", dec.GrantID, "envelope_id", dec.EnvelopeID, "admitted", dec.Admitted,
			"grants_revoked", len(revs))
	}
	s.deps.Revocations.Submit(ctx, revs...)
	return dec, nil
}

// shutdown voids env and revokes all of its live grants.
func (s *AccessService) shutdown(ctx context.Context, tx store.CoverageTx, env types.CoverageEnvelope, reason string, now time.Time) ([]lockgw.Revocation, error) {
	_, revs, err := transition(ctx, tx, env, types.EnvelopeVoided, reason, now)
	return revs, err
}

// Revoke ends a single grant.  Revoking a grant that is no longer active
// returns it unchanged.
func (s *AccessService) Revoke(ctx context.Context, grantID, reason string) (types.AccessGrant, error) {
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = types.CauseManual
	}
	now := s.deps.now()
	var (
		grant types.AccessGrant
		rev   *lockgw.Revocation
	)
	err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		g, err := tx.LockGrant(ctx, grantID)
		if err != nil {
			return err
		}
		grant, rev = g, nil
		if g.Status != types.GrantActive {
			return nil
		}
		r, err := revokeGrant(ctx, tx, g, types.GrantRevoked, reason, now)
		if err != nil {
			return err
		}
		grant.Status, grant.StatusReason, grant.UpdatedAt = types.GrantRevoked, reason, now
		rev = &r
		return nil
	})
	if err != nil {
		return types.AccessGrant{}, storeErr(err, apperr.AccessDenied("access grant not found", "grant_id="+grantID))
	}
	if rev != nil {
		s.logger.Info("access grant revoked", "grant_id", grant.ID, "lock_id", grant.LockID, "reason", reason)
		s.deps.Revocations.Submit(ctx, *rev)
	}
	return grant, nil
}

func (s *AccessService) Get(ctx context.Context, grantID string) (types.AccessGrant, error) {
	var grant types.AccessGrant
	err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		var err error
		grant, err = tx.GetGrant(ctx, grantID)
		return err
	})
	if err != nil {
		return types.AccessGrant{}, storeErr(err, apperr.AccessDenied("access grant not found", "grant_id="+grantID))
	}
	return grant, nil
}

// AttendanceStatus reports a grant's own admissions next to the envelope
// total the cap applies to.
func (s *AccessService) AttendanceStatus(ctx context.Context, grantID string) (AttendanceStatus, error) {
	var st AttendanceStatus
	err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		g, err := tx.GetGrant(ctx, grantID)
		if err != nil {
			return err
		}
		siblings, err := tx.ListGrantsByEnvelope(ctx, g.EnvelopeID)
		if err != nil {
			return err
		}
		st = AttendanceStatus{
			GrantID:       g.ID,
			EnvelopeID:    g.EnvelopeID,
			Status:        g.Status,
			AttendanceCap: g.AttendanceCap,
			CheckinsUsed:  g.CheckinsUsed,
			Admitted:      types.Admitted(siblings),
		}
		return nil
	})
	if err != nil {
		return AttendanceStatus{}, storeErr(err, apperr.AccessDenied("access grant not found", "grant_id="+grantID))
	}
	st.RemainingCapacity = max(st.AttendanceCap-st.Admitted, 0)
	return st, nil
}

// VerifyGrant reports local validity and asks the gateway for its view.
// A gateway failure is reported, not returned.
func (s *AccessService) VerifyGrant(ctx context.Context, grantID string) (GrantVerification, error) {
	var (
		grant types.AccessGrant
		env   types.CoverageEnvelope
	)
	err := s.deps.Coverage.WithTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		var err error
		if grant, err = tx.GetGrant(ctx, grantID); err != nil {
			return err
		}
		env, err = tx.GetEnvelope(ctx, grant.EnvelopeID)
		return err
	})
	if err != nil {
		return GrantVerification{}, storeErr(err, apperr.AccessDenied("access grant not found", "grant_id="+grantID))
	}

	now := s.deps.now()
	gw, vendor := s.deps.Gateways.For(grant.LockID)
	out := GrantVerification{
		GrantID:   grant.ID,
		Status:    grant.Status,
		Valid:     grant.Status == types.GrantActive && grant.InWindow(now) && env.CurrentlyValid(now),
		Vendor:    vendor,
		CheckedAt: now,
	}
	v, err := gw.Verify(ctx, grant.ID)
	if err != nil {
		out.GatewayError = err.Error()
		return out, nil
	}
	out.GatewayValid = v.Valid
	if !v.ExpiresAt.IsZero() {
		exp := v.ExpiresAt.UTC()
		out.ExpiresAt = &exp
	}
	return out, nil
}

// EmergencyRevokeAll revokes every active grant and voids every active
// envelope in one exclusive transaction.  Check-ins that start after it
// commits are denied.
func (s *AccessService) EmergencyRevokeAll(ctx context.Context, reason string) (EmergencyReport, error) {
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = types.CauseEmergency
	}
	now := s.deps.now()
	report := EmergencyReport{Reason: reason, At: now}
	var revs []lockgw.Revocation

	err := s.deps.Coverage.WithExclusiveTx(ctx, func(ctx context.Context, tx store.CoverageTx) error {
		report.GrantsRevoked, report.EnvelopesVoided, revs = 0, 0, nil

		grants, err := tx.ListGrantsByStatus(ctx, types.GrantActive)
		if err != nil {
			return err
		}
		for _, g := range grants {
			r, err := revokeGrant(ctx, tx, g, types.GrantRevoked, reason, now)
			if err != nil {
				return err
			}
			revs = append(revs, r)
		}
		report.GrantsRevoked = len(revs)

		envelopes, err := tx.ListEnvelopesByStatus(ctx, types.EnvelopeActive)
		if err != nil {
			return err
		}
		for _, e := range envelopes {
			if _, _, err := transition(ctx, tx, e, types.EnvelopeVoided, reason, now); err != nil {
				return err
			}
			report.EnvelopesVoided++
		}
		return nil
	})
	if err != nil {
		return EmergencyReport{}, storeErr(err, nil)
	}

	s.logger.Warn("emergency revocation committed",
		"reason", reason, "grants_revoked", report.GrantsRevoked, "envelopes_voided", report.EnvelopesVoided)
	s.deps.Revocations.Submit(ctx, revs...)
	return report, nil
}
