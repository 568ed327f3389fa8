// Package service implements the coverage core: classification and quoting,
// the envelope lifecycle and the capacity enforcer that gates physical
// access on an envelope staying valid.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thirdplace/server/internal/logger"
	"github.com/thirdplace/server/internal/thirdplace/apperr"
	"github.com/thirdplace/server/internal/thirdplace/lockgw"
	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

// RevocationSink accepts gateway revocations once the state change that
// caused them has committed.  *lockgw.Dispatcher implements it.
type RevocationSink interface {
	Submit(ctx context.Context, revs ...lockgw.Revocation)
}

// Deps are the collaborators shared by the coverage services.
type Deps struct {
	References  store.ReferenceStore
	Coverage    store.CoverageStore
	Gateways    *lockgw.Registry
	Revocations RevocationSink
	Logger      *slog.Logger

	// CertificateBaseURL prefixes the certificate reference stamped on
	// activation.
	CertificateBaseURL string

	// Clock and NewID default to time.Now and random UUIDs.
	Clock func() time.Time
	NewID func() string
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logger.Discard()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.NewID == nil {
		d.NewID = func() string { return uuid.New().String() }
	}
	return d
}

// now is UTC at millisecond precision, the resolution the stores keep.
func (d Deps) now() time.Time {
	return d.Clock().UTC().Truncate(time.Millisecond)
}

// transition moves e to next inside tx.  Every status other than active
// ends coverage, so the envelope's live grants are revoked with it and the
// returned revocations must be submitted after commit.
func transition(ctx context.Context, tx store.CoverageTx, e types.CoverageEnvelope, next types.EnvelopeStatus, reason string, now time.Time) (types.CoverageEnvelope, []lockgw.Revocation, error) {
	if !e.Status.CanTransitionTo(next) {
		return e, nil, apperr.Coverage(
			fmt.Sprintf("envelope cannot move from %s to %s", e.Status, next),
			"envelope_id="+e.ID,
		)
	}
	e.Status = next
	e.StatusReason = reason
	e.UpdatedAt = now
	if err := tx.UpdateEnvelope(ctx, e); err != nil {
		return e, nil, fmt.Errorf("update envelope: %w", err)
	}
	if next == types.EnvelopeActive {
		return e, nil, nil
	}
	revs, err := revokeLiveGrants(ctx, tx, e.ID, reason, now)
	return e, revs, err
}

// revokeLiveGrants revokes every active grant bound to envelopeID.  The
// caller must hold the envelope's row lock.
func revokeLiveGrants(ctx context.Context, tx store.CoverageTx, envelopeID, reason string, now time.Time) ([]lockgw.Revocation, error) {
	grants, err := tx.ListGrantsByEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	var revs []lockgw.Revocation
	for _, g := range grants {
		if g.Status != types.GrantActive {
			continue
		}
		rev, err := revokeGrant(ctx, tx, g, types.GrantRevoked, reason, now)
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	return revs, nil
}

func revokeGrant(ctx context.Context, tx store.CoverageTx, g types.AccessGrant, status types.GrantStatus, reason string, now time.Time) (lockgw.Revocation, error) {
	g.Status = status
	g.StatusReason = reason
	g.UpdatedAt = now
	if err := tx.UpdateGrant(ctx, g); err != nil {
		return lockgw.Revocation{}, fmt.Errorf("update grant: %w", err)
	}
	return lockgw.Revocation{GrantID: g.ID, LockID: g.LockID, Reason: reason, EnqueuedAt: now}, nil
}

// storeErr maps store sentinels to the domain error kind of the calling
// operation and wraps anything else as internal.
func storeErr(err error, notFound *apperr.Error) error {
	var appErr *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, store.ErrNotFound) && notFound != nil:
		return notFound.Wrap(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return apperr.Internal("storage failure", err)
}
