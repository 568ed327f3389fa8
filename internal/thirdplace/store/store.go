package store

import (
	"context"
	"errors"

	"github.com/thirdplace/server/internal/thirdplace/types"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert collides with an existing row.
var ErrConflict = errors.New("conflict")

// ReferenceStore is the read-only view of seeded reference data.
type ReferenceStore interface {
	GetCategory(ctx context.Context, id string) (types.ActivityCategory, error)
	GetCategoryBySlug(ctx context.Context, slug string) (types.ActivityCategory, error)
	ListCategories(ctx context.Context) ([]types.ActivityCategory, error)
	GetSpace(ctx context.Context, spaceID string) (types.SpaceRiskProfile, error)
	GetPolicy(ctx context.Context, id string) (types.PolicyRoot, error)
	// GetActivePolicy returns ErrNotFound for policies whose status is not
	// active.
	GetActivePolicy(ctx context.Context, id string) (types.PolicyRoot, error)
}

// ReferenceWriter seeds reference data.  Upserts are idempotent.
type ReferenceWriter interface {
	UpsertCategory(ctx context.Context, c types.ActivityCategory) error
	UpsertSpace(ctx context.Context, s types.SpaceRiskProfile) error
	UpsertPolicy(ctx context.Context, p types.PolicyRoot) error
}

// CoverageTx is one logical transaction over envelopes, grants and pricing
// snapshots.  Lock* methods take the row lock that serializes concurrent
// writers of the same envelope and its grants; it is held until the
// transaction ends.
type CoverageTx interface {
	GetEnvelope(ctx context.Context, id string) (types.CoverageEnvelope, error)
	LockEnvelope(ctx context.Context, id string) (types.CoverageEnvelope, error)
	InsertEnvelope(ctx context.Context, e types.CoverageEnvelope) error
	UpdateEnvelope(ctx context.Context, e types.CoverageEnvelope) error
	ListEnvelopesByStatus(ctx context.Context, statuses ...types.EnvelopeStatus) ([]types.CoverageEnvelope, error)

	GetGrant(ctx context.Context, id string) (types.AccessGrant, error)
	LockGrant(ctx context.Context, id string) (types.AccessGrant, error)
	InsertGrant(ctx context.Context, g types.AccessGrant) error
	UpdateGrant(ctx context.Context, g types.AccessGrant) error
	ListGrantsByEnvelope(ctx context.Context, envelopeID string) ([]types.AccessGrant, error)
	ListGrantsByStatus(ctx context.Context, status types.GrantStatus) ([]types.AccessGrant, error)

	InsertPricingSnapshot(ctx context.Context, s types.PricingSnapshot) error
	GetPricingSnapshot(ctx context.Context, envelopeID string) (types.PricingSnapshot, error)
}

type TxFn func(ctx context.Context, tx CoverageTx) error

// CoverageStore runs transactions.  A TxFn returning an error rolls back
// every write it made.  WithExclusiveTx additionally excludes every other
// transaction for its duration.
type CoverageStore interface {
	WithTx(ctx context.Context, fn TxFn) error
	WithExclusiveTx(ctx context.Context, fn TxFn) error
}
