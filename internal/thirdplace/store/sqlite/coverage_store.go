package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	dbpkg "github.com/thirdplace/server/internal/db"
	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

// CoverageStore runs coverage transactions on the serial writer.  Because
// the writer executes one transaction at a time, every transaction already
// holds every row lock and WithExclusiveTx needs nothing extra.
//
// A TxFn must not touch the ReferenceStore or start another transaction:
// both wait on the connection the running transaction holds.
type CoverageStore struct {
	writer *dbpkg.Worker
}

func NewCoverageStore(writer *dbpkg.Worker) *CoverageStore {
	return &CoverageStore{writer: writer}
}

func (s *CoverageStore) WithTx(ctx context.Context, fn store.TxFn) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &coverageTx{tx: tx})
	})
}

func (s *CoverageStore) WithExclusiveTx(ctx context.Context, fn store.TxFn) error {
	return s.WithTx(ctx, fn)
}

type coverageTx struct {
	tx *sql.Tx
}

// ── Envelopes ───────────────────────────────────────────────────────────────

const envelopeColumns = `envelope_id, policy_id, category_id, space_id, steward_id, platform_entity_id,
  declared_activity, equipment, notes, attendance_cap, duration_minutes, alcohol, minors_present,
  gl_limit, pd_limit, med_limit, jurisdiction, valid_from_ms, valid_until_ms,
  certificate_ref, status, status_reason, created_at_ms, updated_at_ms`

func scanEnvelope(row scanner) (types.CoverageEnvelope, error) {
	var (
		e                         types.CoverageEnvelope
		equipment, status         string
		alcohol, minors           int
		from, until, created, upd int64
	)
	err := row.Scan(&e.ID, &e.PolicyRootID, &e.ActivityCategoryID, &e.SpaceID, &e.StewardID, &e.PlatformEntityID,
		&e.Metadata.DeclaredActivity, &equipment, &e.Metadata.Notes, &e.AttendanceCap, &e.DurationMinutes,
		&alcohol, &minors,
		&e.CoverageLimits.GeneralLiability, &e.CoverageLimits.PropertyDamage, &e.CoverageLimits.MedicalPayments,
		&e.Jurisdiction, &from, &until, &e.CertificateRef, &status, &e.StatusReason, &created, &upd)
	if err != nil {
		return types.CoverageEnvelope{}, err
	}
	if e.Metadata.Equipment, err = decodeList(equipment); err != nil {
		return types.CoverageEnvelope{}, err
	}
	e.Alcohol = alcohol == 1
	e.MinorsPresent = minors == 1
	e.ValidFrom = fromMs(from)
	e.ValidUntil = fromMs(until)
	e.Status = types.EnvelopeStatus(status)
	e.CreatedAt = fromMs(created)
	e.UpdatedAt = fromMs(upd)
	return e, nil
}

func (t *coverageTx) GetEnvelope(ctx context.Context, id string) (types.CoverageEnvelope, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM coverage_envelopes WHERE envelope_id = ?;`, id)
	e, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CoverageEnvelope{}, store.ErrNotFound
	}
	if err != nil {
		return types.CoverageEnvelope{}, fmt.Errorf("GetEnvelope: %w", err)
	}
	return e, nil
}

func (t *coverageTx) LockEnvelope(ctx context.Context, id string) (types.CoverageEnvelope, error) {
	return t.GetEnvelope(ctx, id)
}

func (t *coverageTx) InsertEnvelope(ctx context.Context, e types.CoverageEnvelope) error {
	if _, err := t.GetEnvelope(ctx, e.ID); err == nil {
		return store.ErrConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	equipment, err := encodeList(e.Metadata.Equipment)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO coverage_envelopes(`+envelopeColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.PolicyRootID, e.ActivityCategoryID, e.SpaceID, e.StewardID, e.PlatformEntityID,
		e.Metadata.DeclaredActivity, equipment, e.Metadata.Notes, e.AttendanceCap, e.DurationMinutes,
		boolInt(e.Alcohol), boolInt(e.MinorsPresent),
		e.CoverageLimits.GeneralLiability, e.CoverageLimits.PropertyDamage, e.CoverageLimits.MedicalPayments,
		e.Jurisdiction, toMs(e.ValidFrom), toMs(e.ValidUntil), e.CertificateRef, string(e.Status), e.StatusReason,
		toMs(e.CreatedAt), toMs(e.UpdatedAt)); err != nil {
		return fmt.Errorf("InsertEnvelope %s: %w", e.ID, err)
	}
	return nil
}

// UpdateEnvelope rewrites the mutable columns: status, reason, certificate
// and updated_at.
func (t *coverageTx) UpdateEnvelope(ctx context.Context, e types.CoverageEnvelope) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE coverage_envelopes
SET status          = ?,
    status_reason   = ?,
    certificate_ref = ?,
    updated_at_ms   = ?
WHERE envelope_id = ?;
`, string(e.Status), e.StatusReason, e.CertificateRef, toMs(e.UpdatedAt), e.ID)
	if err != nil {
		return fmt.Errorf("UpdateEnvelope %s: %w", e.ID, err)
	}
	return requireRow(res)
}

func (t *coverageTx) ListEnvelopesByStatus(ctx context.Context, statuses ...types.EnvelopeStatus) ([]types.CoverageEnvelope, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := t.tx.QueryContext(ctx, `
SELECT `+envelopeColumns+`
FROM coverage_envelopes
WHERE status IN (`+placeholders(len(statuses))+`)
ORDER BY created_at_ms, envelope_id;
`, args...)
	if err != nil {
		return nil, fmt.Errorf("ListEnvelopesByStatus: %w", err)
	}
	defer rows.Close()

	var out []types.CoverageEnvelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("ListEnvelopesByStatus scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Grants ──────────────────────────────────────────────────────────────────

const grantColumns = `grant_id, envelope_id, lock_id, access_type, valid_from_ms, valid_until_ms,
  attendance_cap, checkins_used, status, status_reason, issued_at_ms, updated_at_ms`

func scanGrant(row scanner) (types.AccessGrant, error) {
	var (
		g                        types.AccessGrant
		accessType, status       string
		from, until, issued, upd int64
	)
	err := row.Scan(&g.ID, &g.EnvelopeID, &g.LockID, &accessType, &from, &until,
		&g.AttendanceCap, &g.CheckinsUsed, &status, &g.StatusReason, &issued, &upd)
	if err != nil {
		return types.AccessGrant{}, err
	}
	g.AccessType = types.AccessType(accessType)
	g.Status = types.GrantStatus(status)
	g.ValidFrom = fromMs(from)
	g.ValidUntil = fromMs(until)
	g.IssuedAt = fromMs(issued)
	g.UpdatedAt = fromMs(upd)
	return g, nil
}

func (t *coverageTx) GetGrant(ctx context.Context, id string) (types.AccessGrant, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE grant_id = ?;`, id)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AccessGrant{}, store.ErrNotFound
	}
	if err != nil {
		return types.AccessGrant{}, fmt.Errorf("GetGrant: %w", err)
	}
	return g, nil
}

func (t *coverageTx) LockGrant(ctx context.Context, id string) (types.AccessGrant, error) {
	return t.GetGrant(ctx, id)
}

func (t *coverageTx) InsertGrant(ctx context.Context, g types.AccessGrant) error {
	if _, err := t.GetGrant(ctx, g.ID); err == nil {
		return store.ErrConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO access_grants(`+grantColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, g.ID, g.EnvelopeID, g.LockID, string(g.AccessType), toMs(g.ValidFrom), toMs(g.ValidUntil),
		g.AttendanceCap, g.CheckinsUsed, string(g.Status), g.StatusReason, toMs(g.IssuedAt), toMs(g.UpdatedAt)); err != nil {
		return fmt.Errorf("InsertGrant %s: %w", g.ID, err)
	}
	return nil
}

func (t *coverageTx) UpdateGrant(ctx context.Context, g types.AccessGrant) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE access_grants
SET checkins_used = ?,
    status        = ?,
    status_reason = ?,
    updated_at_ms = ?
WHERE grant_id = ?;
`, g.CheckinsUsed, string(g.Status), g.StatusReason, toMs(g.UpdatedAt), g.ID)
	if err != nil {
		return fmt.Errorf("UpdateGrant %s: %w", g.ID, err)
	}
	return requireRow(res)
}

func (t *coverageTx) ListGrantsByEnvelope(ctx context.Context, envelopeID string) ([]types.AccessGrant, error) {
	return t.listGrants(ctx, `WHERE envelope_id = ?`, envelopeID)
}

func (t *coverageTx) ListGrantsByStatus(ctx context.Context, status types.GrantStatus) ([]types.AccessGrant, error) {
	return t.listGrants(ctx, `WHERE status = ?`, string(status))
}

func (t *coverageTx) listGrants(ctx context.Context, where string, arg any) ([]types.AccessGrant, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT `+grantColumns+`
FROM access_grants
`+where+`
ORDER BY issued_at_ms, grant_id;
`, arg)
	if err != nil {
		return nil, fmt.Errorf("listGrants: %w", err)
	}
	defer rows.Close()

	var out []types.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("listGrants scan: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ── Pricing snapshots ───────────────────────────────────────────────────────

func (t *coverageTx) InsertPricingSnapshot(ctx context.Context, snap types.PricingSnapshot) error {
	if _, err := t.GetPricingSnapshot(ctx, snap.EnvelopeID); err == nil {
		return store.ErrConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO pricing_snapshots(
  snapshot_id, envelope_id, category_slug, risk_score, hazard_rating,
  attendance_cap, duration_minutes, jurisdiction, base_rate, duration_factor,
  attendance_factor, jurisdiction_factor, risk_factor, final_price, currency, computed_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, snap.ID, snap.EnvelopeID, snap.CategorySlug, snap.RiskScore, snap.HazardRating,
		snap.AttendanceCap, snap.DurationMinutes, snap.Jurisdiction, snap.BaseRate, snap.DurationFactor,
		snap.AttendanceFactor, snap.JurisdictionFactor, snap.RiskFactor, snap.FinalPrice, snap.Currency,
		toMs(snap.ComputedAt)); err != nil {
		return fmt.Errorf("InsertPricingSnapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (t *coverageTx) GetPricingSnapshot(ctx context.Context, envelopeID string) (types.PricingSnapshot, error) {
	var (
		snap     types.PricingSnapshot
		computed int64
	)
	err := t.tx.QueryRowContext(ctx, `
SELECT snapshot_id, envelope_id, category_slug, risk_score, hazard_rating,
       attendance_cap, duration_minutes, jurisdiction, base_rate, duration_factor,
       attendance_factor, jurisdiction_factor, risk_factor, final_price, currency, computed_at_ms
FROM pricing_snapshots
WHERE envelope_id = ?;
`, envelopeID).Scan(&snap.ID, &snap.EnvelopeID, &snap.CategorySlug, &snap.RiskScore, &snap.HazardRating,
		&snap.AttendanceCap, &snap.DurationMinutes, &snap.Jurisdiction, &snap.BaseRate, &snap.DurationFactor,
		&snap.AttendanceFactor, &snap.JurisdictionFactor, &snap.RiskFactor, &snap.FinalPrice, &snap.Currency,
		&computed)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PricingSnapshot{}, store.ErrNotFound
	}
	if err != nil {
		return types.PricingSnapshot{}, fmt.Errorf("GetPricingSnapshot: %w", err)
	}
	snap.ComputedAt = fromMs(computed)
	return snap, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
