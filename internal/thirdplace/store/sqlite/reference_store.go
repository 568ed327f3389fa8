package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/thirdplace/server/internal/db"
	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

// ReferenceStore reads categories, spaces and policies directly from db and
// writes them through the serial writer.
type ReferenceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewReferenceStore(db *sql.DB, writer *dbpkg.Worker) *ReferenceStore {
	return &ReferenceStore{db: db, writer: writer}
}

const categoryColumns = `category_id, slug, description, base_risk_score,
  gl_limit, pd_limit, med_limit, allows_alcohol, allows_minors, prohibited_equipment`

func scanCategory(row scanner) (types.ActivityCategory, error) {
	var (
		c              types.ActivityCategory
		alcohol, minor int
		prohibited     string
	)
	err := row.Scan(&c.ID, &c.Slug, &c.Description, &c.BaseRiskScore,
		&c.DefaultLimits.GeneralLiability, &c.DefaultLimits.PropertyDamage, &c.DefaultLimits.MedicalPayments,
		&alcohol, &minor, &prohibited)
	if err != nil {
		return types.ActivityCategory{}, err
	}
	c.AllowsAlcohol = alcohol == 1
	c.AllowsMinors = minor == 1
	if c.ProhibitedEquipment, err = decodeList(prohibited); err != nil {
		return types.ActivityCategory{}, err
	}
	return c, nil
}

func (s *ReferenceStore) GetCategory(ctx context.Context, id string) (types.ActivityCategory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM activity_categories WHERE category_id = ?;`,
		strings.TrimSpace(id))
	c, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ActivityCategory{}, store.ErrNotFound
	}
	if err != nil {
		return types.ActivityCategory{}, fmt.Errorf("GetCategory: %w", err)
	}
	return c, nil
}

func (s *ReferenceStore) GetCategoryBySlug(ctx context.Context, slug string) (types.ActivityCategory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM activity_categories WHERE slug = ?;`, slug)
	c, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ActivityCategory{}, store.ErrNotFound
	}
	if err != nil {
		return types.ActivityCategory{}, fmt.Errorf("GetCategoryBySlug: %w", err)
	}
	return c, nil
}

func (s *ReferenceStore) ListCategories(ctx context.Context) ([]types.ActivityCategory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+categoryColumns+` FROM activity_categories ORDER BY slug;`)
	if err != nil {
		return nil, fmt.Errorf("ListCategories: %w", err)
	}
	defer rows.Close()

	var out []types.ActivityCategory
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("ListCategories scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ReferenceStore) GetSpace(ctx context.Context, spaceID string) (types.SpaceRiskProfile, error) {
	var (
		sp                       types.SpaceRiskProfile
		stairs, tools, sprinkler int
		inspected                sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT space_id, name, hazard_rating, floor_type, stairs, tools_present,
       fire_suppression, prior_claims, last_inspected_at_ms
FROM space_risk_profiles
WHERE space_id = ?;
`, strings.TrimSpace(spaceID)).Scan(&sp.SpaceID, &sp.Name, &sp.HazardRating, &sp.FloorType,
		&stairs, &tools, &sprinkler, &sp.PriorClaims, &inspected)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SpaceRiskProfile{}, store.ErrNotFound
	}
	if err != nil {
		return types.SpaceRiskProfile{}, fmt.Errorf("GetSpace: %w", err)
	}
	sp.Stairs = stairs == 1
	sp.ToolsPresent = tools == 1
	sp.FireSuppression = sprinkler == 1
	sp.LastInspectedAt = fromNullMs(inspected)
	return sp, nil
}

func (s *ReferenceStore) GetPolicy(ctx context.Context, id string) (types.PolicyRoot, error) {
	var (
		p           types.PolicyRoot
		from, until int64
		status      string
	)
	id = strings.TrimSpace(id)
	err := s.db.QueryRowContext(ctx, `
SELECT policy_id, insurer_name, policy_number, jurisdiction,
       effective_from_ms, effective_until_ms, gl_limit, pd_limit, med_limit, status
FROM policy_roots
WHERE policy_id = ?;
`, id).Scan(&p.ID, &p.InsurerName, &p.PolicyNumber, &p.Jurisdiction, &from, &until,
		&p.BaseLimits.GeneralLiability, &p.BaseLimits.PropertyDamage, &p.BaseLimits.MedicalPayments, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PolicyRoot{}, store.ErrNotFound
	}
	if err != nil {
		return types.PolicyRoot{}, fmt.Errorf("GetPolicy: %w", err)
	}
	p.EffectiveFrom = fromMs(from)
	p.EffectiveUntil = fromMs(until)
	p.Status = types.PolicyStatus(status)

	rows, err := s.db.QueryContext(ctx, `
SELECT category_slug, gl_limit, pd_limit, med_limit
FROM policy_category_limits
WHERE policy_id = ?;
`, id)
	if err != nil {
		return types.PolicyRoot{}, fmt.Errorf("GetPolicy limits: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			slug string
			l    types.CoverageLimits
		)
		if err := rows.Scan(&slug, &l.GeneralLiability, &l.PropertyDamage, &l.MedicalPayments); err != nil {
			return types.PolicyRoot{}, fmt.Errorf("GetPolicy limits scan: %w", err)
		}
		if p.CategoryLimits == nil {
			p.CategoryLimits = make(map[string]types.CoverageLimits)
		}
		p.CategoryLimits[slug] = l
	}
	return p, rows.Err()
}

func (s *ReferenceStore) GetActivePolicy(ctx context.Context, id string) (types.PolicyRoot, error) {
	p, err := s.GetPolicy(ctx, id)
	if err != nil {
		return types.PolicyRoot{}, err
	}
	if p.Status != types.PolicyActive {
		return types.PolicyRoot{}, store.ErrNotFound
	}
	return p, nil
}

// ── Writes ──────────────────────────────────────────────────────────────────

func (s *ReferenceStore) UpsertCategory(ctx context.Context, c types.ActivityCategory) error {
	prohibited, err := encodeList(c.ProhibitedEquipment)
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO activity_categories(
  category_id, slug, description, base_risk_score,
  gl_limit, pd_limit, med_limit, allows_alcohol, allows_minors,
  prohibited_equipment, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(category_id) DO UPDATE SET
  slug                 = excluded.slug,
  description          = excluded.description,
  base_risk_score      = excluded.base_risk_score,
  gl_limit             = excluded.gl_limit,
  pd_limit             = excluded.pd_limit,
  med_limit            = excluded.med_limit,
  allows_alcohol       = excluded.allows_alcohol,
  allows_minors        = excluded.allows_minors,
  prohibited_equipment = excluded.prohibited_equipment,
  updated_at_ms        = excluded.updated_at_ms;
`, c.ID, c.Slug, c.Description, c.BaseRiskScore,
			c.DefaultLimits.GeneralLiability, c.DefaultLimits.PropertyDamage, c.DefaultLimits.MedicalPayments,
			boolInt(c.AllowsAlcohol), boolInt(c.AllowsMinors), prohibited, now); err != nil {
			return fmt.Errorf("UpsertCategory %s: %w", c.ID, err)
		}
		return nil
	})
}

func (s *ReferenceStore) UpsertSpace(ctx context.Context, sp types.SpaceRiskProfile) error {
	now := time.Now().UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO space_risk_profiles(
  space_id, name, hazard_rating, floor_type, stairs, tools_present,
  fire_suppression, prior_claims, last_inspected_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(space_id) DO UPDATE SET
  name                 = excluded.name,
  hazard_rating        = excluded.hazard_rating,
  floor_type           = excluded.floor_type,
  stairs               = excluded.stairs,
  tools_present        = excluded.tools_present,
  fire_suppression     = excluded.fire_suppression,
  prior_claims         = excluded.prior_claims,
  last_inspected_at_ms = excluded.last_inspected_at_ms,
  updated_at_ms        = excluded.updated_at_ms;
`, sp.SpaceID, sp.Name, sp.HazardRating, sp.FloorType, boolInt(sp.Stairs), boolInt(sp.ToolsPresent),
			boolInt(sp.FireSuppression), sp.PriorClaims, nullMs(sp.LastInspectedAt), now); err != nil {
			return fmt.Errorf("UpsertSpace %s: %w", sp.SpaceID, err)
		}
		return nil
	})
}

// UpsertPolicy replaces the policy row and its per-category limits.
func (s *ReferenceStore) UpsertPolicy(ctx context.Context, p types.PolicyRoot) error {
	now := time.Now().UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO policy_roots(
  policy_id, insurer_name, policy_number, jurisdiction,
  effective_from_ms, effective_until_ms, gl_limit, pd_limit, med_limit,
  status, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(policy_id) DO UPDATE SET
  insurer_name       = excluded.insurer_name,
  policy_number      = excluded.policy_number,
  jurisdiction       = excluded.jurisdiction,
  effective_from_ms  = excluded.effective_from_ms,
  effective_until_ms = excluded.effective_until_ms,
  gl_limit           = excluded.gl_limit,
  pd_limit           = excluded.pd_limit,
  med_limit          = excluded.med_limit,
  status             = excluded.status,
  updated_at_ms      = excluded.updated_at_ms;
`, p.ID, p.InsurerName, p.PolicyNumber, p.Jurisdiction, toMs(p.EffectiveFrom), toMs(p.EffectiveUntil),
			p.BaseLimits.GeneralLiability, p.BaseLimits.PropertyDamage, p.BaseLimits.MedicalPayments,
			string(p.Status), now); err != nil {
			return fmt.Errorf("UpsertPolicy %s: %w", p.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM policy_category_limits WHERE policy_id = ?;`, p.ID); err != nil {
			return fmt.Errorf("UpsertPolicy clear limits: %w", err)
		}
		for slug, l := range p.CategoryLimits {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO policy_category_limits(policy_id, category_slug, gl_limit, pd_limit, med_limit)
VALUES (?, ?, ?, ?, ?);
`, p.ID, slug, l.GeneralLiability, l.PropertyDamage, l.MedicalPayments); err != nil {
				return fmt.Errorf("UpsertPolicy limits %s: %w", slug, err)
			}
		}
		return nil
	})
}
