package types

import (
	"slices"
	"time"
)

// CoverageLimits are whole-dollar limits per coverage line.
type CoverageLimits struct {
	GeneralLiability int64 `json:"general_liability" yaml:"general_liability"`
	PropertyDamage   int64 `json:"property_damage,omitempty" yaml:"property_damage"`
	MedicalPayments  int64 `json:"medical_payments,omitempty" yaml:"medical_payments"`
}

// Merge returns the per-line maximum of l and other.
func (l CoverageLimits) Merge(other CoverageLimits) CoverageLimits {
	return CoverageLimits{
		GeneralLiability: max(l.GeneralLiability, other.GeneralLiability),
		PropertyDamage:   max(l.PropertyDamage, other.PropertyDamage),
		MedicalPayments:  max(l.MedicalPayments, other.MedicalPayments),
	}
}

func (l CoverageLimits) IsZero() bool {
	return l == CoverageLimits{}
}

// Well-known category slugs.  Catalogs may define others.
const (
	CategoryPassive       = "passive"
	CategoryLightPhysical = "light_physical"
	CategoryToolBased     = "tool_based"
)

type ActivityCategory struct {
	ID                  string         `json:"id" yaml:"id"`
	Slug                string         `json:"slug" yaml:"slug"`
	Description         string         `json:"description,omitempty" yaml:"description"`
	BaseRiskScore       float64        `json:"base_risk_score" yaml:"base_risk_score"`
	DefaultLimits       CoverageLimits `json:"default_limits" yaml:"default_limits"`
	AllowsAlcohol       bool           `json:"allows_alcohol" yaml:"allows_alcohol"`
	AllowsMinors        bool           `json:"allows_minors" yaml:"allows_minors"`
	ProhibitedEquipment []string       `json:"prohibited_equipment,omitempty" yaml:"prohibited_equipment"`
}

// Permits reports whether the category accepts the requested alcohol and
// minors flags.
func (c ActivityCategory) Permits(alcohol, minors bool) bool {
	return (!alcohol || c.AllowsAlcohol) && (!minors || c.AllowsMinors)
}

func (c ActivityCategory) Prohibits(equipment string) bool {
	return slices.Contains(c.ProhibitedEquipment, equipment)
}

type SpaceRiskProfile struct {
	SpaceID         string     `json:"space_id" yaml:"space_id"`
	Name            string     `json:"name,omitempty" yaml:"name"`
	HazardRating    float64    `json:"hazard_rating" yaml:"hazard_rating"`
	FloorType       string     `json:"floor_type,omitempty" yaml:"floor_type"`
	Stairs          bool       `json:"stairs" yaml:"stairs"`
	ToolsPresent    bool       `json:"tools_present" yaml:"tools_present"`
	FireSuppression bool       `json:"fire_suppression" yaml:"fire_suppression"`
	PriorClaims     int        `json:"prior_claims" yaml:"prior_claims"`
	LastInspectedAt *time.Time `json:"last_inspected_at,omitempty" yaml:"last_inspected_at"`
}

type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "active"
	PolicyExpired   PolicyStatus = "expired"
	PolicySuspended PolicyStatus = "suspended"
)

func (s PolicyStatus) Valid() bool {
	switch s {
	case PolicyActive, PolicyExpired, PolicySuspended:
		return true
	}
	return false
}

// PolicyRoot is an insurer's umbrella contract.
type PolicyRoot struct {
	ID             string                    `json:"id" yaml:"id"`
	InsurerName    string                    `json:"insurer_name" yaml:"insurer_name"`
	PolicyNumber   string                    `json:"policy_number" yaml:"policy_number"`
	Jurisdiction   string                    `json:"jurisdiction" yaml:"jurisdiction"`
	EffectiveFrom  time.Time                 `json:"effective_from" yaml:"effective_from"`
	EffectiveUntil time.Time                 `json:"effective_until" yaml:"effective_until"`
	BaseLimits     CoverageLimits            `json:"base_limits" yaml:"base_limits"`
	CategoryLimits map[string]CoverageLimits `json:"category_limits,omitempty" yaml:"category_limits"`
	Status         PolicyStatus              `json:"status" yaml:"status"`
}

// InEffect reports whether the policy is active and t falls inside its
// effective window.
func (p PolicyRoot) InEffect(t time.Time) bool {
	return p.Status == PolicyActive && !t.Before(p.EffectiveFrom) && !t.After(p.EffectiveUntil)
}

// LimitsFor returns the limits the policy grants an envelope in category.
func (p PolicyRoot) LimitsFor(category ActivityCategory) CoverageLimits {
	limits := p.BaseLimits.Merge(category.DefaultLimits)
	if extra, ok := p.CategoryLimits[category.Slug]; ok {
		limits = limits.Merge(extra)
	}
	return limits
}
