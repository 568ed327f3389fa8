// Package pricing computes event premiums.  Calculate is pure: identical
// inputs always yield identical quotes, which is what lets a stored
// PricingSnapshot be re-verified at any time.
package pricing

import (
	"math"
	"time"

	"github.com/thirdplace/server/internal/thirdplace/types"
)

const Currency = "USD"

// BaseRates are per-category base premiums in dollars.
var BaseRates = map[string]float64{
	types.CategoryPassive:       10.00,
	types.CategoryLightPhysical: 15.00,
	types.CategoryToolBased:     25.00,
}

// JurisdictionFactors by ISO-3166-2 code.  Unknown codes price at 1.0.
var JurisdictionFactors = map[string]float64{
	"US-CA": 1.1, "US-NY": 1.2, "US-TX": 1.0, "US-FL": 1.15, "US-IL": 1.05,
	"US-WA": 1.0, "US-OR": 1.0, "US-CO": 1.0, "US-AZ": 1.0, "US-NV": 1.05,
	"US-MI": 1.0, "US-VA": 1.0, "US-GA": 1.05, "US-NC": 1.0, "US-OH": 1.0,
	"US-IN": 1.0, "US-TN": 1.0, "US-KY": 1.0, "US-AL": 1.0, "US-MS": 1.0,
	"US-LA": 1.1, "US-AR": 1.0, "US-OK": 1.0, "US-KS": 1.0, "US-NE": 1.0,
	"US-SD": 1.0, "US-ND": 1.0, "US-MT": 1.0, "US-ID": 1.0, "US-WY": 1.0,
	"US-UT": 1.0, "US-NM": 1.0, "US-AK": 1.1, "US-HI": 1.15, "US-MA": 1.15,
	"US-CT": 1.15, "US-RI": 1.1, "US-NJ": 1.2, "US-PA": 1.1, "US-DE": 1.1,
	"US-MD": 1.1, "US-DC": 1.15, "US-VT": 1.05, "US-NH": 1.05, "US-ME": 1.05,
}

const (
	baseDurationMinutes = 180.0
	durationOverageRate = 0.7
	minDurationFactor   = 0.5
	maxDurationFactor   = 3.0
	minRiskFactor       = 0.5
	maxRiskFactor       = 3.0
	maxCombinedRisk     = 5.0
)

// Input is everything a premium depends on.  RiskScore is optional; when
// nil it is derived from BaseRiskScore plus the additive hazard rule.
type Input struct {
	CategorySlug    string
	BaseRiskScore   float64
	HazardRating    float64
	AttendanceCap   int
	DurationMinutes int
	Jurisdiction    string
	RiskScore       *float64
}

// Breakdown is each factor's marginal contribution over the base rate.
type Breakdown struct {
	BaseRate              float64 `json:"base_rate"`
	DurationComponent     float64 `json:"duration_component"`
	AttendanceComponent   float64 `json:"attendance_component"`
	JurisdictionComponent float64 `json:"jurisdiction_component"`
	RiskComponent         float64 `json:"risk_component"`
}

type Quote struct {
	BaseRate           float64   `json:"base_rate"`
	DurationFactor     float64   `json:"duration_factor"`
	AttendanceFactor   float64   `json:"attendance_factor"`
	JurisdictionFactor float64   `json:"jurisdiction_factor"`
	RiskFactor         float64   `json:"risk_factor"`
	RiskScore          float64   `json:"estimated_risk_score"`
	FinalPrice         float64   `json:"final_price"`
	Currency           string    `json:"currency"`
	Breakdown          Breakdown `json:"breakdown"`
}

// Calculate prices in.
func Calculate(in Input) Quote {
	risk := EstimateRisk(in.BaseRiskScore, in.HazardRating)
	if in.RiskScore != nil {
		risk = *in.RiskScore
	}

	q := Quote{
		BaseRate:           BaseRate(in.CategorySlug),
		DurationFactor:     DurationFactor(in.DurationMinutes),
		AttendanceFactor:   AttendanceFactor(in.AttendanceCap),
		JurisdictionFactor: JurisdictionFactor(in.Jurisdiction),
		RiskFactor:         RiskFactor(risk, in.HazardRating),
		RiskScore:          risk,
		Currency:           Currency,
	}
	q.FinalPrice = roundCents(q.BaseRate * q.DurationFactor * q.AttendanceFactor * q.JurisdictionFactor * q.RiskFactor)
	q.Breakdown = Breakdown{
		BaseRate:              q.BaseRate,
		DurationComponent:     q.BaseRate*q.DurationFactor - q.BaseRate,
		AttendanceComponent:   q.BaseRate*q.AttendanceFactor - q.BaseRate,
		JurisdictionComponent: q.BaseRate*q.JurisdictionFactor - q.BaseRate,
		RiskComponent:         q.BaseRate*q.RiskFactor - q.BaseRate,
	}
	return q
}

// EstimateRisk mirrors the classifier's additive hazard rule only.
func EstimateRisk(baseRisk, hazard float64) float64 {
	return math.Min(1.0, baseRisk+hazard/10.0)
}

func BaseRate(slug string) float64 {
	if r, ok := BaseRates[slug]; ok {
		return r
	}
	return BaseRates[types.CategoryPassive]
}

// DurationFactor is linear up to three hours and grows at 70% beyond that.
func DurationFactor(minutes int) float64 {
	n := float64(minutes) / baseDurationMinutes
	f := n
	if n > 1.0 {
		f = 1.0 + (n-1.0)*durationOverageRate
	}
	return clamp(f, minDurationFactor, maxDurationFactor)
}

func AttendanceFactor(capacity int) float64 {
	switch {
	case capacity <= 10:
		return 1.0
	case capacity <= 20:
		return 1.2
	case capacity <= 50:
		return 1.5
	}
	return 2.0
}

func JurisdictionFactor(code string) float64 {
	if f, ok := JurisdictionFactors[code]; ok {
		return f
	}
	return 1.0
}

func RiskFactor(risk, hazard float64) float64 {
	f := clamp(1.0+risk, minRiskFactor, maxRiskFactor) * (1.0 + hazard/5.0)
	return math.Min(f, maxCombinedRisk)
}

// Snapshot freezes q and its inputs for audit.
func Snapshot(id, envelopeID string, in Input, q Quote, at time.Time) types.PricingSnapshot {
	return types.PricingSnapshot{
		ID:                 id,
		EnvelopeID:         envelopeID,
		CategorySlug:       in.CategorySlug,
		RiskScore:          q.RiskScore,
		HazardRating:       in.HazardRating,
		AttendanceCap:      in.AttendanceCap,
		DurationMinutes:    in.DurationMinutes,
		Jurisdiction:       in.Jurisdiction,
		BaseRate:           q.BaseRate,
		DurationFactor:     q.DurationFactor,
		AttendanceFactor:   q.AttendanceFactor,
		JurisdictionFactor: q.JurisdictionFactor,
		RiskFactor:         q.RiskFactor,
		FinalPrice:         q.FinalPrice,
		Currency:           q.Currency,
		ComputedAt:         at,
	}
}

// Recompute prices a snapshot's stored inputs again.
func Recompute(s types.PricingSnapshot) Quote {
	risk := s.RiskScore
	return Calculate(Input{
		CategorySlug:    s.CategorySlug,
		HazardRating:    s.HazardRating,
		AttendanceCap:   s.AttendanceCap,
		DurationMinutes: s.DurationMinutes,
		Jurisdiction:    s.Jurisdiction,
		RiskScore:       &risk,
	})
}

// Verify reports whether the stored factors reproduce the stored price and
// whether re-pricing the stored inputs yields the same price.
func Verify(s types.PricingSnapshot) bool {
	product := s.BaseRate * s.DurationFactor * s.AttendanceFactor * s.JurisdictionFactor * s.RiskFactor
	if math.Abs(product-s.FinalPrice) > 0.005+1e-9 {
		return false
	}
	return math.Abs(Recompute(s).FinalPrice-s.FinalPrice) < 1e-9
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
