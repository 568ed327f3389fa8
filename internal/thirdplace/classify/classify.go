// Package classify turns a declared activity and its context into a risk
// score and an activity category using a fixed set of deterministic rules.
package classify

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/thirdplace/server/internal/thirdplace/apperr"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

// Category-fit tolerance: a category accommodates scores up to its base risk
// plus this margin.
const fitMargin = 0.3

// coarsePatterns is evaluated in order; the first containment match wins.
var coarsePatterns = []struct {
	slug     string
	keywords []string
}{
	{types.CategoryPassive, []string{
		"board games", "card games", "chess", "checkers", "scrabble",
		"reading", "book club", "discussion", "philosophy", "language exchange",
		"movie night", "silent study", "writing", "knitting", "sewing",
		"painting", "drawing", "crafting", "storytelling", "silent reading",
	}},
	{types.CategoryLightPhysical, []string{
		"yoga", "dance", "stretching", "exercise", "fitness",
		"cooking", "baking", "mixology", "bartending",
		"arts and crafts", "pottery", "ceramics",
		"photography", "filmmaking", "music", "singing",
	}},
	{types.CategoryToolBased, []string{
		"repair", "fixing", "woodworking", "carpentry", "metalworking",
		"electronics", "soldering", "welding", "machining",
		"bike repair", "car maintenance", "gardening tools",
		"power tools", "drill", "saw", "grinder", "lathe",
	}},
}

// fallbackStems maps a coarse slug to the substring used when the catalog
// has no category with that exact slug.
var fallbackStems = map[string]string{
	types.CategoryPassive:       "passive",
	types.CategoryLightPhysical: "physical",
	types.CategoryToolBased:     "tool",
}

// EquipmentMultipliers compound multiplicatively onto the risk score.
var EquipmentMultipliers = map[string]float64{
	"sharp_tools":       1.3,
	"power_tools":       1.5,
	"heating_equipment": 1.2,
	"chemicals":         1.4,
	"heavy_equipment":   1.3,
}

const (
	alcoholMultiplier = 1.4
	minorsMultiplier  = 1.2
)

// Input describes the event being classified.
type Input struct {
	DeclaredActivity string
	Equipment        []string
	Alcohol          bool
	MinorsPresent    bool
	AttendanceCap    int
}

type ModifierKind string

const (
	Additive       ModifierKind = "additive"
	Multiplicative ModifierKind = "multiplicative"
)

// Modifier records one step of the risk computation.
type Modifier struct {
	Name       string       `json:"name"`
	Kind       ModifierKind `json:"kind"`
	Value      float64      `json:"value"`
	ScoreAfter float64      `json:"score_after"`
}

// Result is the classifier's verdict.  Category is nil when no category in
// the catalog can accept the event.
type Result struct {
	Category       *types.ActivityCategory `json:"-"`
	CategorySlug   string                  `json:"activity_category"`
	CoarseSlug     string                  `json:"coarse_category"`
	RiskScore      float64                 `json:"risk_score"`
	RequiredLimits types.CoverageLimits    `json:"required_limits"`
	Prohibited     bool                    `json:"prohibited"`
	Violations     []string                `json:"violation_reasons"`
	Modifiers      []Modifier              `json:"modifiers"`
}

// Classify runs the rule set against a venue profile and the category
// catalog.  It never mutates its inputs.
func Classify(in Input, space *types.SpaceRiskProfile, catalog []types.ActivityCategory) (Result, error) {
	if space == nil {
		return Result{}, apperr.Classification("space risk profile is required")
	}
	if len(catalog) == 0 {
		return Result{}, apperr.Classification("no activity categories defined")
	}

	sorted := slices.Clone(catalog)
	slices.SortStableFunc(sorted, func(a, b types.ActivityCategory) int {
		switch {
		case a.BaseRiskScore < b.BaseRiskScore:
			return -1
		case a.BaseRiskScore > b.BaseRiskScore:
			return 1
		}
		return 0
	})

	coarse := CoarseCategory(in.DeclaredActivity)
	base := resolve(coarse, sorted)

	score, mods := riskScore(base.BaseRiskScore, space.HazardRating, in)

	res := Result{
		CoarseSlug: coarse,
		RiskScore:  round2(score),
		Modifiers:  mods,
	}

	matched, ok := bestFit(sorted, score, in.Alcohol, in.MinorsPresent)
	if !ok {
		res.Violations = append(violations(base, in), "No matching activity category found for calculated risk")
		res.Prohibited = true
		return res, nil
	}

	res.Category = &matched
	res.CategorySlug = matched.Slug
	res.RequiredLimits = matched.DefaultLimits
	res.Violations = violations(matched, in)
	res.Prohibited = len(res.Violations) > 0
	return res, nil
}

// CoarseCategory maps free text to passive, light_physical or tool_based.
func CoarseCategory(declared string) string {
	text := strings.ToLower(declared)
	for _, set := range coarsePatterns {
		for _, kw := range set.keywords {
			if strings.Contains(text, kw) {
				return set.slug
			}
		}
	}
	return types.CategoryPassive
}

// resolve finds the concrete category for a coarse slug.  sorted must be
// non-empty and ordered by base risk.
func resolve(coarse string, sorted []types.ActivityCategory) types.ActivityCategory {
	if c, ok := bySlug(sorted, coarse); ok {
		return c
	}
	if stem, ok := fallbackStems[coarse]; ok {
		for _, c := range sorted {
			if strings.Contains(c.Slug, stem) {
				return c
			}
		}
	}
	if c, ok := bySlug(sorted, types.CategoryPassive); ok {
		return c
	}
	// Lowest-risk category stands in for passive.
	return sorted[0]
}

func bySlug(categories []types.ActivityCategory, slug string) (types.ActivityCategory, bool) {
	for _, c := range categories {
		if c.Slug == slug {
			return c, true
		}
	}
	return types.ActivityCategory{}, false
}

func riskScore(base, hazard float64, in Input) (float64, []Modifier) {
	risk := base
	mods := make([]Modifier, 0, 5)

	risk = math.Min(1.0, risk+hazard/10.0)
	mods = append(mods, Modifier{Name: "space_hazard", Kind: Additive, Value: hazard, ScoreAfter: risk})

	mul := func(name string, v float64) {
		risk = math.Min(1.0, risk*v)
		mods = append(mods, Modifier{Name: name, Kind: Multiplicative, Value: v, ScoreAfter: risk})
	}

	equipment := 1.0
	for _, e := range in.Equipment {
		if m, ok := EquipmentMultipliers[e]; ok {
			equipment *= m
		}
	}
	mul("equipment", equipment)

	if in.Alcohol {
		mul("alcohol", alcoholMultiplier)
	}
	if in.MinorsPresent {
		mul("minors", minorsMultiplier)
	}
	if a, ok := attendanceModifier(in.AttendanceCap); ok {
		mul("attendance", a)
	}
	return risk, mods
}

// attendanceModifier is piecewise linear above 10, 20 and 50 attendees.
func attendanceModifier(capacity int) (float64, bool) {
	n := float64(capacity)
	switch {
	case capacity > 50:
		return math.Min(2.5, 1.0+(n-10)*0.03), true
	case capacity > 20:
		return math.Min(1.8, 1.0+(n-10)*0.02), true
	case capacity > 10:
		return math.Min(1.3, 1.0+(n-5)*0.01), true
	}
	return 1.0, false
}

// bestFit picks the first compatible category whose tolerance covers score,
// then the highest-risk compatible one.
func bestFit(sorted []types.ActivityCategory, score float64, alcohol, minors bool) (types.ActivityCategory, bool) {
	for _, c := range sorted {
		if c.BaseRiskScore+fitMargin >= score && c.Permits(alcohol, minors) {
			return c, true
		}
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Permits(alcohol, minors) {
			return sorted[i], true
		}
	}
	return types.ActivityCategory{}, false
}

func violations(c types.ActivityCategory, in Input) []string {
	var out []string
	if in.Alcohol && !c.AllowsAlcohol {
		out = append(out, fmt.Sprintf("Alcohol not permitted for activity category %q", c.Slug))
	}
	if in.MinorsPresent && !c.AllowsMinors {
		out = append(out, fmt.Sprintf("Minors not permitted for activity category %q", c.Slug))
	}
	for _, e := range in.Equipment {
		if c.Prohibits(e) {
			out = append(out, fmt.Sprintf("Equipment %q prohibited for activity category %q", e, c.Slug))
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
