// Package catalog loads reference data (activity categories, space risk
// profiles and policy roots) from YAML and seeds it into a store.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

//go:embed default.yaml
var defaultYAML []byte

type Catalog struct {
	Categories []types.ActivityCategory `yaml:"categories"`
	Spaces     []types.SpaceRiskProfile `yaml:"spaces"`
	Policies   []types.PolicyRoot       `yaml:"policies"`
}

// Default returns the embedded catalog.
func Default() (Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads a catalog file; an empty path yields Default.
func Load(path string) (Catalog, error) {
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(b)
}

func Parse(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate reports every problem in c at once.
func (c Catalog) Validate() error {
	var errs []error
	ids := make(map[string]bool)
	slugs := make(map[string]bool)
	for i, cat := range c.Categories {
		switch {
		case cat.ID == "" || cat.Slug == "":
			errs = append(errs, fmt.Errorf("categories[%d]: id and slug are required", i))
		case ids[cat.ID]:
			errs = append(errs, fmt.Errorf("categories[%d]: duplicate id %q", i, cat.ID))
		case slugs[cat.Slug]:
			errs = append(errs, fmt.Errorf("categories[%d]: duplicate slug %q", i, cat.Slug))
		}
		ids[cat.ID], slugs[cat.Slug] = true, true
		if cat.BaseRiskScore < 0 || cat.BaseRiskScore > 1 {
			errs = append(errs, fmt.Errorf("categories[%d]: base_risk_score %v outside [0,1]", i, cat.BaseRiskScore))
		}
	}
	for i, sp := range c.Spaces {
		if sp.SpaceID == "" {
			errs = append(errs, fmt.Errorf("spaces[%d]: space_id is required", i))
		}
		if sp.HazardRating < 0 || sp.HazardRating > 1 {
			errs = append(errs, fmt.Errorf("spaces[%d]: hazard_rating %v outside [0,1]", i, sp.HazardRating))
		}
	}
	for i, p := range c.Policies {
		if p.ID == "" || p.Jurisdiction == "" {
			errs = append(errs, fmt.Errorf("policies[%d]: id and jurisdiction are required", i))
		}
		if !p.Status.Valid() {
			errs = append(errs, fmt.Errorf("policies[%d]: unknown status %q", i, p.Status))
		}
		if !p.EffectiveFrom.Before(p.EffectiveUntil) {
			errs = append(errs, fmt.Errorf("policies[%d]: effective_from must precede effective_until", i))
		}
	}
	return errors.Join(errs...)
}

// Seed upserts every entry of c into w.  Re-seeding the same catalog is a
// no-op apart from updated timestamps.
func (c Catalog) Seed(ctx context.Context, w store.ReferenceWriter) error {
	for _, cat := range c.Categories {
		if err := w.UpsertCategory(ctx, cat); err != nil {
			return fmt.Errorf("seed category %s: %w", cat.Slug, err)
		}
	}
	for _, sp := range c.Spaces {
		if err := w.UpsertSpace(ctx, sp); err != nil {
			return fmt.Errorf("seed space %s: %w", sp.SpaceID, err)
		}
	}
	for _, p := range c.Policies {
		if err := w.UpsertPolicy(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.ID, err)
		}
	}
	return nil
}
