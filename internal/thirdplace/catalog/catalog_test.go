package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thirdplace/server/internal/thirdplace/catalog"
	"github.com/thirdplace/server/internal/thirdplace/store/memory"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

func TestDefault(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)

	require.Len(t, c.Categories, 3)
	bySlug := map[string]types.ActivityCategory{}
	for _, cat := range c.Categories {
		bySlug[cat.Slug] = cat
	}

	passive := bySlug[types.CategoryPassive]
	assert.Equal(t, 0.1, passive.BaseRiskScore)
	assert.False(t, passive.AllowsAlcohol)
	assert.True(t, passive.AllowsMinors)

	light := bySlug[types.CategoryLightPhysical]
	assert.Equal(t, 0.3, light.BaseRiskScore)
	assert.True(t, light.AllowsAlcohol)

	tool := bySlug[types.CategoryToolBased]
	assert.Equal(t, 0.7, tool.BaseRiskScore)
	assert.False(t, tool.AllowsAlcohol)
	assert.False(t, tool.AllowsMinors)

	require.Len(t, c.Policies, 1)
	p := c.Policies[0]
	assert.Equal(t, types.PolicyActive, p.Status)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), p.EffectiveFrom.UTC())
	assert.Equal(t, int64(2_000_000), p.CategoryLimits[types.CategoryToolBased].GeneralLiability)
}

func TestSeedIsIdempotent(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)

	refs := memory.NewReferenceStore()
	ctx := context.Background()
	require.NoError(t, c.Seed(ctx, refs))
	require.NoError(t, c.Seed(ctx, refs))

	cats, err := refs.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 3)

	_, err = refs.GetActivePolicy(ctx, "policy-demo")
	assert.NoError(t, err)
	_, err = refs.GetSpace(ctx, "space-demo")
	assert.NoError(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
categories:
  - id: cat-x
    slug: passive
    base_risk_score: 0.2
`), 0o600))

	c, err := catalog.Load(path)
	require.NoError(t, err)
	require.Len(t, c.Categories, 1)
	assert.Equal(t, 0.2, c.Categories[0].BaseRiskScore)
}

func TestParseRejectsBadCatalog(t *testing.T) {
	_, err := catalog.Parse([]byte(`
categories:
  - id: a
    slug: passive
    base_risk_score: 1.5
  - id: b
    slug: passive
    base_risk_score: 0.2
policies:
  - id: p
    jurisdiction: US-CA
    status: dormant
    effective_from: 2026-01-01T00:00:00Z
    effective_until: 2025-01-01T00:00:00Z
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_risk_score")
	assert.Contains(t, err.Error(), "duplicate slug")
	assert.Contains(t, err.Error(), "unknown status")
	assert.Contains(t, err.Error(), "effective_from")
}
