package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

// ReferenceStore holds reference data in maps.  It is intended for use in
// tests and dev environments.
type ReferenceStore struct {
	mu         sync.RWMutex
	categories map[string]types.ActivityCategory
	spaces     map[string]types.SpaceRiskProfile
	policies   map[string]types.PolicyRoot
}

func NewReferenceStore() *ReferenceStore {
	return &ReferenceStore{
		categories: make(map[string]types.ActivityCategory),
		spaces:     make(map[string]types.SpaceRiskProfile),
		policies:   make(map[string]types.PolicyRoot),
	}
}

func (s *ReferenceStore) GetCategory(_ context.Context, id string) (types.ActivityCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[strings.TrimSpace(id)]
	if !ok {
		return types.ActivityCategory{}, store.ErrNotFound
	}
	return c, nil
}

func (s *ReferenceStore) GetCategoryBySlug(_ context.Context, slug string) (types.ActivityCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.categories {
		if c.Slug == slug {
			return c, nil
		}
	}
	return types.ActivityCategory{}, store.ErrNotFound
}

func (s *ReferenceStore) ListCategories(_ context.Context) ([]types.ActivityCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ActivityCategory, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b types.ActivityCategory) int { return strings.Compare(a.Slug, b.Slug) })
	return out, nil
}

func (s *ReferenceStore) GetSpace(_ context.Context, spaceID string) (types.SpaceRiskProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[strings.TrimSpace(spaceID)]
	if !ok {
		return types.SpaceRiskProfile{}, store.ErrNotFound
	}
	return sp, nil
}

func (s *ReferenceStore) GetPolicy(_ context.Context, id string) (types.PolicyRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[strings.TrimSpace(id)]
	if !ok {
		return types.PolicyRoot{}, store.ErrNotFound
	}
	return p, nil
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

func (s *ReferenceStore) UpsertCategory(_ context.Context, c types.ActivityCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ProhibitedEquipment = slices.Clone(c.ProhibitedEquipment)
	s.categories[c.ID] = c
	return nil
}

func (s *ReferenceStore) UpsertSpace(_ context.Context, sp types.SpaceRiskProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces[sp.SpaceID] = sp
	return nil
}

func (s *ReferenceStore) UpsertPolicy(_ context.Context, p types.PolicyRoot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

// SetPolicyStatus is a test helper for suspending or expiring a policy.
func (s *ReferenceStore) SetPolicyStatus(id string, status types.PolicyStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[id]; ok {
		p.Status = status
		s.policies[id] = p
	}
}

// DeleteCategory is a test helper for simulating reference-data drift.
func (s *ReferenceStore) DeleteCategory(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.categories, id)
}

// DeleteSpace is DeleteCategory for space risk profiles.
func (s *ReferenceStore) DeleteSpace(spaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.spaces, spaceID)
}
