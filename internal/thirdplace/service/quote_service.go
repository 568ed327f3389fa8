package service

import (
	"context"
	"errors"
	"strings"

	"github.com/thirdplace/server/internal/thirdplace/apperr"
	"github.com/thirdplace/server/internal/thirdplace/classify"
	"github.com/thirdplace/server/internal/thirdplace/pricing"
	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

type ClassifyRequest struct {
	DeclaredActivity string   `json:"declared_activity" validate:"required,max=500"`
	Equipment        []string `json:"equipment" validate:"max=20,dive,required"`
	Alcohol          bool     `json:"alcohol"`
	MinorsPresent    bool     `json:"minors_present"`
	AttendanceCap    int      `json:"attendance_cap" validate:"gt=0"`
	SpaceID          string   `json:"space_id" validate:"required"`
}

// QuoteRequest prices an event.  ActivityCategory accepts a slug or a
// category id.
type QuoteRequest struct {
	ActivityCategory string   `json:"activity_category" validate:"required"`
	SpaceID          string   `json:"space_id" validate:"required"`
	AttendanceCap    int      `json:"attendance_cap" validate:"gt=0"`
	DurationMinutes  int      `json:"duration_minutes" validate:"gt=0,lte=720"`
	Jurisdiction     string   `json:"jurisdiction" validate:"required"`
	RiskScore        *float64 `json:"risk_score,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// QuoteService answers classification and pricing questions without
// creating anything.
type QuoteService struct {
	refs store.ReferenceStore
}

func NewQuoteService(refs store.ReferenceStore) *QuoteService {
	return &QuoteService{refs: refs}
}

func (s *QuoteService) Classify(ctx context.Context, req ClassifyRequest) (classify.Result, error) {
	if err := validateStruct(req); err != nil {
		return classify.Result{}, err
	}

	space, err := s.refs.GetSpace(ctx, req.SpaceID)
	if err != nil {
		return classify.Result{}, storeErr(err,
			apperr.Classification("space risk profile not found", "space_id="+req.SpaceID))
	}
	catalog, err := s.refs.ListCategories(ctx)
	if err != nil {
		return classify.Result{}, storeErr(err, nil)
	}

	return classify.Classify(classify.Input{
		DeclaredActivity: req.DeclaredActivity,
		Equipment:        normalizeEquipment(req.Equipment),
		Alcohol:          req.Alcohol,
		MinorsPresent:    req.MinorsPresent,
		AttendanceCap:    req.AttendanceCap,
	}, &space, catalog)
}

func (s *QuoteService) Quote(ctx context.Context, req QuoteRequest) (pricing.Quote, error) {
	if err := validateStruct(req); err != nil {
		return pricing.Quote{}, err
	}

	category, err := s.category(ctx, req.ActivityCategory)
	if err != nil {
		return pricing.Quote{}, err
	}
	space, err := s.refs.GetSpace(ctx, req.SpaceID)
	if err != nil {
		return pricing.Quote{}, storeErr(err,
			apperr.Classification("space risk profile not found", "space_id="+req.SpaceID))
	}

	return pricing.Calculate(pricing.Input{
		CategorySlug:    category.Slug,
		BaseRiskScore:   category.BaseRiskScore,
		HazardRating:    space.HazardRating,
		AttendanceCap:   req.AttendanceCap,
		DurationMinutes: req.DurationMinutes,
		Jurisdiction:    strings.ToUpper(strings.TrimSpace(req.Jurisdiction)),
		RiskScore:       req.RiskScore,
	}), nil
}

func (s *QuoteService) category(ctx context.Context, ref string) (types.ActivityCategory, error) {
	c, err := s.refs.GetCategoryBySlug(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		c, err = s.refs.GetCategory(ctx, ref)
	}
	if err != nil {
		return types.ActivityCategory{}, storeErr(err,
			apperr.Classification("activity category not found", "activity_category="+ref))
	}
	return c, nil
}

func normalizeEquipment(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}
