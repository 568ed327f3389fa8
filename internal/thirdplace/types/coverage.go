package types

import "time"

// MaxEnvelopeWindow bounds valid_until - valid_from.
const MaxEnvelopeWindow = 12 * time.Hour

type EnvelopeStatus string

const (
	EnvelopePending   EnvelopeStatus = "pending"
	EnvelopeActive    EnvelopeStatus = "active"
	EnvelopeVoided    EnvelopeStatus = "voided"
	EnvelopeExpired   EnvelopeStatus = "expired"
	EnvelopeClaimOpen EnvelopeStatus = "claim_open"
)

// Terminal reports whether no further transition may leave s.
func (s EnvelopeStatus) Terminal() bool {
	return s == EnvelopeVoided || s == EnvelopeExpired
}

// CanTransitionTo encodes the envelope state machine:
//
//	pending -> active -> {voided, expired, claim_open}
//	pending -> {voided, expired}
func (s EnvelopeStatus) CanTransitionTo(next EnvelopeStatus) bool {
	switch s {
	case EnvelopePending:
		return next == EnvelopeActive || next == EnvelopeVoided || next == EnvelopeExpired
	case EnvelopeActive:
		return next == EnvelopeVoided || next == EnvelopeExpired || next == EnvelopeClaimOpen
	}
	return false
}

// EventMetadata is what the steward declared about the event.
type EventMetadata struct {
	DeclaredActivity string   `json:"declared_activity,omitempty"`
	Equipment        []string `json:"equipment,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

// CoverageEnvelope is the unit of coverage for one event.
type CoverageEnvelope struct {
	ID                 string         `json:"id"`
	PolicyRootID       string         `json:"policy_root_id"`
	ActivityCategoryID string         `json:"activity_category_id"`
	SpaceID            string         `json:"space_id"`
	StewardID          string         `json:"steward_id"`
	PlatformEntityID   string         `json:"platform_entity_id"`
	Metadata           EventMetadata  `json:"event_metadata"`
	AttendanceCap      int            `json:"attendance_cap"`
	DurationMinutes    int            `json:"duration_minutes"`
	Alcohol            bool           `json:"alcohol"`
	MinorsPresent      bool           `json:"minors_present"`
	CoverageLimits     CoverageLimits `json:"coverage_limits"`
	Jurisdiction       string         `json:"jurisdiction"`
	ValidFrom          time.Time      `json:"valid_from"`
	ValidUntil         time.Time      `json:"valid_until"`
	CertificateRef     string         `json:"certificate_ref,omitempty"`
	Status             EnvelopeStatus `json:"status"`
	StatusReason       string         `json:"status_reason,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// CurrentlyValid is the coverage predicate evaluated on every access check.
func (e CoverageEnvelope) CurrentlyValid(now time.Time) bool {
	return e.Status == EnvelopeActive && !now.Before(e.ValidFrom) && !now.After(e.ValidUntil)
}

// PricingSnapshot is the immutable record of a quote taken at creation.
type PricingSnapshot struct {
	ID                 string    `json:"id"`
	EnvelopeID         string    `json:"envelope_id"`
	CategorySlug       string    `json:"category_slug"`
	RiskScore          float64   `json:"risk_score"`
	HazardRating       float64   `json:"hazard_rating"`
	AttendanceCap      int       `json:"attendance_cap"`
	DurationMinutes    int       `json:"duration_minutes"`
	Jurisdiction       string    `json:"jurisdiction"`
	BaseRate           float64   `json:"base_rate"`
	DurationFactor     float64   `json:"duration_factor"`
	AttendanceFactor   float64   `json:"attendance_factor"`
	JurisdictionFactor float64   `json:"jurisdiction_factor"`
	RiskFactor         float64   `json:"risk_factor"`
	FinalPrice         float64   `json:"final_price"`
	Currency           string    `json:"currency"`
	ComputedAt         time.Time `json:"computed_at"`
}
