package types

import (
	"strings"
	"time"
)

type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
	GrantExpired GrantStatus = "expired"
)

type AccessType string

const (
	AccessQR        AccessType = "qr"
	AccessPIN       AccessType = "pin"
	AccessBluetooth AccessType = "bluetooth"
	AccessAPIUnlock AccessType = "api_unlock"
)

func (a AccessType) Valid() bool {
	switch a {
	case AccessQR, AccessPIN, AccessBluetooth, AccessAPIUnlock:
		return true
	}
	return false
}

// GenericVendor serves lock ids that carry no vendor prefix or an
// unregistered one.
const GenericVendor = "generic"

// VendorOf extracts the vendor key from a "vendor:id" lock identifier.
func VendorOf(lockID string) string {
	vendor, _, ok := strings.Cut(lockID, ":")
	vendor = strings.ToLower(strings.TrimSpace(vendor))
	if !ok || vendor == "" {
		return GenericVendor
	}
	return vendor
}

// AccessGrant is the physical-access credential derived from one envelope.
// Each grant counts the people admitted through its lock.  The cap is the
// envelope's: the sum of CheckinsUsed over all grants of an envelope never
// exceeds AttendanceCap once a transaction commits.
type AccessGrant struct {
	ID            string      `json:"id"`
	EnvelopeID    string      `json:"envelope_id"`
	LockID        string      `json:"lock_id"`
	AccessType    AccessType  `json:"access_type"`
	ValidFrom     time.Time   `json:"valid_from"`
	ValidUntil    time.Time   `json:"valid_until"`
	AttendanceCap int         `json:"attendance_cap"`
	CheckinsUsed  int         `json:"checkins_used"`
	Status        GrantStatus `json:"status"`
	StatusReason  string      `json:"status_reason,omitempty"`
	IssuedAt      time.Time   `json:"issued_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Admitted is the number of people let in through any of grants.
func Admitted(grants []AccessGrant) int {
	n := 0
	for _, g := range grants {
		n += g.CheckinsUsed
	}
	return n
}

func (g AccessGrant) InWindow(now time.Time) bool {
	return !now.Before(g.ValidFrom) && !now.After(g.ValidUntil)
}

// Deny reasons returned by the capacity enforcer.
const (
	ReasonGranted          = "granted"
	ReasonGrantNotActive   = "grant_not_active"
	ReasonOutsideWindow    = "outside_grant_window"
	ReasonEnvelopeInvalid  = "envelope_not_valid"
	ReasonCapacityExceeded = "capacity_exceeded"
)

// Revocation reasons recorded on envelopes and grants.
const (
	CauseCapacityReached  = "attendance_cap_reached"
	CauseCapacityExceeded = "attendance_cap_exceeded"
	CauseEnvelopeVoided   = "envelope_voided"
	CauseEnvelopeInvalid  = "envelope_not_valid"
	CauseEnvelopeExpired  = "envelope_expired"
	CauseGrantExpired     = "grant_window_elapsed"
	CauseClaimOpened      = "claim_opened"
	CauseEmergency        = "emergency_revocation"
	CauseProvisionFailed  = "provision_failed"
	CauseManual           = "manual_revocation"
)

// CheckInDecision is the structured answer to a check-in attempt.  Denials
// are decisions, not errors.
type CheckInDecision struct {
	Allowed           bool        `json:"allowed"`
	Reason            string      `json:"reason"`
	Detail            string      `json:"detail,omitempty"`
	GrantID           string      `json:"grant_id"`
	EnvelopeID        string      `json:"envelope_id"`
	GrantStatus       GrantStatus `json:"grant_status"`
	CheckinsUsed      int         `json:"checkins_used"`
	Admitted          int         `json:"admitted"`
	RemainingCapacity int         `json:"remaining_capacity"`
	CoverageVoided    bool        `json:"coverage_voided"`
	DecidedAt         time.Time   `json:"decided_at"`
}
