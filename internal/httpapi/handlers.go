package httpapi

import (
	"net/http"

	"github.com/thirdplace/server/internal/thirdplace/service"
)

// reasonBody is the optional body of void, revoke and emergency calls.
type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Classification & pricing ────────────────────────────────────────────────

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req service.ClassifyRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	res, err := s.quotes.Classify(r.Context(), req)
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req service.QuoteRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	q, err := s.quotes.Quote(r.Context(), req)
	s.respond(w, r, http.StatusOK, q, err)
}

// ── Envelopes ───────────────────────────────────────────────────────────────

func (s *Server) handleCreateEnvelope(w http.ResponseWriter, r *http.Request) {
	var req service.CreateEnvelopeRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	env, err := s.envelopes.Create(r.Context(), req)
	s.respond(w, r, http.StatusCreated, env, err)
}

func (s *Server) handleGetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := s.envelopes.Get(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, env, err)
}

func (s *Server) handleVerifyEnvelope(w http.ResponseWriter, r *http.Request) {
	v, err := s.envelopes.Verify(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, v, err)
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	st, err := s.envelopes.CapacityStatus(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, st, err)
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	snap, verified, err := s.envelopes.PricingSnapshot(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, map[string]any{"snapshot": snap, "verified": verified}, err)
}

func (s *Server) handleVoid(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !s.decode(w, r, &body, true) {
		return
	}
	env, err := s.envelopes.Void(r.Context(), r.PathValue("id"), body.Reason)
	s.respond(w, r, http.StatusOK, env, err)
}

func (s *Server) handleOpenClaim(w http.ResponseWriter, r *http.Request) {
	env, err := s.envelopes.OpenClaim(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, env, err)
}

// ── Grants ──────────────────────────────────────────────────────────────────

func (s *Server) handleIssueGrant(w http.ResponseWriter, r *http.Request) {
	var req service.IssueGrantRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	issued, err := s.access.IssueGrant(r.Context(), req)
	s.respond(w, r, http.StatusCreated, issued, err)
}

func (s *Server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	g, err := s.access.Get(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, g, err)
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	st, err := s.access.AttendanceStatus(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, st, err)
}

func (s *Server) handleVerifyGrant(w http.ResponseWriter, r *http.Request) {
	v, err := s.access.VerifyGrant(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, v, err)
}

// handleCheckIn answers 200 for both admissions and denials; the decision
// body says which.
func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	dec, err := s.access.CheckIn(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, dec, err)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !s.decode(w, r, &body, true) {
		return
	}
	g, err := s.access.Revoke(r.Context(), r.PathValue("id"), body.Reason)
	s.respond(w, r, http.StatusOK, g, err)
}

func (s *Server) handleEmergencyRevoke(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !s.decode(w, r, &body, true) {
		return
	}
	report, err := s.access.EmergencyRevokeAll(r.Context(), body.Reason)
	s.respond(w, r, http.StatusOK, report, err)
}
