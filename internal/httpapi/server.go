package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/thirdplace/server/internal/thirdplace/service"
)

type Dependencies struct {
	Logger    *slog.Logger
	Addr      string
	Quotes    *service.QuoteService
	Envelopes *service.EnvelopeService
	Access    *service.AccessService
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	mux        *http.ServeMux
	quotes     *service.QuoteService
	envelopes  *service.EnvelopeService
	access     *service.AccessService
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()
	logger := d.Logger.With("component", "http")

	s := &Server{
		logger:    logger,
		mux:       mux,
		quotes:    d.Quotes,
		envelopes: d.Envelopes,
		access:    d.Access,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/activity/classify", s.handleClassify)
	mux.HandleFunc("POST /v1/pricing/quote", s.handleQuote)

	mux.HandleFunc("POST /v1/envelopes", s.handleCreateEnvelope)
	mux.HandleFunc("GET /v1/envelopes/{id}", s.handleGetEnvelope)
	mux.HandleFunc("GET /v1/envelopes/{id}/verify", s.handleVerifyEnvelope)
	mux.HandleFunc("GET /v1/envelopes/{id}/capacity", s.handleCapacity)
	mux.HandleFunc("GET /v1/envelopes/{id}/pricing", s.handlePricing)
	mux.HandleFunc("POST /v1/envelopes/{id}/void", s.handleVoid)
	mux.HandleFunc("POST /v1/envelopes/{id}/claim", s.handleOpenClaim)

	mux.HandleFunc("POST /v1/grants", s.handleIssueGrant)
	mux.HandleFunc("GET /v1/grants/{id}", s.handleGetGrant)
	mux.HandleFunc("GET /v1/grants/{id}/attendance", s.handleAttendance)
	mux.HandleFunc("GET /v1/grants/{id}/verify", s.handleVerifyGrant)
	mux.HandleFunc("POST /v1/grants/{id}/checkin", s.handleCheckIn)
	mux.HandleFunc("POST /v1/grants/{id}/revoke", s.handleRevoke)

	mux.HandleFunc("POST /v1/admin/emergency_revoke", s.handleEmergencyRevoke)

	handler := recoverMiddleware(logger, loggingMiddleware(logger, mux))

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
