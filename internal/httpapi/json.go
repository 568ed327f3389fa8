package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/thirdplace/server/internal/thirdplace/apperr"
)

// maxRequestBody caps JSON request bodies.  The largest request, an
// envelope creation with event metadata, is well under 16 KiB.
const maxRequestBody = 64 << 10

type errorBody struct {
	Error *apperr.Error `json:"error"`
}

// decode reads a JSON body into dst.  With optional set an empty body is
// accepted.  On failure it writes a 400 and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, apperr.Validation("invalid JSON body", err.Error()))
	return false
}

// respond writes v with status, or the error mapped to its HTTP status.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err == nil {
		writeJSON(w, status, v)
		return
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error": {...}}.  Internal errors are reported
// without their cause.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind == apperr.KindInternal {
		appErr = &apperr.Error{Kind: apperr.KindInternal, Message: "unexpected server error"}
	}
	writeJSON(w, apperr.HTTPStatus(appErr), errorBody{Error: appErr})
}
