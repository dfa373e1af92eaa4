package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
)

var kindStatus = map[errs.Kind]int{
	errs.KindInvalidCredentials:  http.StatusUnauthorized,
	errs.KindAccountLocked:       http.StatusLocked,
	errs.KindAlreadyProcessed:    http.StatusConflict,
	errs.KindReferentialConflict: http.StatusConflict,
	errs.KindValidation:          http.StatusUnprocessableEntity,
	errs.KindSecurityDenied:      http.StatusForbidden,
	errs.KindUnauthenticated:     http.StatusUnauthorized,
	errs.KindNotFound:            http.StatusNotFound,
	errs.KindInternal:            http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind errs.Kind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error     string      `json:"error"`
	Code      errs.Kind   `json:"code"`
	Hint      string      `json:"hint,omitempty"`
	Items     []errs.Item `json:"items,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes a transport-level failure that never reached a service
func respondError(w http.ResponseWriter, status int, kind errs.Kind, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: kind})
}

// respondErr maps a service error. Internal causes are logged and replaced
// by a generic message.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := StatusFor(kind)
	body := ErrorResponse{Code: kind, RequestID: middleware.GetReqID(r.Context())}

	e, ok := errs.As(err)
	if kind == errs.KindInternal || !ok {
		slog.ErrorContext(r.Context(), "request failed",
			logger.RequestID(body.RequestID),
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.Error(err),
		)
		body.Code = errs.KindInternal
		body.Error = "internal server error"
		respondJSON(w, http.StatusInternalServerError, body)
		return
	}

	body.Error = e.Message
	body.Hint = e.Hint
	body.Items = e.Items
	slog.InfoContext(r.Context(), "request rejected",
		logger.RequestID(body.RequestID),
		logger.Path(r.URL.Path),
		logger.ErrorKind(string(kind)),
		logger.StatusCode(status),
	)
	respondJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, errs.KindValidation, "invalid request body")
		return false
	}
	return true
}
