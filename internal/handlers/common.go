package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/services"
)

const (
	storeTimeout   = 10 * time.Second
	maxRequestBody = 64 << 10
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	return dec.Decode(v)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	var verr *services.ValidationError
	var cd *services.CooldownError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(verr.Fields))
	case errors.As(err, &cd):
		writeJSON(w, http.StatusTooManyRequests, models.APIResponse{
			Success: false,
			Error:   "You can bump this server again later",
			Data:    models.CooldownResponse{RetryAt: cd.RetryAt.UTC().Format(time.RFC3339)},
		})
	case errors.Is(err, services.ErrQuotaExceeded):
		writeJSON(w, http.StatusConflict, models.NewErrorResponse("You can list at most 5 servers"))
	case errors.Is(err, services.ErrServerNotFound):
		writeJSON(w, http.StatusNotFound, models.NewErrorResponse("Server not found"))
	case errors.Is(err, services.ErrReportNotFound):
		writeJSON(w, http.StatusNotFound, models.NewErrorResponse("Report not found"))
	case errors.Is(err, services.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, models.NewErrorResponse("User not found"))
	case errors.Is(err, services.ErrCaptchaFailed):
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("reCAPTCHA verification failed"))
	case errors.Is(err, services.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		log.Printf("[%s] store unavailable: %v", op, err)
		writeJSON(w, http.StatusServiceUnavailable, models.NewErrorResponse("Service temporarily unavailable"))
	default:
		log.Printf("[%s] unexpected error: %v", op, err)
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Internal server error"))
	}
}

// clientIP reads the peer address only. Proxy headers are already folded
// into RemoteAddr by the RealIP middleware.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}
	return ""
}
