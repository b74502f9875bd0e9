package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/data"
	"github.com/camfleet/camfleet/internal/relay"
	"github.com/camfleet/camfleet/internal/scan"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondFailure maps a domain error onto its HTTP status and writes
// the JSON error body.
func respondFailure(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}

// statusFor translates sentinel errors and error kinds into statuses.
// Upstream camera failures surface as gateway errors so callers can
// tell an unreachable camera from a broken orchestrator.
func statusFor(err error) int {
	switch {
	case errors.Is(err, data.ErrRecordNotFound),
		errors.Is(err, scan.ErrScanNotFound),
		errors.Is(err, relay.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, scan.ErrScanNotDone),
		errors.Is(err, scan.ErrScanFinished),
		errors.Is(err, relay.ErrNotPublished):
		return http.StatusConflict
	case errors.Is(err, relay.ErrViewerLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrSuspended):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrSessionsDisabled):
		return http.StatusNotImplemented
	}

	switch camerr.KindOf(err) {
	case camerr.Validation:
		return http.StatusBadRequest
	case camerr.NotConnected:
		return http.StatusConflict
	case camerr.Auth, camerr.Unreachable, camerr.Protocol:
		return http.StatusBadGateway
	case camerr.Timeout:
		return http.StatusGatewayTimeout
	case camerr.Cancelled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
