package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"quankey/internal/envelope"
	"quankey/internal/identity"
	"quankey/internal/keys"
	"quankey/internal/pairing"
	"quankey/internal/recovery"
)

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func tooMany(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	http.Error(w, "too many requests", http.StatusTooManyRequests)
}

// errStatus maps domain sentinels onto HTTP status codes. Anything unmapped
// is a 500; handlers never echo internal error text for those.
func errStatus(err error) int {
	switch {
	case errors.Is(err, identity.ErrUserNotFound),
		errors.Is(err, identity.ErrDeviceNotFound),
		errors.Is(err, envelope.ErrItemNotFound),
		errors.Is(err, envelope.ErrWrapNotFound),
		errors.Is(err, recovery.ErrKitNotFound),
		errors.Is(err, pairing.ErrTokenNotFound):
		return http.StatusNotFound
	case errors.Is(err, identity.ErrDeviceRevoked),
		errors.Is(err, keys.ErrAuthorizationDenied),
		errors.Is(err, pairing.ErrIssuerRevoked):
		return http.StatusForbidden
	case errors.Is(err, identity.ErrUsernameTaken),
		errors.Is(err, identity.ErrDuplicateKey),
		errors.Is(err, envelope.ErrVersionConflict),
		errors.Is(err, pairing.ErrSessionAlreadyConsumed):
		return http.StatusConflict
	case errors.Is(err, pairing.ErrSessionExpired),
		errors.Is(err, recovery.ErrKitExpired),
		errors.Is(err, recovery.ErrKitSuperseded):
		return http.StatusGone
	case errors.Is(err, identity.ErrInvalidDevice),
		errors.Is(err, recovery.ErrInvalidParams),
		errors.Is(err, recovery.ErrInsufficientShares),
		errors.Is(err, recovery.ErrChecksumMismatch),
		errors.Is(err, recovery.ErrNotShareFile),
		errors.Is(err, envelope.ErrNoActiveDevices),
		errors.Is(err, pairing.ErrNotExchanged),
		errors.Is(err, pairing.ErrBadQRPayload):
		return http.StatusBadRequest
	case errors.Is(err, recovery.ErrSecretMismatch),
		errors.Is(err, envelope.ErrIntegrityFailure):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := errStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Printf("internal error: %v", err)
		http.Error(w, "internal error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return false
	}
	return true
}
