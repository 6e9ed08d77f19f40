package http

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"semaphore/school-auth/internal/auth"
)

var kindStatus = map[auth.Kind]int{
	auth.KindInvalidCredentials:        http.StatusUnauthorized,
	auth.KindAccountLocked:             http.StatusForbidden,
	auth.KindAccountInactive:           http.StatusUnauthorized,
	auth.KindTenantNotFound:            http.StatusNotFound,
	auth.KindTenantDeactivated:         http.StatusForbidden,
	auth.KindTenantSubscriptionInvalid: http.StatusForbidden,
	auth.KindTenantMismatch:            http.StatusForbidden,
	auth.KindSessionNotFound:           http.StatusUnauthorized,
	auth.KindSessionExpired:            http.StatusUnauthorized,
	auth.KindRoleDenied:                http.StatusForbidden,
	auth.KindModuleDenied:              http.StatusForbidden,
	auth.KindStorageUnavailable:        http.StatusServiceUnavailable,
}

// writeAuthError answers with the refusal's machine code and message.
// Anything without a kind is logged and reported as server_error.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	status, ok := kindStatus[authErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if authErr.Cause != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("kind", string(authErr.Kind)).Msg("request refused")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	body := map[string]string{"error": string(authErr.Kind), "message": authErr.Message}
	if authErr.Detail != "" {
		body["detail"] = authErr.Detail
	}
	writeJSON(w, status, body)
}
