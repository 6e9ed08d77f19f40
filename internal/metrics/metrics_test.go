package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semaphore/school-auth/internal/auth"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "account_locked", Outcome(auth.ErrAccountLocked))
	assert.Equal(t, "tenant_subscription_invalid", Outcome(errors.Join(errors.New("ctx"), auth.ErrTenantSubscriptionInvalid)))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveLogin(nil)
	m.ObserveLogin(auth.ErrInvalidCredentials)
	m.ObserveLogin(auth.ErrInvalidCredentials)
	m.ObserveAuthorization(auth.ErrModuleDenied)
	m.ObserveRetry("get session", errors.New("reset"))
	m.ObserveSweep(4)
	m.ObserveServiceCall("/schoolauth.v1.Introspection/Authorize", "invalid_service_token")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoginsTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoginsTotal.WithLabelValues("invalid_credentials")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthorizationsTotal.WithLabelValues("module_denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ServiceCallsTotal.WithLabelValues("/schoolauth.v1.Introspection/Authorize", "invalid_service_token")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageRetriesTotal.WithLabelValues("get session")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SessionsSweptTotal))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := NewDefault()
	m.ObserveSession(auth.ErrSessionExpired)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `school_auth_session_validations_total{outcome="session_expired"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
