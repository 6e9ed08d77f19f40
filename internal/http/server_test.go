package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semaphore/school-auth/internal/auth"
	"semaphore/school-auth/internal/config"
	"semaphore/school-auth/internal/crypto"
	"semaphore/school-auth/internal/metrics"
	"semaphore/school-auth/internal/model"
	"semaphore/school-auth/internal/policy"
	"semaphore/school-auth/internal/repository"
	"semaphore/school-auth/internal/repository/repofake"
)

const (
	schoolID  = "11111111-1111-1111-1111-111111111111"
	otherID   = "11111111-1111-1111-1111-111111111112"
	teacherID = "22222222-2222-2222-2222-222222222221"
	adminID   = "22222222-2222-2222-2222-222222222222"
	rootID    = "22222222-2222-2222-2222-222222222223"
	password  = "Correct1pass"
)

type testApp struct {
	store *repofake.FakeStore
	clock *clockwork.FakeClock
	url   string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	store := repofake.NewFakeStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))

	hash, err := crypto.HashPassword(password)
	require.NoError(t, err)
	school := schoolID
	store.AddTenant(model.Tenant{ID: schoolID, Slug: "acme", Name: "Acme High", Active: true, SubscriptionStatus: model.SubscriptionActive,
		Settings: map[string]any{"currency": "EUR"}, Modules: model.NewModuleSet(model.ModuleStudents, model.ModuleAttendance)})
	store.AddTenant(model.Tenant{ID: otherID, Slug: "beta", Name: "Beta Academy", Active: true, SubscriptionStatus: model.SubscriptionActive})
	store.AddAccount(model.Account{ID: teacherID, TenantID: &school, Email: "a@x.com", PasswordHash: hash, Role: model.RoleTeacher, Active: true})
	store.AddAccount(model.Account{ID: adminID, TenantID: &school, Email: "admin@acme.test", PasswordHash: hash, Role: model.RoleSchoolAdmin, Active: true})
	store.AddAccount(model.Account{ID: rootID, Email: "root@platform.test", PasswordHash: hash, Role: model.RolePlatformSuperadmin, Active: true})

	svc := auth.NewService(store, auth.Options{Lockout: auth.DefaultLockoutPolicy(), Clock: clock, Logger: zerolog.Nop()})
	pol, err := policy.Default()
	require.NoError(t, err)

	cfg := config.Config{HTTPAddr: ":0", BaseDomain: "school.test"}
	server := NewServer(cfg, svc, pol, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	app := httptest.NewServer(server.Router())
	t.Cleanup(app.Close)
	return &testApp{store: store, clock: clock, url: app.URL}
}

func doReq(t *testing.T, method, url, token string, body interface{}, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func (a *testApp) login(t *testing.T, email, slug string) string {
	t.Helper()
	resp, body := doReq(t, http.MethodPost, a.url+"/auth/login", "", map[string]string{"email": email, "password": password, "tenantSlug": slug})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	return body["token"].(string)
}

func TestLoginAndMe(t *testing.T) {
	app := newTestApp(t)

	resp, body := doReq(t, http.MethodPost, app.url+"/auth/login", "", map[string]string{"email": "A@X.com", "password": password, "tenantSlug": "acme"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := body["token"].(string)
	assert.NotEmpty(t, token)
	assert.Equal(t, []any{"attendance", "students"}, body["modules"])
	assert.Equal(t, "2026-03-09T08:00:00Z", body["expiresAt"])

	resp, body = doReq(t, http.MethodGet, app.url+"/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	account := body["account"].(map[string]any)
	assert.Equal(t, teacherID, account["id"])
	assert.Equal(t, "teacher", account["role"])
	tenant := body["tenant"].(map[string]any)
	assert.Equal(t, "acme", tenant["slug"])
	assert.Equal(t, map[string]any{"currency": "EUR"}, tenant["settings"])
}

func TestLoginErrors(t *testing.T) {
	app := newTestApp(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "bad json", body: "nope", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "missing password", body: map[string]string{"email": "a@x.com"}, status: http.StatusBadRequest, code: "missing_credentials"},
		{name: "wrong password", body: map[string]string{"email": "a@x.com", "password": "wrong"}, status: http.StatusUnauthorized, code: "invalid_credentials"},
		{name: "unknown account", body: map[string]string{"email": "ghost@x.com", "password": password}, status: http.StatusUnauthorized, code: "invalid_credentials"},
		{name: "unknown school", body: map[string]string{"email": "a@x.com", "password": password, "tenantSlug": "nowhere"}, status: http.StatusNotFound, code: "tenant_not_found"},
		{name: "other school", body: map[string]string{"email": "a@x.com", "password": password, "tenantSlug": "beta"}, status: http.StatusForbidden, code: "tenant_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doReq(t, http.MethodPost, app.url+"/auth/login", "", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestLoginLockout(t *testing.T) {
	app := newTestApp(t)
	for i := 0; i < 5; i++ {
		resp, _ := doReq(t, http.MethodPost, app.url+"/auth/login", "", map[string]string{"email": "a@x.com", "password": "wrong"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp, body := doReq(t, http.MethodPost, app.url+"/auth/login", "", map[string]string{"email": "a@x.com", "password": password})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "account_locked", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestLoginExpiredSubscription(t *testing.T) {
	app := newTestApp(t)
	app.store.UpdateTenant(schoolID, func(t *model.Tenant) { t.SubscriptionStatus = model.SubscriptionExpired })

	resp, body := doReq(t, http.MethodPost, app.url+"/auth/login", "", map[string]string{"email": "a@x.com", "password": password, "tenantSlug": "acme"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "tenant_subscription_invalid", body["error"])
	assert.Equal(t, "expired", body["detail"])
	assert.Zero(t, app.store.SessionCount())
}

func TestLoginSlugFromHeader(t *testing.T) {
	app := newTestApp(t)

	resp, body := doReq(t, http.MethodPost, app.url+"/auth/login", "", map[string]string{"email": "a@x.com", "password": password}, tenantHeader, "beta")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "tenant_mismatch", body["error"])
}

func TestLoginStorageUnavailable(t *testing.T) {
	app := newTestApp(t)
	app.store.FailWith(repository.ErrStorageUnavailable)

	resp, body := doReq(t, http.MethodPost, app.url+"/auth/login", "", map[string]string{"email": "a@x.com", "password": password})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "storage_unavailable", body["error"])
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestMeRequiresValidSession(t *testing.T) {
	app := newTestApp(t)

	resp, body := doReq(t, http.MethodGet, app.url+"/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_token", body["error"])

	resp, body = doReq(t, http.MethodGet, app.url+"/auth/me", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "session_not_found", body["error"])

	token := app.login(t, "a@x.com", "acme")
	app.clock.Advance(7*24*time.Hour + time.Second)
	resp, body = doReq(t, http.MethodGet, app.url+"/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "session_expired", body["error"])
}

func TestMeRejectsDeactivatedAccountAndSuspendedSchool(t *testing.T) {
	app := newTestApp(t)
	token := app.login(t, "a@x.com", "acme")

	app.store.UpdateTenant(schoolID, func(t *model.Tenant) { t.SubscriptionStatus = model.SubscriptionSuspended })
	resp, body := doReq(t, http.MethodGet, app.url+"/auth/me", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "tenant_subscription_invalid", body["error"])

	app.store.UpdateAccount(teacherID, func(a *model.Account) { a.Active = false })
	resp, body = doReq(t, http.MethodGet, app.url+"/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "account_inactive", body["error"])
}

func TestLogoutAlwaysOK(t *testing.T) {
	app := newTestApp(t)
	token := app.login(t, "a@x.com", "acme")

	for _, tok := range []string{token, token, "", "unknown"} {
		resp, body := doReq(t, http.MethodPost, app.url+"/auth/logout", tok, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
	}

	resp, _ := doReq(t, http.MethodGet, app.url+"/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChangePassword(t *testing.T) {
	app := newTestApp(t)
	token := app.login(t, "a@x.com", "acme")
	other := app.login(t, "a@x.com", "acme")

	resp, body := doReq(t, http.MethodPost, app.url+"/auth/password", token, map[string]string{"currentPassword": password, "newPassword": "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "weak_password", body["error"])

	resp, body = doReq(t, http.MethodPost, app.url+"/auth/password", token, map[string]string{"currentPassword": "wrong", "newPassword": "Better1pass"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_credentials", body["error"])

	resp, body = doReq(t, http.MethodPost, app.url+"/auth/password", token, map[string]string{"currentPassword": password, "newPassword": "Better1pass"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["revokedSessions"])

	resp, _ = doReq(t, http.MethodGet, app.url+"/auth/me", other, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = doReq(t, http.MethodGet, app.url+"/auth/me", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCheckAction(t *testing.T) {
	app := newTestApp(t)
	token := app.login(t, "a@x.com", "acme")

	resp, body := doReq(t, http.MethodGet, app.url+"/auth/check/attendance.write", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allowed"])

	resp, body = doReq(t, http.MethodGet, app.url+"/auth/check/library.read", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "module_denied", body["error"])
	assert.Equal(t, "library", body["detail"])

	resp, body = doReq(t, http.MethodGet, app.url+"/auth/check/fees.write", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "role_denied", body["error"])

	resp, _ = doReq(t, http.MethodGet, app.url+"/auth/check/unknown.thing", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModuleAdministration(t *testing.T) {
	app := newTestApp(t)
	admin := app.login(t, "admin@acme.test", "acme")
	root := app.login(t, "root@platform.test", "")

	resp, body := doReq(t, http.MethodGet, app.url+"/tenants/acme/modules", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["modules"], 2)

	resp, body = doReq(t, http.MethodPut, app.url+"/tenants/acme/modules", admin, map[string]any{"modules": []string{"students"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "role_denied", body["error"])

	resp, _ = doReq(t, http.MethodPut, app.url+"/tenants/acme/modules", root, map[string]any{"modules": []string{"cafeteria"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doReq(t, http.MethodPut, app.url+"/tenants/acme/modules", root, map[string]any{"modules": []string{"students", "library"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{
		map[string]any{"module": "library", "op": "add"},
		map[string]any{"module": "attendance", "op": "disable"},
	}, body["changes"])

	resp, body = doReq(t, http.MethodGet, app.url+"/auth/me", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"library", "students"}, body["modules"])

	resp, body = doReq(t, http.MethodGet, app.url+"/tenants/beta/modules", admin, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "tenant_mismatch", body["error"])
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)
	resp, body := doReq(t, http.MethodGet, app.url+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	app.login(t, "a@x.com", "")
	metricsResp, err := http.Get(app.url + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	data, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `school_auth_logins_total{outcome="ok"} 1`)
}

func TestSlugFromHost(t *testing.T) {
	assert.Equal(t, "acme", slugFromHost("acme.school.test", "school.test"))
	assert.Equal(t, "acme", slugFromHost("ACME.school.test:8443", "school.test"))
	assert.Equal(t, "acme", slugFromHost("acme.eu.school.test", "school.test"))
	assert.Equal(t, "", slugFromHost("school.test", "school.test"))
	assert.Equal(t, "", slugFromHost("www.school.test", "school.test"))
	assert.Equal(t, "", slugFromHost("acme.other.test", "school.test"))
	assert.Equal(t, "", slugFromHost("acme.school.test", ""))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer  abc "))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken(""))
}
