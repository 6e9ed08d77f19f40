package http

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"semaphore/school-auth/internal/auth"
	"semaphore/school-auth/internal/config"
	"semaphore/school-auth/internal/crypto"
	"semaphore/school-auth/internal/metrics"
	"semaphore/school-auth/internal/model"
	"semaphore/school-auth/internal/policy"
)

const tenantHeader = "X-Tenant-Slug"

type Server struct {
	cfg     config.Config
	svc     *auth.Service
	policy  *policy.Policy
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewServer(cfg config.Config, svc *auth.Service, pol *policy.Policy, m *metrics.Metrics, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, svc: svc, policy: pol, metrics: m, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		hlog.NewHandler(s.log),
		hlog.RequestIDHandler("req_id", "Request-Id"),
		hlog.RemoteAddrHandler("remote_addr"),
		hlog.UserAgentHandler("user_agent"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}),
	)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/logout", s.handleLogout)
	r.With(s.authMiddleware).Get("/auth/me", s.handleGetMe)
	r.With(s.authMiddleware).Post("/auth/password", s.handleChangePassword)
	r.With(s.authMiddleware).Get("/auth/check/{action}", s.handleCheck)

	r.Route("/tenants/{slug}", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/modules", s.handleGetModules)
		r.Put("/modules", s.handlePutModules)
	})

	return r
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	TenantSlug string `json:"tenantSlug"`
}

type loginResponse struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Account   accountSummary `json:"account"`
	Tenant    *tenantSummary `json:"tenant,omitempty"`
	Modules   []model.Module `json:"modules"`
}

type accountSummary struct {
	ID          string     `json:"id"`
	TenantID    *string    `json:"tenantId,omitempty"`
	Email       string     `json:"email"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	Role        model.Role `json:"role"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	LoginCount  int64      `json:"loginCount"`
}

type tenantSummary struct {
	ID                    string                   `json:"id"`
	Slug                  string                   `json:"slug"`
	Name                  string                   `json:"name"`
	SubscriptionStatus    model.SubscriptionStatus `json:"subscriptionStatus"`
	SubscriptionExpiresAt *time.Time               `json:"subscriptionExpiresAt,omitempty"`
	Settings              map[string]any           `json:"settings"`
}

type meResponse struct {
	Account          accountSummary `json:"account"`
	Tenant           *tenantSummary `json:"tenant,omitempty"`
	Modules          []model.Module `json:"modules"`
	SessionExpiresAt time.Time      `json:"sessionExpiresAt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}
	slug := strings.TrimSpace(req.TenantSlug)
	if slug == "" {
		slug = s.requestSlug(r)
	}

	result, err := s.svc.Login(r.Context(), auth.LoginRequest{
		Email:      req.Email,
		Password:   req.Password,
		TenantSlug: slug,
		Metadata:   auth.Metadata{IPAddress: clientIP(r), UserAgent: r.UserAgent()},
	})
	s.metrics.ObserveLogin(err)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		Account:   mapAccount(result.Account),
		Tenant:    mapTenant(result.Tenant),
		Modules:   result.Modules.Sorted(),
	})
}

// handleLogout always answers 200; a missing, unknown or already revoked
// token leaves nothing to delete.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	if err := s.svc.Logout(r.Context(), token); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("logout failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		Account:          mapAccount(principal.Account),
		Tenant:           mapTenant(principal.Tenant),
		Modules:          principal.Modules.Sorted(),
		SessionExpiresAt: principal.Session.ExpiresAt,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	revoked, err := s.svc.ChangePassword(r.Context(), principal, req.CurrentPassword, req.NewPassword)
	if errors.Is(err, crypto.ErrWeakPassword) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "weak_password", "message": err.Error()})
		return
	}
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "revokedSessions": revoked})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	action := chi.URLParam(r, "action")
	err := s.policy.Check(principal, action)
	if errors.Is(err, policy.ErrUnknownAction) {
		writeError(w, http.StatusNotFound, "unknown_action")
		return
	}
	s.metrics.ObserveAuthorization(err)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": true, "action": action})
}

type moduleFlagResponse struct {
	Module    model.Module `json:"module"`
	Enabled   bool         `json:"enabled"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func (s *Server) handleGetModules(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	tenant, flags, err := s.svc.ModuleFlags(r.Context(), principal, chi.URLParam(r, "slug"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	items := make([]moduleFlagResponse, 0, len(flags))
	for _, flag := range flags {
		items = append(items, moduleFlagResponse{Module: flag.Module, Enabled: flag.Enabled, UpdatedAt: flag.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": tenant.Slug, "modules": items})
}

type putModulesRequest struct {
	Modules []string `json:"modules"`
}

func (s *Server) handlePutModules(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req putModulesRequest
	if err := decodeJSON(r, &req); err != nil || req.Modules == nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	desired := model.NewModuleSet()
	for _, value := range req.Modules {
		module, err := model.ParseModule(value)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown_module")
			return
		}
		desired[module] = struct{}{}
	}

	changes, err := s.svc.SetModules(r.Context(), principal, chi.URLParam(r, "slug"), desired)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if changes == nil {
		changes = []model.ModuleChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		principal, err := s.svc.Guard.Authenticate(r.Context(), token, s.requestSlug(r))
		s.metrics.ObserveSession(err)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}

		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("account_id", principal.Account.ID)
		})
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requestSlug reads the tenant from the X-Tenant-Slug header, else from the
// left-most Host label when the host is a subdomain of the base domain.
func (s *Server) requestSlug(r *http.Request) string {
	if slug := strings.TrimSpace(r.Header.Get(tenantHeader)); slug != "" {
		return strings.ToLower(slug)
	}
	return slugFromHost(r.Host, s.cfg.BaseDomain)
}

func slugFromHost(host, baseDomain string) string {
	if baseDomain == "" || host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if !strings.HasSuffix(host, "."+baseDomain) {
		return ""
	}
	sub := strings.TrimSuffix(host, "."+baseDomain)
	if i := strings.IndexByte(sub, '.'); i >= 0 {
		sub = sub[:i]
	}
	if sub == "www" {
		return ""
	}
	return sub
}

func mapAccount(account model.Account) accountSummary {
	return accountSummary{
		ID:          account.ID,
		TenantID:    account.TenantID,
		Email:       account.Email,
		FirstName:   account.FirstName,
		LastName:    account.LastName,
		Role:        account.Role,
		LastLoginAt: account.LastLoginAt,
		LoginCount:  account.LoginCount,
	}
}

func mapTenant(tenant *model.Tenant) *tenantSummary {
	if tenant == nil {
		return nil
	}
	settings := tenant.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	return &tenantSummary{
		ID:                    tenant.ID,
		Slug:                  tenant.Slug,
		Name:                  tenant.Name,
		SubscriptionStatus:    tenant.SubscriptionStatus,
		SubscriptionExpiresAt: tenant.SubscriptionExpiresAt,
		Settings:              settings,
	}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return ""
}
