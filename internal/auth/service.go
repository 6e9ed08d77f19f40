package auth

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"semaphore/school-auth/internal/model"
)

type LoginRequest struct {
	Email      string
	Password   string
	TenantSlug string
	Metadata   Metadata
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Account   model.Account
	Tenant    *model.Tenant
	Modules   model.ModuleSet
}

// Service is the surface the transports call: login, logout, password change
// and per-tenant module administration.
type Service struct {
	Verifier *Verifier
	Sessions *SessionManager
	Tenants  *TenantDirectory
	Guard    *Guard

	store TenantStore
	clock clockwork.Clock
	log   zerolog.Logger
}

type Options struct {
	Lockout  LockoutPolicy
	Sessions []SessionOption
	Clock    clockwork.Clock
	Logger   zerolog.Logger
}

func NewService(store Store, opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tenants := NewTenantDirectory(store)
	sessions := NewSessionManager(store, store, clock, opts.Logger, opts.Sessions...)
	return &Service{
		Verifier: NewVerifier(store, tenants, opts.Lockout, clock, opts.Logger),
		Sessions: sessions,
		Tenants:  tenants,
		Guard:    NewGuard(sessions, tenants),
		store:    store,
		clock:    clock,
		log:      opts.Logger,
	}
}

// Login verifies credentials and issues a session bound to the tenant the
// account logged into. Nothing is issued when any check fails.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	result, err := s.Verifier.Authenticate(ctx, req.Email, req.Password, req.TenantSlug)
	if err != nil {
		return LoginResult{}, err
	}

	tenantID := result.Account.TenantID
	if result.Tenant != nil {
		id := result.Tenant.ID
		tenantID = &id
	}
	issued, err := s.Sessions.Issue(ctx, result.Account.ID, tenantID, req.Metadata)
	if err != nil {
		return LoginResult{}, err
	}

	s.log.Info().Str("account_id", result.Account.ID).Str("session_id", issued.ID).Msg("login succeeded")
	return LoginResult{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		Account:   result.Account,
		Tenant:    result.Tenant,
		Modules:   result.Modules,
	}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.Sessions.Revoke(ctx, token)
}

// ChangePassword updates the caller's password and signs out every other
// session of the account. It returns how many sessions were revoked.
func (s *Service) ChangePassword(ctx context.Context, principal Principal, current, next string) (int, error) {
	if err := s.Verifier.ChangePassword(ctx, principal.Account.ID, current, next); err != nil {
		return 0, err
	}
	return s.Sessions.RevokeOthers(ctx, principal.Account.ID, principal.Session.TokenHash)
}

// ModuleFlags lists every flag row of the tenant. School admins may read
// their own school; the superadmin may read any.
func (s *Service) ModuleFlags(ctx context.Context, principal Principal, slug string) (model.Tenant, []model.ModuleFlag, error) {
	tenant, err := s.Tenants.Resolve(ctx, slug)
	if err != nil {
		return model.Tenant{}, nil, err
	}
	if err := CheckMembership(principal.Account, tenant); err != nil {
		return model.Tenant{}, nil, err
	}
	if err := AuthorizeRole(principal.Account, model.RoleSchoolAdmin); err != nil {
		return model.Tenant{}, nil, err
	}
	flags, err := s.store.ListModuleFlags(ctx, tenant.ID)
	if err != nil {
		return model.Tenant{}, nil, storageError("list module flags", err)
	}
	return tenant, flags, nil
}

// SetModules makes the tenant's enabled set equal desired and returns the
// changes applied. Only the platform superadmin may toggle modules.
func (s *Service) SetModules(ctx context.Context, principal Principal, slug string, desired model.ModuleSet) ([]model.ModuleChange, error) {
	if err := AuthorizeRole(principal.Account); err != nil {
		return nil, err
	}
	tenant, err := s.Tenants.Resolve(ctx, slug)
	if err != nil {
		return nil, err
	}
	current, err := s.store.ListModuleFlags(ctx, tenant.ID)
	if err != nil {
		return nil, storageError("list module flags", err)
	}
	changes := model.PlanModuleChanges(current, desired)
	if len(changes) == 0 {
		return changes, nil
	}
	if err := s.store.ApplyModuleChanges(ctx, tenant.ID, changes, s.clock.Now()); err != nil {
		return nil, storageError("apply module changes", err)
	}
	s.log.Info().Str("tenant", tenant.Slug).Str("account_id", principal.Account.ID).Int("changes", len(changes)).Msg("modules updated")
	return changes, nil
}
