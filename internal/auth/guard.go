package auth

import (
	"context"
	"errors"
	"strings"

	"semaphore/school-auth/internal/model"
)

// Principal is the caller resolved once per request: a live session, its
// active account, the tenant the request acts on and that tenant's modules.
type Principal struct {
	Account model.Account
	Session model.Session
	Tenant  *model.Tenant
	Modules model.ModuleSet
}

func (p Principal) TenantID() string {
	if p.Tenant == nil {
		return ""
	}
	return p.Tenant.ID
}

// Guard runs the per-request pipeline: session, account, tenant gate and
// requested-tenant match. Tenant state is read fresh on every call.
type Guard struct {
	sessions *SessionManager
	tenants  *TenantDirectory
}

func NewGuard(sessions *SessionManager, tenants *TenantDirectory) *Guard {
	return &Guard{sessions: sessions, tenants: tenants}
}

func (g *Guard) Authenticate(ctx context.Context, token, requestedSlug string) (Principal, error) {
	valid, err := g.sessions.Validate(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	account := valid.Account
	if !account.Active {
		return Principal{}, ErrAccountInactive
	}

	boundID := account.HomeTenant()
	if valid.Session.TenantID != nil {
		boundID = *valid.Session.TenantID
	}
	slug := strings.ToLower(strings.TrimSpace(requestedSlug))

	var tenant *model.Tenant
	if isPlatformSuperadmin(account) {
		tenant, err = g.platformTenant(ctx, boundID, slug)
	} else {
		tenant, err = g.memberTenant(ctx, account, boundID, slug)
	}
	if err != nil {
		return Principal{}, err
	}

	principal := Principal{Account: account, Session: valid.Session, Tenant: tenant, Modules: model.ModuleSet{}}
	if tenant != nil && tenant.Modules != nil {
		principal.Modules = tenant.Modules
	}
	return principal, nil
}

// memberTenant gates the tenant a school account's session is bound to and
// checks that any requested slug names that same tenant.
func (g *Guard) memberTenant(ctx context.Context, account model.Account, boundID, slug string) (*model.Tenant, error) {
	if boundID != account.HomeTenant() {
		return nil, ErrTenantMismatch
	}
	bound, err := g.tenants.ByID(ctx, boundID)
	if err != nil {
		return nil, err
	}
	if err := CheckTenant(&bound); err != nil {
		return nil, err
	}
	if slug != "" && !strings.EqualFold(bound.Slug, slug) {
		requested, err := g.tenants.Resolve(ctx, slug)
		if err != nil {
			return nil, err
		}
		if err := CheckMembership(account, requested); err != nil {
			return nil, err
		}
		if err := CheckTenant(&requested); err != nil {
			return nil, err
		}
		return &requested, nil
	}
	return &bound, nil
}

// platformTenant picks the superadmin's effective tenant. A requested slug is
// the only tenant gated; without one the login tenant is used while it still
// passes the gate, and the request otherwise runs at platform scope.
func (g *Guard) platformTenant(ctx context.Context, boundID, slug string) (*model.Tenant, error) {
	if slug != "" {
		requested, err := g.tenants.Resolve(ctx, slug)
		if err != nil {
			return nil, err
		}
		if err := CheckTenant(&requested); err != nil {
			return nil, err
		}
		return &requested, nil
	}
	if boundID == "" {
		return nil, nil
	}
	bound, err := g.tenants.ByID(ctx, boundID)
	if errors.Is(err, ErrTenantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if CheckTenant(&bound) != nil {
		return nil, nil
	}
	return &bound, nil
}

// Authorize applies the role and module gates to an authenticated principal.
func (g *Guard) Authorize(principal Principal, req Requirement) error {
	return Authorize(principal.Account, principal.Modules, req)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(Principal)
	return principal, ok
}
