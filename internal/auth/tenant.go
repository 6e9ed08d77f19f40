package auth

import (
	"context"
	"errors"
	"strings"

	"semaphore/school-auth/internal/model"
	"semaphore/school-auth/internal/repository"
)

// TenantDirectory resolves schools by slug or id. It has no side effects.
type TenantDirectory struct {
	tenants TenantStore
}

func NewTenantDirectory(tenants TenantStore) *TenantDirectory {
	return &TenantDirectory{tenants: tenants}
}

func (d *TenantDirectory) Resolve(ctx context.Context, slug string) (model.Tenant, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return model.Tenant{}, ErrTenantNotFound
	}
	tenant, err := d.tenants.GetTenantBySlug(ctx, slug)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Tenant{}, ErrTenantNotFound
	}
	if err != nil {
		return model.Tenant{}, storageError("resolve tenant", err)
	}
	return tenant, nil
}

func (d *TenantDirectory) ByID(ctx context.Context, tenantID string) (model.Tenant, error) {
	tenant, err := d.tenants.GetTenantByID(ctx, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Tenant{}, ErrTenantNotFound
	}
	if err != nil {
		return model.Tenant{}, storageError("load tenant", err)
	}
	return tenant, nil
}

// CheckTenant is the tenant gate. Checks run in a fixed order: existence,
// active flag, then subscription status.
func CheckTenant(tenant *model.Tenant) error {
	if tenant == nil {
		return ErrTenantNotFound
	}
	if !tenant.Active {
		return ErrTenantDeactivated
	}
	switch tenant.SubscriptionStatus {
	case model.SubscriptionSuspended, model.SubscriptionExpired:
		return withDetail(ErrTenantSubscriptionInvalid, string(tenant.SubscriptionStatus))
	}
	return nil
}

// CheckMembership rejects accounts whose home school differs from tenant.
// The platform superadmin belongs to no school and may address any of them.
func CheckMembership(account model.Account, tenant model.Tenant) error {
	if isPlatformSuperadmin(account) {
		return nil
	}
	if account.HomeTenant() != tenant.ID {
		return ErrTenantMismatch
	}
	return nil
}
