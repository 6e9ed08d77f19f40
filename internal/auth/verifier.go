package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"semaphore/school-auth/internal/crypto"
	"semaphore/school-auth/internal/model"
	"semaphore/school-auth/internal/repository"
)

type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: 5, Duration: 15 * time.Minute}
}

// AuthResult is a verified account together with the tenant it logged into
// (nil for a superadmin without a slug) and that tenant's enabled modules.
type AuthResult struct {
	Account model.Account
	Tenant  *model.Tenant
	Modules model.ModuleSet
}

type Verifier struct {
	accounts AccountStore
	tenants  *TenantDirectory
	lockout  LockoutPolicy
	clock    clockwork.Clock
	log      zerolog.Logger
}

func NewVerifier(accounts AccountStore, tenants *TenantDirectory, lockout LockoutPolicy, clock clockwork.Clock, log zerolog.Logger) *Verifier {
	if lockout.Threshold <= 0 {
		lockout.Threshold = DefaultLockoutPolicy().Threshold
	}
	if lockout.Duration <= 0 {
		lockout.Duration = DefaultLockoutPolicy().Duration
	}
	return &Verifier{
		accounts: accounts,
		tenants:  tenants,
		lockout:  lockout,
		clock:    clock,
		log:      log.With().Str("component", "verifier").Logger(),
	}
}

func (v *Verifier) Authenticate(ctx context.Context, email, password, tenantSlug string) (AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return AuthResult{}, ErrInvalidCredentials
	}

	account, err := v.accounts.GetAccountByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		v.log.Info().Str("reason", "unknown_account").Msg("login rejected")
		return AuthResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return AuthResult{}, storageError("load account", err)
	}
	if !account.Active {
		v.log.Info().Str("reason", "inactive_account").Str("account_id", account.ID).Msg("login rejected")
		return AuthResult{}, ErrInvalidCredentials
	}

	now := v.clock.Now()
	if account.LockedAt(now) {
		v.log.Info().Str("reason", "locked").Str("account_id", account.ID).Time("locked_until", *account.LockedUntil).Msg("login rejected")
		return AuthResult{}, ErrAccountLocked
	}

	if err := crypto.CheckPassword(account.PasswordHash, password); err != nil {
		if err := v.recordFailure(ctx, account.ID, now); err != nil {
			return AuthResult{}, err
		}
		return AuthResult{}, ErrInvalidCredentials
	}

	var tenant *model.Tenant
	if strings.TrimSpace(tenantSlug) != "" {
		resolved, err := v.tenants.Resolve(ctx, tenantSlug)
		if err != nil {
			return AuthResult{}, err
		}
		if err := CheckMembership(account, resolved); err != nil {
			v.log.Info().Str("reason", "tenant_mismatch").Str("account_id", account.ID).Str("tenant", resolved.Slug).Msg("login rejected")
			return AuthResult{}, err
		}
		if err := CheckTenant(&resolved); err != nil {
			v.log.Info().Str("reason", string(kindOrEmpty(err))).Str("account_id", account.ID).Str("tenant", resolved.Slug).Msg("login rejected")
			return AuthResult{}, err
		}
		tenant = &resolved
	} else if home := account.HomeTenant(); home != "" {
		resolved, err := v.tenants.ByID(ctx, home)
		if err == nil {
			err = CheckTenant(&resolved)
		}
		if err != nil {
			v.log.Info().Str("reason", string(kindOrEmpty(err))).Str("account_id", account.ID).Str("tenant_id", home).Msg("login rejected")
			return AuthResult{}, err
		}
		tenant = &resolved
	}

	account, err = v.accounts.RecordLoginSuccess(ctx, account.ID, now)
	if err != nil {
		return AuthResult{}, storageError("record login", err)
	}

	result := AuthResult{Account: account, Tenant: tenant, Modules: model.ModuleSet{}}
	if tenant != nil && tenant.Modules != nil {
		result.Modules = tenant.Modules
	}
	return result, nil
}

// ChangePassword re-verifies current before storing a hash of next. A wrong
// current password counts toward the lockout like a failed login.
func (v *Verifier) ChangePassword(ctx context.Context, accountID, current, next string) error {
	account, err := v.accounts.GetAccountByID(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return storageError("load account", err)
	}
	if !account.Active {
		return ErrAccountInactive
	}

	now := v.clock.Now()
	if account.LockedAt(now) {
		return ErrAccountLocked
	}
	if err := crypto.CheckPassword(account.PasswordHash, current); err != nil {
		if err := v.recordFailure(ctx, account.ID, now); err != nil {
			return err
		}
		return ErrInvalidCredentials
	}
	if err := crypto.ValidatePasswordStrength(next); err != nil {
		return err
	}

	hash, err := crypto.HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := v.accounts.UpdatePassword(ctx, account.ID, hash, now); err != nil {
		return storageError("update password", err)
	}
	v.log.Info().Str("account_id", account.ID).Msg("password changed")
	return nil
}

func (v *Verifier) recordFailure(ctx context.Context, accountID string, now time.Time) error {
	failure, err := v.accounts.RecordLoginFailure(ctx, accountID, v.lockout.Threshold, now.Add(v.lockout.Duration), now)
	if err != nil {
		return storageError("record login failure", err)
	}
	event := v.log.Info().Str("reason", "password_mismatch").Str("account_id", accountID).Int("failed_attempts", failure.FailedAttempts)
	if failure.LockedUntil != nil {
		event = event.Time("locked_until", *failure.LockedUntil)
	}
	event.Msg("login rejected")
	return nil
}

func kindOrEmpty(err error) Kind {
	kind, _ := KindOf(err)
	return kind
}
