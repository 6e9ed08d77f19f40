package auth

import (
	"context"
	"time"

	"semaphore/school-auth/internal/model"
)

type AccountStore interface {
	GetAccountByEmail(ctx context.Context, email string) (model.Account, error)
	GetAccountByID(ctx context.Context, accountID string) (model.Account, error)
	RecordLoginFailure(ctx context.Context, accountID string, threshold int, lockUntil, now time.Time) (model.LoginFailure, error)
	RecordLoginSuccess(ctx context.Context, accountID string, now time.Time) (model.Account, error)
	UpdatePassword(ctx context.Context, accountID, passwordHash string, now time.Time) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session model.Session) error
	GetSession(ctx context.Context, tokenHash string) (model.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteSessionsByAccount(ctx context.Context, accountID, keepHash string) ([]string, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

type TenantStore interface {
	GetTenantBySlug(ctx context.Context, slug string) (model.Tenant, error)
	GetTenantByID(ctx context.Context, tenantID string) (model.Tenant, error)
	ListModuleFlags(ctx context.Context, tenantID string) ([]model.ModuleFlag, error)
	ApplyModuleChanges(ctx context.Context, tenantID string, changes []model.ModuleChange, now time.Time) error
}

// Store is everything the core needs from persistence; repository.Store and
// repofake.FakeStore both satisfy it.
type Store interface {
	AccountStore
	SessionStore
	TenantStore
}

// SessionCache is an optional, non-authoritative read-through cache keyed by
// token digest.
type SessionCache interface {
	Get(ctx context.Context, tokenHash string) (model.Session, bool, error)
	Put(ctx context.Context, session model.Session) error
	Delete(ctx context.Context, tokenHashes ...string) error
}
