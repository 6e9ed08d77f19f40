package repofake

import (
	"context"
	"strings"
	"sync"
	"time"

	"semaphore/school-auth/internal/model"
	"semaphore/school-auth/internal/repository"
)

// FakeStore is an in-memory stand-in for repository.Store with the same
// error contract (ErrNotFound, ErrTokenCollision, ErrStorageUnavailable).
type FakeStore struct {
	mu       sync.Mutex
	accounts map[string]model.Account
	sessions map[string]model.Session
	tenants  map[string]model.Tenant
	flags    map[string]map[model.Module]model.ModuleFlag
	failWith error
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		accounts: map[string]model.Account{},
		sessions: map[string]model.Session{},
		tenants:  map[string]model.Tenant{},
		flags:    map[string]map[model.Module]model.ModuleFlag{},
	}
}

// FailWith makes every subsequent call return err until cleared with nil.
func (f *FakeStore) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *FakeStore) AddAccount(account model.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[account.ID] = account
}

func (f *FakeStore) AddTenant(tenant model.Tenant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	modules := tenant.Modules
	tenant.Modules = nil
	f.tenants[tenant.ID] = tenant
	if _, ok := f.flags[tenant.ID]; !ok {
		f.flags[tenant.ID] = map[model.Module]model.ModuleFlag{}
	}
	for module := range modules {
		f.flags[tenant.ID][module] = model.ModuleFlag{TenantID: tenant.ID, Module: module, Enabled: true}
	}
}

func (f *FakeStore) SetModuleFlag(tenantID string, module model.Module, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.flags[tenantID]; !ok {
		f.flags[tenantID] = map[model.Module]model.ModuleFlag{}
	}
	f.flags[tenantID][module] = model.ModuleFlag{TenantID: tenantID, Module: module, Enabled: enabled}
}

func (f *FakeStore) UpdateTenant(tenantID string, mutate func(*model.Tenant)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tenant, ok := f.tenants[tenantID]
	if !ok {
		return
	}
	mutate(&tenant)
	f.tenants[tenantID] = tenant
}

func (f *FakeStore) UpdateAccount(accountID string, mutate func(*model.Account)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[accountID]
	if !ok {
		return
	}
	mutate(&account)
	f.accounts[accountID] = account
}

func (f *FakeStore) Account(accountID string) model.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[accountID]
}

func (f *FakeStore) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *FakeStore) GetAccountByEmail(_ context.Context, email string) (model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return model.Account{}, f.failWith
	}
	for _, account := range f.accounts {
		if strings.EqualFold(account.Email, email) {
			return account, nil
		}
	}
	return model.Account{}, repository.ErrNotFound
}

func (f *FakeStore) GetAccountByID(_ context.Context, accountID string) (model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return model.Account{}, f.failWith
	}
	account, ok := f.accounts[accountID]
	if !ok {
		return model.Account{}, repository.ErrNotFound
	}
	return account, nil
}

func (f *FakeStore) RecordLoginFailure(_ context.Context, accountID string, threshold int, lockUntil, now time.Time) (model.LoginFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return model.LoginFailure{}, f.failWith
	}
	account, ok := f.accounts[accountID]
	if !ok {
		return model.LoginFailure{}, repository.ErrNotFound
	}
	account.FailedAttempts++
	if account.FailedAttempts >= threshold {
		until := lockUntil
		account.LockedUntil = &until
	}
	account.UpdatedAt = now
	f.accounts[accountID] = account
	return model.LoginFailure{FailedAttempts: account.FailedAttempts, LockedUntil: account.LockedUntil}, nil
}

func (f *FakeStore) RecordLoginSuccess(_ context.Context, accountID string, now time.Time) (model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return model.Account{}, f.failWith
	}
	account, ok := f.accounts[accountID]
	if !ok {
		return model.Account{}, repository.ErrNotFound
	}
	loginAt := now
	account.FailedAttempts = 0
	account.LockedUntil = nil
	account.LastLoginAt = &loginAt
	account.LoginCount++
	account.UpdatedAt = now
	f.accounts[accountID] = account
	return account, nil
}

func (f *FakeStore) UpdatePassword(_ context.Context, accountID, passwordHash string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	account, ok := f.accounts[accountID]
	if !ok {
		return repository.ErrNotFound
	}
	account.PasswordHash = passwordHash
	account.FailedAttempts = 0
	account.LockedUntil = nil
	account.UpdatedAt = now
	f.accounts[accountID] = account
	return nil
}

func (f *FakeStore) CreateSession(_ context.Context, session model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if _, exists := f.sessions[session.TokenHash]; exists {
		return repository.ErrTokenCollision
	}
	f.sessions[session.TokenHash] = session
	return nil
}

func (f *FakeStore) GetSession(_ context.Context, tokenHash string) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return model.Session{}, f.failWith
	}
	session, ok := f.sessions[tokenHash]
	if !ok {
		return model.Session{}, repository.ErrNotFound
	}
	return session, nil
}

func (f *FakeStore) DeleteSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	delete(f.sessions, tokenHash)
	return nil
}

func (f *FakeStore) DeleteSessionsByAccount(_ context.Context, accountID, keepHash string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var removed []string
	for hash, session := range f.sessions {
		if session.AccountID == accountID && hash != keepHash {
			removed = append(removed, hash)
			delete(f.sessions, hash)
		}
	}
	return removed, nil
}

func (f *FakeStore) DeleteExpiredSessions(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	var deleted int64
	for hash, session := range f.sessions {
		if !session.ExpiresAt.After(before) {
			delete(f.sessions, hash)
			deleted++
		}
	}
	return deleted, nil
}

func (f *FakeStore) GetTenantBySlug(_ context.Context, slug string) (model.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return model.Tenant{}, f.failWith
	}
	for _, tenant := range f.tenants {
		if strings.EqualFold(tenant.Slug, strings.TrimSpace(slug)) {
			return f.withModules(tenant), nil
		}
	}
	return model.Tenant{}, repository.ErrNotFound
}

func (f *FakeStore) GetTenantByID(_ context.Context, tenantID string) (model.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return model.Tenant{}, f.failWith
	}
	tenant, ok := f.tenants[tenantID]
	if !ok {
		return model.Tenant{}, repository.ErrNotFound
	}
	return f.withModules(tenant), nil
}

func (f *FakeStore) withModules(tenant model.Tenant) model.Tenant {
	tenant.Modules = model.EnabledModules(f.flagList(tenant.ID))
	return tenant
}

func (f *FakeStore) flagList(tenantID string) []model.ModuleFlag {
	flags := make([]model.ModuleFlag, 0, len(f.flags[tenantID]))
	for _, module := range model.AllModules() {
		if flag, ok := f.flags[tenantID][module]; ok {
			flags = append(flags, flag)
		}
	}
	return flags
}

func (f *FakeStore) ListModuleFlags(_ context.Context, tenantID string) ([]model.ModuleFlag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.flagList(tenantID), nil
}

func (f *FakeStore) ApplyModuleChanges(_ context.Context, tenantID string, changes []model.ModuleChange, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.flags[tenantID]; !ok {
		f.flags[tenantID] = map[model.Module]model.ModuleFlag{}
	}
	for _, change := range changes {
		f.flags[tenantID][change.Module] = model.ModuleFlag{
			TenantID:  tenantID,
			Module:    change.Module,
			Enabled:   change.Op != model.ModuleOpDisable,
			UpdatedAt: now,
		}
	}
	return nil
}
