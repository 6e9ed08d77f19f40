package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"semaphore/school-auth/internal/crypto"
	"semaphore/school-auth/internal/model"
	"semaphore/school-auth/internal/repository/repofake"
)

const (
	acmeID   = "7b1e4c52-0a4e-4a57-9d0c-1f1f2a3b4c01"
	betaID   = "7b1e4c52-0a4e-4a57-9d0c-1f1f2a3b4c02"
	teachID  = "a0000000-0000-4000-8000-000000000001"
	adminID  = "a0000000-0000-4000-8000-000000000002"
	rootID   = "a0000000-0000-4000-8000-000000000003"
	password = "Correct1pass"
)

var (
	hashOnce   sync.Once
	passwdHash string
)

func testHash(t *testing.T) string {
	t.Helper()
	hashOnce.Do(func() {
		hash, err := crypto.HashPassword(password)
		require.NoError(t, err)
		passwdHash = hash
	})
	return passwdHash
}

type fixture struct {
	store *repofake.FakeStore
	clock *clockwork.FakeClock
	svc   *Service
}

func newFixture(t *testing.T, opts ...SessionOption) *fixture {
	t.Helper()
	store := repofake.NewFakeStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))

	store.AddTenant(model.Tenant{
		ID:                 acmeID,
		Slug:               "acme",
		Name:               "Acme High",
		Active:             true,
		SubscriptionStatus: model.SubscriptionActive,
		Modules:            model.NewModuleSet(model.ModuleStudents, model.ModuleAttendance),
	})
	store.AddTenant(model.Tenant{
		ID:                 betaID,
		Slug:               "beta",
		Name:               "Beta Academy",
		Active:             true,
		SubscriptionStatus: model.SubscriptionTrial,
		Modules:            model.NewModuleSet(model.ModuleLibrary),
	})

	hash := testHash(t)
	acme := acmeID
	store.AddAccount(model.Account{ID: teachID, TenantID: &acme, Email: "a@x.com", PasswordHash: hash, Role: model.RoleTeacher, Active: true})
	store.AddAccount(model.Account{ID: adminID, TenantID: &acme, Email: "admin@acme.test", PasswordHash: hash, Role: model.RoleSchoolAdmin, Active: true})
	store.AddAccount(model.Account{ID: rootID, Email: "root@platform.test", PasswordHash: hash, Role: model.RolePlatformSuperadmin, Active: true})

	svc := NewService(store, Options{
		Lockout:  DefaultLockoutPolicy(),
		Sessions: opts,
		Clock:    clock,
		Logger:   zerolog.Nop(),
	})
	return &fixture{store: store, clock: clock, svc: svc}
}

func (f *fixture) login(t *testing.T, email, slug string) LoginResult {
	t.Helper()
	result, err := f.svc.Login(context.Background(), LoginRequest{Email: email, Password: password, TenantSlug: slug})
	require.NoError(t, err)
	return result
}

// memCache is a map-backed SessionCache that can be told to fail.
type memCache struct {
	mu      sync.Mutex
	entries map[string]model.Session
	err     error
	gets    int
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]model.Session{}}
}

func (c *memCache) Get(_ context.Context, hash string) (model.Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.err != nil {
		return model.Session{}, false, c.err
	}
	session, ok := c.entries[hash]
	return session, ok, nil
}

func (c *memCache) Put(_ context.Context, session model.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[session.TokenHash] = session
	return nil
}

func (c *memCache) Delete(_ context.Context, hashes ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	for _, hash := range hashes {
		delete(c.entries, hash)
	}
	return nil
}

func (c *memCache) has(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[hash]
	return ok
}
