package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"semaphore/school-auth/internal/crypto"
	"semaphore/school-auth/internal/model"
	"semaphore/school-auth/internal/repository"
)

const (
	DefaultSessionTTL = 7 * 24 * time.Hour

	issueAttempts = 3
)

// Metadata is captured at login for audit only.
type Metadata struct {
	IPAddress string
	UserAgent string
}

// IssuedSession carries the bearer token, which is never persisted, next to
// the stored session record.
type IssuedSession struct {
	Token string
	model.Session
}

// ValidSession is an unexpired session and the account it belongs to. The
// account may have been deactivated since login; callers must check.
type ValidSession struct {
	Session model.Session
	Account model.Account
}

type SessionManager struct {
	sessions SessionStore
	accounts AccountStore
	cache    SessionCache
	clock    clockwork.Clock
	ttl      time.Duration
	log      zerolog.Logger
	newToken func() (string, error)
}

type SessionOption func(*SessionManager)

// WithSessionCache puts a read-through cache in front of session lookups.
func WithSessionCache(cache SessionCache) SessionOption {
	return func(m *SessionManager) {
		m.cache = cache
	}
}

func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func withTokenSource(fn func() (string, error)) SessionOption {
	return func(m *SessionManager) {
		m.newToken = fn
	}
}

func NewSessionManager(sessions SessionStore, accounts AccountStore, clock clockwork.Clock, log zerolog.Logger, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		sessions: sessions,
		accounts: accounts,
		clock:    clock,
		ttl:      DefaultSessionTTL,
		log:      log.With().Str("component", "sessions").Logger(),
		newToken: crypto.NewSessionToken,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue creates a session expiring a fixed TTL after now. A digest collision
// never overwrites the existing row; a fresh token is drawn instead.
func (m *SessionManager) Issue(ctx context.Context, accountID string, tenantID *string, meta Metadata) (IssuedSession, error) {
	now := m.clock.Now().UTC()
	var lastErr error
	for attempt := 0; attempt < issueAttempts; attempt++ {
		token, err := m.newToken()
		if err != nil {
			return IssuedSession{}, fmt.Errorf("generate token: %w", err)
		}
		session := model.Session{
			ID:        uuid.NewString(),
			TokenHash: crypto.HashToken(token),
			AccountID: accountID,
			TenantID:  tenantID,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttl),
			IPAddress: optional(meta.IPAddress),
			UserAgent: optional(meta.UserAgent),
		}
		err = m.sessions.CreateSession(ctx, session)
		if err == nil {
			return IssuedSession{Token: token, Session: session}, nil
		}
		if !errors.Is(err, repository.ErrTokenCollision) {
			return IssuedSession{}, storageError("create session", err)
		}
		m.log.Warn().Str("account_id", accountID).Int("attempt", attempt+1).Msg("session token collision")
		lastErr = err
	}
	return IssuedSession{}, storageError("create session", lastErr)
}

func (m *SessionManager) Validate(ctx context.Context, token string) (ValidSession, error) {
	if token == "" {
		return ValidSession{}, ErrSessionNotFound
	}
	hash := crypto.HashToken(token)

	session, err := m.lookup(ctx, hash)
	if err != nil {
		return ValidSession{}, err
	}
	if !session.ValidAt(m.clock.Now()) {
		return ValidSession{}, ErrSessionExpired
	}

	account, err := m.accounts.GetAccountByID(ctx, session.AccountID)
	if errors.Is(err, repository.ErrNotFound) {
		return ValidSession{}, ErrSessionNotFound
	}
	if err != nil {
		return ValidSession{}, storageError("load session account", err)
	}
	return ValidSession{Session: session, Account: account}, nil
}

func (m *SessionManager) lookup(ctx context.Context, hash string) (model.Session, error) {
	if m.cache != nil {
		session, ok, err := m.cache.Get(ctx, hash)
		if err != nil {
			m.log.Warn().Err(err).Msg("session cache read failed")
		} else if ok {
			return session, nil
		}
	}

	session, err := m.sessions.GetSession(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, storageError("get session", err)
	}
	if m.cache != nil && session.ValidAt(m.clock.Now()) {
		if err := m.cache.Put(ctx, session); err != nil {
			m.log.Warn().Err(err).Msg("session cache write failed")
		}
	}
	return session, nil
}

// Revoke deletes the session. Unknown or already revoked tokens are not an error.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	hash := crypto.HashToken(token)
	if err := m.sessions.DeleteSession(ctx, hash); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return storageError("delete session", err)
	}
	m.evict(ctx, hash)
	return nil
}

// RevokeOthers deletes every session of the account except the one whose
// digest is keepHash, and reports how many were removed.
func (m *SessionManager) RevokeOthers(ctx context.Context, accountID, keepHash string) (int, error) {
	removed, err := m.sessions.DeleteSessionsByAccount(ctx, accountID, keepHash)
	if err != nil {
		return 0, storageError("delete account sessions", err)
	}
	m.evict(ctx, removed...)
	return len(removed), nil
}

// Sweep removes sessions that expired before now.
func (m *SessionManager) Sweep(ctx context.Context) (int64, error) {
	deleted, err := m.sessions.DeleteExpiredSessions(ctx, m.clock.Now())
	if err != nil {
		return 0, storageError("sweep sessions", err)
	}
	return deleted, nil
}

func (m *SessionManager) evict(ctx context.Context, hashes ...string) {
	if m.cache == nil || len(hashes) == 0 {
		return
	}
	if err := m.cache.Delete(ctx, hashes...); err != nil {
		m.log.Warn().Err(err).Int("count", len(hashes)).Msg("session cache eviction failed")
	}
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
