package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"semaphore/school-auth/internal/model"
)

// SessionCache keeps recently validated sessions in Redis keyed by token
// digest. Entries never outlive the session they describe.
type SessionCache struct {
	redis *redis.Client
	ttl   time.Duration
	clock clockwork.Clock
}

func NewSessionCache(client *redis.Client, ttl time.Duration, clock clockwork.Clock) *SessionCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SessionCache{redis: client, ttl: ttl, clock: clock}
}

type sessionRecord struct {
	ID        string  `json:"id"`
	AccountID string  `json:"account_id"`
	TenantID  *string `json:"tenant_id,omitempty"`
	CreatedAt int64   `json:"created_at"`
	ExpiresAt int64   `json:"expires_at"`
	IPAddress *string `json:"ip_address,omitempty"`
	UserAgent *string `json:"user_agent,omitempty"`
}

func (c *SessionCache) Get(ctx context.Context, tokenHash string) (model.Session, bool, error) {
	value, err := c.redis.Get(ctx, sessionKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, err
	}
	var record sessionRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return model.Session{}, false, fmt.Errorf("decode cached session: %w", err)
	}
	return model.Session{
		ID:        record.ID,
		TokenHash: tokenHash,
		AccountID: record.AccountID,
		TenantID:  record.TenantID,
		CreatedAt: time.UnixMilli(record.CreatedAt).UTC(),
		ExpiresAt: time.UnixMilli(record.ExpiresAt).UTC(),
		IPAddress: record.IPAddress,
		UserAgent: record.UserAgent,
	}, true, nil
}

// Put stores the session until the earlier of the cache TTL and its expiry.
// Already expired sessions are not cached.
func (c *SessionCache) Put(ctx context.Context, session model.Session) error {
	ttl := session.ExpiresAt.Sub(c.clock.Now())
	if ttl <= 0 {
		return nil
	}
	if ttl > c.ttl {
		ttl = c.ttl
	}
	data, err := json.Marshal(sessionRecord{
		ID:        session.ID,
		AccountID: session.AccountID,
		TenantID:  session.TenantID,
		CreatedAt: session.CreatedAt.UnixMilli(),
		ExpiresAt: session.ExpiresAt.UnixMilli(),
		IPAddress: session.IPAddress,
		UserAgent: session.UserAgent,
	})
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, sessionKey(session.TokenHash), data, ttl).Err()
}

func (c *SessionCache) Delete(ctx context.Context, tokenHashes ...string) error {
	if len(tokenHashes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tokenHashes))
	for _, hash := range tokenHashes {
		keys = append(keys, sessionKey(hash))
	}
	return c.redis.Del(ctx, keys...).Err()
}

func sessionKey(tokenHash string) string {
	return fmt.Sprintf("session:%s", tokenHash)
}
