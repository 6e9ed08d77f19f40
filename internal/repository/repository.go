package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"semaphore/school-auth/internal/model"
)

type Store struct {
	pool       *pgxpool.Pool
	timeout    time.Duration
	maxRetries int
	onRetry    func(op string, err error)
}

type Option func(*Store)

func WithTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithMaxRetries(retries int) Option {
	return func(s *Store) {
		if retries >= 0 {
			s.maxRetries = retries
		}
	}
}

// WithRetryObserver is called before every retried attempt.
func WithRetryObserver(fn func(op string, err error)) Option {
	return func(s *Store) {
		s.onRetry = fn
	}
}

func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, timeout: 3 * time.Second, maxRetries: 3}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run executes fn with a per-attempt deadline and retries transient failures
// with exponential backoff.
func (s *Store) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil || retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, _ time.Duration) {
		if s.onRetry != nil {
			s.onRetry(op, err)
		}
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.maxRetries)), ctx), notify)
	return classify(ctx, op, err)
}

const accountColumns = `id, tenant_id, email, password_hash, first_name, last_name, role, is_active,
	failed_attempts, locked_until, last_login_at, login_count, created_at, updated_at`

func scanAccount(row pgx.Row) (model.Account, error) {
	var account model.Account
	var role string
	err := row.Scan(
		&account.ID,
		&account.TenantID,
		&account.Email,
		&account.PasswordHash,
		&account.FirstName,
		&account.LastName,
		&role,
		&account.Active,
		&account.FailedAttempts,
		&account.LockedUntil,
		&account.LastLoginAt,
		&account.LoginCount,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return model.Account{}, err
	}
	parsed, err := model.ParseRole(role)
	if err != nil {
		return model.Account{}, &dataError{err: fmt.Errorf("account %s: %w", account.ID, err)}
	}
	account.Role = parsed
	return account, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (model.Account, error) {
	var account model.Account
	err := s.run(ctx, "get account by email", func(ctx context.Context) error {
		var err error
		account, err = scanAccount(s.pool.QueryRow(ctx, `
			SELECT `+accountColumns+`
			FROM accounts
			WHERE lower(email) = lower($1)
		`, email))
		return err
	})
	return account, err
}

func (s *Store) GetAccountByID(ctx context.Context, accountID string) (model.Account, error) {
	var account model.Account
	err := s.run(ctx, "get account by id", func(ctx context.Context) error {
		var err error
		account, err = scanAccount(s.pool.QueryRow(ctx, `
			SELECT `+accountColumns+`
			FROM accounts
			WHERE id = $1
		`, accountID))
		return err
	})
	return account, err
}

// RecordLoginFailure increments the failed-attempt counter in a single
// statement and opens the lockout window once the threshold is reached.
func (s *Store) RecordLoginFailure(ctx context.Context, accountID string, threshold int, lockUntil, now time.Time) (model.LoginFailure, error) {
	var failure model.LoginFailure
	err := s.run(ctx, "record login failure", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			UPDATE accounts
			SET failed_attempts = failed_attempts + 1,
			    locked_until = CASE WHEN failed_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
			    updated_at = $4
			WHERE id = $1
			RETURNING failed_attempts, locked_until
		`, accountID, threshold, lockUntil, now).Scan(&failure.FailedAttempts, &failure.LockedUntil)
	})
	return failure, err
}

func (s *Store) RecordLoginSuccess(ctx context.Context, accountID string, now time.Time) (model.Account, error) {
	var account model.Account
	err := s.run(ctx, "record login success", func(ctx context.Context) error {
		var err error
		account, err = scanAccount(s.pool.QueryRow(ctx, `
			UPDATE accounts
			SET failed_attempts = 0,
			    locked_until = NULL,
			    last_login_at = $2,
			    login_count = login_count + 1,
			    updated_at = $2
			WHERE id = $1
			RETURNING `+accountColumns, accountID, now))
		return err
	})
	return account, err
}

func (s *Store) UpdatePassword(ctx context.Context, accountID, passwordHash string, now time.Time) error {
	return s.run(ctx, "update password", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE accounts
			SET password_hash = $2,
			    failed_attempts = 0,
			    locked_until = NULL,
			    updated_at = $3
			WHERE id = $1
		`, accountID, passwordHash, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) CreateSession(ctx context.Context, session model.Session) error {
	return s.run(ctx, "create session", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO sessions (id, token_hash, account_id, tenant_id, created_at, expires_at, ip_address, user_agent)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, session.ID, session.TokenHash, session.AccountID, session.TenantID, session.CreatedAt, session.ExpiresAt, session.IPAddress, session.UserAgent)
		if isUniqueViolation(err) {
			return ErrTokenCollision
		}
		return err
	})
}

func (s *Store) GetSession(ctx context.Context, tokenHash string) (model.Session, error) {
	var session model.Session
	err := s.run(ctx, "get session", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT id, token_hash, account_id, tenant_id, created_at, expires_at, ip_address, user_agent
			FROM sessions
			WHERE token_hash = $1
		`, tokenHash).Scan(&session.ID, &session.TokenHash, &session.AccountID, &session.TenantID, &session.CreatedAt, &session.ExpiresAt, &session.IPAddress, &session.UserAgent)
	})
	return session, err
}

func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	return s.run(ctx, "delete session", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
		return err
	})
}

// DeleteSessionsByAccount removes every session of the account except the one
// whose digest equals keepHash, returning the removed digests.
func (s *Store) DeleteSessionsByAccount(ctx context.Context, accountID, keepHash string) ([]string, error) {
	var removed []string
	err := s.run(ctx, "delete account sessions", func(ctx context.Context) error {
		removed = removed[:0]
		rows, err := s.pool.Query(ctx, `
			DELETE FROM sessions
			WHERE account_id = $1 AND token_hash <> $2
			RETURNING token_hash
		`, accountID, keepHash)
		if err != nil {
			return err
		}
		hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		removed = hashes
		return nil
	})
	return removed, err
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.run(ctx, "delete expired sessions", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, before)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

const tenantColumns = `id, slug, name, is_active, subscription_status, subscription_expires_at, settings, created_at, updated_at`

func scanTenant(row pgx.Row) (model.Tenant, error) {
	var tenant model.Tenant
	var status string
	err := row.Scan(
		&tenant.ID,
		&tenant.Slug,
		&tenant.Name,
		&tenant.Active,
		&status,
		&tenant.SubscriptionExpiresAt,
		&tenant.Settings,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		return model.Tenant{}, err
	}
	parsed, err := model.ParseSubscriptionStatus(status)
	if err != nil {
		return model.Tenant{}, &dataError{err: fmt.Errorf("tenant %s: %w", tenant.Slug, err)}
	}
	tenant.SubscriptionStatus = parsed
	return tenant, nil
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (model.Tenant, error) {
	return s.getTenant(ctx, "get tenant by slug", `WHERE lower(slug) = lower($1)`, strings.TrimSpace(slug))
}

func (s *Store) GetTenantByID(ctx context.Context, tenantID string) (model.Tenant, error) {
	return s.getTenant(ctx, "get tenant by id", `WHERE id = $1`, tenantID)
}

func (s *Store) getTenant(ctx context.Context, op, where, arg string) (model.Tenant, error) {
	var tenant model.Tenant
	err := s.run(ctx, op, func(ctx context.Context) error {
		var err error
		tenant, err = scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants `+where, arg))
		if err != nil {
			return err
		}
		flags, err := s.queryModuleFlags(ctx, tenant.ID)
		if err != nil {
			return err
		}
		tenant.Modules = model.EnabledModules(flags)
		return nil
	})
	return tenant, err
}

func (s *Store) ListModuleFlags(ctx context.Context, tenantID string) ([]model.ModuleFlag, error) {
	var flags []model.ModuleFlag
	err := s.run(ctx, "list module flags", func(ctx context.Context) error {
		var err error
		flags, err = s.queryModuleFlags(ctx, tenantID)
		return err
	})
	return flags, err
}

func (s *Store) queryModuleFlags(ctx context.Context, tenantID string) ([]model.ModuleFlag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, module, enabled, updated_at
		FROM tenant_modules
		WHERE tenant_id = $1
		ORDER BY module
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []model.ModuleFlag
	for rows.Next() {
		var flag model.ModuleFlag
		var module string
		if err := rows.Scan(&flag.TenantID, &module, &flag.Enabled, &flag.UpdatedAt); err != nil {
			return nil, err
		}
		parsed, err := model.ParseModule(module)
		if err != nil {
			return nil, &dataError{err: fmt.Errorf("tenant %s: %w", tenantID, err)}
		}
		flag.Module = parsed
		flags = append(flags, flag)
	}
	return flags, rows.Err()
}

func (s *Store) ApplyModuleChanges(ctx context.Context, tenantID string, changes []model.ModuleChange, now time.Time) error {
	if len(changes) == 0 {
		return nil
	}
	return s.run(ctx, "apply module changes", func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for _, change := range changes {
			switch change.Op {
			case model.ModuleOpAdd:
				_, err = tx.Exec(ctx, `
					INSERT INTO tenant_modules (tenant_id, module, enabled, updated_at)
					VALUES ($1, $2, true, $3)
					ON CONFLICT (tenant_id, module) DO UPDATE SET enabled = true, updated_at = EXCLUDED.updated_at
				`, tenantID, string(change.Module), now)
			case model.ModuleOpEnable, model.ModuleOpDisable:
				_, err = tx.Exec(ctx, `
					UPDATE tenant_modules SET enabled = $3, updated_at = $4
					WHERE tenant_id = $1 AND module = $2
				`, tenantID, string(change.Module), change.Op == model.ModuleOpEnable, now)
			default:
				err = &dataError{err: fmt.Errorf("unknown module op %q", change.Op)}
			}
			if err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}
