package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

// Repository is the credential store: persisted account records with their
// lockout bookkeeping, plus the per-IP login rate-limit rows.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type CleanupResult struct {
	ClearedLockouts int64 `json:"cleared_lockouts"`
	DeletedIPLimits int64 `json:"deleted_ip_limits"`
}

func (r *Repository) GetByIdentity(ctx context.Context, kind AccountKind, identity string) (Account, error) {
	return r.scanAccount(r.db.QueryRowContext(ctx, `
		SELECT id, kind, identity, password_hash, failed_attempts, locked_until, created_at, updated_at
		FROM accounts
		WHERE kind = $1 AND identity = $2
	`, kind, identity))
}

func (r *Repository) GetByID(ctx context.Context, id string) (Account, error) {
	return r.scanAccount(r.db.QueryRowContext(ctx, `
		SELECT id, kind, identity, password_hash, failed_attempts, locked_until, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, id))
}

func (r *Repository) scanAccount(row *sql.Row) (Account, error) {
	var account Account
	var lockedUntil sql.NullTime
	err := row.Scan(
		&account.ID, &account.Kind, &account.Identity, &account.PasswordHash,
		&account.FailedAttempts, &lockedUntil, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, err
		}
		return Account{}, fmt.Errorf("query account: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		account.LockedUntil = &value
	}

	return account, nil
}

func (r *Repository) CreateAccount(ctx context.Context, kind AccountKind, identity, passwordHash string) (Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	account := Account{
		ID:           id.String(),
		Kind:         kind,
		Identity:     identity,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, identity, password_hash, failed_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
	`, account.ID, account.Kind, account.Identity, account.PasswordHash, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrIdentityTaken
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	return account, nil
}

// RegisterFailure records one failed login attempt as a single atomic
// increment-and-compare statement, so concurrent failures against the same
// account cannot under-count. Reaching maxAttempts sets locked_until; a
// failure after a lock has lazily expired restarts the count at 1.
func (r *Repository) RegisterFailure(ctx context.Context, id string, maxAttempts int, lockDuration time.Duration, now time.Time) (int, *time.Time, error) {
	lockUntil := now.UTC().Add(lockDuration)

	var failed int
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET failed_attempts = CASE
				WHEN locked_until IS NOT NULL AND locked_until <= $4 THEN 1
				ELSE failed_attempts + 1
			END,
			locked_until = CASE
				WHEN locked_until IS NOT NULL AND locked_until <= $4 THEN NULL
				WHEN failed_attempts + 1 >= $2 THEN $3
				ELSE locked_until
			END,
			updated_at = $4
		WHERE id = $1
		RETURNING failed_attempts, locked_until
	`, id, maxAttempts, lockUntil, now.UTC()).Scan(&failed, &lockedUntil)
	if err != nil {
		return 0, nil, fmt.Errorf("register failed attempt: %w", err)
	}

	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		return failed, &value, nil
	}

	return failed, nil, nil
}

// ResetLockout clears the failure counter and any lock. Called only on a
// successful authentication.
func (r *Repository) ResetLockout(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET failed_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset lockout: %w", err)
	}

	return nil
}

func (r *Repository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// UpsertAdmin creates or replaces the admin account for the given username,
// bcrypt-hashing the plain password. Used by the env bootstrap on startup.
func (r *Repository) UpsertAdmin(ctx context.Context, username, plainPassword string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, identity, password_hash, failed_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		ON CONFLICT (kind, identity)
		DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			updated_at = EXCLUDED.updated_at
	`, id.String(), KindAdmin, username, string(hash), now)
	if err != nil {
		return fmt.Errorf("upsert admin account: %w", err)
	}

	return nil
}

// AllowLoginIP implements the per-IP login rate limit as one upsert so it
// behaves under concurrent serverless instances.
func (r *Repository) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := r.db.QueryRowContext(ctx, `
		WITH upsert AS (
			INSERT INTO login_ip_limits (ip, window_started_at, hits, updated_at)
			VALUES ($1, $2, 1, $2)
			ON CONFLICT (ip) DO UPDATE
			SET
				hits = CASE
					WHEN login_ip_limits.window_started_at <= $3 THEN 1
					ELSE login_ip_limits.hits + 1
				END,
				window_started_at = CASE
					WHEN login_ip_limits.window_started_at <= $3 THEN $2
					ELSE login_ip_limits.window_started_at
				END,
				updated_at = $2
			RETURNING hits, window_started_at
		)
		SELECT hits, window_started_at FROM upsert
	`, ip, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert login ip limit: %w", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

// CleanupStaleAuthData clears lazily expired lockouts and prunes rate-limit
// rows that have fallen out of every window. Invoked by the maintenance cron.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, retention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	now := time.Now().UTC()

	cleared, err := r.clearExpiredLockouts(ctx, now, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deleted, err := r.deleteStaleIPLimits(ctx, now.Add(-retention), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{ClearedLockouts: cleared, DeletedIPLimits: deleted}, nil
}

func (r *Repository) clearExpiredLockouts(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH expired AS (
			SELECT id
			FROM accounts
			WHERE locked_until IS NOT NULL AND locked_until < $1
			LIMIT $2
		)
		UPDATE accounts a
		SET failed_attempts = 0, locked_until = NULL, updated_at = $1
		FROM expired
		WHERE a.id = expired.id
	`, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("clear expired lockouts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired lockouts rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleIPLimits(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT ip
			FROM login_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM login_ip_limits t
		USING stale
		WHERE t.ip = stale.ip
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login ip limits: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login ip limits rows affected: %w", err)
	}

	return affected, nil
}

var ErrIdentityTaken = errors.New("identity already registered")
