package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultMaxAttempts  = 6
	defaultLockDuration = 24 * time.Hour
)

// Store is the slice of the credential store the login service needs.
// *Repository satisfies it.
type Store interface {
	GetByIdentity(ctx context.Context, kind AccountKind, identity string) (Account, error)
	GetByID(ctx context.Context, id string) (Account, error)
	CreateAccount(ctx context.Context, kind AccountKind, identity, passwordHash string) (Account, error)
	RegisterFailure(ctx context.Context, id string, maxAttempts int, lockDuration time.Duration, now time.Time) (int, *time.Time, error)
	ResetLockout(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpsertAdmin(ctx context.Context, username, plainPassword string) error
}

// Service validates submitted credentials against the credential store, runs
// the lockout state machine, and on success asks the token service for a
// token. It is the only component that mutates failed_attempts/locked_until.
type Service struct {
	store        Store
	tokens       *TokenService
	adminSecret  string
	maxAttempts  int
	lockDuration time.Duration
	now          func() time.Time
}

func NewService(store Store, tokens *TokenService) *Service {
	return &Service{
		store:        store,
		tokens:       tokens,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockDuration,
		now:          time.Now,
	}
}

// WithSecurityConfig overrides the lockout threshold, lock duration, and the
// shared secondary secret required on admin logins. Zero values keep the
// current setting; an empty secret disables the secondary check.
func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration, adminSecret string) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	s.adminSecret = strings.TrimSpace(adminSecret)
}

// Authenticate runs one login attempt. Check order: account existence, lock
// status, secondary secret (admins only), password hash. An unknown identity
// is rejected without touching any record and is indistinguishable from a
// wrong password. Secret and password failures persist their increment
// before returning.
func (s *Service) Authenticate(ctx context.Context, kind AccountKind, identity, password, secret string) (Session, error) {
	identity = strings.TrimSpace(strings.ToLower(identity))
	password = strings.TrimSpace(password)

	if identity == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}

	now := s.now().UTC()
	account, err := s.store.GetByIdentity(ctx, kind, identity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}

	if account.LockedUntil != nil && now.Before(*account.LockedUntil) {
		return Session{}, ErrAccountLocked{Until: *account.LockedUntil}
	}

	if kind == KindAdmin && s.adminSecret != "" {
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(secret)), []byte(s.adminSecret)) != 1 {
			return Session{}, s.registerFailure(ctx, account, now)
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Session{}, s.registerFailure(ctx, account, now)
	}

	if err := s.store.ResetLockout(ctx, account.ID); err != nil {
		return Session{}, err
	}
	account.FailedAttempts = 0
	account.LockedUntil = nil

	token, err := s.tokens.Issue(account.ID)
	if err != nil {
		return Session{}, err
	}

	return Session{Token: token, Account: account.Profile()}, nil
}

func (s *Service) registerFailure(ctx context.Context, account Account, now time.Time) error {
	_, lockedUntil, err := s.store.RegisterFailure(ctx, account.ID, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return err
	}
	if lockedUntil != nil && now.Before(*lockedUntil) {
		return ErrAccountLocked{Until: *lockedUntil}
	}

	return ErrInvalidCredentials
}

// Refresh verifies the presented token and issues a replacement for the same
// account. The old token keeps its own expiry.
func (s *Service) Refresh(ctx context.Context, tokenString string) (Session, error) {
	claims, err := s.tokens.Verify(tokenString)
	if err != nil {
		return Session{}, err
	}

	account, err := s.store.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrTokenInvalid
		}
		return Session{}, err
	}

	token, err := s.tokens.Issue(account.ID)
	if err != nil {
		return Session{}, err
	}

	return Session{Token: token, Account: account.Profile()}, nil
}

// Register creates a customer account for a new email.
func (s *Service) Register(ctx context.Context, email, password string) (Account, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return Account{}, ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}

	return s.store.CreateAccount(ctx, KindCustomer, email, string(hash))
}

// ChangePassword swaps the credential hash after verifying the old password.
func (s *Service) ChangePassword(ctx context.Context, accountID, oldPassword, newPassword string) error {
	account, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTokenInvalid
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(strings.TrimSpace(oldPassword))); err != nil {
		return ErrWrongOldPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(strings.TrimSpace(newPassword)), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.store.UpdatePassword(ctx, account.ID, string(hash))
}

// BootstrapFromEnv seeds or resets the admin account when both values are
// set. Both empty is a no-op so local setups without an admin still boot.
func (s *Service) BootstrapFromEnv(ctx context.Context, adminUsername, adminPassword string) error {
	adminUsername = strings.TrimSpace(strings.ToLower(adminUsername))
	adminPassword = strings.TrimSpace(adminPassword)

	if adminUsername == "" && adminPassword == "" {
		return nil
	}
	if adminUsername == "" || adminPassword == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	return s.store.UpsertAdmin(ctx, adminUsername, adminPassword)
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWrongOldPassword   = errors.New("incorrect old password")
)

// ErrAccountLocked carries the unlock instant for logging; handlers never
// reveal it to the caller.
type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}
