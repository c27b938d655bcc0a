package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// fakeStore is an in-memory credential store with the same lockout
// bookkeeping semantics as the SQL repository.
type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{accounts: make(map[string]*Account)}
}

func (f *fakeStore) add(kind AccountKind, identity, password string) Account {
	f.mu.Lock()
	defer f.mu.Unlock()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}

	f.nextID++
	account := &Account{
		ID:           fmt.Sprintf("acct-%d", f.nextID),
		Kind:         kind,
		Identity:     identity,
		PasswordHash: string(hash),
	}
	f.accounts[account.ID] = account
	return *account
}

func (f *fakeStore) get(id string) Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.accounts[id]
}

func (f *fakeStore) GetByIdentity(_ context.Context, kind AccountKind, identity string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, account := range f.accounts {
		if account.Kind == kind && account.Identity == identity {
			return *account, nil
		}
	}
	return Account{}, sql.ErrNoRows
}

func (f *fakeStore) GetByID(_ context.Context, id string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if account, ok := f.accounts[id]; ok {
		return *account, nil
	}
	return Account{}, sql.ErrNoRows
}

func (f *fakeStore) CreateAccount(_ context.Context, kind AccountKind, identity, passwordHash string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, account := range f.accounts {
		if account.Kind == kind && account.Identity == identity {
			return Account{}, ErrIdentityTaken
		}
	}

	f.nextID++
	account := &Account{
		ID:           fmt.Sprintf("acct-%d", f.nextID),
		Kind:         kind,
		Identity:     identity,
		PasswordHash: passwordHash,
	}
	f.accounts[account.ID] = account
	return *account, nil
}

func (f *fakeStore) RegisterFailure(_ context.Context, id string, maxAttempts int, lockDuration time.Duration, now time.Time) (int, *time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	account, ok := f.accounts[id]
	if !ok {
		return 0, nil, sql.ErrNoRows
	}

	if account.LockedUntil != nil && !account.LockedUntil.After(now) {
		account.FailedAttempts = 1
		account.LockedUntil = nil
	} else {
		account.FailedAttempts++
		if account.FailedAttempts >= maxAttempts {
			until := now.UTC().Add(lockDuration)
			account.LockedUntil = &until
		}
	}

	return account.FailedAttempts, account.LockedUntil, nil
}

func (f *fakeStore) ResetLockout(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if account, ok := f.accounts[id]; ok {
		account.FailedAttempts = 0
		account.LockedUntil = nil
	}
	return nil
}

func (f *fakeStore) UpdatePassword(_ context.Context, id, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	account, ok := f.accounts[id]
	if !ok {
		return sql.ErrNoRows
	}
	account.PasswordHash = passwordHash
	return nil
}

func (f *fakeStore) UpsertAdmin(_ context.Context, username, plainPassword string) error {
	f.add(KindAdmin, username, plainPassword)
	return nil
}

func newTestService(store Store) *Service {
	tokens := NewTokenService("test-secret", 20*time.Minute)
	svc := NewService(store, tokens)
	svc.WithSecurityConfig(6, 24*time.Hour, "topsecret")
	return svc
}

func TestAuthenticateSuccess(t *testing.T) {
	store := newFakeStore()
	account := store.add(KindAdmin, "admin", "correct-password")
	svc := newTestService(store)

	session, err := svc.Authenticate(context.Background(), KindAdmin, "admin", "correct-password", "topsecret")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, account.ID, session.Account.ID)
	assert.Equal(t, "admin", session.Account.Identity)
}

func TestAuthenticateUnknownIdentityDoesNotMutate(t *testing.T) {
	store := newFakeStore()
	store.add(KindAdmin, "admin", "correct-password")
	svc := newTestService(store)

	_, err := svc.Authenticate(context.Background(), KindAdmin, "ghost", "whatever", "topsecret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Len(t, store.accounts, 1)
}

func TestFailedAttemptsBelowThresholdStayUnlocked(t *testing.T) {
	store := newFakeStore()
	account := store.add(KindAdmin, "admin", "correct-password")
	svc := newTestService(store)

	for n := 1; n <= 5; n++ {
		_, err := svc.Authenticate(context.Background(), KindAdmin, "admin", "wrong-password", "topsecret")
		assert.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", n)

		got := store.get(account.ID)
		assert.Equal(t, n, got.FailedAttempts)
		assert.Nil(t, got.LockedUntil)
	}
}

func TestSixthFailureLocksFor24Hours(t *testing.T) {
	store := newFakeStore()
	account := store.add(KindAdmin, "admin", "correct-password")
	svc := newTestService(store)

	for n := 1; n <= 5; n++ {
		_, err := svc.Authenticate(context.Background(), KindAdmin, "admin", "wrong-password", "topsecret")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := svc.Authenticate(context.Background(), KindAdmin, "admin", "wrong-password", "topsecret")
	var locked ErrAccountLocked
	require.ErrorAs(t, err, &locked)

	got := store.get(account.ID)
	require.NotNil(t, got.LockedUntil)
	assert.InDelta(t, time.Now().Add(24*time.Hour).Unix(), got.LockedUntil.Unix(), 5)
}

func TestLockedRejectsCorrectCredentials(t *testing.T) {
	store := newFakeStore()
	account := store.add(KindAdmin, "admin", "correct-password")
	until := time.Now().Add(time.Hour)
	store.accounts[account.ID].FailedAttempts = 6
	store.accounts[account.ID].LockedUntil = &until
	svc := newTestService(store)

	_, err := svc.Authenticate(context.Background(), KindAdmin, "admin", "correct-password", "topsecret")
	var locked ErrAccountLocked
	require.ErrorAs(t, err, &locked)

	got := store.get(account.ID)
	assert.Equal(t, 6, got.FailedAttempts, "a locked account must not count further attempts")
}

func TestLockExpiresLazily(t *testing.T) {
	store := newFakeStore()
	account := store.add(KindAdmin, "admin", "correct-password")
	until := time.Now().Add(-time.Minute)
	store.accounts[account.ID].FailedAttempts = 6
	store.accounts[account.ID].LockedUntil = &until
	svc := newTestService(store)

	session, err := svc.Authenticate(context.Background(), KindAdmin, "admin", "correct-password", "topsecret")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)

	got := store.get(account.ID)
	assert.Zero(t, got.FailedAttempts)
	assert.Nil(t, got.LockedUntil)
}

func TestWrongSecondarySecretCountsAsFailure(t *testing.T) {
	store := newFakeStore()
	account := store.add(KindAdmin, "admin", "correct-password")
	svc := newTestService(store)

	_, err := svc.Authenticate(context.Background(), KindAdmin, "admin", "correct-password", "wrong-secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, store.get(account.ID).FailedAttempts)
}

func TestCustomerLoginSkipsSecondarySecret(t *testing.T) {
	store := newFakeStore()
	store.add(KindCustomer, "user@example.com", "correct-password")
	svc := newTestService(store)

	_, err := svc.Authenticate(context.Background(), KindCustomer, "user@example.com", "correct-password", "")
	assert.NoError(t, err)
}

func TestLockoutEndToEnd(t *testing.T) {
	store := newFakeStore()
	account := store.add(KindAdmin, "admin", "correct")
	svc := newTestService(store)
	svc.adminSecret = "correct"
	ctx := context.Background()

	// Five prior failures, then a fully correct login resets the counter.
	for n := 0; n < 5; n++ {
		_, err := svc.Authenticate(ctx, KindAdmin, "admin", "wrong", "correct")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := svc.Authenticate(ctx, KindAdmin, "admin", "correct", "correct")
	require.NoError(t, err)
	require.Zero(t, store.get(account.ID).FailedAttempts)

	// Six consecutive wrong-secret attempts lock the account.
	for n := 0; n < 6; n++ {
		_, err = svc.Authenticate(ctx, KindAdmin, "admin", "correct", "wrong")
		require.Error(t, err)
	}
	var locked ErrAccountLocked
	require.ErrorAs(t, err, &locked)

	// Correct credentials within the lock window are still rejected.
	_, err = svc.Authenticate(ctx, KindAdmin, "admin", "correct", "correct")
	require.ErrorAs(t, err, &locked)
}

func TestRefreshIssuesNewTokenForSameAccount(t *testing.T) {
	store := newFakeStore()
	account := store.add(KindAdmin, "admin", "correct-password")
	svc := newTestService(store)

	session, err := svc.Authenticate(context.Background(), KindAdmin, "admin", "correct-password", "topsecret")
	require.NoError(t, err)

	refreshed, err := svc.Refresh(context.Background(), session.Token)
	require.NoError(t, err)
	assert.Equal(t, account.ID, refreshed.Account.ID)
	assert.NotEmpty(t, refreshed.Token)
}

func TestRefreshRejectsGarbage(t *testing.T) {
	svc := newTestService(newFakeStore())

	_, err := svc.Refresh(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	_, err := svc.Register(context.Background(), "user@example.com", "password123")
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), "user@example.com", "password123")
	assert.ErrorIs(t, err, ErrIdentityTaken)
}

func TestChangePassword(t *testing.T) {
	store := newFakeStore()
	account := store.add(KindAdmin, "admin", "old-password")
	svc := newTestService(store)

	err := svc.ChangePassword(context.Background(), account.ID, "wrong-old", "new-password")
	assert.ErrorIs(t, err, ErrWrongOldPassword)

	err = svc.ChangePassword(context.Background(), account.ID, "old-password", "new-password")
	require.NoError(t, err)

	got := store.get(account.ID)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(got.PasswordHash), []byte("new-password")))
}
