package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	store   *fakeStore
	service *Service
	tokens  *TokenService
	handler *Handler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	store := newFakeStore()
	tokens := NewTokenService("test-secret", 20*time.Minute)
	service := NewService(store, tokens)
	service.WithSecurityConfig(6, 24*time.Hour, "topsecret")

	return &handlerFixture{
		store:   store,
		service: service,
		tokens:  tokens,
		handler: NewHandler(service, tokens),
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dst))
}

func TestLoginReturnsSession(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.store.add(KindAdmin, "admin", "correct-password")

	rec := postJSON(t, fx.handler.Login, map[string]string{
		"username": "admin",
		"password": "correct-password",
		"secret":   "topsecret",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var session Session
	decodeBody(t, rec, &session)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, "admin", session.Account.Identity)

	_, err := fx.tokens.Verify(session.Token)
	assert.NoError(t, err)
}

func TestLoginWrongPasswordIsBadRequest(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.store.add(KindAdmin, "admin", "correct-password")

	rec := postJSON(t, fx.handler.Login, map[string]string{
		"username": "admin",
		"password": "wrong-password",
		"secret":   "topsecret",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginUnknownUsernameIsBadRequest(t *testing.T) {
	fx := newHandlerFixture(t)

	rec := postJSON(t, fx.handler.Login, map[string]string{
		"username": "ghost",
		"password": "whatever",
		"secret":   "topsecret",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginRejectsMalformedUsername(t *testing.T) {
	fx := newHandlerFixture(t)

	rec := postJSON(t, fx.handler.Login, map[string]string{
		"username": "a b!",
		"password": "whatever",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginRejectsUnknownJSONFields(t *testing.T) {
	fx := newHandlerFixture(t)

	rec := postJSON(t, fx.handler.Login, map[string]string{
		"username": "admin",
		"password": "whatever",
		"extra":    "field",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLockedAccountIsForbiddenWithGenericMessage(t *testing.T) {
	fx := newHandlerFixture(t)
	account := fx.store.add(KindAdmin, "admin", "correct-password")
	until := time.Now().UTC().Add(24 * time.Hour)
	fx.store.accounts[account.ID].FailedAttempts = 6
	fx.store.accounts[account.ID].LockedUntil = &until

	rec := postJSON(t, fx.handler.Login, map[string]string{
		"username": "admin",
		"password": "correct-password",
		"secret":   "topsecret",
	})

	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "account temporarily locked, try again later", body["error"])
	assert.NotContains(t, rec.Body.String(), until.Format("2006"))
}

func TestCustomerLoginByEmail(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.store.add(KindCustomer, "user@example.com", "correct-password")

	rec := postJSON(t, fx.handler.CustomerLogin, map[string]string{
		"email":    "user@example.com",
		"password": "correct-password",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var session Session
	decodeBody(t, rec, &session)
	assert.Equal(t, "user@example.com", session.Account.Identity)
}

func TestRegisterThenDuplicateEmail(t *testing.T) {
	fx := newHandlerFixture(t)

	first := postJSON(t, fx.handler.Register, map[string]string{
		"email":    "new@example.com",
		"password": "long-enough-password",
	})
	require.Equal(t, http.StatusCreated, first.Code)

	second := postJSON(t, fx.handler.Register, map[string]string{
		"email":    "new@example.com",
		"password": "long-enough-password",
	})
	assert.Equal(t, http.StatusBadRequest, second.Code)
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	fx := newHandlerFixture(t)

	rec := postJSON(t, fx.handler.Register, map[string]string{
		"email":    "new@example.com",
		"password": "short",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshIssuesNewToken(t *testing.T) {
	fx := newHandlerFixture(t)
	account := fx.store.add(KindAdmin, "admin", "correct-password")

	token, err := fx.tokens.Issue(account.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	fx.handler.Refresh(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var session Session
	decodeBody(t, rec, &session)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, account.ID, session.Account.ID)
}

func TestRefreshRejectsGarbageToken(t *testing.T) {
	fx := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	fx.handler.Refresh(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyReportsRemainingLifetime(t *testing.T) {
	fx := newHandlerFixture(t)
	account := fx.store.add(KindAdmin, "admin", "correct-password")

	token, err := fx.tokens.Issue(account.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	fx.handler.Verify(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body verifyResponse
	decodeBody(t, rec, &body)
	assert.True(t, body.Valid)
	assert.InDelta(t, (20 * time.Minute).Seconds(), float64(body.ExpiresIn), 5)

	expiresAt, err := time.Parse(time.RFC3339, body.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(20*time.Minute), expiresAt, 5*time.Second)
}

func TestVerifyWithoutTokenIsUnauthorized(t *testing.T) {
	fx := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
	rec := httptest.NewRecorder()
	fx.handler.Verify(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChangePasswordWrongOldPassword(t *testing.T) {
	fx := newHandlerFixture(t)
	account := fx.store.add(KindAdmin, "admin", "correct-password")

	token, err := fx.tokens.Issue(account.ID)
	require.NoError(t, err)

	protected := Middleware(fx.tokens, http.HandlerFunc(fx.handler.ChangePassword))

	payload, err := json.Marshal(map[string]string{
		"oldPassword": "wrong-password",
		"newPassword": "brand-new-password",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth/change-password", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChangePasswordThenLoginWithNew(t *testing.T) {
	fx := newHandlerFixture(t)
	account := fx.store.add(KindAdmin, "admin", "correct-password")

	token, err := fx.tokens.Issue(account.ID)
	require.NoError(t, err)

	protected := Middleware(fx.tokens, http.HandlerFunc(fx.handler.ChangePassword))

	payload, err := json.Marshal(map[string]string{
		"oldPassword": "correct-password",
		"newPassword": "brand-new-password",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth/change-password", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	_, err = fx.service.Authenticate(context.Background(), KindAdmin, "admin", "brand-new-password", "topsecret")
	assert.NoError(t, err)

	got := fx.store.get(account.ID)
	assert.NotEqual(t, account.PasswordHash, got.PasswordHash)
}
