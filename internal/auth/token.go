package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService creates and verifies the signed session tokens. Tokens are
// stateless: validity is determined entirely by the signature and the expiry
// claim, there is no server-side token store or blacklist.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// SessionClaims is the claim set of a session token: subject identity plus
// issued-at and expiry instants.
type SessionClaims struct {
	jwt.RegisteredClaims
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// TTL is the deployment-wide lifetime shared by every token this service
// issues.
func (t *TokenService) TTL() time.Duration {
	return t.ttl
}

// Issue signs a fresh token for the given subject, expiring one TTL from now.
func (t *TokenService) Issue(subjectID string) (string, error) {
	now := t.now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}

	return encoded, nil
}

// Verify checks the signature against the server secret and the expiry
// against the current clock. It is the only authoritative validity check.
func (t *TokenService) Verify(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// PeekExpiry decodes the expiry claim WITHOUT checking the signature. It
// exists only so clients can schedule refresh timers; it must never feed an
// authorization decision.
func (t *TokenService) PeekExpiry(tokenString string) (time.Time, error) {
	claims := &SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, fmt.Errorf("decode token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("token has no expiry claim")
	}

	return claims.ExpiresAt.Time, nil
}

// Refresh verifies the presented token and issues a new one for the same
// subject. The old token is not invalidated; it simply runs out its own
// expiry.
func (t *TokenService) Refresh(tokenString string) (string, error) {
	claims, err := t.Verify(tokenString)
	if err != nil {
		return "", err
	}

	return t.Issue(claims.Subject)
}

var ErrTokenInvalid = errors.New("invalid or expired token")
