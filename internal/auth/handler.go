package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

var (
	usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	tokens  *TokenService
}

func NewHandler(service *Service, tokens *TokenService) *Handler {
	return &Handler{service: service, tokens: tokens}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Secret   string `json:"secret"`
}

type customerLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type verifyResponse struct {
	Valid     bool   `json:"valid"`
	ExpiresIn int64  `json:"expiresIn"`
	ExpiresAt string `json:"expiresAt"`
}

// Login handles admin logins: username, password, and the optional shared
// secondary secret.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if !usernameRegex.MatchString(strings.ToLower(strings.TrimSpace(body.Username))) {
		writeError(w, http.StatusBadRequest, "invalid credentials")
		return
	}

	session, err := h.service.Authenticate(r.Context(), KindAdmin, body.Username, body.Password, body.Secret)
	h.writeLoginResult(w, session, err)
}

// CustomerLogin handles customer logins keyed by email.
func (h *Handler) CustomerLogin(w http.ResponseWriter, r *http.Request) {
	var body customerLoginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if !emailRegex.MatchString(strings.ToLower(strings.TrimSpace(body.Email))) {
		writeError(w, http.StatusBadRequest, "invalid credentials")
		return
	}

	session, err := h.service.Authenticate(r.Context(), KindCustomer, body.Email, body.Password, "")
	h.writeLoginResult(w, session, err)
}

func (h *Handler) writeLoginResult(w http.ResponseWriter, session Session, err error) {
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusBadRequest, "invalid credentials")
			return
		}
		var lockedErr ErrAccountLocked
		if errors.As(err, &lockedErr) {
			// No unlock time in the response on purpose.
			writeError(w, http.StatusForbidden, "account temporarily locked, try again later")
			return
		}

		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if !emailRegex.MatchString(strings.ToLower(strings.TrimSpace(body.Email))) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if len(strings.TrimSpace(body.Password)) < 8 || len(body.Password) > 200 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	if _, err := h.service.Register(r.Context(), body.Email, body.Password); err != nil {
		if errors.Is(err, ErrIdentityTaken) {
			writeError(w, http.StatusBadRequest, "email is already registered")
			return
		}
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusBadRequest, "invalid registration")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "registration complete"})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	tokenString, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	session, err := h.service.Refresh(r.Context(), tokenString)
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// Verify reports the authoritative seconds-to-expiry for the presented
// token. Clients schedule their refresh timers off this response, never off
// a locally decoded expiry.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	tokenString, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	claims, err := h.tokens.Verify(tokenString)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	expiresAt := claims.ExpiresAt.Time.UTC()
	expiresIn := int64(time.Until(expiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		Valid:     true,
		ExpiresIn: expiresIn,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}

// ChangePassword runs behind the bearer middleware; the subject comes from
// the request context.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	subjectID := SubjectFromContext(r.Context())
	if subjectID == "" {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if len(strings.TrimSpace(body.NewPassword)) < 8 || len(body.NewPassword) > 200 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	if err := h.service.ChangePassword(r.Context(), subjectID, body.OldPassword, body.NewPassword); err != nil {
		if errors.Is(err, ErrWrongOldPassword) {
			writeError(w, http.StatusBadRequest, "incorrect old password")
			return
		}
		if errors.Is(err, ErrTokenInvalid) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to change password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	return true
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}

	return token, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
