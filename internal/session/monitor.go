package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

const (
	defaultIdleTimeout      = 20 * time.Minute
	defaultRefreshThreshold = 5 * time.Minute
)

// AuthAPI is the slice of the auth endpoints the monitor drives. *Client
// satisfies it.
type AuthAPI interface {
	Verify(ctx context.Context, token string) (time.Duration, error)
	Refresh(ctx context.Context, token string) (string, error)
}

// LogoutReason says why a monitor destroyed its session.
type LogoutReason string

const (
	ReasonIdle     LogoutReason = "idle"
	ReasonExpired  LogoutReason = "expired"
	ReasonNoToken  LogoutReason = "no_token"
	ReasonExplicit LogoutReason = "explicit"
)

type Config struct {
	// IdleTimeout is how long the session survives with zero activity
	// signals. Defaults to 20 minutes.
	IdleTimeout time.Duration
	// RefreshThreshold is the lead time before expiry at which the token is
	// proactively refreshed. Defaults to 5 minutes.
	RefreshThreshold time.Duration
	// HTTPClient sends the wrapped authorized requests.
	HTTPClient *http.Client
	// OnLogout fires once when the session is destroyed; the browser
	// equivalent is the redirect to the login page.
	OnLogout func(LogoutReason)
}

// Monitor owns one client-side session: the cached token, the idle line, and
// the refresh line. The two lines are independent one-shot timers; every
// reschedule cancels the pending callback first, so exactly one callback per
// line is pending at any time. A mutex serializes token mutations the way
// the browser's event loop serializes its callbacks.
//
// Distinct principal classes (admin vs customer) each run their own Monitor
// so neither session overwrites the other.
type Monitor struct {
	api              AuthAPI
	httpClient       *http.Client
	idleTimeout      time.Duration
	refreshThreshold time.Duration
	onLogout         func(LogoutReason)

	mu           sync.Mutex
	ctx          context.Context
	token        string
	idleTimer    *time.Timer
	refreshTimer *time.Timer
	stopped      bool
}

func NewMonitor(api AuthAPI, cfg Config) *Monitor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = defaultRefreshThreshold
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.OnLogout == nil {
		cfg.OnLogout = func(LogoutReason) {}
	}

	return &Monitor{
		api:              api,
		httpClient:       cfg.HTTPClient,
		idleTimeout:      cfg.IdleTimeout,
		refreshThreshold: cfg.RefreshThreshold,
		onLogout:         cfg.OnLogout,
	}
}

// Start adopts a token, arms the idle line, and enters the refresh cycle.
// An empty token logs out immediately; a token the server rejects logs out
// with ReasonExpired. A network failure leaves the session intact and is
// returned to the caller.
func (m *Monitor) Start(ctx context.Context, token string) error {
	if token == "" {
		m.logout(ReasonNoToken)
		return ErrNoSession
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrMonitorStopped
	}
	m.ctx = ctx
	m.token = token
	m.resetIdleLocked()
	m.mu.Unlock()

	return m.scheduleRefresh(ctx)
}

// Activity is the user-activity signal: it cancels the pending idle callback
// and schedules a new one. Overlapping signals are idempotent.
func (m *Monitor) Activity() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.token == "" {
		return
	}
	m.resetIdleLocked()
}

func (m *Monitor) resetIdleLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.idleTimeout, func() {
		m.logout(ReasonIdle)
	})
}

// scheduleRefresh asks the server for the authoritative time-to-expiry and
// arms a single wake at expiry minus the refresh threshold. If the token is
// already inside the threshold the wake is immediate — and the cycle is
// re-entered after that refresh like any other, so the chain never dangles.
func (m *Monitor) scheduleRefresh(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.token == "" {
		m.mu.Unlock()
		return nil
	}
	token := m.token
	m.mu.Unlock()

	expiresIn, err := m.api.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			m.logout(ReasonExpired)
			return ErrSessionExpired
		}
		return err
	}

	refreshIn := expiresIn - m.refreshThreshold
	if refreshIn < 0 {
		refreshIn = 0
	}

	m.mu.Lock()
	if m.stopped || m.token == "" {
		m.mu.Unlock()
		return nil
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = time.AfterFunc(refreshIn, func() {
		m.refreshWake(ctx)
	})
	m.mu.Unlock()

	return nil
}

// refreshWake runs at the scheduled wake time. The stop condition is
// checked here: a token removed by idle logout terminates the chain.
func (m *Monitor) refreshWake(ctx context.Context) {
	m.mu.Lock()
	if m.stopped || m.token == "" {
		m.mu.Unlock()
		return
	}
	token := m.token
	m.mu.Unlock()

	newToken, err := m.api.Refresh(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			m.logout(ReasonExpired)
		}
		// A transient network failure ends the chain without destroying the
		// session; the next wrapped request can still recover it.
		return
	}

	m.mu.Lock()
	if m.stopped || m.token == "" {
		m.mu.Unlock()
		return
	}
	m.token = newToken
	m.mu.Unlock()

	_ = m.scheduleRefresh(ctx)
}

// Do sends an authorized request with the cached token as bearer credential.
// On 401/403 it refreshes exactly once and resends the original request
// exactly once — at most one refresh and one resend per call, so a server
// that keeps rejecting the refreshed token cannot cause a retry loop. A
// resend that is itself rejected destroys the session. Network failures
// propagate without destroying the session.
func (m *Monitor) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	token := m.token
	stopped := m.stopped
	m.mu.Unlock()

	if stopped || token == "" {
		m.logout(ReasonNoToken)
		return nil, ErrNoSession
	}

	resp, err := m.send(req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}
	drainAndClose(resp.Body)

	newToken, err := m.api.Refresh(req.Context(), token)
	if err != nil {
		m.logout(ReasonExpired)
		return nil, ErrSessionExpired
	}

	m.mu.Lock()
	if !m.stopped && m.token != "" {
		m.token = newToken
	}
	m.mu.Unlock()

	retry, err := m.send(req, newToken)
	if err != nil {
		return nil, err
	}
	if retry.StatusCode == http.StatusUnauthorized || retry.StatusCode == http.StatusForbidden {
		drainAndClose(retry.Body)
		m.logout(ReasonExpired)
		return nil, ErrSessionExpired
	}

	return retry, nil
}

// send clones the original request so the retry path can resend it; bodies
// are rewound through GetBody, which net/http sets for the common buffer
// types.
func (m *Monitor) send(req *http.Request, token string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	clone.Header.Set("Authorization", "Bearer "+token)

	return m.httpClient.Do(clone)
}

// Token returns the currently cached token, "" after logout.
func (m *Monitor) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Logout destroys the session deliberately (the logout button).
func (m *Monitor) Logout() {
	m.logout(ReasonExplicit)
}

// Stop disarms both timer lines without firing the logout callback. For
// teardown paths that are not a user-visible logout.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	m.token = ""
	m.stopTimersLocked()
}

func (m *Monitor) logout(reason LogoutReason) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.token = ""
	m.stopTimersLocked()
	callback := m.onLogout
	m.mu.Unlock()

	callback(reason)
}

func (m *Monitor) stopTimersLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

var (
	ErrNoSession      = errors.New("no session token")
	ErrSessionExpired = errors.New("session expired")
	ErrMonitorStopped = errors.New("session monitor stopped")
)
