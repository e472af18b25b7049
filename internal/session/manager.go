// Package session owns the credential lifecycle: bootstrap, login, register,
// silent re-authentication and logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/storefront-core/internal/domain"
	"github.com/ashureev/storefront-core/internal/events"
	"github.com/ashureev/storefront-core/internal/metrics"
	"github.com/ashureev/storefront-core/internal/store"
	"github.com/ashureev/storefront-core/internal/transport"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshTimeout = 10 * time.Second
	refreshKey            = "refresh"
)

// Hook is notified of session transitions. The cart sync service implements it.
type Hook interface {
	// SessionAuthenticated runs after every transition into Authenticated.
	SessionAuthenticated(ctx context.Context) error

	// SessionCleared runs after every transition back to Unauthenticated.
	// It may be called while a request the hook itself issued is waiting on a refresh,
	// so implementations must not block on their own locks.
	SessionCleared(ctx context.Context)
}

// CookieClearer drops the transport-held refresh credential.
type CookieClearer interface {
	Clear(ctx context.Context) error
}

// Options configures a Manager.
type Options struct {
	Store          store.Store
	Pipeline       *transport.Pipeline
	Cookies        CookieClearer
	Events         events.Publisher
	Logger         *slog.Logger
	RefreshTimeout time.Duration
}

// Manager is the sole writer of the client Session.
type Manager struct {
	kv             store.Store
	pipeline       *transport.Pipeline
	cookies        CookieClearer
	events         events.Publisher
	logger         *slog.Logger
	refreshTimeout time.Duration

	mu      sync.RWMutex
	session domain.Session

	flight singleflight.Group

	hookMu sync.RWMutex
	hook   Hook
}

// New creates an unauthenticated Manager and installs it as the pipeline's authenticator.
func New(opts Options) *Manager {
	m := &Manager{
		kv:             opts.Store,
		pipeline:       opts.Pipeline,
		cookies:        opts.Cookies,
		events:         opts.Events,
		logger:         opts.Logger,
		refreshTimeout: opts.RefreshTimeout,
		session:        domain.Session{Status: domain.StatusUnauthenticated},
	}
	if m.events == nil {
		m.events = events.Discard
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.refreshTimeout <= 0 {
		m.refreshTimeout = defaultRefreshTimeout
	}
	m.pipeline.SetAuthenticator(m)
	return m
}

// SetHook installs the transition hook.
func (m *Manager) SetHook(h Hook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hook = h
}

func (m *Manager) currentHook() Hook {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return m.hook
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshot(m.session)
}

func snapshot(s domain.Session) domain.Session {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// AccessToken implements transport.Authenticator.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.AccessToken
}

// HasRole reports whether the authenticated user holds role.
func (m *Manager) HasRole(role string) bool {
	return m.Session().HasRole(role)
}

// Bootstrap restores a persisted credential. It validates the credential by
// fetching the current user; the pipeline refreshes once if the backend rejects
// it. Any failure ends Unauthenticated with every credential cleared.
func (m *Manager) Bootstrap(ctx context.Context) domain.Session {
	var token string
	ok, err := store.GetJSON(ctx, m.kv, store.KeyAccessToken, &token)
	if err != nil {
		m.logger.Warn("failed to read persisted credential", "error", err)
	}
	if !ok || token == "" {
		m.logger.Info("no persisted credential, starting unauthenticated")
		return m.Session()
	}

	var cached domain.User
	if found, err := store.GetJSON(ctx, m.kv, store.KeyUser, &cached); err != nil {
		m.logger.Debug("ignoring unreadable persisted user", "error", err)
	} else if found {
		m.mu.Lock()
		m.session.User = &cached
		m.mu.Unlock()
	}
	m.setStatus(token, domain.StatusAuthenticating)

	resp, err := m.pipeline.Send(ctx, transport.Request{Method: http.MethodGet, Path: "/api/users/me"})
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		m.logger.Info("persisted credential rejected, clearing", "error", err)
		m.clear(ctx)
		return m.Session()
	}

	user := transport.DecodeUser(gjson.ParseBytes(resp.Body))
	if user == nil || user.ID == "" {
		m.logger.Warn("current user response carried no user, clearing")
		m.clear(ctx)
		return m.Session()
	}

	// The pipeline may have refreshed the token while validating it.
	if err := m.establish(ctx, m.AccessToken(), user); err != nil {
		m.logger.Warn("failed to persist restored session", "error", err)
	}
	m.logger.Info("session restored", "user_id", user.ID)
	m.notifyAuthenticated(ctx)
	return m.Session()
}

// Login authenticates with identifier and secret. A rejected login returns an
// error wrapping domain.ErrInvalidCredentials; a transport failure one wrapping
// domain.ErrNetwork. Neither mutates the session.
//
// On success the cart merge runs before Login returns. If the merge fails the
// session stays authenticated and Login returns the user together with an error
// wrapping domain.ErrSyncConflict.
func (m *Manager) Login(ctx context.Context, identifier, secret string) (*domain.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return nil, fmt.Errorf("login: identifier and secret are required: %w", domain.ErrInvalidCredentials)
	}

	body := map[string]string{"login": identifier, "password": secret}
	return m.authenticate(ctx, "/api/auth/login", body, domain.ErrInvalidCredentials)
}

// RegisterRequest carries the fields of a new account.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
}

// Register creates an account and signs into it, following the same rules as Login.
// A rejected registration returns an error wrapping domain.ErrValidation.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (*domain.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return nil, fmt.Errorf("register: username, email and password are required: %w", domain.ErrValidation)
	}
	return m.authenticate(ctx, "/api/auth/register", req, domain.ErrValidation)
}

func (m *Manager) authenticate(ctx context.Context, path string, body any, rejected error) (*domain.User, error) {
	prev := m.beginAuthenticating()
	token, user, err := m.exchange(ctx, path, body, rejected)
	if err != nil {
		m.abortAuthenticating(prev)
		return nil, err
	}

	if err := m.establish(ctx, token, user); err != nil {
		m.logger.Warn("failed to persist session", "error", err)
	}
	m.logger.Info("signed in", "user_id", user.ID, "path", path)

	out := *user
	if err := m.notifyAuthenticated(ctx); err != nil {
		return &out, err
	}
	return &out, nil
}

func (m *Manager) exchange(ctx context.Context, path string, body any, rejected error) (string, *domain.User, error) {
	resp, err := m.pipeline.Send(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    path,
		Body:    body,
		NoRetry: true,
	})
	if err != nil {
		if !domain.IsNetwork(err) {
			err = fmt.Errorf("%w: %w", domain.ErrNetwork, err)
		}
		return "", nil, fmt.Errorf("authenticate: %w", err)
	}

	switch {
	case resp.OK():
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", nil, fmt.Errorf("authenticate: %w: %w", rejected, resp.Err())
	default:
		return "", nil, fmt.Errorf("authenticate: %w: %w", domain.ErrNetwork, resp.Err())
	}

	token, user, err := transport.DecodeAuth(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("authenticate: %w: %w", domain.ErrRemote, err)
	}
	if user == nil || user.ID == "" {
		return "", nil, fmt.Errorf("authenticate: response carried no user: %w", domain.ErrRemote)
	}
	return token, user, nil
}

// beginAuthenticating marks a sign-in as in flight and returns the status to
// go back to if it fails.
func (m *Manager) beginAuthenticating() domain.Status {
	m.mu.Lock()
	prev := m.session.Status
	m.session.Status = domain.StatusAuthenticating
	s := snapshot(m.session)
	m.mu.Unlock()
	m.events.Publish(events.Event{Type: events.TypeSession, Session: &s})
	return prev
}

func (m *Manager) abortAuthenticating(prev domain.Status) {
	m.mu.Lock()
	if m.session.Status != domain.StatusAuthenticating {
		// Cleared while the sign-in was in flight.
		m.mu.Unlock()
		return
	}
	m.session.Status = prev
	s := snapshot(m.session)
	m.mu.Unlock()
	m.events.Publish(events.Event{Type: events.TypeSession, Session: &s})
}

// Logout invalidates the server session on a best-effort basis, then clears
// every local credential. The session always ends Unauthenticated; the error
// only reports a failure to erase persisted state.
func (m *Manager) Logout(ctx context.Context) error {
	if m.AccessToken() != "" {
		resp, err := m.pipeline.Send(ctx, transport.Request{
			Method:  http.MethodPost,
			Path:    "/api/auth/logout",
			NoRetry: true,
		})
		switch {
		case err != nil:
			m.logger.Warn("logout request failed, clearing locally", "error", err)
		case !resp.OK():
			m.logger.Warn("backend rejected logout, clearing locally", "status", resp.StatusCode)
		}
	}
	return m.clear(ctx)
}

// RefreshOnce implements transport.Authenticator. Concurrent callers share one
// refresh call. A caller whose stale token has already been replaced gets the
// current token without another refresh. A failed refresh ends the session; a
// caller whose own ctx ends first gets a network error and the refresh carries on.
func (m *Manager) RefreshOnce(ctx context.Context, staleToken string) (string, error) {
	m.mu.RLock()
	current, status := m.session.AccessToken, m.session.Status
	m.mu.RUnlock()

	if current != "" && current != staleToken {
		return current, nil
	}
	if status == domain.StatusUnauthenticated {
		return "", fmt.Errorf("refresh: no session: %w", domain.ErrAuth)
	}

	detached := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(refreshKey, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(detached, m.refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx, staleToken)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("refresh: %w: %w", domain.ErrNetwork, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context, staleToken string) (string, error) {
	// A flight that finished between the caller's check and this one already
	// produced a usable token.
	if current := m.AccessToken(); current != "" && current != staleToken {
		return current, nil
	}

	resp, err := m.pipeline.Send(ctx, transport.Request{Method: http.MethodPost, Path: "/api/auth/refresh", Refresh: true})
	if err == nil {
		err = resp.Err()
	}
	var token string
	if err == nil {
		token, _, err = transport.DecodeAuth(resp.Body)
	}
	if err != nil {
		metrics.Refresh(false)
		m.logger.Info("refresh failed, ending session", "error", err)
		m.end(ctx)
		return "", fmt.Errorf("refresh: %w: %w", domain.ErrAuth, err)
	}

	m.mu.Lock()
	if m.session.Status == domain.StatusUnauthenticated {
		// Logout won the race; do not resurrect the session.
		m.mu.Unlock()
		metrics.Refresh(false)
		return "", fmt.Errorf("refresh: session ended during refresh: %w", domain.ErrAuth)
	}
	m.session.AccessToken = token
	s := snapshot(m.session)
	m.mu.Unlock()

	if err := store.SetJSON(ctx, m.kv, store.KeyAccessToken, token); err != nil {
		m.logger.Warn("failed to persist refreshed credential", "error", err)
	}
	metrics.Refresh(true)
	m.logger.Debug("credential refreshed")
	m.events.Publish(events.Event{Type: events.TypeSession, Session: &s})
	return token, nil
}

// Invalidate implements transport.Authenticator. It ends the session if token is
// still the current credential.
func (m *Manager) Invalidate(ctx context.Context, token string) {
	if token == "" || m.AccessToken() != token {
		return
	}
	m.logger.Info("refreshed credential rejected, ending session")
	m.end(ctx)
}

// end clears a session whose credential cannot be recovered. It outlives ctx so
// persisted credentials are removed even when the caller has given up.
func (m *Manager) end(ctx context.Context) {
	if err := m.clear(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn("failed to clear ended session", "error", err)
	}
}

func (m *Manager) setStatus(token string, status domain.Status) {
	m.mu.Lock()
	m.session.AccessToken = token
	m.session.Status = status
	s := snapshot(m.session)
	m.mu.Unlock()
	m.events.Publish(events.Event{Type: events.TypeSession, Session: &s})
}

func (m *Manager) establish(ctx context.Context, token string, user *domain.User) error {
	u := *user
	m.mu.Lock()
	m.session = domain.Session{AccessToken: token, User: &u, Status: domain.StatusAuthenticated}
	s := snapshot(m.session)
	m.mu.Unlock()
	m.events.Publish(events.Event{Type: events.TypeSession, Session: &s})

	return errors.Join(
		store.SetJSON(ctx, m.kv, store.KeyAccessToken, token),
		store.SetJSON(ctx, m.kv, store.KeyUser, u),
	)
}

// clear drops every credential and returns to Unauthenticated. It is idempotent;
// the hook and subscribers only hear about an actual transition.
func (m *Manager) clear(ctx context.Context) error {
	m.mu.Lock()
	was := m.session.Status
	m.session = domain.Session{Status: domain.StatusUnauthenticated}
	m.mu.Unlock()

	var errs []error
	if err := m.kv.Delete(ctx, store.KeyAccessToken, store.KeyUser); err != nil {
		errs = append(errs, fmt.Errorf("delete credential: %w", err))
	}
	if m.cookies != nil {
		if err := m.cookies.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear refresh cookie: %w", err))
		}
	}

	if was != domain.StatusUnauthenticated {
		m.logger.Info("session cleared")
		s := domain.Session{Status: domain.StatusUnauthenticated}
		m.events.Publish(events.Event{Type: events.TypeSession, Session: &s})
		if h := m.currentHook(); h != nil {
			h.SessionCleared(ctx)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) notifyAuthenticated(ctx context.Context) error {
	h := m.currentHook()
	if h == nil {
		return nil
	}
	if err := h.SessionAuthenticated(ctx); err != nil {
		m.logger.Warn("post-login cart sync failed", "error", err)
		return fmt.Errorf("sync cart after sign-in: %w", err)
	}
	return nil
}
