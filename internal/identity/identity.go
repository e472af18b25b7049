// Package identity holds the transport-managed refresh credential.
//
// The backend issues the refresh credential as an HTTP cookie. Jar keeps it in a
// standard cookie jar for the http.Client and mirrors it into the durable
// key-value area so silent re-authentication survives a restart.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/ashureev/storefront-core/internal/store"
	"golang.org/x/net/publicsuffix"
)

const persistTimeout = 5 * time.Second

// storedCookie is the persisted form of a cookie. net/http.Cookie drops
// attributes on Cookies(), so the values seen in SetCookies are kept instead.
type storedCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path,omitempty"`
	Domain   string    `json:"domain,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"httpOnly,omitempty"`
}

func (c storedCookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && now.After(c.Expires)
}

func (c storedCookie) toHTTP() *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  c.Expires,
		Secure:   c.Secure,
		HttpOnly: c.HttpOnly,
	}
}

// Jar is an http.CookieJar whose cookies for the backend origin are persisted.
type Jar struct {
	kv      store.Store
	backend *url.URL
	logger  *slog.Logger

	mu      sync.Mutex
	jar     *cookiejar.Jar
	cookies map[string]storedCookie
}

// NewJar creates a jar for backend and restores any persisted cookies.
func NewJar(ctx context.Context, kv store.Store, backend *url.URL, logger *slog.Logger) (*Jar, error) {
	if logger == nil {
		logger = slog.Default()
	}
	inner, err := newInner()
	if err != nil {
		return nil, err
	}
	j := &Jar{
		kv:      kv,
		backend: backend,
		logger:  logger,
		jar:     inner,
		cookies: make(map[string]storedCookie),
	}

	var saved []storedCookie
	if _, err := store.GetJSON(ctx, kv, store.KeyRefreshCookies, &saved); err != nil {
		return nil, fmt.Errorf("load refresh cookies: %w", err)
	}
	now := time.Now()
	restored := make([]*http.Cookie, 0, len(saved))
	for _, c := range saved {
		if c.expired(now) {
			continue
		}
		j.cookies[c.Name] = c
		restored = append(restored, c.toHTTP())
	}
	if len(restored) > 0 {
		j.jar.SetCookies(backend, restored)
		logger.Debug("restored refresh cookies", "count", len(restored))
	}
	return j, nil
}

func newInner() (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return jar, nil
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	j.jar.SetCookies(u, cookies)
	if u.Host != j.backend.Host {
		j.mu.Unlock()
		return
	}
	now := time.Now()
	for _, c := range cookies {
		sc := storedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}
		if c.MaxAge > 0 {
			sc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		if c.MaxAge < 0 || c.Value == "" || sc.expired(now) {
			delete(j.cookies, c.Name)
			continue
		}
		j.cookies[c.Name] = sc
	}
	snapshot := j.snapshotLocked()
	j.mu.Unlock()

	j.persist(snapshot)
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jar.Cookies(u)
}

// Clear drops every cookie, in memory and on disk.
func (j *Jar) Clear(ctx context.Context) error {
	inner, err := newInner()
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.jar = inner
	j.cookies = make(map[string]storedCookie)
	j.mu.Unlock()

	if err := j.kv.Delete(ctx, store.KeyRefreshCookies); err != nil {
		return fmt.Errorf("delete refresh cookies: %w", err)
	}
	return nil
}

// Len returns the number of backend cookies held.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.cookies)
}

func (j *Jar) snapshotLocked() []storedCookie {
	out := make([]storedCookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		out = append(out, c)
	}
	return out
}

// persist runs inside http.Client's response handling, which has no error path,
// so failures are logged.
func (j *Jar) persist(cookies []storedCookie) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	if len(cookies) == 0 {
		err = j.kv.Delete(ctx, store.KeyRefreshCookies)
	} else {
		err = store.SetJSON(ctx, j.kv, store.KeyRefreshCookies, cookies)
	}
	if err != nil {
		j.logger.Warn("failed to persist refresh cookies", "error", err)
	}
}
