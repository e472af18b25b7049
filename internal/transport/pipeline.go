// Package transport implements the request pipeline every backend call goes through.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/storefront-core/internal/domain"
	"github.com/ashureev/storefront-core/internal/metrics"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries a per-attempt id for backend log correlation.
	RequestIDHeader = "X-Request-ID"

	maxResponseBytes = 4 << 20
)

// Authenticator supplies the current credential and recovers an expired one.
// It is implemented by the session manager.
type Authenticator interface {
	// AccessToken returns the current access token, or "" when none is held.
	AccessToken() string

	// RefreshOnce obtains a new access token. staleToken is the token the caller
	// was rejected with; implementations use it to avoid refreshing twice.
	RefreshOnce(ctx context.Context, staleToken string) (string, error)

	// Invalidate ends the session held under token. The pipeline calls it when
	// the backend rejects a freshly refreshed credential.
	Invalidate(ctx context.Context, token string)
}

// Request describes one outbound backend call.
type Request struct {
	Method string
	Path   string
	Body   any

	// Refresh marks the refresh call itself. It carries no Authorization header
	// and an unauthorized answer never triggers another refresh.
	Refresh bool

	// NoRetry returns unauthorized answers to the caller without refreshing.
	NoRetry bool
}

// Response is a fully-read backend answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Err converts a non-2xx answer into a classified error.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return domain.NewRemoteError(r.StatusCode, errorMessage(r.Body))
}

// Pipeline dispatches requests with credential attachment and one-shot recovery
// from an expired credential.
type Pipeline struct {
	base   *url.URL
	client *http.Client
	logger *slog.Logger

	mu   sync.RWMutex
	auth Authenticator
}

// New creates a pipeline for the backend at baseURL.
func New(baseURL string, client *http.Client, logger *slog.Logger) (*Pipeline, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https: %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{base: u, client: client, logger: logger}, nil
}

// SetAuthenticator installs the credential source. It must be called before the
// first authenticated request.
func (p *Pipeline) SetAuthenticator(a Authenticator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.auth = a
}

// BaseURL returns the backend root the pipeline dispatches to.
func (p *Pipeline) BaseURL() *url.URL {
	u := *p.base
	return &u
}

func (p *Pipeline) authenticator() Authenticator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.auth
}

// Send dispatches req. An unauthorized answer to anything but the refresh call
// triggers one refresh and exactly one replay; a second unauthorized answer, or a
// failed refresh, is reported as domain.ErrAuth. A second unauthorized answer also
// invalidates the session. Other statuses are returned as-is.
func (p *Pipeline) Send(ctx context.Context, req Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	auth := p.authenticator()
	token := ""
	if auth != nil && !req.Refresh {
		token = auth.AccessToken()
	}

	resp, err := p.dispatch(ctx, req, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || req.Refresh || req.NoRetry || auth == nil {
		return resp, nil
	}

	p.logger.Debug("backend rejected credential, refreshing", "method", req.Method, "path", req.Path)
	fresh, err := auth.RefreshOnce(ctx, token)
	if err != nil {
		if !domain.IsAuth(err) && !domain.IsNetwork(err) {
			err = fmt.Errorf("%w: %w", domain.ErrAuth, err)
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}

	metrics.AuthRetry()
	resp, err = p.dispatch(ctx, req, body, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		p.logger.Warn("credential rejected after refresh", "method", req.Method, "path", req.Path)
		auth.Invalidate(ctx, fresh)
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, resp.Err())
	}
	return resp, nil
}

// Do sends req, converts non-2xx answers into errors and decodes the body into out
// when out is non-nil.
func (p *Pipeline) Do(ctx context.Context, req Request, out any) error {
	resp, err := p.Send(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", req.Method, req.Path, err)
	}
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, req Request, body []byte, token string) (*Response, error) {
	target := p.base.JoinPath(req.Path)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(RequestIDHeader, uuid.NewString())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		metrics.ObserveRequest(req.Method, 0, time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w: %w", req.Method, req.Path, domain.ErrNetwork, ctxErr)
		}
		return nil, fmt.Errorf("%s %s: %w: %w", req.Method, req.Path, domain.ErrNetwork, err)
	}
	defer func() {
		if closeErr := httpResp.Body.Close(); closeErr != nil {
			p.logger.Debug("failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	metrics.ObserveRequest(req.Method, httpResp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w: %w", req.Method, req.Path, domain.ErrNetwork, err)
	}

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

func encodeBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Join(domain.ErrValidation, fmt.Errorf("encode request body: %w", err))
	}
	return data, nil
}
