// Package connection is the entry point of the fetch layer. A Manager picks
// an egress path for every request, applies the shared header baseline and
// request config, and returns a uniform egress.Response whichever path served
// it.
package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"github.com/JakeFAU/egress-fetcher/internal/bridge"
	"github.com/JakeFAU/egress-fetcher/internal/egress"
	"github.com/JakeFAU/egress-fetcher/internal/healthcheck"
	"github.com/JakeFAU/egress-fetcher/internal/metrics"
	"github.com/JakeFAU/egress-fetcher/internal/proxy"
	"github.com/JakeFAU/egress-fetcher/internal/transport"
)

// ErrInvalidUserAgent is returned by SetUserAgent for unusable values.
var ErrInvalidUserAgent = errors.New("user agent must be a non-empty header value")

// Selector hands out the egress path for the next request.
type Selector interface {
	Next(ctx context.Context) (proxy.Descriptor, error)
}

// BridgeForwarder sends a request through a bridge egress path.
type BridgeForwarder interface {
	ForwardWithConfig(
		ctx context.Context,
		cfg egress.RequestConfig,
		method egress.Method,
		target string,
		payload any,
		candidate proxy.Descriptor,
		headers http.Header,
	) (egress.Response, error)
}

type checkSetter interface {
	SetChecks(checks []healthcheck.Check)
}

// Manager is safe for concurrent use.
type Manager struct {
	selector Selector
	bridge   BridgeForwarder
	cfg      egress.RequestConfig
	limiter  egress.Limiter
	recorder egress.Recorder
	logger   *zap.Logger

	mu        sync.RWMutex
	userAgent string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRequestConfig sets the default request config.
func WithRequestConfig(cfg egress.RequestConfig) Option {
	return func(m *Manager) { m.cfg = cfg.WithDefaults() }
}

// WithBridge replaces the bridge adapter.
func WithBridge(b BridgeForwarder) Option {
	return func(m *Manager) { m.bridge = b }
}

// WithLimiter makes every request wait on l before dispatch.
func WithLimiter(l egress.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithRecorder reports every dispatched fetch to r.
func WithRecorder(r egress.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager builds a Manager over selector.
func NewManager(selector Selector, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		selector: selector,
		cfg:      egress.DefaultRequestConfig(),
		logger:   logger.Named("connection"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bridge == nil {
		m.bridge = bridge.New(m.cfg, logger)
	}
	return m
}

// SetUserAgent overrides the User-Agent sent with subsequent requests.
// Health checks use it too when their pipeline reads UserAgent through
// healthcheck.WithUserAgentFunc.
func (m *Manager) SetUserAgent(ua string) error {
	if strings.TrimSpace(ua) == "" || !httpguts.ValidHeaderFieldValue(ua) {
		return ErrInvalidUserAgent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userAgent = ua
	return nil
}

// ClearUserAgent restores the default User-Agent.
func (m *Manager) ClearUserAgent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userAgent = ""
}

// UserAgent returns the User-Agent currently in effect.
func (m *Manager) UserAgent() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.userAgent == "" {
		return egress.DefaultUserAgent
	}
	return m.userAgent
}

// SetChecks replaces the checks the selector verifies candidates with. It is
// a no-op when the selector does not support checks.
func (m *Manager) SetChecks(checks []healthcheck.Check) {
	if s, ok := m.selector.(checkSetter); ok {
		s.SetChecks(checks)
	}
}

// Headers returns the headers the next request will carry.
func (m *Manager) Headers() http.Header {
	return egress.BaselineHeaders(m.UserAgent())
}

// CallOption adjusts a single request.
type CallOption func(*callOptions)

type callOptions struct {
	cfg    *egress.RequestConfig
	header http.Header
}

// WithCallConfig overrides the request config for one call.
func WithCallConfig(cfg egress.RequestConfig) CallOption {
	return func(o *callOptions) {
		c := cfg.WithDefaults()
		o.cfg = &c
	}
}

// WithHeader sets an extra header for one call, replacing the baseline value
// of the same name.
func WithHeader(key, value string) CallOption {
	return func(o *callOptions) {
		if o.header == nil {
			o.header = http.Header{}
		}
		o.header.Set(key, value)
	}
}

// Get fetches rawURL.
func (m *Manager) Get(ctx context.Context, rawURL string, opts ...CallOption) (egress.Response, error) {
	return m.do(ctx, egress.MethodGet, rawURL, nil, opts)
}

// Post sends payload as JSON to rawURL.
func (m *Manager) Post(ctx context.Context, rawURL string, payload any, opts ...CallOption) (egress.Response, error) {
	return m.do(ctx, egress.MethodPost, rawURL, payload, opts)
}

// Fetch dispatches by method.
func (m *Manager) Fetch(
	ctx context.Context,
	method egress.Method,
	rawURL string,
	payload any,
	opts ...CallOption,
) (egress.Response, error) {
	return m.do(ctx, method, rawURL, payload, opts)
}

func (m *Manager) do(
	ctx context.Context,
	method egress.Method,
	rawURL string,
	payload any,
	opts []CallOption,
) (egress.Response, error) {
	if err := ValidateURL(rawURL); err != nil {
		return egress.Response{}, err
	}
	if method != egress.MethodGet && method != egress.MethodPost {
		return egress.Response{}, fmt.Errorf("unsupported method %q", method)
	}

	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	cfg := m.cfg
	if co.cfg != nil {
		cfg = *co.cfg
	}
	headers := m.Headers()
	for key, values := range co.header {
		headers[key] = append([]string(nil), values...)
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx, rawURL); err != nil {
			return egress.Response{}, fmt.Errorf("wait for rate limit: %w", err)
		}
	}

	candidate, err := m.selector.Next(ctx)
	if err != nil {
		return egress.Response{}, err //nolint:wrapcheck // sentinel and ctx errors surface unchanged
	}

	start := time.Now()
	var resp egress.Response
	switch candidate.Kind() {
	case proxy.KindBridge:
		resp, err = m.bridge.ForwardWithConfig(ctx, cfg, method, rawURL, payload, candidate, headers)
	case proxy.KindDirect, proxy.KindSimple, proxy.KindRotating:
		resp, err = m.fetch(ctx, cfg, method, rawURL, payload, candidate, headers)
	default:
		err = fmt.Errorf("unsupported egress kind %s", candidate.Kind())
	}
	elapsed := time.Since(start)

	metrics.ObserveFetch(candidate.Kind().String(), string(method), resp.StatusCode, elapsed)
	m.record(ctx, egress.FetchRecord{
		URL:        rawURL,
		Method:     method,
		EgressKind: candidate.Kind().String(),
		EgressAddr: candidate.Redacted(),
		StatusCode: resp.StatusCode,
		Duration:   elapsed,
		Body:       resp.Content,
		Err:        err,
		FetchedAt:  start.UTC(),
	})

	if err != nil {
		m.logger.Warn("fetch failed",
			zap.String("url", rawURL),
			zap.String("method", string(method)),
			zap.String("egress", candidate.Redacted()),
			zap.Error(err),
		)
		return egress.Response{}, err
	}
	m.logger.Debug("fetch completed",
		zap.String("url", rawURL),
		zap.String("method", string(method)),
		zap.String("egress", candidate.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed),
	)
	return resp, nil
}

func (m *Manager) fetch(
	ctx context.Context,
	cfg egress.RequestConfig,
	method egress.Method,
	rawURL string,
	payload any,
	candidate proxy.Descriptor,
	headers http.Header,
) (egress.Response, error) {
	sess, err := transport.Open(cfg, candidate)
	if err != nil {
		return egress.Response{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	req, err := newRequest(ctx, method, rawURL, payload)
	if err != nil {
		return egress.Response{}, err
	}
	for key, values := range headers {
		req.Header[key] = values
	}

	resp, err := sess.Do(req)
	if err != nil {
		return egress.Response{}, err //nolint:wrapcheck // transport errors surface unchanged
	}
	return transport.ReadResponse(resp) //nolint:wrapcheck
}

func newRequest(ctx context.Context, method egress.Method, rawURL string, payload any) (*http.Request, error) {
	if method == egress.MethodGet {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		return req, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (m *Manager) record(ctx context.Context, rec egress.FetchRecord) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordFetch(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn("record fetch failed", zap.String("url", rec.URL), zap.Error(err))
	}
}

// ValidateURL rejects anything that is not an absolute http(s) URL with a
// host.
func ValidateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return fmt.Errorf("%w: empty", egress.ErrInvalidURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", egress.ErrInvalidURL, err) //nolint:errorlint
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return fmt.Errorf("%w: missing scheme in %q", egress.ErrInvalidURL, rawURL)
	default:
		return fmt.Errorf("%w: unsupported scheme %q", egress.ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host in %q", egress.ErrInvalidURL, rawURL)
	}
	return nil
}
