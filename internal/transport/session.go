// Package transport builds the per-fetch HTTP session for an egress path.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
	"github.com/JakeFAU/egress-fetcher/internal/metrics"
	"github.com/JakeFAU/egress-fetcher/internal/proxy"
)

// ErrTooManyRedirects is returned when a redirect chain exceeds the cap.
var ErrTooManyRedirects = errors.New("stopped after too many redirects")

// Session is a short-lived HTTP client routed through one egress path.
// Callers must Close it when the fetch is done.
type Session struct {
	client    *http.Client
	transport *http.Transport
}

// Open builds a session for the candidate. Bridge candidates get a direct
// session because the bridge itself is the destination.
func Open(cfg egress.RequestConfig, candidate proxy.Descriptor) (*Session, error) {
	cfg = cfg.WithDefaults()
	tr := newHTTPTransport(cfg)

	switch candidate.Kind() {
	case proxy.KindDirect, proxy.KindBridge:
	case proxy.KindSimple, proxy.KindRotating:
		if err := routeThrough(tr, candidate); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported egress kind %s", candidate.Kind())
	}

	client := &http.Client{
		Transport:     &instrumentedTransport{base: tr, kind: candidate.Kind().String()},
		Timeout:       cfg.Timeout,
		CheckRedirect: redirectPolicy(cfg),
	}
	return &Session{client: client, transport: tr}, nil
}

// Client exposes the underlying client.
func (s *Session) Client() *http.Client {
	return s.client
}

// Do sends the request.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	return s.client.Do(req) //nolint:wrapcheck // transport errors are surfaced unchanged
}

// Close drops every pooled connection held by the session.
func (s *Session) Close() {
	if s == nil || s.transport == nil {
		return
	}
	s.transport.CloseIdleConnections()
}

func newHTTPTransport(cfg egress.RequestConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifyTLS, //nolint:gosec // operator opt-out
			MinVersion:         tls.VersionTLS12,
		},
	}
}

func routeThrough(tr *http.Transport, candidate proxy.Descriptor) error {
	u, err := candidate.URL()
	if err != nil {
		return err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		tr.Proxy = http.ProxyURL(u)
		return nil
	case "socks5", "socks5h":
		forward := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		dialer, err := xproxy.FromURL(u, forward)
		if err != nil {
			return fmt.Errorf("build socks dialer: %w", err)
		}
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			tr.DialContext = cd.DialContext
			return nil
		}
		tr.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr) //nolint:wrapcheck
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", proxy.ErrUnsupportedScheme, u.Scheme)
	}
}

func redirectPolicy(cfg egress.RequestConfig) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if !cfg.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) > cfg.MaxRedirects {
			return fmt.Errorf("%w (%d)", ErrTooManyRedirects, cfg.MaxRedirects)
		}
		return nil
	}
}

type instrumentedTransport struct {
	base http.RoundTripper
	kind string
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if isTimeout(err) {
			metrics.ObserveUpstreamTimeout(t.kind)
		}
		return nil, err //nolint:wrapcheck // http.Client wraps in *url.Error
	}
	return resp, nil
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
