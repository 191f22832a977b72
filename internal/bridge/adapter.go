// Package bridge speaks the fetch-bridge wire protocol. A bridge is a remote
// service that performs the fetch on the caller's behalf and answers with a
// JSON envelope:
//
//	GET  {address}/get?url=<target>
//	POST {address}/post   {"url": <target>, "payload": <payload>}
//
// and replies 200 with {"content": ..., "text": ..., "html": ..., "json": ...}.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
	"github.com/JakeFAU/egress-fetcher/internal/metrics"
	"github.com/JakeFAU/egress-fetcher/internal/proxy"
	"github.com/JakeFAU/egress-fetcher/internal/transport"
)

const defaultMaxEnvelopeBytes = 32 << 20

// Adapter forwards requests to bridge egress paths.
type Adapter struct {
	cfg      egress.RequestConfig
	maxBytes int64
	logger   *zap.Logger
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithMaxEnvelopeBytes caps the envelope size. Larger envelopes are treated
// as unreadable.
func WithMaxEnvelopeBytes(n int64) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxBytes = n
		}
	}
}

// New builds an Adapter that calls bridges with the given request config.
func New(cfg egress.RequestConfig, logger *zap.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		cfg:      cfg.WithDefaults(),
		maxBytes: defaultMaxEnvelopeBytes,
		logger:   logger.Named("bridge"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type envelope struct {
	Content string `json:"content"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
	JSON    any    `json:"json"`
}

type postBody struct {
	URL     string `json:"url"`
	Payload any    `json:"payload"`
}

// Forward asks the bridge described by candidate to fetch target. A non-200
// bridge status or an unreadable envelope yields *egress.BridgeError;
// transport failures are returned as produced by net/http.
func (a *Adapter) Forward(
	ctx context.Context,
	method egress.Method,
	target string,
	payload any,
	candidate proxy.Descriptor,
	headers http.Header,
) (egress.Response, error) {
	return a.ForwardWithConfig(ctx, a.cfg, method, target, payload, candidate, headers)
}

// ForwardWithConfig is Forward with a per-call request config.
func (a *Adapter) ForwardWithConfig(
	ctx context.Context,
	cfg egress.RequestConfig,
	method egress.Method,
	target string,
	payload any,
	candidate proxy.Descriptor,
	headers http.Header,
) (egress.Response, error) {
	if candidate.Kind() != proxy.KindBridge {
		return egress.Response{}, fmt.Errorf("forward via %s: not a bridge", candidate.Kind())
	}
	req, err := a.buildRequest(ctx, method, target, payload, candidate, headers)
	if err != nil {
		return egress.Response{}, err
	}

	sess, err := transport.Open(cfg, candidate)
	if err != nil {
		return egress.Response{}, fmt.Errorf("open bridge session: %w", err)
	}
	defer sess.Close()

	resp, err := sess.Do(req)
	if err != nil {
		return egress.Response{}, err //nolint:wrapcheck // transport errors surface unchanged
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			a.logger.Debug("Failed to close bridge response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		metrics.ObserveBridgeFailure("status")
		a.logger.Warn("bridge rejected request",
			zap.String("bridge", candidate.Redacted()),
			zap.Int("status", resp.StatusCode),
		)
		return egress.Response{}, &egress.BridgeError{StatusCode: resp.StatusCode}
	}

	env, err := a.decode(resp.Body)
	if err != nil {
		metrics.ObserveBridgeFailure("parse")
		return egress.Response{}, &egress.BridgeError{StatusCode: resp.StatusCode, Err: err}
	}

	return egress.Response{
		StatusCode: resp.StatusCode,
		Headers:    egress.FlattenHeaders(resp.Header),
		Content:    []byte(env.Content),
		Text:       env.Text,
		HTML:       env.HTML,
		JSON:       env.JSON,
	}.Normalize(), nil
}

func (a *Adapter) buildRequest(
	ctx context.Context,
	method egress.Method,
	target string,
	payload any,
	candidate proxy.Descriptor,
	headers http.Header,
) (*http.Request, error) {
	base, err := candidate.URL()
	if err != nil {
		return nil, fmt.Errorf("bridge address: %w", err)
	}

	var req *http.Request
	switch method {
	case egress.MethodGet:
		endpoint := base.JoinPath("get")
		endpoint.RawQuery = url.Values{"url": {target}}.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	case egress.MethodPost:
		body, merr := json.Marshal(postBody{URL: target, Payload: payload})
		if merr != nil {
			return nil, fmt.Errorf("marshal bridge payload: %w", merr)
		}
		endpoint := base.JoinPath("post")
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		return nil, fmt.Errorf("unsupported bridge method %q", method)
	}
	if err != nil {
		return nil, fmt.Errorf("new bridge request: %w", err)
	}
	for key, values := range headers {
		if key == "Content-Type" {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return req, nil
}

func (a *Adapter) decode(body io.Reader) (envelope, error) {
	raw, err := io.ReadAll(io.LimitReader(body, a.maxBytes+1))
	if err != nil {
		return envelope{}, fmt.Errorf("read envelope: %w", err)
	}
	if int64(len(raw)) > a.maxBytes {
		return envelope{}, fmt.Errorf("envelope exceeds %d bytes", a.maxBytes)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
