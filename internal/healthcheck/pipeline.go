package healthcheck

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
	"github.com/JakeFAU/egress-fetcher/internal/metrics"
	"github.com/JakeFAU/egress-fetcher/internal/proxy"
	"github.com/JakeFAU/egress-fetcher/internal/transport"
)

// Forwarder sends a request through a bridge egress path.
type Forwarder interface {
	Forward(
		ctx context.Context,
		method egress.Method,
		target string,
		payload any,
		candidate proxy.Descriptor,
		headers http.Header,
	) (egress.Response, error)
}

// Pipeline runs the configured probes against a candidate path.
type Pipeline struct {
	targets map[Check]Target
	cfg     egress.RequestConfig
	bridge    Forwarder
	userAgent func() string
	logger    *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithTargets replaces the probe endpoints for the given checks.
func WithTargets(targets map[Check]Target) Option {
	return func(p *Pipeline) {
		for c, t := range targets {
			p.targets[c] = t
		}
	}
}

// WithTimeout sets the per-probe timeout on every target.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d <= 0 {
			return
		}
		for c, t := range p.targets {
			t.Timeout = d
			p.targets[c] = t
		}
	}
}

// WithRequestConfig sets the session config used for probing.
func WithRequestConfig(cfg egress.RequestConfig) Option {
	return func(p *Pipeline) { p.cfg = cfg.WithDefaults() }
}

// WithBridge routes probes for bridge candidates through f.
func WithBridge(f Forwarder) Option {
	return func(p *Pipeline) { p.bridge = f }
}

// WithUserAgent sets a fixed User-Agent sent with probes.
func WithUserAgent(ua string) Option {
	return WithUserAgentFunc(func() string { return ua })
}

// WithUserAgentFunc calls fn for the User-Agent of every check request, so
// checks follow a value that changes at runtime.
func WithUserAgentFunc(fn func() string) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.userAgent = fn
		}
	}
}

// NewPipeline builds a Pipeline with the public probe targets.
func NewPipeline(logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		targets:   DefaultTargets(),
		cfg:       egress.DefaultRequestConfig(),
		userAgent: func() string { return "" },
		logger:    logger.Named("healthcheck"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) headers() http.Header {
	return egress.BaselineHeaders(p.userAgent())
}

// Verify runs every check against candidate concurrently and reports whether
// all of them passed. Direct candidates and an empty check list pass without
// any network activity. Probe failures of any kind count as a fail; Verify
// never returns an error and never retries.
func (p *Pipeline) Verify(ctx context.Context, candidate proxy.Descriptor, checks []Check) bool {
	if len(checks) == 0 || candidate.IsDirect() {
		return true
	}

	var sess *transport.Session
	if candidate.Kind() != proxy.KindBridge {
		var err error
		sess, err = transport.Open(p.cfg, candidate)
		if err != nil {
			p.logger.Warn("probe session unavailable",
				zap.String("egress", candidate.Redacted()),
				zap.Error(err),
			)
			return false
		}
		defer sess.Close()
	}

	results := make([]bool, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		target, ok := p.targets[check]
		if !ok {
			results[i] = true
			continue
		}
		g.Go(func() error {
			results[i] = p.probe(ctx, sess, candidate, check, target)
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

func (p *Pipeline) probe(
	ctx context.Context,
	sess *transport.Session,
	candidate proxy.Descriptor,
	check Check,
	target Target,
) (passed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("probe panicked",
				zap.Stringer("check", check),
				zap.String("egress", candidate.Redacted()),
				zap.Any("panic", rec),
			)
			passed = false
		}
		metrics.ObserveProbe(check.String(), passed)
	}()

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.fetch(ctx, sess, candidate, target.URL)
	if err != nil {
		p.logger.Debug("probe failed",
			zap.Stringer("check", check),
			zap.String("egress", candidate.Redacted()),
			zap.Error(err),
		)
		return false
	}
	passed = target.Passes(resp)
	p.logger.Debug("probe finished",
		zap.Stringer("check", check),
		zap.String("egress", candidate.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.Bool("passed", passed),
	)
	return passed
}

func (p *Pipeline) fetch(
	ctx context.Context,
	sess *transport.Session,
	candidate proxy.Descriptor,
	url string,
) (egress.Response, error) {
	if candidate.Kind() == proxy.KindBridge {
		if p.bridge == nil {
			return egress.Response{}, fmt.Errorf("no bridge adapter for %s", candidate.Redacted())
		}
		return p.bridge.Forward(ctx, egress.MethodGet, url, nil, candidate, p.headers()) //nolint:wrapcheck
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return egress.Response{}, fmt.Errorf("new probe request: %w", err)
	}
	req.Header = p.headers()
	resp, err := sess.Do(req)
	if err != nil {
		return egress.Response{}, err //nolint:wrapcheck
	}
	return transport.ReadResponse(resp) //nolint:wrapcheck
}
