package robots

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
)

// Getter fetches a URL.
type Getter interface {
	Get(ctx context.Context, rawURL string) (egress.Response, error)
}

// GetterFunc adapts a function to Getter.
type GetterFunc func(ctx context.Context, rawURL string) (egress.Response, error)

// Get calls f.
func (f GetterFunc) Get(ctx context.Context, rawURL string) (egress.Response, error) {
	return f(ctx, rawURL)
}

const maxRobotsBytes = 1 << 20

// Interpreter caches robots rules per scheme and host.
type Interpreter struct {
	getter Getter
	agent  string
	cache  sync.Map
	logger *zap.Logger
}

// NewInterpreter builds an Interpreter evaluating rules for agent.
func NewInterpreter(getter Getter, agent string, logger *zap.Logger) *Interpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if agent == "" {
		agent = "*"
	}
	return &Interpreter{getter: getter, agent: agent, logger: logger.Named("robots")}
}

// Allowed reports whether rawURL may be fetched. Unparseable URLs are
// refused; hosts whose robots.txt cannot be fetched are allowed.
func (i *Interpreter) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	rules, err := i.rulesFor(ctx, parsed)
	if err != nil {
		i.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	path := parsed.EscapedPath()
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return rules.Allowed(path)
}

// Rules returns the cached or freshly fetched rules for rawURL's host.
func (i *Interpreter) Rules(ctx context.Context, rawURL string) (*Rules, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	return i.rulesFor(ctx, parsed)
}

func (i *Interpreter) rulesFor(ctx context.Context, parsed *url.URL) (*Rules, error) {
	key := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if cached, ok := i.cache.Load(key); ok {
		rules, assertOK := cached.(*Rules)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", cached)
		}
		return rules, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	resp, err := i.getter.Get(ctx, robotsURL.String())
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	body := resp.Content
	if len(body) > maxRobotsBytes {
		body = body[:maxRobotsBytes]
	}
	if len(body) == 0 && resp.Text != "" {
		body = []byte(resp.Text)
	}
	rules, err := Parse(resp.StatusCode, body, i.agent)
	if err != nil {
		return nil, err
	}
	i.cache.Store(key, rules)
	return rules, nil
}
