// Package pool holds the configured egress paths and decides which one serves
// the next request.
//
// Selection walks the paths round-robin from a cursor. A path without
// rotation serves one request and passes the turn on. A path with rotation
// enabled keeps the turn until it has been handed out Interval times. Paths
// that fail verification are skipped. When every path fails, the selector
// falls back to a direct connection (or, in strict mode, reports
// egress.ErrNoHealthyPath).
package pool

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
	"github.com/JakeFAU/egress-fetcher/internal/healthcheck"
	"github.com/JakeFAU/egress-fetcher/internal/metrics"
	"github.com/JakeFAU/egress-fetcher/internal/proxy"
)

// Verifier decides whether a candidate is usable.
type Verifier interface {
	Verify(ctx context.Context, candidate proxy.Descriptor, checks []healthcheck.Check) bool
}

// Pool is safe for concurrent use; selections are serialized.
type Pool struct {
	mu       sync.Mutex
	entries  []proxy.Descriptor
	cursor   int
	uses     map[string]int
	checks   []healthcheck.Check
	verifier Verifier
	strict   bool
	logger   *zap.Logger
}

// Option customizes a Pool.
type Option func(*Pool)

// WithChecks sets the checks every candidate must pass.
func WithChecks(checks ...healthcheck.Check) Option {
	return func(p *Pool) { p.checks = slices.Clone(checks) }
}

// WithStrict makes an exhausted scan return egress.ErrNoHealthyPath instead
// of the direct fallback.
func WithStrict(strict bool) Option {
	return func(p *Pool) { p.strict = strict }
}

// New builds a Pool over entries in the given order.
func New(entries []proxy.Descriptor, verifier Verifier, logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		entries:  slices.Clone(entries),
		uses:     make(map[string]int, len(entries)),
		verifier: verifier,
		logger:   logger.Named("pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Len returns the number of configured paths.
func (p *Pool) Len() int {
	return len(p.entries)
}

// SetChecks replaces the verification checks for subsequent selections.
func (p *Pool) SetChecks(checks []healthcheck.Check) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks = slices.Clone(checks)
}

// Checks returns the active verification checks.
func (p *Pool) Checks() []healthcheck.Check {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.checks)
}

// Next returns the path that should serve the next request. It verifies at
// most one candidate per configured path and returns the direct fallback when
// the pool is empty or exhausted.
func (p *Pool) Next(ctx context.Context) (proxy.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	if n == 0 {
		metrics.ObserveFallback("empty")
		metrics.ObserveSelection(proxy.KindDirect.String())
		return proxy.Direct(), nil
	}

	for scanned := 0; scanned < n; scanned++ {
		if err := ctx.Err(); err != nil {
			return proxy.Descriptor{}, err //nolint:wrapcheck // cancellation is terminal
		}
		idx := p.cursor
		current := p.entries[idx]
		key := usageKey(idx, current)

		p.uses[key]++
		if interval, ok := current.RotationThreshold(); ok && p.uses[key] >= interval {
			p.uses[key] = 0
			p.cursor = (idx + 1) % n
			metrics.ObserveRotation()
			p.logger.Debug("rotation interval reached",
				zap.String("egress", current.Redacted()),
				zap.Int("interval", interval),
			)
		}

		if p.verify(ctx, current) {
			if _, sticky := current.RotationThreshold(); !sticky {
				p.cursor = (idx + 1) % n
			}
			metrics.ObserveSelection(current.Kind().String())
			return current, nil
		}

		p.logger.Info("egress path failed verification",
			zap.String("egress", current.Redacted()),
			zap.Stringer("kind", current.Kind()),
		)
		p.cursor = (idx + 1) % n
	}

	if err := ctx.Err(); err != nil {
		return proxy.Descriptor{}, err //nolint:wrapcheck
	}
	metrics.ObserveFallback("exhausted")
	if p.strict {
		p.logger.Warn("no healthy egress path")
		return proxy.Descriptor{}, egress.ErrNoHealthyPath
	}
	p.logger.Warn("no healthy egress path; falling back to direct")
	metrics.ObserveSelection(proxy.KindDirect.String())
	return proxy.Direct(), nil
}

func (p *Pool) verify(ctx context.Context, candidate proxy.Descriptor) bool {
	if p.verifier == nil {
		return true
	}
	return p.verifier.Verify(ctx, candidate, p.checks)
}

// Snapshot is a point-in-time view of the selector state.
type Snapshot struct {
	Cursor  int
	Entries []proxy.Descriptor
	Uses    []int
}

// Snapshot returns a copy of the selector state.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	uses := make([]int, len(p.entries))
	for i, d := range p.entries {
		uses[i] = p.uses[usageKey(i, d)]
	}
	return Snapshot{
		Cursor:  p.cursor,
		Entries: slices.Clone(p.entries),
		Uses:    uses,
	}
}

// usageKey keys counters by address. Direct entries have no address, so
// their position stands in.
func usageKey(idx int, d proxy.Descriptor) string {
	if d.Address() == "" {
		return "#" + d.Kind().String() + "@" + strconv.Itoa(idx)
	}
	return d.Address()
}
