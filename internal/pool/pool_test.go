package pool

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
	"github.com/JakeFAU/egress-fetcher/internal/healthcheck"
	"github.com/JakeFAU/egress-fetcher/internal/proxy"
)

type fakeVerifier struct {
	mu      sync.Mutex
	healthy map[string]bool
	calls   []string
	cancel  context.CancelFunc
}

func (f *fakeVerifier) Verify(_ context.Context, candidate proxy.Descriptor, _ []healthcheck.Check) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, candidate.Address())
	if f.cancel != nil {
		f.cancel()
	}
	ok, known := f.healthy[candidate.Address()]
	return !known || ok
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func mustDescriptor(t *testing.T, addr string, rotation proxy.Rotation) proxy.Descriptor {
	t.Helper()
	d, err := proxy.New(addr, proxy.KindSimple, nil, rotation)
	require.NoError(t, err)
	return d
}

const (
	addrA = "http://a.proxy.test:8080"
	addrB = "http://b.proxy.test:8080"
	addrC = "http://c.proxy.test:8080"
)

func TestNextEmptyPoolReturnsDirect(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{}
	p := New(nil, v, zap.NewNop())
	got, err := p.Next(context.Background())
	require.NoError(t, err)
	require.True(t, got.IsDirect())
	require.Zero(t, v.callCount())
}

func TestNextRoundRobinWithIntervalOne(t *testing.T) {
	t.Parallel()

	rot := proxy.Rotation{Enabled: true, Interval: 1}
	p := New([]proxy.Descriptor{
		mustDescriptor(t, addrA, rot),
		mustDescriptor(t, addrB, rot),
		mustDescriptor(t, addrC, rot),
	}, &fakeVerifier{}, zap.NewNop())

	var got []string
	for i := 0; i < 6; i++ {
		d, err := p.Next(context.Background())
		require.NoError(t, err)
		got = append(got, d.Address())
		require.Equal(t, []int{0, 0, 0}, p.Snapshot().Uses, "counters reset on every rotation")
	}
	require.Equal(t, []string{addrA, addrB, addrC, addrA, addrB, addrC}, got)
}

func TestNextWithoutRotationAdvancesEachCall(t *testing.T) {
	t.Parallel()

	p := New([]proxy.Descriptor{
		mustDescriptor(t, addrA, proxy.Rotation{}),
		mustDescriptor(t, addrB, proxy.Rotation{}),
	}, &fakeVerifier{}, zap.NewNop())

	var got []string
	for i := 0; i < 4; i++ {
		d, err := p.Next(context.Background())
		require.NoError(t, err)
		got = append(got, d.Address())
	}
	require.Equal(t, []string{addrA, addrB, addrA, addrB}, got)
}

func TestNextStickyUntilIntervalReached(t *testing.T) {
	t.Parallel()

	p := New([]proxy.Descriptor{
		mustDescriptor(t, addrA, proxy.Rotation{Enabled: true, Interval: 3}),
		mustDescriptor(t, addrB, proxy.Rotation{}),
	}, &fakeVerifier{}, zap.NewNop())

	var got []string
	for i := 0; i < 5; i++ {
		d, err := p.Next(context.Background())
		require.NoError(t, err)
		got = append(got, d.Address())
	}
	require.Equal(t, []string{addrA, addrA, addrA, addrB, addrA}, got)
	require.Equal(t, 1, p.Snapshot().Uses[0])
}

func TestNextSkipsFailingCandidate(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{healthy: map[string]bool{addrA: false, addrB: true}}
	p := New([]proxy.Descriptor{
		mustDescriptor(t, addrA, proxy.Rotation{}),
		mustDescriptor(t, addrB, proxy.Rotation{}),
	}, v, zap.NewNop())

	d, err := p.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, addrB, d.Address())
	require.Equal(t, 0, p.Snapshot().Cursor)
	require.Equal(t, []string{addrA, addrB}, v.calls)
}

func TestNextSkipsFailingCandidateWithIntervalOne(t *testing.T) {
	t.Parallel()

	rot := proxy.Rotation{Enabled: true, Interval: 1}
	v := &fakeVerifier{healthy: map[string]bool{addrA: false, addrB: true}}
	p := New([]proxy.Descriptor{
		mustDescriptor(t, addrA, rot),
		mustDescriptor(t, addrB, rot),
	}, v, zap.NewNop())

	d, err := p.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, addrB, d.Address())
	require.Equal(t, []string{addrA, addrB}, v.calls)

	snap := p.Snapshot()
	require.Equal(t, 0, snap.Cursor)
	require.Equal(t, []int{0, 0}, snap.Uses)
}

func TestNextTerminatesWhenAllFail(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{healthy: map[string]bool{addrA: false, addrB: false, addrC: false}}
	entries := []proxy.Descriptor{
		mustDescriptor(t, addrA, proxy.Rotation{Enabled: true, Interval: 1}),
		mustDescriptor(t, addrB, proxy.Rotation{}),
		mustDescriptor(t, addrC, proxy.Rotation{Enabled: true, Interval: 2}),
	}
	p := New(entries, v, zap.NewNop(), WithChecks(healthcheck.CheckAlive))

	d, err := p.Next(context.Background())
	require.NoError(t, err)
	require.True(t, d.IsDirect())
	require.Equal(t, len(entries), v.callCount())

	strict := New(entries, &fakeVerifier{healthy: v.healthy}, zap.NewNop(), WithStrict(true))
	_, err = strict.Next(context.Background())
	require.ErrorIs(t, err, egress.ErrNoHealthyPath)
}

func TestNextRotationAndFailureDoNotSkip(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{healthy: map[string]bool{addrA: false, addrB: true}}
	p := New([]proxy.Descriptor{
		mustDescriptor(t, addrA, proxy.Rotation{Enabled: true, Interval: 1}),
		mustDescriptor(t, addrB, proxy.Rotation{}),
		mustDescriptor(t, addrC, proxy.Rotation{}),
	}, v, zap.NewNop())

	d, err := p.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, addrB, d.Address())
	require.Equal(t, 2, p.Snapshot().Cursor)
}

func TestNextHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	v := &fakeVerifier{healthy: map[string]bool{addrA: false, addrB: true}, cancel: cancel}
	p := New([]proxy.Descriptor{
		mustDescriptor(t, addrA, proxy.Rotation{}),
		mustDescriptor(t, addrB, proxy.Rotation{}),
	}, v, zap.NewNop())

	_, err := p.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, v.callCount())
}

func TestNextConcurrentSelectionsAreSerialized(t *testing.T) {
	t.Parallel()

	rot := proxy.Rotation{Enabled: true, Interval: 1}
	p := New([]proxy.Descriptor{
		mustDescriptor(t, addrA, rot),
		mustDescriptor(t, addrB, rot),
	}, &fakeVerifier{}, zap.NewNop())

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[string]int{}
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := p.Next(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			counts[d.Address()]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 25, counts[addrA])
	require.Equal(t, 25, counts[addrB])
}

func TestSetChecks(t *testing.T) {
	t.Parallel()

	p := New(nil, nil, zap.NewNop(), WithChecks(healthcheck.CheckAlive))
	require.Equal(t, []healthcheck.Check{healthcheck.CheckAlive}, p.Checks())
	p.SetChecks([]healthcheck.Check{healthcheck.CheckCloudflare, healthcheck.CheckGeneral})
	require.Equal(t, []healthcheck.Check{healthcheck.CheckCloudflare, healthcheck.CheckGeneral}, p.Checks())
}
