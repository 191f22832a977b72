package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
	"github.com/JakeFAU/egress-fetcher/internal/proxy"
)

func TestOpenDirectSessionFetches(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	sess, err := Open(egress.DefaultRequestConfig(), proxy.Direct())
	require.NoError(t, err)
	defer sess.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := sess.Do(req)
	require.NoError(t, err)
	out, err := ReadResponse(resp)
	require.NoError(t, err)
	require.Equal(t, "hello", out.Text)
}

func TestOpenSimpleProxyRoutesThroughProxy(t *testing.T) {
	t.Parallel()

	var seen atomic.Value
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A forward proxy receives the absolute target URL.
		seen.Store(r.URL.String())
		fmt.Fprint(w, "via proxy")
	}))
	defer proxySrv.Close()

	candidate, err := proxy.New(proxySrv.URL, proxy.KindSimple, nil, proxy.Rotation{})
	require.NoError(t, err)
	sess, err := Open(egress.DefaultRequestConfig(), candidate)
	require.NoError(t, err)
	defer sess.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://target.invalid/page", nil)
	require.NoError(t, err)
	resp, err := sess.Do(req)
	require.NoError(t, err)
	out, err := ReadResponse(resp)
	require.NoError(t, err)
	require.Equal(t, "via proxy", out.Text)
	require.Equal(t, "http://target.invalid/page", seen.Load())
}

func TestOpenSocksProxyBuildsDialer(t *testing.T) {
	t.Parallel()

	candidate, err := proxy.New("socks5://127.0.0.1:1080", proxy.KindSimple, nil, proxy.Rotation{})
	require.NoError(t, err)
	sess, err := Open(egress.DefaultRequestConfig(), candidate)
	require.NoError(t, err)
	defer sess.Close()
	require.Nil(t, sess.transport.Proxy)
	require.NotNil(t, sess.transport.DialContext)
}

func TestRedirectPolicy(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		http.Redirect(w, r, fmt.Sprintf("%s/hop/%d", srv.URL, n), http.StatusFound)
	}))
	defer srv.Close()

	noFollow := egress.DefaultRequestConfig()
	noFollow.FollowRedirects = false
	sess, err := Open(noFollow, proxy.Direct())
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := sess.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
	sess.Close()

	capped := egress.DefaultRequestConfig()
	capped.MaxRedirects = 2
	sess, err = Open(capped, proxy.Direct())
	require.NoError(t, err)
	defer sess.Close()
	req, err = http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = sess.Do(req)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTooManyRedirects))
}

func TestSessionTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := egress.DefaultRequestConfig()
	cfg.Timeout = 50 * time.Millisecond
	sess, err := Open(cfg, proxy.Direct())
	require.NoError(t, err)
	defer sess.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = sess.Do(req)
	require.Error(t, err)
}
