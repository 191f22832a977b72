package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/egress-fetcher/internal/api"
	"github.com/JakeFAU/egress-fetcher/internal/config"
	"github.com/JakeFAU/egress-fetcher/internal/connection"
	"github.com/JakeFAU/egress-fetcher/internal/egress"
	"github.com/JakeFAU/egress-fetcher/internal/index"
)

// MockApp mocks the App interface.
type MockApp struct {
	mock.Mock
	fetcher *MockFetcher
	robots  *MockRobots
	indexer *MockIndexer
	cfg     config.Config
	blocked bool
}

func (m *MockApp) Close() { m.Called() }
func (m *MockApp) GetLogger() *zap.Logger { return zap.NewNop() }
func (m *MockApp) GetConfig() config.Config { return m.cfg }
func (m *MockApp) Fetcher() api.Fetcher { return m.fetcher }
func (m *MockApp) Robots() api.RobotsChecker { return m.robots }
func (m *MockApp) Handler() http.Handler { return http.NotFoundHandler() }
func (m *MockApp) Blocked(string) bool { return m.blocked }

func (m *MockApp) Indexer() api.Indexer {
	if m.indexer == nil {
		return nil
	}
	return m.indexer
}

// MockFetcher mocks api.Fetcher.
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(
	ctx context.Context,
	method egress.Method,
	rawURL string,
	payload any,
	_ ...connection.CallOption,
) (egress.Response, error) {
	args := m.Called(ctx, method, rawURL, payload)
	return args.Get(0).(egress.Response), args.Error(1)
}

// MockRobots mocks api.RobotsChecker.
type MockRobots struct {
	mock.Mock
}

func (m *MockRobots) Allowed(ctx context.Context, rawURL string) bool {
	return m.Called(ctx, rawURL).Bool(0)
}

// MockIndexer mocks api.Indexer.
type MockIndexer struct {
	mock.Mock
}

func (m *MockIndexer) IndexResponse(ctx context.Context, rawURL string, resp egress.Response) (int64, error) {
	args := m.Called(ctx, rawURL, resp)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockIndexer) Search(ctx context.Context, word string) ([]index.Hit, error) {
	args := m.Called(ctx, word)
	return args.Get(0).([]index.Hit), args.Error(1)
}

func withMockApp(t *testing.T, m *MockApp) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, config.Config) (App, error) { return m, nil }
	t.Cleanup(func() { newApp = prev })
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFetchCommandPrintsResponse(t *testing.T) {
	fetcher := &MockFetcher{}
	robots := &MockRobots{}
	m := &MockApp{fetcher: fetcher, robots: robots, cfg: config.Config{Robots: config.RobotsConfig{Respect: true}}}
	withMockApp(t, m)

	resp := egress.Response{StatusCode: 200, Text: "hello", Headers: map[string]string{}}
	robots.On("Allowed", mock.Anything, "https://example.com").Return(true).Once()
	fetcher.On("Fetch", mock.Anything, egress.MethodGet, "https://example.com", nil).Return(resp, nil).Once()
	m.On("Close").Return().Once()

	out, err := runRoot(t, "fetch", "https://example.com")
	require.NoError(t, err)

	var decoded egress.Response
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Equal(t, 200, decoded.StatusCode)
	require.Equal(t, "hello", decoded.Text)
	fetcher.AssertExpectations(t)
	robots.AssertExpectations(t)
	m.AssertExpectations(t)
}

func TestFetchCommandPostsPayloadAndIndexes(t *testing.T) {
	fetcher := &MockFetcher{}
	indexer := &MockIndexer{}
	m := &MockApp{fetcher: fetcher, indexer: indexer}
	withMockApp(t, m)

	resp := egress.Response{StatusCode: 201, HTML: "<p>ok</p>"}
	payload := map[string]any{"q": "milk"}
	fetcher.On("Fetch", mock.Anything, egress.MethodPost, "https://example.com/api", payload).Return(resp, nil).Once()
	indexer.On("IndexResponse", mock.Anything, "https://example.com/api", resp).Return(int64(7), nil).Once()
	m.On("Close").Return()

	_, err := runRoot(t, "fetch", "https://example.com/api", "--method", "post", "--payload", `{"q":"milk"}`, "--index")
	require.NoError(t, err)
	fetcher.AssertExpectations(t)
	indexer.AssertExpectations(t)
}

func TestFetchCommandRefusesDisallowedURL(t *testing.T) {
	fetcher := &MockFetcher{}
	robots := &MockRobots{}
	m := &MockApp{fetcher: fetcher, robots: robots, cfg: config.Config{Robots: config.RobotsConfig{Respect: true}}}
	withMockApp(t, m)

	robots.On("Allowed", mock.Anything, "https://example.com/private").Return(false).Once()
	m.On("Close").Return()

	_, err := runRoot(t, "fetch", "https://example.com/private")
	require.ErrorContains(t, err, "disallowed by robots.txt")
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchCommandRefusesBlockedHost(t *testing.T) {
	fetcher := &MockFetcher{}
	m := &MockApp{fetcher: fetcher, blocked: true}
	m.On("Close").Return()
	withMockApp(t, m)

	_, err := runRoot(t, "fetch", "https://tracker.example.com")
	require.ErrorContains(t, err, "host is blocked")
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "bad method", args: []string{"fetch", "https://example.com", "--method", "put"}, want: "unsupported method"},
		{name: "bad payload", args: []string{"fetch", "https://example.com", "--payload", "{"}, want: "parse payload"},
		{name: "index disabled", args: []string{"fetch", "https://example.com", "--index", "--ignore-robots"}, want: "index.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &MockFetcher{}
			fetcher.On("Fetch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Return(egress.Response{StatusCode: 200}, nil)
			m := &MockApp{fetcher: fetcher}
			m.On("Close").Return()
			withMockApp(t, m)

			_, err := runRoot(t, tt.args...)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestFetchCommandWrapsFetchError(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, egress.MethodGet, "https://example.com", nil).
		Return(egress.Response{}, egress.ErrNoHealthyPath)
	m := &MockApp{fetcher: fetcher}
	m.On("Close").Return()
	withMockApp(t, m)

	_, err := runRoot(t, "fetch", "https://example.com")
	require.ErrorIs(t, err, egress.ErrNoHealthyPath)
}

func TestRootReportsAppInitFailure(t *testing.T) {
	prev := newApp
	newApp = func(context.Context, config.Config) (App, error) { return nil, errors.New("boom") }
	t.Cleanup(func() { newApp = prev })

	_, err := runRoot(t, "fetch", "https://example.com")
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, listener, handler, time.Second, zap.NewNop()) }()

	url := "http://" + listener.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
