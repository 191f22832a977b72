package transport

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildResponseHTML(t *testing.T) {
	t.Parallel()

	body := []byte("<html><head><title>x</title></head><body>hi</body></html>")
	out := BuildResponse(http.StatusOK, http.Header{"Content-Type": {"text/html; charset=utf-8"}}, body)
	require.Equal(t, string(body), out.Text)
	require.Equal(t, out.Text, out.HTML)
	require.Equal(t, map[string]any{}, out.JSON)
	require.Equal(t, "text/html; charset=utf-8", out.Headers["Content-Type"])
}

func TestBuildResponseJSON(t *testing.T) {
	t.Parallel()

	out := BuildResponse(http.StatusOK, http.Header{"Content-Type": {"application/json"}}, []byte(`{"origin":"1.2.3.4"}`))
	require.Empty(t, out.HTML)
	require.Equal(t, map[string]any{"origin": "1.2.3.4"}, out.JSON)
}

func TestBuildResponseLatin1(t *testing.T) {
	t.Parallel()

	body := []byte{'c', 'a', 'f', 0xe9}
	out := BuildResponse(http.StatusOK, http.Header{"Content-Type": {"text/plain; charset=iso-8859-1"}}, body)
	require.Equal(t, "café", out.Text)
	require.Empty(t, out.HTML)
}

func TestBuildResponseEmptyBody(t *testing.T) {
	t.Parallel()

	out := BuildResponse(http.StatusNoContent, http.Header{}, nil)
	require.Equal(t, []byte{}, out.Content)
	require.Equal(t, "", out.Text)
	require.NotNil(t, out.Headers)
	require.Equal(t, map[string]any{}, out.JSON)
}

func TestBuildResponseInvalidJSONFallsBackToEmptyMap(t *testing.T) {
	t.Parallel()

	out := BuildResponse(http.StatusOK, http.Header{"Content-Type": {"application/json"}}, []byte(`{broken`))
	require.Equal(t, map[string]any{}, out.JSON)
	require.Equal(t, "{broken", out.Text)
}

func TestReadLimitedRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	body, err := readLimited(strings.NewReader("12345678"), 8)
	require.NoError(t, err)
	require.Equal(t, "12345678", string(body))

	_, err = readLimited(strings.NewReader("123456789"), 8)
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestReadResponseRejectsBodyOverCap(t *testing.T) {
	t.Parallel()

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/octet-stream"}},
		Body:       io.NopCloser(io.LimitReader(zeroReader{}, MaxBodyBytes+1)),
	}
	_, err := ReadResponse(resp)
	require.ErrorIs(t, err, ErrBodyTooLarge)

	resp = &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(bytes.NewReader([]byte("ok"))),
	}
	out, err := ReadResponse(resp)
	require.NoError(t, err)
	require.Equal(t, "ok", out.Text)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
