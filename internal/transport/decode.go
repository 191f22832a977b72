package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
)

// MaxBodyBytes caps how much of a response body is read into memory.
const MaxBodyBytes = 32 << 20

// ErrBodyTooLarge is returned when a response body is longer than MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

// ReadResponse drains and closes resp.Body and converts it into the uniform
// response shape. Bodies over MaxBodyBytes fail with ErrBodyTooLarge.
func ReadResponse(resp *http.Response) (egress.Response, error) {
	defer resp.Body.Close() //nolint:errcheck // body fully read below
	body, err := readLimited(resp.Body, MaxBodyBytes)
	if err != nil {
		return egress.Response{}, err
	}
	return BuildResponse(resp.StatusCode, resp.Header, body), nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, limit)
	}
	return body, nil
}

// BuildResponse decodes the body to UTF-8 and fills the text, html and json
// views.
func BuildResponse(status int, header http.Header, body []byte) egress.Response {
	contentType := header.Get("Content-Type")
	text := DecodeText(body, contentType)

	out := egress.Response{
		StatusCode: status,
		Headers:    egress.FlattenHeaders(header),
		Content:    body,
		Text:       text,
	}
	if isHTML(contentType, body) {
		out.HTML = text
	}
	if v, ok := decodeJSON(contentType, body); ok {
		out.JSON = v
	}
	return out.Normalize()
}

// DecodeText converts body to UTF-8 using the declared or sniffed charset.
func DecodeText(body []byte, contentType string) string {
	if len(body) == 0 {
		return ""
	}
	enc, _, _ := charset.DetermineEncoding(body, contentType)
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func isHTML(contentType string, body []byte) bool {
	if contentType == "" {
		return strings.HasPrefix(http.DetectContentType(body), "text/html")
	}
	mt := mediaType(contentType)
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func decodeJSON(contentType string, body []byte) (any, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}
	mt := mediaType(contentType)
	looksJSON := trimmed[0] == '{' || trimmed[0] == '['
	if !strings.Contains(mt, "json") && !looksJSON {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, false
	}
	return v, true
}
