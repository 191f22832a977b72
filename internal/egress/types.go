package egress

import (
	"net/http"
	"strings"
	"time"
)

// Method enumerates the request verbs the fetch layer exposes.
type Method string

const (
	// MethodGet issues a GET to the target.
	MethodGet Method = http.MethodGet
	// MethodPost issues a POST with a JSON body to the target.
	MethodPost Method = http.MethodPost
)

// ParseMethod maps a case-insensitive verb onto a Method.
func ParseMethod(raw string) (Method, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", http.MethodGet:
		return MethodGet, true
	case http.MethodPost:
		return MethodPost, true
	default:
		return "", false
	}
}

// Default request configuration values.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRedirects = 10
)

// RequestConfig carries the transport knobs applied to one fetch.
type RequestConfig struct {
	Timeout         time.Duration
	VerifyTLS       bool
	FollowRedirects bool
	MaxRedirects    int
}

// DefaultRequestConfig returns the configuration used when nothing is set.
func DefaultRequestConfig() RequestConfig {
	return RequestConfig{
		Timeout:         DefaultTimeout,
		VerifyTLS:       true,
		FollowRedirects: true,
		MaxRedirects:    DefaultMaxRedirects,
	}
}

// WithDefaults fills zero-valued durations and limits from the defaults.
// Booleans are taken as given.
func (c RequestConfig) WithDefaults() RequestConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRedirects < 0 {
		c.MaxRedirects = 0
	}
	return c
}

// Response is the uniform result of a fetch regardless of which egress path
// served it. Normalize guarantees every field is non-nil.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Content    []byte            `json:"content"`
	Text       string            `json:"text"`
	HTML       string            `json:"html"`
	JSON       any               `json:"json"`
}

// Normalize replaces nil fields with their empty values.
func (r Response) Normalize() Response {
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	if r.Content == nil {
		r.Content = []byte{}
	}
	if r.JSON == nil {
		r.JSON = map[string]any{}
	}
	return r
}

// OK reports whether the status code is in the 2xx range.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// FlattenHeaders collapses multi-valued headers into comma-joined strings.
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		out[key] = strings.Join(values, ", ")
	}
	return out
}
