package egress

import "net/http"

// DefaultUserAgent is sent when no override is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// BaselineHeaders returns a fresh copy of the headers sent with every
// request. An empty userAgent selects DefaultUserAgent.
func BaselineHeaders(userAgent string) http.Header {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	h := make(http.Header, 4)
	h.Set("User-Agent", userAgent)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Connection", "keep-alive")
	h.Set("Accept", "*/*")
	return h
}
