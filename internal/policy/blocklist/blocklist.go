// Package blocklist refuses fetches to configured hosts before any egress
// path is selected.
package blocklist

import (
	"net/url"
	"slices"
	"strings"
)

// List stores exact hosts and suffix wildcards. A nil *List blocks nothing.
type List struct {
	exact    map[string]struct{}
	suffixes []string
}

// New builds a List from patterns. "example.org" blocks that host only;
// "*.example.org" and ".example.org" block the domain and every subdomain.
// It returns nil when no usable pattern is given.
func New(patterns []string) *List {
	l := &List{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			l.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			l.addSuffix(strings.TrimPrefix(value, "."))
		default:
			l.exact[value] = struct{}{}
		}
	}
	if len(l.exact) == 0 && len(l.suffixes) == 0 {
		return nil
	}
	return l
}

func (l *List) addSuffix(suffix string) {
	if suffix == "" || slices.Contains(l.suffixes, suffix) {
		return
	}
	l.suffixes = append(l.suffixes, suffix)
}

// Blocked reports whether host (without port) matches the list.
func (l *List) Blocked(host string) bool {
	if l == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, ok := l.exact[host]; ok {
		return true
	}
	for _, suffix := range l.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// BlockedURL reports whether the host of rawURL matches the list.
// Unparseable URLs are left to URL validation and report false.
func (l *List) BlockedURL(rawURL string) bool {
	if l == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return l.Blocked(u.Hostname())
}
