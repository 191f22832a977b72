// Package healthcheck verifies that an egress path can actually reach the
// public internet before the selector trusts it with a real request.
package healthcheck

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
)

// Check names one kind of probe.
type Check int

const (
	// CheckAlive confirms the path forwards traffic and echoes an exit IP.
	CheckAlive Check = iota
	// CheckCloudflare confirms the path gets past a Cloudflare challenge page.
	CheckCloudflare
	// CheckGeneral confirms the path can load a large, common site.
	CheckGeneral
)

// DefaultProbeTimeout bounds each probe unless a target overrides it.
const DefaultProbeTimeout = 10 * time.Second

func (c Check) String() string {
	switch c {
	case CheckAlive:
		return "alive"
	case CheckCloudflare:
		return "cloudflare"
	case CheckGeneral:
		return "general"
	default:
		return fmt.Sprintf("check(%d)", int(c))
	}
}

// ParseCheck maps a configuration string onto a Check.
func ParseCheck(raw string) (Check, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "alive":
		return CheckAlive, nil
	case "cloudflare":
		return CheckCloudflare, nil
	case "general":
		return CheckGeneral, nil
	default:
		return 0, fmt.Errorf("unknown proxy check %q", raw)
	}
}

// ParseChecks parses a list of check names.
func ParseChecks(raw []string) ([]Check, error) {
	out := make([]Check, 0, len(raw))
	for _, name := range raw {
		c, err := ParseCheck(name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Target describes the request a probe makes and what a pass looks like.
type Target struct {
	URL     string
	Marker  string
	Timeout time.Duration
	// EchoesIP requires the JSON body to carry an "origin" field listing
	// one or more IP addresses.
	EchoesIP bool
}

// DefaultTargets returns the public probe endpoints.
func DefaultTargets() map[Check]Target {
	return map[Check]Target{
		CheckAlive: {
			URL:      "http://httpbin.org/ip",
			Marker:   "origin",
			Timeout:  DefaultProbeTimeout,
			EchoesIP: true,
		},
		CheckCloudflare: {
			URL:     "https://nowsecure.nl",
			Marker:  "<title>nowsecure.nl</title>",
			Timeout: DefaultProbeTimeout,
		},
		CheckGeneral: {
			URL:     "https://wikipedia.org",
			Marker:  "<title>Wikipedia</title>",
			Timeout: DefaultProbeTimeout,
		},
	}
}

// Passes reports whether resp satisfies the target.
func (t Target) Passes(resp egress.Response) bool {
	if !resp.OK() {
		return false
	}
	body := bodyOf(resp)
	if t.Marker != "" && !strings.Contains(body, t.Marker) {
		return false
	}
	if t.EchoesIP {
		return echoesIP(resp, body)
	}
	return true
}

func bodyOf(resp egress.Response) string {
	switch {
	case resp.Text != "":
		return resp.Text
	case resp.HTML != "":
		return resp.HTML
	default:
		return string(resp.Content)
	}
}

func echoesIP(resp egress.Response, body string) bool {
	doc, ok := resp.JSON.(map[string]any)
	if !ok || len(doc) == 0 {
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return false
		}
	}
	origin, ok := doc["origin"].(string)
	if !ok || strings.TrimSpace(origin) == "" {
		return false
	}
	for _, part := range strings.Split(origin, ",") {
		if net.ParseIP(strings.TrimSpace(part)) == nil {
			return false
		}
	}
	return true
}
