// Package robots interprets robots.txt directives for the fetch layer's
// callers. It fetches through any Getter, normally the connection manager, so
// robots requests take the same egress paths as page requests.
package robots

import (
	"fmt"
	"slices"
	"time"

	"github.com/temoto/robotstxt"
)

// Rules are the parsed directives of one robots.txt as seen by one agent.
type Rules struct {
	data  *robotstxt.RobotsData
	group *robotstxt.Group
}

// Parse interprets a robots.txt response. Per robotstxt semantics a 4xx
// status allows everything and a 5xx status disallows everything.
func Parse(status int, body []byte, agent string) (*Rules, error) {
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return &Rules{data: data, group: data.FindGroup(agent)}, nil
}

// Allowed reports whether path may be fetched.
func (r *Rules) Allowed(path string) bool {
	if r == nil || r.group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return r.group.Test(path)
}

// CrawlDelay returns the delay requested for the agent, or zero.
func (r *Rules) CrawlDelay() time.Duration {
	if r == nil || r.group == nil {
		return 0
	}
	return r.group.CrawlDelay
}

// Sitemaps returns the sitemap URLs listed in the file.
func (r *Rules) Sitemaps() []string {
	if r == nil || r.data == nil {
		return nil
	}
	return slices.Clone(r.data.Sitemaps)
}
