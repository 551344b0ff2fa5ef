// Package guard restricts outbound media fetches to the upstream's own
// hosting domains. Every URL the cloud hands us is re-checked here before
// the gateway will connect to it, including each hop of a redirect chain.
package guard

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/technosupport/ts-cloudcam/internal/gwerr"
)

// Guard validates destination URLs against a host allowlist.
type Guard struct {
	suffixes []string
}

// New builds a guard from allowlist entries. Entries are matched as exact
// hosts and as dot-separated suffixes, case-insensitively.
func New(allowed []string) *Guard {
	g := &Guard{suffixes: make([]string, 0, len(allowed))}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(a, ".")))
		if a != "" {
			g.suffixes = append(g.suffixes, a)
		}
	}
	return g
}

// Validate parses raw and rejects anything that is not a clean http(s) URL
// pointing at an allowlisted host.
func (g *Guard) Validate(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, gwerr.New(gwerr.KindDestinationRejected, "unparseable destination", err)
	}
	if err := g.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (g *Guard) check(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return gwerr.New(gwerr.KindDestinationRejected,
			fmt.Sprintf("scheme %q not allowed", u.Scheme), nil)
	}
	if u.User != nil {
		return gwerr.New(gwerr.KindDestinationRejected, "userinfo in destination", nil)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return gwerr.New(gwerr.KindDestinationRejected, "empty host", nil)
	}
	for _, suffix := range g.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return nil
		}
	}
	return gwerr.New(gwerr.KindDestinationRejected,
		fmt.Sprintf("host %q not in allowlist", host), nil)
}

// AllowHost reports whether a bare host (no URL) is allowlisted. Used for
// the stream endpoints, which arrive as immis:// addresses rather than
// fetchable URLs.
func (g *Guard) AllowHost(host string) error {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	if host == "" {
		return gwerr.New(gwerr.KindDestinationRejected, "empty host", nil)
	}
	for _, suffix := range g.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return nil
		}
	}
	return gwerr.New(gwerr.KindDestinationRejected,
		fmt.Sprintf("host %q not in allowlist", host), nil)
}

// CheckRedirect is an http.Client hook that re-validates every redirect hop.
func (g *Guard) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("too many redirects")
	}
	return g.check(req.URL)
}
