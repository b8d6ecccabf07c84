// Package session holds the (User-Agent, cookies, domain) tuple the CDN
// binds clearance to. The three fields travel together: clearance cookies are
// only valid for the UA that solved the challenge and the origin that issued
// them, so every mutation goes through an updater that keeps the tuple
// coherent. State values are immutable; the gateway publishes replacements
// atomically.
package session

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultCookieTTL is how long acquired cookies are trusted before the next
// request re-solves. Cloudflare clearance typically outlives this; 30 minutes
// keeps us well inside the safe window.
const DefaultCookieTTL = 30 * time.Minute

// State is an immutable snapshot of the scraping session.
type State struct {
	UserAgent        string
	Cookies          map[string]string
	Domain           string
	CookieAcquiredAt time.Time
	ViaBrowser       bool
}

// New returns a fresh state with no cookies.
func New(userAgent, domain string) State {
	return State{
		UserAgent: userAgent,
		Domain:    NormalizeHost(domain),
		Cookies:   map[string]string{},
	}
}

// IsExpired reports whether the cookie set can no longer be trusted.
// An empty cookie set is always expired; a set exactly at the TTL boundary
// counts as expired.
func (s State) IsExpired(ttl time.Duration, now time.Time) bool {
	if len(s.Cookies) == 0 {
		return true
	}
	return now.Sub(s.CookieAcquiredAt) >= ttl
}

// IsValid reports whether the session holds usable cookies.
func (s State) IsValid(ttl time.Duration, now time.Time) bool {
	return len(s.Cookies) > 0 && !s.IsExpired(ttl, now)
}

// CookieHeader renders the cookies as a Cookie header value. Names are
// sorted so the output is stable across runs.
func (s State) CookieHeader() string {
	if len(s.Cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.Cookies))
	for name := range s.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, fmt.Sprintf("%s=%s", name, s.Cookies[name]))
	}
	return strings.Join(pairs, "; ")
}

// RequestHeaders builds the full browser-shaped header set for a direct
// request. extra entries override the defaults.
func (s State) RequestHeaders(extra map[string]string) map[string]string {
	headers := map[string]string{
		"User-Agent":                s.UserAgent,
		"Referer":                   fmt.Sprintf("https://%s/", s.Domain),
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.9",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
	}

	// Client hints must agree with the UA or the CDN scores the request down.
	if strings.Contains(s.UserAgent, "Chrome") {
		headers["sec-ch-ua"] = `"Chromium";v="124", "Not_A Brand";v="99"`
		if isMobileUA(s.UserAgent) {
			headers["sec-ch-ua-mobile"] = "?1"
			headers["sec-ch-ua-platform"] = `"Android"`
		} else {
			headers["sec-ch-ua-mobile"] = "?0"
			headers["sec-ch-ua-platform"] = `"Windows"`
		}
	}

	if cookie := s.CookieHeader(); cookie != "" {
		headers["Cookie"] = cookie
	}

	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

// WithCookies replaces the cookie set and stamps the acquisition time.
// The User-Agent is never touched here: clearance is bound to the UA that
// earned it.
func (s State) WithCookies(cookies map[string]string, viaBrowser bool) State {
	next := s
	next.Cookies = copyCookies(cookies)
	next.CookieAcquiredAt = time.Now()
	next.ViaBrowser = viaBrowser
	return next
}

// MergeCookies unions new cookies into the set; new values win.
func (s State) MergeCookies(cookies map[string]string) State {
	if len(cookies) == 0 {
		return s
	}
	next := s
	merged := copyCookies(s.Cookies)
	for k, v := range cookies {
		merged[k] = v
	}
	next.Cookies = merged
	next.CookieAcquiredAt = time.Now()
	return next
}

// WithDomain moves the session to a new origin. Cookies are origin-scoped,
// so they are cleared and the acquisition time is zeroed.
func (s State) WithDomain(domain string) State {
	next := s
	next.Domain = NormalizeHost(domain)
	next.Cookies = map[string]string{}
	next.CookieAcquiredAt = time.Time{}
	next.ViaBrowser = false
	return next
}

// WithUserAgent rotates the UA. Existing cookies were acquired under the old
// UA and are useless, so they go too.
func (s State) WithUserAgent(userAgent string) State {
	next := s
	next.UserAgent = userAgent
	next.Cookies = map[string]string{}
	next.CookieAcquiredAt = time.Time{}
	next.ViaBrowser = false
	return next
}

// Invalidate drops the cookies but keeps UA and domain.
func (s State) Invalidate() State {
	next := s
	next.Cookies = map[string]string{}
	next.CookieAcquiredAt = time.Time{}
	next.ViaBrowser = false
	return next
}

// NormalizeHost strips scheme, path, trailing slash and a leading "www."
// from raw, returning a bare host. Malformed input collapses to "".
func NormalizeHost(raw string) string {
	host := strings.TrimSpace(raw)
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimSuffix(host, "/")
	host = strings.TrimPrefix(host, "www.")
	if strings.ContainsAny(host, " \t") {
		return ""
	}
	return host
}

func isMobileUA(ua string) bool {
	return strings.Contains(ua, "Mobile") || strings.Contains(ua, "Android")
}

func copyCookies(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
