package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torii/session"
)

const testUA = "Mozilla/5.0 (Linux; Android 14; Pixel 8) Chrome/131.0 Mobile Safari/537.36"

func TestIsExpired(t *testing.T) {
	ttl := 30 * time.Minute
	now := time.Now()

	t.Run("empty cookies always expired", func(t *testing.T) {
		s := session.New(testUA, "example.com")
		assert.True(t, s.IsExpired(ttl, now))
		assert.False(t, s.IsValid(ttl, now))
	})

	t.Run("fresh cookies valid", func(t *testing.T) {
		s := session.New(testUA, "example.com").
			WithCookies(map[string]string{"cf_clearance": "abc"}, true)
		assert.False(t, s.IsExpired(ttl, time.Now()))
		assert.True(t, s.IsValid(ttl, time.Now()))
	})

	t.Run("exactly at the boundary counts as expired", func(t *testing.T) {
		s := session.New(testUA, "example.com").
			WithCookies(map[string]string{"cf_clearance": "abc"}, true)
		boundary := s.CookieAcquiredAt.Add(ttl)
		assert.True(t, s.IsExpired(ttl, boundary))
		assert.False(t, s.IsExpired(ttl, boundary.Add(-time.Second)))
	})
}

func TestWithDomainClearsCookies(t *testing.T) {
	s := session.New(testUA, "example.com").
		WithCookies(map[string]string{"cf_clearance": "abc", "sid": "1"}, true)
	require.NotEmpty(t, s.Cookies)

	moved := s.WithDomain("https://mirror.example/")
	assert.Equal(t, "mirror.example", moved.Domain)
	assert.Empty(t, moved.Cookies)
	assert.True(t, moved.CookieAcquiredAt.IsZero())
	assert.False(t, moved.ViaBrowser)
	assert.Equal(t, testUA, moved.UserAgent)
}

func TestWithCookiesKeepsUserAgent(t *testing.T) {
	s := session.New(testUA, "example.com")
	next := s.WithCookies(map[string]string{"cf_clearance": "xyz"}, true)

	assert.Equal(t, testUA, next.UserAgent)
	assert.Equal(t, "xyz", next.Cookies["cf_clearance"])
	assert.True(t, next.ViaBrowser)
	assert.False(t, next.CookieAcquiredAt.IsZero())
}

func TestWithUserAgentClearsCookies(t *testing.T) {
	s := session.New(testUA, "example.com").
		WithCookies(map[string]string{"cf_clearance": "abc"}, true)

	rotated := s.WithUserAgent("other-ua")
	assert.Equal(t, "other-ua", rotated.UserAgent)
	assert.Empty(t, rotated.Cookies)
}

func TestMergeCookies(t *testing.T) {
	s := session.New(testUA, "example.com").
		WithCookies(map[string]string{"a": "1", "b": "2"}, false)
	before := s.CookieAcquiredAt

	time.Sleep(5 * time.Millisecond)
	merged := s.MergeCookies(map[string]string{"b": "22", "c": "3"})

	assert.Equal(t, "1", merged.Cookies["a"])
	assert.Equal(t, "22", merged.Cookies["b"])
	assert.Equal(t, "3", merged.Cookies["c"])
	assert.True(t, merged.CookieAcquiredAt.After(before))

	// Merging nothing returns the same state.
	same := merged.MergeCookies(nil)
	assert.Equal(t, merged.CookieAcquiredAt, same.CookieAcquiredAt)
}

func TestCookieHeaderSorted(t *testing.T) {
	s := session.New(testUA, "example.com").
		WithCookies(map[string]string{"zeta": "z", "alpha": "a", "mid": "m"}, false)
	assert.Equal(t, "alpha=a; mid=m; zeta=z", s.CookieHeader())

	empty := session.New(testUA, "example.com")
	assert.Equal(t, "", empty.CookieHeader())
}

func TestRequestHeaders(t *testing.T) {
	s := session.New(testUA, "example.com").
		WithCookies(map[string]string{"cf_clearance": "abc"}, true)

	headers := s.RequestHeaders(map[string]string{"Referer": "https://example.com/page"})

	assert.Equal(t, testUA, headers["User-Agent"])
	assert.Equal(t, "https://example.com/page", headers["Referer"], "extra headers override defaults")
	assert.Equal(t, "cf_clearance=abc", headers["Cookie"])
	assert.Equal(t, "?1", headers["sec-ch-ua-mobile"], "mobile Chrome UA gets mobile hints")
	assert.Equal(t, `"Android"`, headers["sec-ch-ua-platform"])

	desktop := session.New("Mozilla/5.0 (Windows NT 10.0) Chrome/131.0 Safari/537.36", "example.com")
	dh := desktop.RequestHeaders(nil)
	assert.Equal(t, "?0", dh["sec-ch-ua-mobile"])
	_, hasCookie := dh["Cookie"]
	assert.False(t, hasCookie, "no Cookie header without cookies")
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"https://www.example.com/":      "example.com",
		"http://example.com/path?q=1":   "example.com",
		"www.example.com":               "example.com",
		"example.com/":                  "example.com",
		"EXAMPLE.com":                   "EXAMPLE.com",
		"127.0.0.1":                     "127.0.0.1",
		"  https://mirror.example.net ": "mirror.example.net",
		"not a host":                    "",
		"":                              "",
	}
	for input, want := range cases {
		assert.Equal(t, want, session.NormalizeHost(input), "input %q", input)
	}
}
