package gateway

import (
	"fmt"
	"net/http"
	"time"

	"torii/browser"
	"torii/parser"
	"torii/session"
)

// DefaultUserAgent is a current mobile Chrome UA. Mobile pages are lighter
// and the mobile fingerprint draws less challenge pressure than a desktop
// one with mismatched client hints.
const DefaultUserAgent = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.6778.104 Mobile Safari/537.36"

const (
	defaultRequestTimeout = 30 * time.Second

	headlessSolveTimeout = 30 * time.Second
	visibleSolveTimeout  = 120 * time.Second
)

// Options configures a Gateway for one provider.
type Options struct {
	// Name namespaces persisted state (session_{name}, domain_{name}).
	Name string
	// FallbackDomain is the origin host used when nothing is persisted and
	// the remote config is unreachable.
	FallbackDomain string

	RemoteConfigURL string
	SyncbackURL     string
	ConfigFile      string

	// UserAgent overrides DefaultUserAgent.
	UserAgent string

	// SkipHeadless goes straight to a visible browser for solves.
	SkipHeadless bool
	// BrowserEnabled gates the scripted browser entirely; when false, any
	// challenge is terminal.
	BrowserEnabled bool

	// TrustedDomains are hosts treated as aliases of our origin for URL
	// rewrite and cookie capture. Third-party hosts are never rewritten.
	TrustedDomains []string
	// OriginValidationMarkers let a 403 whose body contains one of these
	// strings pass as success.
	OriginValidationMarkers []string

	// CookieTTL bounds cookie age; zero means session.DefaultCookieTTL.
	CookieTTL time.Duration

	RequestTimeout time.Duration
	// SniffTimeout overrides the per-mode media-sniff timeouts when set.
	SniffTimeout time.Duration

	// MinRequestInterval spaces direct requests against the origin. Zero
	// disables pacing.
	MinRequestInterval time.Duration

	// Parser handles the site's documents; optional, used by the listing
	// helpers only.
	Parser parser.Parser

	// StoreDir redirects persisted state away from the user config dir.
	// Test seam.
	StoreDir string

	// Client and Runner override the uTLS HTTP client and the chromedp
	// engine. Test seams.
	Client *http.Client
	Runner browser.Runner
}

func (o *Options) validate() error {
	if o.Name == "" {
		return fmt.Errorf("gateway: Name is required")
	}
	if session.NormalizeHost(o.FallbackDomain) == "" {
		return fmt.Errorf("gateway: FallbackDomain is required")
	}
	return nil
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.UserAgent == "" {
		out.UserAgent = DefaultUserAgent
	}
	if out.CookieTTL <= 0 {
		out.CookieTTL = session.DefaultCookieTTL
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = defaultRequestTimeout
	}
	return out
}
