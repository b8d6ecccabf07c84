// Package gateway composes the session, domain, challenge-detection, queue
// and browser components into the resilient fetch surface scrapers consume.
// One Gateway serves one provider and is safe for concurrent use.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"torii/browser"
	"torii/cf"
	"torii/domain"
	"torii/parser"
	"torii/queue"
	"torii/session"
	"torii/storage"
)

// Gateway owns the session state for one provider and routes every request
// through challenge detection and per-origin coalescing.
type Gateway struct {
	opts Options

	sessionMu sync.Mutex
	state     session.State

	store   *session.Store
	domains *domain.Manager
	queue   *queue.Queue
	runner  browser.Runner
	client  *http.Client
	limiter *rateLimiter

	initMu      sync.Mutex
	initialized atomic.Bool
}

// GetOptions tunes a single GetDocument call.
type GetOptions struct {
	// CheckDomain adopts a redirect-observed domain change after success.
	CheckDomain bool
	// ExtraHeaders are merged over the session headers.
	ExtraHeaders map[string]string
}

// New builds a Gateway. State is persisted under the user config dir unless
// Options.StoreDir redirects it.
func New(opts Options) (*Gateway, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	dir := opts.StoreDir
	if dir == "" {
		var err error
		dir, err = storage.DefaultDir()
		if err != nil {
			return nil, err
		}
	}

	sessionKV, err := storage.Open(dir, "session_"+opts.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	domainKV, err := storage.Open(dir, "domain_"+opts.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open domain store: %w", err)
	}
	if err := cf.InitDebugLog(dir); err != nil {
		log.Printf("[Gateway:%s] challenge debug log unavailable: %v", opts.Name, err)
	}

	g := &Gateway{
		opts:  opts,
		store: session.NewStore(sessionKV),
		domains: domain.NewManager(domain.Config{
			Provider:        opts.Name,
			ConfigFile:      opts.ConfigFile,
			FallbackDomain:  opts.FallbackDomain,
			RemoteConfigURL: opts.RemoteConfigURL,
			SyncbackURL:     opts.SyncbackURL,
		}, domainKV),
		client:  opts.Client,
		runner:  opts.Runner,
		limiter: newRateLimiter(opts.MinRequestInterval),
	}
	if g.client == nil {
		g.client = newHTTPClient(opts.RequestTimeout)
	}
	if g.runner == nil {
		g.runner = browser.NewEngine()
	}
	g.queue = queue.New(g.solveChallenge, g.onQueueRedirect)
	return g, nil
}

// EnsureInitialized resolves the active domain and loads any persisted
// session. Idempotent and safe from multiple goroutines; only the first call
// does work.
func (g *Gateway) EnsureInitialized(ctx context.Context) {
	g.initMu.Lock()
	defer g.initMu.Unlock()
	if g.initialized.Load() {
		return
	}

	g.domains.EnsureInitialized(ctx)
	current := g.domains.Current()

	state := session.State{UserAgent: g.opts.UserAgent, Domain: current}
	if persisted, ok := g.store.Load(); ok {
		if persisted.Domain == current && !persisted.IsExpired(g.opts.CookieTTL, time.Now()) {
			state = persisted
			log.Printf("[Gateway:%s] restored session: %d cookies, viaBrowser=%v",
				g.opts.Name, len(state.Cookies), state.ViaBrowser)
		} else {
			log.Printf("[Gateway:%s] persisted session stale or off-domain, starting fresh", g.opts.Name)
		}
	}

	g.sessionMu.Lock()
	g.state = state
	g.sessionMu.Unlock()
	g.initialized.Store(true)
	log.Printf("[Gateway:%s] initialized with domain %s", g.opts.Name, current)
}

// Session returns a snapshot of the current session state.
func (g *Gateway) Session() session.State {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	return g.state
}

// updateSession publishes the new state and persists it before releasing the
// lock, so concurrent updates cannot land on disk out of order.
func (g *Gateway) updateSession(fn func(session.State) session.State) session.State {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	next := fn(g.state)
	g.state = next
	g.store.Save(next)
	return next
}

// CurrentDomain returns the active origin host.
func (g *Gateway) CurrentDomain() string {
	return g.domains.Current()
}

// InvalidateSession clears the cookies and persists the cleared state.
func (g *Gateway) InvalidateSession(reason string) {
	log.Printf("[Gateway:%s] invalidating session: %s", g.opts.Name, reason)
	g.updateSession(func(s session.State) session.State {
		return s.Invalidate()
	})
}

// ImageHeaders returns the headers media fetches outside the gateway should
// send so they ride the same clearance as page fetches.
func (g *Gateway) ImageHeaders() map[string]string {
	s := g.Session()
	headers := map[string]string{
		"User-Agent": s.UserAgent,
		"Referer":    fmt.Sprintf("https://%s/", s.Domain),
	}
	if cookie := s.CookieHeader(); cookie != "" {
		headers["Cookie"] = cookie
	}
	return headers
}

// ExecuteDirect performs one direct fetch outside the per-origin queue, for
// scrapers that need the raw classified result.
func (g *Gateway) ExecuteDirect(ctx context.Context, rawURL string, extraHeaders map[string]string) queue.Result {
	return g.execute(ctx, http.MethodGet, rawURL, nil, extraHeaders)
}

// GetDocument fetches a page through the per-origin queue and parses it.
// Returns a nil document with an error on any failure; nothing panics across
// this surface.
func (g *Gateway) GetDocument(ctx context.Context, rawURL string, opts GetOptions) (*goquery.Document, error) {
	res := g.queue.Enqueue(ctx, rawURL, func(ctx context.Context) queue.Result {
		return g.execute(ctx, http.MethodGet, rawURL, nil, opts.ExtraHeaders)
	})

	// Some origins serve a bare 403 page with no challenge markup when the
	// clearance cookie is missing; one browser pass usually clears it.
	if !res.OK && res.StatusCode == http.StatusForbidden && !res.ChallengeBlocked &&
		res.Kind != queue.KindUnsolvable && res.Kind != queue.KindVerificationFailed {
		log.Printf("[Gateway:%s] generic 403 on %s, attempting one-shot browser fallback", g.opts.Name, rawURL)
		if solved := g.solveChallenge(ctx, rawURL); solved.OK {
			res = solved
		}
	}

	if !res.OK {
		log.Printf("[Gateway:%s] fetch failed: url=%s kind=%s reason=%s",
			g.opts.Name, rawURL, res.Kind, res.Reason)
		if res.ChallengeBlocked || res.Kind == queue.KindUnsolvable {
			return nil, fmt.Errorf("fetch %s: %s: %w", rawURL, res.Kind,
				&cf.ChallengeError{URL: rawURL, StatusCode: res.StatusCode})
		}
		return nil, fmt.Errorf("fetch %s: %s", rawURL, res.Kind)
	}

	if opts.CheckDomain {
		if g.domains.CheckRedirect(rawURL, res.FinalURL) {
			g.updateSession(func(s session.State) session.State {
				return s.WithDomain(g.domains.Current())
			})
		}
	}
	return parser.FromBytes(res.Body, res.FinalURL)
}

// Post submits a form through the same per-origin queue as GetDocument.
// Returns the response body, or nil with an error.
func (g *Gateway) Post(ctx context.Context, rawURL string, form url.Values, extraHeaders map[string]string) ([]byte, error) {
	res := g.queue.Enqueue(ctx, rawURL, func(ctx context.Context) queue.Result {
		return g.execute(ctx, http.MethodPost, rawURL, form, extraHeaders)
	})
	if !res.OK {
		log.Printf("[Gateway:%s] post failed: url=%s kind=%s reason=%s",
			g.opts.Name, rawURL, res.Kind, res.Reason)
		return nil, fmt.Errorf("post %s: %s", rawURL, res.Kind)
	}
	return res.Body, nil
}

// SniffMedia loads a page in the scripted browser and returns the media
// requests it made, deduplicated, with their verbatim headers. Empty on
// failure.
func (g *Gateway) SniffMedia(ctx context.Context, rawURL string, minCount int, visible bool) []browser.CapturedMedia {
	if !g.initialized.Load() {
		log.Printf("[Gateway:%s] SniffMedia before EnsureInitialized", g.opts.Name)
		return nil
	}
	if minCount <= 0 {
		minCount = 1
	}

	attempts := g.solveModes(visible || g.opts.SkipHeadless)
	ua := g.Session().UserAgent

	for i, attempt := range attempts {
		timeout := attempt.timeout
		if g.opts.SniffTimeout > 0 {
			timeout = g.opts.SniffTimeout
		}
		out := g.runner.Run(ctx, browser.Request{
			URL:       rawURL,
			Mode:      attempt.mode,
			UserAgent: ua,
			Exit:      browser.ExitCondition{Kind: browser.ExitMediaFound, MinMedia: minCount},
			Timeout:   timeout,
		})
		if out.Status == browser.StatusSuccess && len(out.Media) > 0 {
			return out.Media
		}
		if i+1 < len(attempts) && cf.HasChallengeMarkers([]byte(out.Body)) {
			log.Printf("[Gateway:%s] challenge during headless sniff of %s, escalating to visible",
				g.opts.Name, rawURL)
			continue
		}
		break
	}
	return nil
}

// execute is the direct path: rewrite, headers, HTTP/1.1 fetch, cookie
// capture, decompress, classify.
func (g *Gateway) execute(ctx context.Context, method, rawURL string, form url.Values, extraHeaders map[string]string) queue.Result {
	if !g.initialized.Load() {
		return queue.Failure(queue.KindNotInitialized, "gateway used before EnsureInitialized")
	}

	target := g.rewriteURL(rawURL)
	if err := g.limiter.wait(ctx); err != nil {
		return queue.Cancelled()
	}

	var bodyReader io.Reader
	if method == http.MethodPost && form != nil {
		bodyReader = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return queue.Failure(queue.KindNetwork, fmt.Sprintf("invalid request: %v", err))
	}

	sess := g.Session()
	for k, v := range sess.RequestHeaders(extraHeaders) {
		req.Header.Set(k, v)
	}
	if method == http.MethodPost && form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return queue.Cancelled()
		}
		return queue.Failure(queue.KindNetwork, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return queue.Failure(queue.KindNetwork, fmt.Sprintf("failed to read body: %v", err))
	}

	body, compressed, err := cf.DecompressBody(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		log.Printf("[Gateway:%s] decompression failed for %s: %v", g.opts.Name, target, err)
		body = raw
	} else if compressed {
		log.Printf("[Gateway:%s] decompressed %d -> %d bytes", g.opts.Name, len(raw), len(body))
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	g.captureCookies(resp, finalURL)

	if cf.IsWhitelisted403(resp.StatusCode, body, g.opts.OriginValidationMarkers) {
		return queue.Success(body, http.StatusOK, finalURL)
	}
	if cf.IsChallenge(resp.StatusCode, body) {
		return queue.Blocked(resp.StatusCode, finalURL, body)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return queue.Success(body, resp.StatusCode, finalURL)
	}

	res := queue.Failure(queue.KindNetwork, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	res.StatusCode = resp.StatusCode
	res.FinalURL = finalURL
	res.Body = body
	return res
}

// captureCookies merges Set-Cookie values from a response into the session
// when the responding host is ours, a trusted alias, or shares our
// registrable domain (www/apex/subdomain variants of the same site).
func (g *Gateway) captureCookies(resp *http.Response, finalURL string) {
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return
	}

	host := hostOf(finalURL)
	sess := g.Session()
	if host != sess.Domain && !g.isTrusted(host) && !sameRegistrableDomain(host, sess.Domain) {
		return
	}

	incoming := make(map[string]string, len(cookies))
	for _, c := range cookies {
		if c.Value != "" {
			incoming[c.Name] = c.Value
		}
	}
	if len(incoming) == 0 {
		return
	}
	g.updateSession(func(s session.State) session.State {
		return s.MergeCookies(incoming)
	})
}

// rewriteURL substitutes the session domain for hosts we consider aliases of
// our origin. Third-party hosts pass through untouched.
func (g *Gateway) rewriteURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	host := session.NormalizeHost(u.Hostname())
	current := g.Session().Domain
	if current == "" {
		current = g.domains.Current()
	}
	if host == "" || host == current || !g.isTrusted(host) {
		return rawURL
	}
	if port := u.Port(); port != "" {
		u.Host = current + ":" + port
	} else {
		u.Host = current
	}
	return u.String()
}

func (g *Gateway) isTrusted(host string) bool {
	if host == "" {
		return false
	}
	if host == session.NormalizeHost(g.opts.FallbackDomain) {
		return true
	}
	for _, trusted := range g.opts.TrustedDomains {
		if host == session.NormalizeHost(trusted) {
			return true
		}
	}
	return false
}

type solveAttempt struct {
	mode    browser.Mode
	timeout time.Duration
}

func (g *Gateway) solveModes(visibleOnly bool) []solveAttempt {
	if visibleOnly {
		return []solveAttempt{{browser.Visible, visibleSolveTimeout}}
	}
	return []solveAttempt{
		{browser.Headless, headlessSolveTimeout},
		{browser.Visible, visibleSolveTimeout},
	}
}

// solveChallenge runs the scripted browser against a challenged URL,
// headless first with visible escalation. The pre-challenge cookies are
// cleared before the first attempt; they are burned the moment the CDN
// challenges them.
func (g *Gateway) solveChallenge(ctx context.Context, solveURL string) queue.Result {
	if !g.opts.BrowserEnabled {
		return queue.Failure(queue.KindUnsolvable, "browser solving disabled")
	}

	g.InvalidateSession("challenge solve for " + solveURL)
	ua := g.Session().UserAgent
	attempts := g.solveModes(g.opts.SkipHeadless)

	for i, attempt := range attempts {
		out := g.runner.Run(ctx, browser.Request{
			URL:       solveURL,
			Mode:      attempt.mode,
			UserAgent: ua,
			Exit:      browser.ExitCondition{Kind: browser.ExitPageSettled},
			Timeout:   attempt.timeout,
		})

		switch out.Status {
		case browser.StatusSuccess:
			return g.finishSolve(solveURL, out)

		case browser.StatusTimeout:
			if i+1 < len(attempts) && cf.HasChallengeMarkers([]byte(out.Body)) {
				log.Printf("[Gateway:%s] headless solve of %s timed out on challenge, escalating to visible",
					g.opts.Name, solveURL)
				continue
			}
			return queue.Failure(queue.KindUnsolvable,
				fmt.Sprintf("browser solve timed out in %s mode", attempt.mode))

		default:
			return queue.Failure(queue.KindUnsolvable,
				fmt.Sprintf("browser solve failed: %v", out.Err))
		}
	}
	return queue.Failure(queue.KindUnsolvable, "browser solve exhausted all modes")
}

// finishSolve adopts the solved session: domain first (a move clears stale
// cookies), then the browser's cookies.
func (g *Gateway) finishSolve(solveURL string, out browser.Outcome) queue.Result {
	moved := g.domains.CheckRedirect(solveURL, out.FinalURL)
	g.updateSession(func(s session.State) session.State {
		if moved {
			s = s.WithDomain(g.domains.Current())
		}
		return s.WithCookies(out.Cookies, true)
	})
	log.Printf("[Gateway:%s] challenge solved: url=%s cookies=%d moved=%v",
		g.opts.Name, solveURL, len(out.Cookies), moved)
	return queue.Success([]byte(out.Body), http.StatusOK, out.FinalURL)
}

// onQueueRedirect re-keys the session before a solve when the challenge
// redirected to a new origin, so the clearance lands against the right host.
// The move goes through AdoptRedirect so the config service hears about it;
// UpdateDomain alone would persist silently.
func (g *Gateway) onQueueRedirect(oldOrigin, newOrigin string) {
	log.Printf("[Gateway:%s] challenge redirect %s -> %s", g.opts.Name, oldOrigin, newOrigin)
	g.domains.AdoptRedirect(oldOrigin, newOrigin)
	g.updateSession(func(s session.State) session.State {
		return s.WithDomain(newOrigin)
	})
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return session.NormalizeHost(u.Hostname())
}

// sameRegistrableDomain reports whether two hosts share an eTLD+1, the scope
// a CDN clearance cookie is set at.
func sameRegistrableDomain(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ea, err := publicsuffix.EffectiveTLDPlusOne(a)
	if err != nil {
		return false
	}
	eb, err := publicsuffix.EffectiveTLDPlusOne(b)
	if err != nil {
		return false
	}
	return ea == eb
}
