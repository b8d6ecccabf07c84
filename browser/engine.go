// Package browser drives an embedded Chrome instance through a single
// scripted session: load a URL, wait for an exit condition, hand back the
// cookies, body and any media requests the page made. Every Run owns its own
// browser; the instance is destroyed on every exit path.
package browser

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"torii/cf"
)

// Mode selects how the browser window is created.
type Mode int

const (
	// Headless runs without a window. First attempt for every solve.
	Headless Mode = iota
	// Visible shows the window so interactive checks can render properly.
	Visible
)

func (m Mode) String() string {
	if m == Visible {
		return "visible"
	}
	return "headless"
}

// ExitKind selects when a session is considered finished.
type ExitKind int

const (
	// ExitPageSettled succeeds once the page loaded and no challenge
	// markers remain in the document.
	ExitPageSettled ExitKind = iota
	// ExitCookiesPresent succeeds once every named cookie exists in the jar
	// for the final URL.
	ExitCookiesPresent
	// ExitMediaFound succeeds once MinMedia distinct media URLs were
	// intercepted.
	ExitMediaFound
)

// ExitCondition describes the success predicate for a session.
type ExitCondition struct {
	Kind       ExitKind
	CookieKeys []string
	MinMedia   int
}

// Request describes one scripted session.
type Request struct {
	URL           string
	Mode          Mode
	UserAgent     string
	Exit          ExitCondition
	Timeout       time.Duration
	PostLoadDelay time.Duration
}

// Status is the terminal state of a session.
type Status int

const (
	StatusSuccess Status = iota
	StatusTimeout
	StatusError
)

// Outcome is what a session run produced.
type Outcome struct {
	Status   Status
	Cookies  map[string]string
	Body     string
	FinalURL string
	Media    []CapturedMedia
	Err      error
}

// Runner is the interface the gateway consumes; Engine is the chromedp
// implementation, tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, req Request) Outcome
}

const (
	pollInterval = 300 * time.Millisecond
	adTickEvery  = 1 * time.Second
	mediaGrace   = 500 * time.Millisecond
)

// initScript runs on every new document before the origin's own scripts.
// It defines the rocket-loader global some origins probe for, and flattens
// the automation tells when the UA claims to be a desktop browser.
const initScript = `
window.__cfRLUnblockHandlers = true;
if (!/Mobile|Android/.test(navigator.userAgent)) {
	Object.defineProperty(navigator, 'platform', { get: () => 'Win32' });
	Object.defineProperty(navigator, 'maxTouchPoints', { get: () => 0 });
	Object.defineProperty(navigator, 'webdriver', { get: () => false });
}
`

// antiAdScript runs every second in media-sniffing mode: kill autoplay
// audio, drop obvious overlay layers so the player can start.
const antiAdScript = `
(function() {
	document.querySelectorAll('video').forEach(function(v) { v.muted = true; });
	document.querySelectorAll('[class*="popup"],[class*="overlay"],[id*="popunder"]').forEach(function(el) {
		if (el.tagName !== 'VIDEO') { el.remove(); }
	});
})();
`

// Engine runs scripted sessions with chromedp.
type Engine struct {
	// ExtraFlags are appended to the allocator options, mainly for CI
	// (no-sandbox and friends).
	ExtraFlags []chromedp.ExecAllocatorOption
}

// NewEngine returns a chromedp-backed engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Run executes one scripted session. The allocated browser and its window
// are destroyed on every exit path, including cancellation.
func (e *Engine) Run(ctx context.Context, req Request) Outcome {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(req.UserAgent),
		chromedp.Flag("headless", req.Mode == Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-gpu", req.Mode == Headless),
		// Clearance flows rely on the CDN's third-party frames being able
		// to set cookies.
		chromedp.Flag("test-type", true),
		chromedp.Flag("block-third-party-cookies", false),
	)
	opts = append(opts, e.ExtraFlags...)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer func() {
		// Destroy from outside the browser's own event callbacks.
		cancelBrowser()
		cancelAlloc()
	}()

	runCtx, cancelRun := context.WithTimeout(browserCtx, req.Timeout)
	defer cancelRun()

	capture := newMediaCapture()
	if req.Exit.Kind == ExitMediaFound {
		chromedp.ListenTarget(browserCtx, func(ev interface{}) {
			if sent, ok := ev.(*network.EventRequestWillBeSent); ok {
				capture.observe(sent.Request.URL, sent.Request.Headers)
			}
		})
	}

	log.Printf("[Browser] session start: url=%s mode=%s timeout=%v", req.URL, req.Mode, req.Timeout)

	err := chromedp.Run(runCtx,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(initScript).Do(ctx)
			return err
		}),
		chromedp.Navigate(req.URL),
	)
	if err != nil {
		if runCtx.Err() != nil {
			return e.timeoutOutcome(browserCtx, req, capture)
		}
		return Outcome{Status: StatusError, Err: err}
	}

	if req.PostLoadDelay > 0 {
		select {
		case <-time.After(req.PostLoadDelay):
		case <-runCtx.Done():
			return e.timeoutOutcome(browserCtx, req, capture)
		}
	}

	outcome := e.pollUntilExit(runCtx, browserCtx, req, capture)
	log.Printf("[Browser] session end: url=%s status=%d media=%d", req.URL, outcome.Status, len(outcome.Media))
	return outcome
}

// pollUntilExit watches the page every 300ms until the exit condition is met
// or the timeout fires.
func (e *Engine) pollUntilExit(runCtx, browserCtx context.Context, req Request, capture *mediaCapture) Outcome {
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	adTick := time.NewTicker(adTickEvery)
	defer adTick.Stop()

	for {
		select {
		case <-runCtx.Done():
			return e.timeoutOutcome(browserCtx, req, capture)

		case <-adTick.C:
			if req.Exit.Kind == ExitMediaFound {
				_ = chromedp.Run(runCtx, chromedp.Evaluate(antiAdScript, nil))
			}

		case <-poll.C:
			switch req.Exit.Kind {
			case ExitMediaFound:
				if capture.count() >= req.Exit.MinMedia {
					// Let trailing requests land so late headers settle.
					select {
					case <-time.After(mediaGrace):
					case <-runCtx.Done():
					}
					return e.finalize(browserCtx, req, capture, StatusSuccess)
				}

			case ExitCookiesPresent:
				if e.cookiesPresent(runCtx, req.Exit.CookieKeys) {
					return e.finalize(browserCtx, req, capture, StatusSuccess)
				}

			case ExitPageSettled:
				var body string
				if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &body)); err != nil {
					continue
				}
				if body != "" && !cf.HasChallengeMarkers([]byte(body)) {
					return e.finalize(browserCtx, req, capture, StatusSuccess)
				}
			}
		}
	}
}

func (e *Engine) cookiesPresent(ctx context.Context, keys []string) bool {
	jar := e.readCookies(ctx)
	for _, key := range keys {
		if _, ok := jar[key]; !ok {
			return false
		}
	}
	return len(keys) > 0
}

// readCookies flushes and reads the whole browser jar.
func (e *Engine) readCookies(ctx context.Context) map[string]string {
	jar := make(map[string]string)
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			jar[c.Name] = c.Value
		}
		return nil
	}))
	if err != nil {
		log.Printf("[Browser] cookie read failed: %v", err)
	}
	return jar
}

// finalize reads the final page state and assembles the outcome. It uses
// browserCtx with a fresh deadline so a fired run-timeout doesn't stop us
// from harvesting what the session produced.
func (e *Engine) finalize(browserCtx context.Context, req Request, capture *mediaCapture, status Status) Outcome {
	readCtx, cancel := context.WithTimeout(browserCtx, 5*time.Second)
	defer cancel()

	var body, finalURL string
	if err := chromedp.Run(readCtx, chromedp.Location(&finalURL), chromedp.OuterHTML("html", &body)); err != nil {
		log.Printf("[Browser] final page read failed: %v", err)
	}
	if finalURL == "" {
		finalURL = req.URL
	}

	jar := e.readCookies(readCtx)
	media := capture.results(jar)

	cf.LogSolveAttempt(req.URL, req.Mode.String(), status == StatusSuccess, finalURL, len(jar))
	return Outcome{
		Status:   status,
		Cookies:  jar,
		Body:     body,
		FinalURL: finalURL,
		Media:    media,
	}
}

// timeoutOutcome handles the deadline path. In media mode a timeout with at
// least one capture is still a success; late manifests are normal.
func (e *Engine) timeoutOutcome(browserCtx context.Context, req Request, capture *mediaCapture) Outcome {
	if req.Exit.Kind == ExitMediaFound && capture.count() > 0 {
		return e.finalize(browserCtx, req, capture, StatusSuccess)
	}
	out := e.finalize(browserCtx, req, capture, StatusTimeout)
	return out
}

// mediaCapture collects intercepted media requests, deduplicated by URL.
type mediaCapture struct {
	mu      sync.Mutex
	ordered []string
	headers map[string]map[string]string
}

func newMediaCapture() *mediaCapture {
	return &mediaCapture{headers: make(map[string]map[string]string)}
}

func (mc *mediaCapture) observe(rawURL string, hdrs network.Headers) {
	if !IsMediaURL(rawURL) {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, seen := mc.headers[rawURL]; seen {
		return
	}

	captured := make(map[string]string, len(hdrs))
	for k, v := range hdrs {
		if s, ok := v.(string); ok {
			captured[k] = s
		}
	}
	mc.headers[rawURL] = captured
	mc.ordered = append(mc.ordered, rawURL)
	log.Printf("[Browser] captured media URL (%d headers): %s", len(captured), rawURL)
}

func (mc *mediaCapture) count() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.ordered)
}

// results attaches the jar's cookie string for each captured URL's origin so
// downstream playback can replay the exact auth context.
func (mc *mediaCapture) results(jar map[string]string) []CapturedMedia {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	out := make([]CapturedMedia, 0, len(mc.ordered))
	for _, u := range mc.ordered {
		headers := mc.headers[u]
		if _, has := headers["Cookie"]; !has && len(jar) > 0 {
			if cookie := cookieHeaderFor(jar); cookie != "" {
				headers["Cookie"] = cookie
			}
		}
		out = append(out, CapturedMedia{
			URL:          u,
			QualityLabel: qualityLabel(u),
			Headers:      headers,
		})
	}
	return out
}

func cookieHeaderFor(jar map[string]string) string {
	pairs := make([]string, 0, len(jar))
	for name, value := range jar {
		pairs = append(pairs, name+"="+value)
	}
	return strings.Join(pairs, "; ")
}
