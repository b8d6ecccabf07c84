// Package cf knows what a CDN challenge response looks like. Detection is a
// pure predicate over (status, body) so the gateway, the browser engine and
// the tests all agree on what counts as blocked.
package cf

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gocolly/colly"
)

// challengeMarkers is the closed set of body substrings that identify a
// challenge page. Matching is case-insensitive. Extending this list is a
// code change, not configuration.
var challengeMarkers = []string{
	"challenge-platform",
	"cf-browser-verification",
	"just a moment",
	"checking your browser",
	"cf-chl-bypass",
	"cf_clearance",
	"attention required",
	"_cf_chl_opt",
}

// challengeStatusCodes are statuses the CDN serves in lieu of the origin.
var challengeStatusCodes = map[int]bool{
	http.StatusForbidden:          true, // 403
	http.StatusServiceUnavailable: true, // 503
	http.StatusTooManyRequests:    true, // 429
}

// IsChallenge reports whether a (status, body) pair indicates a CDN
// challenge. Same inputs always produce the same answer.
func IsChallenge(statusCode int, body []byte) bool {
	if challengeStatusCodes[statusCode] {
		return true
	}
	return HasChallengeMarkers(body)
}

// HasChallengeMarkers checks the body alone, independent of status. The
// browser engine uses this after navigation where no real status exists.
func HasChallengeMarkers(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsWhitelisted403 reports whether a 403 should pass as success anyway.
// Some origins return 403 with perfectly good content behind their WAF; the
// caller supplies site-title markers that identify such pages.
func IsWhitelisted403(statusCode int, body []byte, markers []string) bool {
	if statusCode != http.StatusForbidden || len(markers) == 0 {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, marker := range markers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			logCF("whitelist marker %q matched on 403, treating as success", marker)
			return true
		}
	}
	return false
}

// DetectResponse inspects an *http.Response, leaving the body readable.
func DetectResponse(resp *http.Response) (bool, error) {
	if resp == nil {
		return false, nil
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	blocked := IsChallenge(resp.StatusCode, bodyBytes)
	if blocked {
		logCF("challenge detected: status=%d bodyLen=%d server=%q",
			resp.StatusCode, len(bodyBytes), resp.Header.Get("Server"))
	}
	return blocked, nil
}

// DetectFromColly wraps IsChallenge for Colly scrapers.
func DetectFromColly(r *colly.Response) bool {
	if r == nil {
		return false
	}
	return IsChallenge(r.StatusCode, r.Body)
}
