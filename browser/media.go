package browser

import (
	"regexp"
	"strings"
)

// CapturedMedia is one intercepted media request with the verbatim request
// headers the page sent for it.
type CapturedMedia struct {
	URL          string
	QualityLabel string
	Headers      map[string]string
}

const minMediaURLLength = 50

var mediaURLPattern = regexp.MustCompile(`\.m3u8|\.mp4|\.mkv|\.webm|/master\.m3u8|\.urls|\.urlset`)

// Trackers and beacons that happen to match the media pattern by accident.
var mediaURLBlacklist = []string{
	"/ping.gif",
	"/analytics",
	"favicon.ico",
	"/google-analytics",
}

// IsMediaURL reports whether a request URL looks like a playable stream or
// file. Short URLs are rejected outright: real manifest URLs carry signed
// path segments and never come that short.
func IsMediaURL(rawURL string) bool {
	if len(rawURL) < minMediaURLLength {
		return false
	}
	lower := strings.ToLower(rawURL)
	if !mediaURLPattern.MatchString(lower) {
		return false
	}
	for _, banned := range mediaURLBlacklist {
		if strings.Contains(lower, banned) {
			return false
		}
	}
	return true
}

// qualityLabel derives a display label from the URL. Master manifests select
// quality themselves, so they are labelled auto.
func qualityLabel(rawURL string) string {
	lower := strings.ToLower(rawURL)
	if strings.Contains(lower, "master.m3u8") || strings.Contains(lower, ".urlset") {
		return "auto"
	}
	for _, q := range []string{"2160", "1440", "1080", "720", "480", "360", "240"} {
		if strings.Contains(lower, q) {
			return q + "p"
		}
	}
	return "auto"
}
