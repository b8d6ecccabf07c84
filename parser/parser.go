// Package parser defines the contract between the gateway and per-site
// scraping logic. The gateway fetches and decodes pages; a Parser turns the
// resulting documents into structured listings, episodes and player URLs.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Item is one entry on a listing page (main page, search results, load-more
// pages).
type Item struct {
	Title    string
	URL      string
	ImageURL string
	Subtitle string
}

// Episode is one playable entry under a series page.
type Episode struct {
	Number string
	Title  string
	URL    string
}

// LoadData is the metadata parsed from a series detail page.
type LoadData struct {
	Title       string
	Description string
	ImageURL    string
	Genres      []string
	Status      string
	Episodes    []Episode
}

// Parser is implemented per site. Every method receives an already-fetched,
// already-decompressed document; implementations never perform network I/O.
type Parser interface {
	ParseMainPage(doc *goquery.Document) ([]Item, error)
	ParseSearch(doc *goquery.Document) ([]Item, error)
	ParseLoadPage(doc *goquery.Document, pageURL string) (*LoadData, error)
	ParseEpisodes(doc *goquery.Document, season int) ([]Episode, error)
	ExtractPlayerURLs(doc *goquery.Document) ([]string, error)
}

// FromBytes builds a goquery document from a response body. The source URL
// becomes the base for ResolveURL.
func FromBytes(body []byte, sourceURL string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document from %s: %w", sourceURL, err)
	}
	doc.Url, _ = url.Parse(sourceURL)
	return doc, nil
}

// ResolveURL resolves a possibly relative href against the document's URL.
// Scheme-relative and absolute hrefs pass through resolved; empty or
// javascript: hrefs map to "".
func ResolveURL(doc *goquery.Document, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if doc.Url == nil {
		return ref.String()
	}
	return doc.Url.ResolveReference(ref).String()
}

// CleanText collapses whitespace runs in scraped text nodes.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
