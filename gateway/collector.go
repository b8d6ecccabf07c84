package gateway

import (
	"log"

	"github.com/gocolly/colly"

	"torii/cf"
)

// Collector returns a colly collector riding the gateway's session: every
// visit sends the session headers, and responses are decompressed before
// colly's handlers see them. Challenge responses are flagged so the crawl
// loop can fall back to GetDocument for the blocked page.
func (g *Gateway) Collector() *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(g.Session().UserAgent),
		colly.AllowURLRevisit(),
	)

	c.OnRequest(func(r *colly.Request) {
		for k, v := range g.Session().RequestHeaders(nil) {
			r.Headers.Set(k, v)
		}
	})

	c.OnResponse(func(r *colly.Response) {
		cf.DecompressResponse(r, "[Collector:"+g.opts.Name+"]")
		if cf.DetectFromColly(r) {
			log.Printf("[Collector:%s] challenge response from %s (status %d)",
				g.opts.Name, r.Request.URL, r.StatusCode)
		}
	})

	return c
}
