package main

// Command-line exerciser for the gateway: fetch a page through the full
// session/challenge pipeline, or sniff the media URLs a page loads.

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"torii/cf"
	"torii/gateway"
	"torii/storage"
)

func main() {
	var (
		name     = flag.String("name", "default", "provider name used to namespace persisted state")
		fallback = flag.String("fallback", "", "fallback origin host (required)")
		rawURL   = flag.String("url", "", "URL to fetch (required)")
		remote   = flag.String("remote-config", "", "optional remote config URL probed at startup")
		sniff    = flag.Bool("sniff", false, "sniff media URLs instead of fetching the document")
		visible  = flag.Bool("visible", false, "use a visible browser window for solves and sniffing")
		trusted  = flag.String("trusted", "", "comma-separated trusted domain aliases")
		reset    = flag.Bool("reset", false, "clear persisted session and domain state before starting")
	)
	flag.Parse()

	if *fallback == "" || *rawURL == "" {
		flag.Usage()
		os.Exit(2)
	}

	if *reset {
		if err := resetState(*name); err != nil {
			log.Fatalf("failed to reset state: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var trustedDomains []string
	if *trusted != "" {
		trustedDomains = strings.Split(*trusted, ",")
	}

	gw, err := gateway.New(gateway.Options{
		Name:            *name,
		FallbackDomain:  *fallback,
		RemoteConfigURL: *remote,
		BrowserEnabled:  true,
		SkipHeadless:    *visible,
		TrustedDomains:  trustedDomains,
	})
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}
	defer cf.CloseDebugLog()
	gw.EnsureInitialized(ctx)

	if *sniff {
		media := gw.SniffMedia(ctx, *rawURL, 1, *visible)
		if len(media) == 0 {
			log.Fatalf("no media captured from %s", *rawURL)
		}
		for _, m := range media {
			fmt.Printf("%s\t%s\n", m.QualityLabel, m.URL)
		}
		return
	}

	doc, err := gw.GetDocument(ctx, *rawURL, gateway.GetOptions{CheckDomain: true})
	if err != nil {
		log.Fatalf("fetch failed: %v", err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = "(no title)"
	}
	fmt.Printf("domain: %s\ntitle: %s\n", gw.CurrentDomain(), title)
}

// resetState wipes the provider's persisted session and domain namespaces.
func resetState(name string) error {
	dir, err := storage.DefaultDir()
	if err != nil {
		return err
	}
	for _, ns := range []string{"session_" + name, "domain_" + name} {
		kv, err := storage.Open(dir, ns)
		if err != nil {
			return err
		}
		if err := kv.Clear(); err != nil {
			return err
		}
	}
	log.Printf("cleared persisted state for %s", name)
	return nil
}
