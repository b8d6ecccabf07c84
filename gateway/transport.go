package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
)

const dialTimeout = 15 * time.Second

// newHTTPClient builds the direct-path client: Chrome TLS fingerprint,
// HTTP/1.1 only, redirects followed. The CDN fingerprints both the
// ClientHello and the H2 SETTINGS frame; Go's native crypto/tls and http2
// stacks are both recognizable, so neither is used. No cookie jar: the
// session owns all cookie state and a jar would re-send burned cookies
// alongside the session's Cookie header after an invalidation.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialTLSContext: dialUTLS,
		// Non-nil empty map keeps net/http from wiring up its h2 upgrade.
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		ForceAttemptHTTP2:   false,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: dialTimeout,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// dialUTLS performs the TCP dial and a uTLS handshake presenting a Chrome
// ClientHello with ALPN pinned to http/1.1.
func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	raw, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	spec, err := utls.UTLSIdToSpec(utls.HelloChrome_Auto)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to build ClientHello spec: %w", err)
	}
	// The stock Chrome hello advertises h2; the transport above only speaks
	// HTTP/1.1, so the offer must match.
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	conn := utls.UClient(raw, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := conn.ApplyPreset(&spec); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to apply ClientHello spec: %w", err)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", host, err)
	}
	return conn, nil
}
