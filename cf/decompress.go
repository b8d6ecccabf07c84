package cf

import (
	"bytes"
	"compress/gzip"
	"io"
	"log"

	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly"
)

// DecompressBody returns the decompressed body when it is gzip or Brotli
// compressed, the original bytes otherwise. Detection is by magic bytes for
// gzip, by Content-Encoding header or first-byte heuristic for Brotli
// (origins behind the CDN routinely ignore Accept-Encoding and send br
// regardless).
func DecompressBody(body []byte, contentEncoding string) ([]byte, bool, error) {
	if len(body) == 0 {
		return body, false, nil
	}

	// gzip magic bytes 1f 8b
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false, err
		}
		defer reader.Close()

		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, false, err
		}
		return decompressed, true, nil
	}

	// Brotli has no magic bytes; trust the header, fall back to a first-byte
	// heuristic and treat a decode failure as "not compressed".
	if contentEncoding == "br" || (body[0] >= 0x80 && body[0] <= 0x8f) {
		reader := brotli.NewReader(bytes.NewReader(body))
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			if contentEncoding == "br" {
				return nil, false, err
			}
			return body, false, nil
		}
		return decompressed, true, nil
	}

	return body, false, nil
}

// DecompressResponse decompresses a Colly response body in place. Wire it
// into OnResponse before any parsing callback.
func DecompressResponse(r *colly.Response, logPrefix string) (bool, error) {
	if r == nil || len(r.Body) == 0 {
		return false, nil
	}
	if logPrefix == "" {
		logPrefix = "[cf]"
	}

	decompressed, was, err := DecompressBody(r.Body, r.Headers.Get("Content-Encoding"))
	if err != nil {
		return false, err
	}
	if was {
		log.Printf("%s decompressed response: %d -> %d bytes", logPrefix, len(r.Body), len(decompressed))
		r.Body = decompressed
	}
	return was, nil
}
