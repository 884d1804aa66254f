// internal/controlplane/compression.go
package controlplane

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var (
	gzipReaders = sync.Pool{
		New: func() any { return new(gzip.Reader) },
	}
	brotliReaders = sync.Pool{
		New: func() any { return brotli.NewReader(nil) },
	}
	emptyReader = strings.NewReader("")
)

// compressionTransport advertises br and gzip to the API and decodes the
// response body transparently.
type compressionTransport struct {
	next http.RoundTripper
}

func newCompressionTransport(next http.RoundTripper) *compressionTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &compressionTransport{next: next}
}

func (c *compressionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br, gzip")
	}
	resp, err := c.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return resp, nil
}

// pooledBody closes the decoder, hands it back to its pool and closes the
// wire body underneath.
type pooledBody struct {
	io.Reader
	wire    io.ReadCloser
	release func()
}

func (p *pooledBody) Close() error {
	if p.release != nil {
		p.release()
		p.release = nil
	}
	return p.wire.Close()
}

// decodeBody unwraps the Content-Encoding layers of resp in reverse order.
func decodeBody(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		switch enc := strings.ToLower(strings.TrimSpace(encodings[i])); enc {
		case "gzip":
			zr := gzipReaders.Get().(*gzip.Reader)
			if err := zr.Reset(resp.Body); err != nil {
				gzipReaders.Put(zr)
				return fmt.Errorf("gzip: %w", err)
			}
			resp.Body = &pooledBody{Reader: zr, wire: resp.Body, release: func() {
				_ = zr.Close()
				_ = zr.Reset(emptyReader)
				gzipReaders.Put(zr)
			}}
		case "br":
			br := brotliReaders.Get().(*brotli.Reader)
			if err := br.Reset(resp.Body); err != nil {
				brotliReaders.Put(br)
				return fmt.Errorf("brotli: %w", err)
			}
			resp.Body = &pooledBody{Reader: br, wire: resp.Body, release: func() {
				_ = br.Reset(emptyReader)
				brotliReaders.Put(br)
			}}
		case "identity", "":
		default:
			return errors.New("unsupported content encoding " + enc)
		}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
