package client

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// decoders maps supported Content-Encoding tokens to reader constructors.
var decoders = map[string]func(io.Reader) (io.Reader, error){
	"gzip":    newGzipReader,
	"x-gzip":  newGzipReader,
	"deflate": func(r io.Reader) (io.Reader, error) { return zlib.NewReader(r) },
	"br":      func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil },
	"zstd": func(r io.Reader) (io.Reader, error) {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	},
}

func newGzipReader(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

// decodeBody wraps body in a decoder for the response's Content-Encoding and
// removes the encoding and length headers, which no longer describe the
// stream. Unknown or stacked encodings are left untouched and reported as
// not decoded.
func decodeBody(header http.Header, body io.ReadCloser) (io.ReadCloser, bool) {
	enc := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	if enc == "" || enc == "identity" {
		return body, false
	}
	open, ok := decoders[enc]
	if !ok {
		return body, false
	}

	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return &decodedBody{src: body, open: open}, true
}

// decodedBody defers decoder construction to the first Read so that empty
// bodies (HEAD, 304) never fail on a missing stream header.
type decodedBody struct {
	src  io.ReadCloser
	open func(io.Reader) (io.Reader, error)
	r    io.Reader
	err  error
}

func (d *decodedBody) Read(p []byte) (int, error) {
	if d.r == nil && d.err == nil {
		d.r, d.err = d.open(d.src)
	}
	if d.err != nil {
		return 0, d.err
	}
	return d.r.Read(p)
}

func (d *decodedBody) Close() error {
	if c, ok := d.r.(io.Closer); ok {
		_ = c.Close()
	}
	return d.src.Close()
}
