// Package service implements the core forwarding logic.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"backtest-gateway/internal/client"
	"backtest-gateway/internal/config"
	"backtest-gateway/internal/model"
)

// ErrInvalidTarget is returned when the resolved upstream URL cannot be parsed.
var ErrInvalidTarget = errors.New("invalid upstream target URL")

// strippedRequestHeaders are never forwarded upstream. Host, Content-Length
// and Transfer-Encoding describe the inbound connection only; the rest are
// hop-by-hop.
var strippedRequestHeaders = map[string]bool{
	"Host":                true,
	"Content-Length":      true,
	"Transfer-Encoding":   true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Upgrade":             true,
}

// strippedResponseHeaders are never relayed to the client. Content-Encoding
// is not listed: the client removes it when it decodes the body, and an
// encoding it cannot decode is relayed with the body as received.
var strippedResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Proxy-Connection":  true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailer":           true,
	"Upgrade":           true,
}

// redactedHeaders have their values masked in debug logs.
var redactedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"X-Api-Key":     true,
}

// ProxyService builds and dispatches outbound requests to the fixed upstream origin.
type ProxyService struct {
	client             *client.UpstreamClient
	logger             *slog.Logger
	origin             string
	defaultContentType string
}

// NewProxyService creates a ProxyService bound to cfg.Upstream.BaseURL.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q must be an absolute URL", cfg.Upstream.BaseURL)
	}

	ct := cfg.Upstream.DefaultContentType
	if ct == "" {
		ct = "application/json"
	}

	return &ProxyService{
		client:             c,
		logger:             logger.With("component", "proxy_service"),
		origin:             cfg.Upstream.BaseURL,
		defaultContentType: ct,
	}, nil
}

// Origin returns the upstream origin every request is sent to.
func (s *ProxyService) Origin() string {
	return s.origin
}

// TargetURL resolves the upstream URL for a path tail and raw query.
func (s *ProxyService) TargetURL(path, rawQuery string) string {
	target := JoinURL(s.origin, path)
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// Exactly one upstream attempt is made. The caller is responsible for
// closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	method := strings.ToUpper(pr.Method)
	target := s.TargetURL(pr.Path, pr.RawQuery)
	if _, err := url.ParseRequestURI(target); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	header := s.filterRequestHeaders(pr.Header)
	body, err := s.buildBody(method, pr)
	if err != nil {
		return nil, err
	}
	if body != nil && header.Get("Content-Type") == "" {
		header.Set("Content-Type", s.defaultContentType)
	}

	s.logger.Debug("forwarding request",
		"method", method,
		"url", target,
		"headers", RedactHeaders(header),
		"body_bytes", len(body),
	)

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := s.client.DoStream(ctx, method, target, header, reader)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildBody returns the outbound body, or nil when none is sent.
func (s *ProxyService) buildBody(method string, pr *model.ProxyRequest) ([]byte, error) {
	if method == http.MethodGet || method == http.MethodHead {
		return nil, nil
	}
	if pr.JSON != nil {
		data, err := json.Marshal(pr.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return data, nil
	}
	if len(pr.Body) == 0 {
		return nil, nil
	}
	return pr.Body, nil
}

// filterRequestHeaders copies src minus the deny-list. Repeated values are
// collapsed into a single field so upstream never sees duplicates.
func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if strippedRequestHeaders[ck] || len(vals) == 0 {
			continue
		}
		sep := ", "
		if ck == "Cookie" {
			sep = "; "
		}
		dst[ck] = []string{strings.Join(vals, sep)}
	}
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if strippedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}
	return dst
}

// JoinURL concatenates origin and path with exactly one slash between them.
func JoinURL(origin, path string) string {
	return strings.TrimRight(origin, "/") + "/" + strings.TrimLeft(path, "/")
}

// RedactHeaders returns a flattened copy of h safe for logging.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if redactedHeaders[http.CanonicalHeaderKey(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}
