// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
)

// Mode selects how a route treats upstream responses.
type Mode string

const (
	// ModeStrict binds a route to one upstream path and replaces upstream
	// non-2xx responses with a synthesized JSON error.
	ModeStrict Mode = "strict-single-endpoint"
	// ModeTransparent relays upstream status, headers and body verbatim.
	ModeTransparent Mode = "transparent-passthrough"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Path is appended to the upstream origin. A leading slash is optional.
	Path     string
	RawQuery string
	Header   http.Header
	// Body holds the raw inbound bytes. It is ignored when JSON is non-nil.
	Body []byte
	// JSON holds an already decoded body; it is re-encoded before dispatch.
	JSON any
}

// ProxyResponse represents the upstream response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// URL is the resolved upstream target.
	URL string
}
