package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"backtest-gateway/internal/service"
)

const debugMaxBodySize = 1 << 20 // 1MB

// DebugHandler serves diagnostic endpoints that never reach the upstream.
type DebugHandler struct{}

// NewDebugHandler creates a DebugHandler.
func NewDebugHandler() *DebugHandler {
	return &DebugHandler{}
}

type pingResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Method    string `json:"method"`
	URL       string `json:"url"`
}

type echoResponse struct {
	Message   string            `json:"message"`
	Timestamp string            `json:"timestamp"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Query     map[string]string `json:"query"`
	Body      string            `json:"body,omitempty"`
}

// Ping reports that the gateway is serving requests. Only GET and POST are answered.
func (h *DebugHandler) Ping(c echo.Context) error {
	req := c.Request()
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		return c.JSON(http.StatusMethodNotAllowed, map[string]string{
			"error": "Method not allowed",
		})
	}
	return c.JSON(http.StatusOK, pingResponse{
		Message:   "gateway is working",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Method:    req.Method,
		URL:       req.URL.RequestURI(),
	})
}

// Echo returns the inbound request as JSON. Multi-valued headers and query
// parameters are flattened and credential headers are redacted.
func (h *DebugHandler) Echo(c echo.Context) error {
	req := c.Request()

	query := make(map[string]string, len(req.URL.Query()))
	for k, v := range req.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	var body string
	if req.Body != nil {
		data, err := io.ReadAll(io.LimitReader(req.Body, debugMaxBodySize))
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "failed to read request body",
			})
		}
		body = string(data)
	}

	return c.JSON(http.StatusOK, echoResponse{
		Message:   "debug echo",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Method:    req.Method,
		Path:      req.URL.Path,
		Headers:   service.RedactHeaders(req.Header),
		Query:     query,
		Body:      body,
	})
}
