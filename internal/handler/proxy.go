package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"backtest-gateway/internal/client"
	"backtest-gateway/internal/config"
	"backtest-gateway/internal/middleware"
	"backtest-gateway/internal/model"
	"backtest-gateway/internal/service"
)

// maxErrorBody caps how much of an upstream error body is inspected.
const maxErrorBody = 64 << 10

// secretQueryPattern matches credential-like query values in URLs embedded in error messages.
var secretQueryPattern = regexp.MustCompile(`(?i)((?:api_?key|token|secret|password)=)[^&\s"]+`)

// ProxyHandler forwards requests on configured routes to the upstream.
type ProxyHandler struct {
	service *service.ProxyService
	cors    config.CORSConfig
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		cors:    cfg.CORS,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Route returns the Echo handler for one configured route.
func (h *ProxyHandler) Route(rc config.RouteConfig) echo.HandlerFunc {
	allowed := make(map[string]bool, len(rc.Methods))
	for _, m := range rc.Methods {
		allowed[strings.ToUpper(m)] = true
	}

	return func(c echo.Context) error {
		return h.Handle(c, rc, allowed)
	}
}

// Handle forwards one request according to rc and relays the outcome.
// An empty allowed set permits every method.
func (h *ProxyHandler) Handle(c echo.Context, rc config.RouteConfig, allowed map[string]bool) error {
	req := c.Request()
	method := strings.ToUpper(req.Method)

	if method == http.MethodOptions {
		return middleware.WritePreflight(c, h.cors)
	}
	if len(allowed) > 0 && !allowed[method] {
		return c.JSON(http.StatusMethodNotAllowed, map[string]string{
			"error": "Method not allowed",
		})
	}

	path := rc.UpstreamPath
	if rc.CatchAll() {
		path = strings.TrimPrefix(req.URL.EscapedPath(), rc.Prefix())
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   method,
		Path:     path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
	}

	if method != http.MethodGet && method != http.MethodHead && req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "failed to read request body",
			})
		}
		pr.Body = body
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, pr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if rc.Mode == model.ModeStrict && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return h.backendError(c, resp)
	}

	h.relay(c, method, resp)
	return nil
}

// relay writes the upstream status, headers and body to the client.
func (h *ProxyHandler) relay(c echo.Context, method string, resp *model.ProxyResponse) {
	out := c.Response()
	for key, vals := range resp.Header {
		out.Header()[key] = append([]string(nil), vals...)
	}
	out.Header().Set(echo.HeaderAccessControlAllowOrigin, h.cors.AllowOrigin)

	out.WriteHeader(resp.StatusCode)

	if method == http.MethodHead {
		return
	}

	// The status line is committed at this point. A failed read ends the
	// response with that status; nothing else can be sent.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Error("reading upstream body",
			"err", sanitizeError(err),
			"url", sanitizeURL(resp.URL),
			"status", resp.StatusCode,
		)
		return
	}
	if len(body) == 0 {
		return
	}
	if _, err := out.Write(body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"url", sanitizeURL(resp.URL),
		)
	}
}

// backendError replaces an upstream non-2xx response on a strict route.
// A "detail" field in a JSON error body is carried over.
func (h *ProxyHandler) backendError(c echo.Context, resp *model.ProxyResponse) error {
	h.logger.Warn("backend error",
		"status", resp.StatusCode,
		"url", sanitizeURL(resp.URL),
	)

	body := map[string]any{
		"error": fmt.Sprintf("Backend error: %d", resp.StatusCode),
		"url":   resp.URL,
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil && gjson.ValidBytes(raw) {
		if detail := gjson.GetBytes(raw, "detail"); detail.Exists() {
			body["detail"] = detail.Value()
		}
	}

	return c.JSON(resp.StatusCode, body)
}

// mapError reports a failure that happened before any upstream response.
func (h *ProxyHandler) mapError(c echo.Context, pr *model.ProxyRequest, err error) error {
	target := h.service.TargetURL(pr.Path, pr.RawQuery)
	kind := client.Classify(err)

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"kind", kind,
		"method", pr.Method,
		"url", sanitizeURL(target),
	)

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":     describeError(kind, err),
		"message":   sanitizeError(err),
		"url":       target,
		"method":    pr.Method,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func describeError(kind string, err error) string {
	if errors.Is(err, service.ErrInvalidTarget) {
		return "invalid upstream URL"
	}
	switch kind {
	case client.KindTimeout:
		return "upstream request timed out"
	case client.KindCanceled:
		return "client disconnected"
	case client.KindDNS:
		return "upstream host unreachable"
	case client.KindConnection:
		return "upstream connection failed"
	default:
		return "upstream request failed"
	}
}

// sanitizeError redacts credential-like query values from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return sanitizeURL(err.Error())
}

func sanitizeURL(s string) string {
	return secretQueryPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
