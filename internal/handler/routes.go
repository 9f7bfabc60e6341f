package handler

import (
	"github.com/labstack/echo/v4"

	"backtest-gateway/internal/config"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
//
// Proxy mounts accept every method so that a strict route can answer
// disallowed methods with its own 405 body.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, debug *DebugHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Debug.Enabled {
		e.Any("/api/test", debug.Ping)
		e.Any("/api/debug", debug.Echo)
	}

	for _, rc := range cfg.Routes {
		e.Any(rc.Path, proxy.Route(rc))
	}
}
