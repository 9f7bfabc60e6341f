package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"backtest-gateway/internal/config"
	"backtest-gateway/internal/model"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

type routeStatus struct {
	Path string     `json:"path"`
	Mode model.Mode `json:"mode"`
}

type statusResponse struct {
	Status      string        `json:"status"`
	Version     string        `json:"version"`
	UpstreamURL string        `json:"upstream_url"`
	Routes      []routeStatus `json:"routes"`
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version, upstream origin and mounted routes.
func (h *HealthHandler) Status(c echo.Context) error {
	routes := make([]routeStatus, 0, len(h.cfg.Routes))
	for _, rc := range h.cfg.Routes {
		routes = append(routes, routeStatus{Path: rc.Path, Mode: rc.Mode})
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL,
		Routes:      routes,
	})
}
