package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"backtest-gateway/internal/config"
)

// WritePreflight answers a CORS preflight with 200 and an empty body.
func WritePreflight(c echo.Context, cfg config.CORSConfig) error {
	h := c.Response().Header()
	h.Set(echo.HeaderAccessControlAllowOrigin, cfg.AllowOrigin)
	h.Set(echo.HeaderAccessControlAllowMethods, cfg.AllowMethods)
	h.Set(echo.HeaderAccessControlAllowHeaders, cfg.AllowHeaders)
	return c.NoContent(http.StatusOK)
}

// CORS returns a pre-router middleware that answers every OPTIONS request
// locally and stamps Access-Control-Allow-Origin on all other responses.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method == http.MethodOptions {
				return WritePreflight(c, cfg)
			}
			c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, cfg.AllowOrigin)
			return next(c)
		}
	}
}
