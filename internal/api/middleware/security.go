package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// apiCSP forbids everything: the API only ever returns JSON.
const apiCSP = "default-src 'none'; frame-ancestors 'none'"

// NewSecurity returns the CORS, body limit and secure header middlewares, in
// that order. An empty origins list allows any origin; the API carries no
// cookies so credentials are never allowed.
func NewSecurity(origins []string, bodyLimit string) []echo.MiddlewareFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return []echo.MiddlewareFunc{
		middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}),
		middleware.BodyLimit(bodyLimit),
		// No HSTS: the API is plain HTTP on loopback unless put behind a proxy.
		middleware.SecureWithConfig(middleware.SecureConfig{
			ContentTypeNosniff:    "nosniff",
			XFrameOptions:         "DENY",
			ContentSecurityPolicy: apiCSP,
			ReferrerPolicy:        "no-referrer",
		}),
	}
}
