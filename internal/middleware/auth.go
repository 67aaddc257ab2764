// Package middleware holds echo middleware shared by the HTTP routes.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
)

// authOK reports whether r carries the shared secret as ?password=,
// X-Auth-Token, or an Authorization bearer token. An empty expected value
// accepts every request.
func authOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && equal(q, expected) {
		return true
	}
	ah := r.Header.Get("Authorization")
	if len(ah) > len("bearer ") && strings.EqualFold(ah[:len("bearer ")], "bearer ") {
		if equal(strings.TrimSpace(ah[len("bearer "):]), expected) {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && equal(x, expected) {
		return true
	}
	return false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Auth guards /api/* with the token returned by getToken. The token is read
// per request so a reloaded value applies without a restart; an empty token
// disables the check.
func Auth(getToken func() string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/") || req.Method == http.MethodOptions {
				return next(c)
			}
			if !authOK(req, getToken()) {
				log.Warn("unauthorized request", "path", req.URL.Path, "remote", c.RealIP())
				return c.JSON(http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized"})
			}
			return next(c)
		}
	}
}
