package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

// OperatorAuthMiddleware guards operator endpoints with a static bearer
// token from config. No token configured means the endpoints are
// disabled outright.
func OperatorAuthMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
			}
			header := strings.TrimSpace(c.Request().Header.Get("Authorization"))
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing token"})
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}
			return next(c)
		}
	}
}
