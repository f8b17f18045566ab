package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

// requireAPIKey authenticates requests by the x-api-key header. The key is
// checked against the configured bcrypt hash when one is set, otherwise
// against the plain configured key in constant time.
func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		apiKey := c.Request().Header.Get("x-api-key")
		if apiKey == "" || !s.apiKeyValid(apiKey) {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized."})
		}
		return next(c)
	}
}

func (s *Server) apiKeyValid(apiKey string) bool {
	if s.cfg.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.cfg.APIKeyHash), []byte(apiKey)) == nil
	}
	if s.cfg.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.cfg.APIKey)) == 1
}
