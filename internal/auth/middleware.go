package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gildhall-chat/gildhall-server/internal/httputil"
)

// RequireAuth returns Fiber middleware that validates the Bearer token and
// stores the caller's identity in Locals("userID") and Locals("sessionID").
func RequireAuth(secret, issuer string) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "Missing bearer token")
		}

		claims, err := ValidateAccessToken(token, secret, issuer)
		if err != nil {
			code := httputil.TokenInvalid
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = httputil.TokenExpired
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, code, "Invalid or expired token")
		}

		userID, sessionID, err := claims.ParseIdentity()
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.TokenInvalid, "Invalid token identity")
		}

		c.Locals("userID", userID)
		c.Locals("sessionID", sessionID)
		return c.Next()
	}
}
