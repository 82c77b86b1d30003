package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"ragchat/auth"
	"ragchat/types"
)

const usernameKey = "username"

// RequireAuth rejects requests without a valid bearer token and stores the
// token's username for the handlers.
func RequireAuth(tokens *auth.Issuer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return fmt.Errorf("%w: missing bearer token", types.ErrAuth)
		}
		username, err := tokens.Parse(strings.TrimSpace(token))
		if err != nil {
			return err
		}
		c.Locals(usernameKey, username)
		return c.Next()
	}
}

// Username returns the caller set by RequireAuth.
func Username(c *fiber.Ctx) string {
	s, _ := c.Locals(usernameKey).(string)
	return s
}
