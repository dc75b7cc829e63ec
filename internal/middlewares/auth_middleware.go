package middlewares

import (
	"strings"

	"github.com/flowbaker/flowdispatch/internal/auth"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

const claimsLocalKey = "claims"

func BearerAuthMiddleware(verifier *auth.TokenVerifier) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)

		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing bearer token",
			})
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			log.Error().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("Token verification failed")

			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token",
			})
		}

		c.Locals(claimsLocalKey, claims)

		log.Debug().
			Str("path", c.Path()).
			Str("team_id", claims.TeamID).
			Msg("Token verified successfully")

		return c.Next()
	}
}

// AnonymousMiddleware is used when no jwt secret is configured. Every request
// runs as the team and user given in headers, or as "local".
func AnonymousMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		claims := auth.Claims{
			TeamID: headerOr(c, "X-Team-ID", "local"),
			UserID: headerOr(c, "X-User-ID", "local"),
		}

		c.Locals(claimsLocalKey, claims)

		return c.Next()
	}
}

func GetClaims(c fiber.Ctx) (auth.Claims, bool) {
	claims, ok := c.Locals(claimsLocalKey).(auth.Claims)

	return claims, ok
}

func headerOr(c fiber.Ctx, key string, fallback string) string {
	if value := c.Get(key); value != "" {
		return value
	}

	return fallback
}
