package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/jefftrojan/twigane/internal/apperrors"
	"github.com/jefftrojan/twigane/internal/auth"
	"github.com/jefftrojan/twigane/internal/ws"
)

const localClaims = "claims"

func JWTAuthMiddleware(validator *auth.Validator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return err
		}
		claims, err := validator.Parse(token)
		if err != nil {
			return err
		}
		c.Locals(ws.LocalUserID, claims.UserID)
		c.Locals(localClaims, claims)
		return c.Next()
	}
}

// RequireScope rejects callers whose token lacks scope. It must run after
// JWTAuthMiddleware.
func RequireScope(scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !claimsOf(c).HasScope(scope) {
			return fmt.Errorf("%w: missing scope %s", apperrors.ErrForbidden, scope)
		}
		return c.Next()
	}
}

func claimsOf(c *fiber.Ctx) auth.Claims {
	claims, _ := c.Locals(localClaims).(auth.Claims)
	return claims
}

// wsAuth accepts the token as ?token= (browsers cannot set headers on a
// websocket handshake) or as a bearer header.
func (s *Server) wsAuth(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		t, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return err
		}
		token = t
	}
	userID, err := s.jv.Validate(token)
	if err != nil {
		return err
	}
	c.Locals(ws.LocalUserID, userID)
	return c.Next()
}

func userKey(c *fiber.Ctx) string {
	uid, _ := c.Locals(ws.LocalUserID).(string)
	return uid
}
