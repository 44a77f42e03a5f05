package middleware

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/manimstudio/api/internal/auth"
	"github.com/manimstudio/api/pkg/response"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

// NewAuthMiddleware creates auth middleware over the shared authenticator
func NewAuthMiddleware(authenticator *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authenticator: authenticator}
}

// Authenticate validates the bearer token from the Authorization header.
// Browsers cannot set headers on websocket upgrades, so those may pass ?token= instead.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		if header := c.Get("Authorization"); header != "" {
			var ok bool
			if token, ok = auth.BearerToken(header); !ok {
				return response.Unauthorized(c, "Invalid authorization header format")
			}
		} else if websocket.IsWebSocketUpgrade(c) {
			token = c.Query("token")
		}
		if token == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		identity, err := m.authenticator.Authenticate(token)
		if err != nil {
			if errors.Is(err, auth.ErrNotConfigured) {
				return response.Unauthorized(c, "Authentication not configured")
			}
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setIdentity(c, identity)
		return c.Next()
	}
}

// setIdentity records the caller; handlers scope every project by this id
func setIdentity(c *fiber.Ctx, identity *auth.Identity) {
	c.Locals("userId", identity.UserID)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}
