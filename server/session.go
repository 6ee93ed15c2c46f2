package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/relay"
	"github.com/papercomputeco/chatrelay/pkg/store"
)

// SessionCookie names the cookie carrying the opaque session token.
const SessionCookie = "session_id"

const (
	localsUser    = "user"
	sessionMaxAge = 30 * 24 * time.Hour
)

// sessionMiddleware resolves the session cookie to a user, issuing a new
// token when the cookie is missing or malformed.
func (s *Server) sessionMiddleware(c *fiber.Ctx) error {
	token := c.Cookies(SessionCookie)
	if _, err := uuid.Parse(token); err != nil {
		token = uuid.NewString()
		c.Cookie(&fiber.Cookie{
			Name:     SessionCookie,
			Value:    token,
			Path:     "/",
			MaxAge:   int(sessionMaxAge.Seconds()),
			HTTPOnly: true,
			SameSite: fiber.CookieSameSiteLaxMode,
		})
		s.logger.Debug("issued session", zap.String("session_id", token))
	}

	user, err := s.store.UserBySession(c.UserContext(), token)
	if err != nil {
		s.logger.Error("failed to resolve session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to resolve session"})
	}

	c.Locals(localsUser, user)
	return c.Next()
}

// caller returns the identity resolved by sessionMiddleware.
func caller(c *fiber.Ctx) relay.Caller {
	user, ok := c.Locals(localsUser).(*store.User)
	if !ok {
		return relay.Caller{}
	}
	return relay.Caller{UserID: user.ID, SessionID: user.SessionID}
}
