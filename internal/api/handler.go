package api

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/jefftrojan/twigane/internal/apperrors"
	"github.com/jefftrojan/twigane/internal/auth"
	"github.com/jefftrojan/twigane/internal/model"
	presence "github.com/jefftrojan/twigane/internal/redis"
)

func (s *Server) listNotifications(c *fiber.Ctx) error {
	userID := userKey(c)
	out, err := s.hub.List(c.UserContext(), userID, c.QueryBool("unread_only", false))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"notifications": out})
}

func (s *Server) markRead(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing id")
	}
	ok, err := s.hub.MarkRead(c.UserContext(), id, userKey(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"modified": ok})
}

func (s *Server) createNotification(c *fiber.Ctx) error {
	var req model.CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
	}
	n, err := s.hub.Create(c.UserContext(), req)
	if err != nil {
		return err
	}
	s.log.Infow("notification created", "id", n.ID, "user_id", n.UserID, "type", n.Type, "by", userKey(c))
	return c.Status(fiber.StatusCreated).JSON(n)
}

func (s *Server) getPresence(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	if userID != userKey(c) && !claimsOf(c).HasScope(auth.ScopePresenceRead) {
		return fmt.Errorf("%w: presence of another user", apperrors.ErrForbidden)
	}
	channels := s.hub.Online(userID)

	st := presence.Status{Status: presence.StatusOffline}
	if s.presence != nil {
		got, err := s.presence.Get(c.UserContext(), userID)
		if err != nil {
			s.log.Warnw("presence lookup failed", "user_id", userID, "error", err)
		} else {
			st = got
		}
	}
	if channels > 0 {
		st.Status = presence.StatusOnline
	}
	return c.JSON(fiber.Map{
		"user_id":   userID,
		"status":    st.Status,
		"last_seen": st.LastSeen,
		"channels":  channels,
	})
}
