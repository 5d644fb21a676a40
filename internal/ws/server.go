package ws

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/jefftrojan/twigane/internal/hub"
)

// LocalUserID is the fiber local holding the authenticated user id.
const LocalUserID = "user_id"

type Server struct {
	hub  *hub.Hub
	opts Options
	log  *zap.SugaredLogger
	ctx  context.Context
}

// NewServer serves websocket channels for h. ctx bounds every connection's
// hub calls; cancel it at shutdown.
func NewServer(ctx context.Context, h *hub.Hub, opts Options, log *zap.SugaredLogger) *Server {
	opts.defaults()
	return &Server{hub: h, opts: opts, log: log, ctx: ctx}
}

// Upgrade rejects non-websocket requests. It must run after the handler
// that authenticates the request and stores LocalUserID.
func (s *Server) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

// Handler is the fiber websocket handler.
func (s *Server) Handler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		uid, _ := conn.Locals(LocalUserID).(string)
		if uid == "" {
			_ = conn.Close()
			return
		}
		c := NewConn(conn, uid, s.hub, s.opts, s.log)
		s.log.Infow("channel opened", "user_id", uid, "conn", c.ID())
		c.Run(s.ctx)
		s.log.Infow("channel closed", "user_id", uid, "conn", c.ID())
	}, websocket.Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	})
}
