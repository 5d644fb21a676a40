package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jefftrojan/twigane/internal/apperrors"
	"github.com/jefftrojan/twigane/internal/auth"
	"github.com/jefftrojan/twigane/internal/hub"
	"github.com/jefftrojan/twigane/internal/metrics"
	presence "github.com/jefftrojan/twigane/internal/redis"
	"github.com/jefftrojan/twigane/internal/ws"
)

// PresenceReader reads the last recorded presence of a user.
type PresenceReader interface {
	Get(ctx context.Context, userID string) (presence.Status, error)
}

type Deps struct {
	Hub       *hub.Hub
	Auth      *auth.Validator
	WS        *ws.Server
	Presence  PresenceReader
	Limiter   *RateLimiter
	Gatherer  prometheus.Gatherer
	Logger    *zap.SugaredLogger
	AccessLog bool

	// CORSOrigins is a comma separated allow list; empty disables CORS.
	CORSOrigins string
}

type Server struct {
	hub      *hub.Hub
	jv       *auth.Validator
	presence PresenceReader
	log      *zap.SugaredLogger
}

// NewServer builds the fiber app with every route mounted.
func NewServer(d Deps) *fiber.App {
	log := d.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(log),
	})
	app.Use(recover.New())
	if d.AccessLog {
		app.Use(logger.New())
	}
	if d.CORSOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: d.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		}))
	}

	s := &Server{hub: d.Hub, jv: d.Auth, presence: d.Presence, log: log}

	if d.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(d.Gatherer)))
	}

	v1 := app.Group("/v1")
	v1.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	if d.WS != nil {
		v1.Get("/ws", d.WS.Upgrade, s.wsAuth, d.WS.Handler())
	}

	authn := JWTAuthMiddleware(d.Auth)
	v1.Get("/notifications", authn, s.listNotifications)
	v1.Post("/notifications/:id/read", authn, s.markRead)
	producer := []fiber.Handler{authn, RequireScope(auth.ScopeNotificationsWrite)}
	if d.Limiter != nil {
		producer = append(producer, d.Limiter.MiddlewareByKey(userKey))
	}
	v1.Post("/notifications", append(producer, s.createNotification)...)
	v1.Get("/presence/:user_id", authn, s.getPresence)

	return app
}

func errorHandler(log *zap.SugaredLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		msg := "internal error"

		var fe *fiber.Error
		switch {
		case errors.As(err, &fe):
			code, msg = fe.Code, fe.Message
		case errors.Is(err, apperrors.ErrValidation):
			code, msg = fiber.StatusBadRequest, err.Error()
		case errors.Is(err, apperrors.ErrUnauthorized):
			code, msg = fiber.StatusUnauthorized, "unauthorized"
		case errors.Is(err, apperrors.ErrForbidden):
			code, msg = fiber.StatusForbidden, "forbidden"
		case errors.Is(err, apperrors.ErrRateLimited):
			code, msg = fiber.StatusTooManyRequests, "rate limit exceeded"
		case errors.Is(err, apperrors.ErrNotFound):
			code, msg = fiber.StatusNotFound, "not found"
		case errors.Is(err, apperrors.ErrStore):
			code, msg = fiber.StatusServiceUnavailable, "service unavailable"
		}
		if code >= fiber.StatusInternalServerError {
			log.Errorw("request failed", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
		}
		return c.Status(code).JSON(fiber.Map{"error": msg})
	}
}
