package handlers

import (
	"strings"

	"chat-relay/internal/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// ControlAuthMiddleware requires a control-plane bearer token.
func ControlAuthMiddleware(tokens *services.ControlTokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := ""
		if h := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Missing token")
		}

		issuer, err := tokens.Validate(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid token")
		}
		c.Locals("issuer", issuer)
		return c.Next()
	}
}

type sessionKeyRequest struct {
	UserKey    string `json:"userKey" form:"userKey" query:"userKey"`
	SessionKey string `json:"sessionKey" form:"sessionKey" query:"sessionKey"`
}

// SessionKeyHandler registers a session token pushed by the authentication
// system. GET reads the query string, POST the body.
func SessionKeyHandler(run Runner, relay *services.RelayService, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req sessionKeyRequest
		var err error
		if c.Method() == fiber.MethodGet {
			err = c.QueryParser(&req)
		} else {
			err = c.BodyParser(&req)
		}
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}
		if req.UserKey == "" || req.SessionKey == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "userKey and sessionKey required"})
		}

		log.Debug("session key pushed", zap.Any("issuer", c.Locals("issuer")), zap.String("user", req.UserKey))
		run.Post(func() { relay.UpdateSessionKey(req.UserKey, req.SessionKey) })
		return c.JSON(fiber.Map{"status": "done"})
	}
}

// StatsHandler reports the relay's in-memory state.
func StatsHandler(run Runner, relay *services.RelayService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var stats services.Stats
		if err := run.Do(c.UserContext(), func() { stats = relay.Stats() }); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(stats)
	}
}

func HealthHandler(hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "sockets": hub.Count()})
	}
}

// Register mounts every route on app.
func Register(app *fiber.App, run Runner, relay *services.RelayService, hub *Hub, tokens *services.ControlTokens, sendBuffer int, log *zap.Logger) {
	app.Get("/health", HealthHandler(hub))
	app.Get("/stats", StatsHandler(run, relay))

	internal := app.Group("/internal", ControlAuthMiddleware(tokens))
	internal.Get("/session-keys", SessionKeyHandler(run, relay, log))
	internal.Post("/session-keys", SessionKeyHandler(run, relay, log))

	app.Use("/ws", WSUpgradeMiddleware)
	app.Get("/ws", WebSocketHandler(run, relay, hub, sendBuffer, log))
}
