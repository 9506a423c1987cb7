package handlers

import (
	"context"

	"chat-relay/internal/models"
	"chat-relay/internal/services"
	"chat-relay/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner executes closures on the event loop.
type Runner interface {
	Post(fn func())
	Do(ctx context.Context, fn func()) error
}

// WebSocketHandler serves one client connection: frames are decoded here
// and handed to the relay on the event loop.
func WebSocketHandler(run Runner, relay *services.RelayService, hub *Hub, sendBuffer int, log *zap.Logger) fiber.Handler {
	log = log.Named("ws")
	return websocket.New(func(c *websocket.Conn) {
		conn := newWSConn(uuid.New().String(), c, sendBuffer, log)
		hub.add(conn)
		run.Post(func() { relay.Connect(conn) })
		go conn.writePump()

		log.Debug("connection opened", zap.String("conn", conn.id), zap.String("remote", c.RemoteAddr().String()))

		defer func() {
			run.Post(func() {
				relay.Handle(conn, models.ConnectionEvent{Kind: models.EventDisconnect})
			})
			hub.remove(conn.id)
			conn.close()
			// the socket is pooled by the websocket package once we return
			conn.wait()
			log.Debug("connection closed", zap.String("conn", conn.id))
		}()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Info("read failed", zap.String("conn", conn.id), zap.Error(err))
				}
				return
			}

			ev, err := decodeFrame(msg)
			if err != nil {
				log.Debug("frame rejected", zap.String("conn", conn.id), zap.Error(err))
				continue
			}
			run.Post(func() { relay.Handle(conn, ev) })
		}
	})
}

func decodeFrame(msg []byte) (models.Event, error) {
	env, err := utils.ParseEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return models.DecodeEvent(env)
}

// WSUpgradeMiddleware rejects plain HTTP requests to the websocket route.
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
