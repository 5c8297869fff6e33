package handler

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/pairing/service"
)

func WebSocketUpgrader(c *fiber.Ctx) error {
	// IsWebSocketUpgrade returns true if the client
	// requested upgrade to the WebSocket protocol.
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return eris.Wrap(c.Next(), "")
	}
	return fiber.ErrUpgradeRequired
}

// WebSocketSignals pushes disconnect signals of the user in the path. Every notification on the user's
// channel triggers a poll, so a signal is still delivered at most once and in priority order.
// The optional roomName query parameter selects the room whose deletion is watched.
func WebSocketSignals(svc *service.Service) func(*fiber.Ctx) error {
	return websocket.New(func(conn *websocket.Conn) {
		userID := conn.Params("userId")
		roomName := conn.Query("roomName")
		logger := log.With().Str("component", "events").Str("user", userID).Logger()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sub := svc.SubscribeSignals(ctx, userID)
		defer sub.Close()
		if _, err := sub.Receive(ctx); err != nil {
			logger.Err(eris.Wrap(err, "")).Msg("failed to subscribe to signals")
			return
		}

		// The reader only notices the client going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		push := func() bool {
			res, err := svc.PollDisconnect(ctx, userID, roomName)
			if err != nil {
				logger.Err(err).Msg("poll failed")
				return ctx.Err() == nil
			}
			if !res.Disconnected {
				return true
			}
			bz, err := json.Marshal(res)
			if err != nil {
				logger.Err(eris.Wrap(err, "")).Msg("failed to encode signal")
				return false
			}
			if err := conn.WriteMessage(websocket.TextMessage, bz); err != nil {
				logger.Err(eris.Wrap(err, "")).Msg("websocket write message failed")
				return false
			}
			return true
		}

		// Deliver whatever was raised before the subscription.
		if !push() {
			return
		}
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok || !push() {
					return
				}
			}
		}
	})
}
