package api

import (
	"log/slog"
	"time"

	"formdesk-server/service"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleWidgetWSUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		sess := c.Locals(localSession).(*service.Session)
		if !s.hubs.ExistsHub(sess.ID) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "widget hub not found"})
		}
		slog.Info("WebSocket connection request", "sessionid", sess.ID)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (s *Server) handleWidgetWSConn(conn *websocket.Conn) {
	sess, ok := conn.Locals(localSession).(*service.Session)
	if !ok || sess == nil {
		slog.Error("Session not found in widget WS connection")
		conn.Close()
		return
	}
	hub := s.hubs.GetHub(sess.ID)
	if hub == nil {
		slog.Error("No widget hub found for session", "sessionid", sess.ID)
		conn.Close()
		return
	}
	client := hub.AddClientConn(conn)
	defer func() {
		client.Close()
		// the idle clock starts when the tab leaves
		sess.Touch(time.Now())
	}()

	if err := sess.Bridge.Replay(client.Send); err != nil {
		slog.Warn("Failed to replay live widgets", "sessionid", sess.ID, "err", err)
	}

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("WebSocket connection closed", "sessionid", sess.ID)
				return
			}
			slog.Error("Failed to read message", "sessionid", sess.ID, "err", err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		sess.Touch(time.Now())
		if err := sess.Bridge.Dispatch(msg); err != nil {
			slog.Warn("Rejected widget frame", "sessionid", sess.ID, "err", err)
		}
	}
}
