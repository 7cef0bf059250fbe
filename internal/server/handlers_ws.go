package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"statehub/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // peers connect from anywhere
	},
}

func (s *Server) handleRoot(c echo.Context) error {
	if !websocket.IsWebSocketUpgrade(c.Request()) {
		return c.Redirect(http.StatusFound, "/channels")
	}
	return s.serveSocket(c, s.registry.Get(hub.RootEndpoint))
}

// handleChannel serves the channel's websocket; a plain GET returns its
// descriptor.
func (s *Server) handleChannel(c echo.Context) error {
	ch, err := s.channelOr404(c)
	if ch == nil {
		return err
	}
	if !websocket.IsWebSocketUpgrade(c.Request()) {
		return c.JSON(http.StatusOK, ch.Describe())
	}
	return s.serveSocket(c, ch)
}

func (s *Server) serveSocket(c echo.Context, ch *hub.Channel) error {
	if ch == nil {
		return c.String(http.StatusNotFound, "channel not found")
	}

	intent := hub.IntentReadWrite
	if c.QueryParam("readonly") != "" {
		intent = hub.IntentReadOnly
	} else if c.QueryParam("writeonly") != "" {
		intent = hub.IntentWriteOnly
	}
	key := c.QueryParam("key")

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	session, err := ch.Attach(conn, intent, key)
	if err != nil {
		// Denials answer on the socket before closing it; the HTTP
		// handshake already succeeded.
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte("authentication error: "+intent.String()+" access refused"))
		_ = conn.Close()
		return nil
	}

	// Read pump; blocks until the connection closes.
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch messageType {
		case websocket.BinaryMessage:
			session.HandleBinary(data)
		case websocket.TextMessage:
			session.HandleText(string(data))
		}
	}

	ch.Detach(session)
	return nil
}
