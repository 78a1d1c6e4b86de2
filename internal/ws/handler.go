// Package ws provides the primary client transport: a WebSocket carrying
// JSON control messages as text frames and raw PCM audio as binary frames.
package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"squawk/internal/core"
	"squawk/internal/protocol"
)

const writeTimeout = 5 * time.Second

// maxMessageSize bounds inbound frames. Control messages are small and an
// audio frame is 640 bytes; anything near the limit is garbage.
const maxMessageSize = 1 << 16

// Handler owns the websocket transport for the relay.
type Handler struct {
	registry *core.Registry
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the registry.
func NewHandler(registry *core.Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

// serveConn runs one connection: a writer goroutine drains the session's
// outbound buffers while the read loop feeds inbound traffic to the
// registry. The session exists from upgrade; identity arrives later with
// the client's register message.
func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	sess := h.registry.AddSession()
	defer h.registry.Disconnect(sess.ID)

	// Single writer: gorilla allows one concurrent writer per connection,
	// so control replies and mixed audio share this goroutine. When the
	// registry closes Send (disconnect, kick, eviction) the connection is
	// torn down, which also unblocks the read loop below.
	go func() {
		defer conn.Close()
		for {
			select {
			case msg, ok := <-sess.Send:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeTimeout))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case frame := <-sess.Audio:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			var in protocol.Message
			if err := json.Unmarshal(data, &in); err != nil {
				slog.Debug("dropping undecodable control message", "session_id", sess.ID, "err", err)
				continue
			}
			h.registry.Dispatch(sess.ID, in)
		case websocket.BinaryMessage:
			h.registry.PushFrame(sess.ID, data)
		}
	}
}
