package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"go.olrik.dev/wharf/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Only local editor windows connect; the listener is bound to loopback
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents pushes runtime events to a websocket client. With
// ?replay=true the retained history is sent first.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("Failed to upgrade connection", "error", err)
		return
	}

	replay := c.Query("replay") == "true" || c.Query("replay") == "1"
	id, ch := s.stream.Subscribe(replay)
	s.logger.Debug("Event client connected", "client", id, "replay", replay)

	closed := make(chan struct{})
	go s.readPump(conn, closed)
	s.writePump(conn, ch, closed)

	s.stream.Unsubscribe(id)
	s.logger.Debug("Event client disconnected", "client", id)
}

// readPump discards client messages and notices when the client goes away
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("Websocket read error", "error", err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, ch <-chan events.Event, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
