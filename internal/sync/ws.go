package sync

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 3 * time.Second
	wsWriteDeadline    = 5 * time.Second
	wsMaxMessageSize   = 16 * 1024

	// wsPongWait - wsPingInterval is how long a client has to answer a ping.
	wsPingInterval = 20 * time.Second
	wsPongWait     = 30 * time.Second
)

// WSHandler upgrades HTTP requests to WebSocket connections and bridges them
// to the Router: one reader goroutine feeding HandleEvent, one writer
// goroutine draining the session outbox.
type WSHandler struct {
	router   *Router
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewWSHandler returns the event channel endpoint handler.
func NewWSHandler(router *Router, log *slog.Logger) *WSHandler {
	return &WSHandler{
		router: router,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: wsHandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// The browser client may be served from another origin than
			// the backend; tokens gate the streams, not the socket.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeHTTP handles one viewer connection for its whole lifetime.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess := NewSession()
	h.router.Register(sess)

	go h.writePump(conn, sess)
	h.readPump(r, conn, sess)

	h.router.Unregister(sess)
	h.closeConn(conn)
}

func (h *WSHandler) readPump(r *http.Request, conn *websocket.Conn, sess *Session) {
	conn.SetReadLimit(wsMaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		h.log.Error("failed to set read deadline", "error", err, "sid", sess.ID)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				h.log.Debug("websocket read failed", "error", err, "sid", sess.ID)
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			h.log.Debug("discarding malformed frame", "error", err, "sid", sess.ID)
			sess.Enqueue(Envelope{Event: EventError, Data: ErrorPayload{Message: "malformed event"}})
			continue
		}
		h.router.HandleEvent(r.Context(), sess, in)
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, sess *Session) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if err := h.writeControl(conn, websocket.PingMessage); err != nil {
				h.log.Debug("ping failed", "error", err, "sid", sess.ID)
				return
			}
		case env := <-sess.Outbox():
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err != nil {
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				h.log.Debug("websocket write failed", "error", err, "sid", sess.ID)
				return
			}
		}
	}
}

func (h *WSHandler) writeControl(conn *websocket.Conn, messageType int) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, nil)
}

func (h *WSHandler) closeConn(conn *websocket.Conn) {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err == nil {
		_ = conn.WriteMessage(websocket.CloseMessage, nil)
	}
	_ = conn.Close()
}
