package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dhruvvootkuri/haven/internal/hub"
	"github.com/dhruvvootkuri/haven/internal/model"
)

// upgrader is shared by all WebSocket connections. Origin checks are
// left to the deployment's reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// HandleWebSocket handles GET /v1/ws.
//
// Browser WebSocket clients cannot set an Authorization header, so the
// JWT arrives as a token query parameter and is validated before the
// upgrade. At least one of call_id / client_id selects what to follow;
// a connection carrying both receives each event once (the hub
// deduplicates per subscriber).
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if _, err := h.jwtMgr.ValidateToken(q.Get("token")); err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
		return
	}

	var keys []string
	if v := q.Get("call_id"); v != "" {
		callID, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid call_id")
			return
		}
		keys = append(keys, hub.CallKey(callID))
	}
	if v := q.Get("client_id"); v != "" {
		clientID, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid client_id")
			return
		}
		keys = append(keys, hub.ClientKey(clientID))
	}
	if len(keys) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "call_id or client_id is required")
		return
	}

	// Register before upgrading so no event published during the
	// handshake is missed.
	events, err := h.hub.Register(keys...)
	if err != nil {
		h.writeInternalError(w, r, "failed to register subscriber", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.hub.Unregister(events)
		return
	}

	h.logger.Info("websocket connected", "keys", keys, "remote", r.RemoteAddr)

	ack, _ := json.Marshal(hub.Envelope{Type: hub.EventConnected})
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		h.hub.Unregister(events)
		_ = conn.Close()
		return
	}

	done := make(chan struct{})

	// Reader: inbound frames are discarded, but the read loop is what
	// notices a closed or broken socket.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Writer: drains hub events onto the socket and pings idle
	// connections so half-open sockets get torn down.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer func() {
			ticker.Stop()
			h.hub.Unregister(events)
			_ = conn.Close()
			h.logger.Info("websocket disconnected", "keys", keys, "remote", r.RemoteAddr)
		}()
		for {
			select {
			case msg, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}
