package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maestro-run/maestro/core"
)

// writeTimeout bounds one outbound websocket write.
const writeTimeout = 10 * time.Second

// PrincipalFunc extracts the authenticated principal from the upgrade
// request. The default reads the X-Principal-ID header and falls back to
// "anonymous"; production deployments inject their own.
type PrincipalFunc func(r *http.Request) (string, error)

func defaultPrincipal(r *http.Request) (string, error) {
	if p := r.Header.Get("X-Principal-ID"); p != "" {
		return p, nil
	}
	return "anonymous", nil
}

// WebsocketConfig configures the websocket transport.
type WebsocketConfig struct {
	Hub    *Hub
	Logger core.Logger

	Principal PrincipalFunc

	// CheckOrigin overrides the upgrader's origin policy. Default accepts
	// same-origin only (the gorilla default).
	CheckOrigin func(r *http.Request) bool
}

// WebsocketHandler upgrades HTTP requests to websocket connections and
// binds each to a hub session: one read pump routing inbound frames, one
// write pump draining the session mailbox. Frames travel as JSON text
// messages; the websocket's own framing replaces the length prefix.
type WebsocketHandler struct {
	hub       *Hub
	logger    core.Logger
	principal PrincipalFunc
	upgrader  websocket.Upgrader
}

var _ http.Handler = (*WebsocketHandler)(nil)

// NewWebsocketHandler creates the transport over the hub.
func NewWebsocketHandler(cfg WebsocketConfig) *WebsocketHandler {
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Principal == nil {
		cfg.Principal = defaultPrincipal
	}
	return &WebsocketHandler{
		hub:       cfg.Hub,
		logger:    cfg.Logger,
		principal: cfg.Principal,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

func (t *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := t.principal(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("Websocket upgrade failed", map[string]interface{}{
			"operation": "ws_upgrade",
			"error":     err.Error(),
		})
		return
	}

	s, err := t.hub.Open(r.Context(), principal)
	if err != nil {
		code := websocket.ClosePolicyViolation
		if errors.Is(err, core.ErrRateLimited) {
			code = websocket.CloseTryAgainLater
		}
		msg := websocket.FormatCloseMessage(code, core.ErrorCode(err))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		conn.Close()
		return
	}

	go t.writePump(s, conn)
	t.readPump(s, conn)
}

// readPump decodes inbound messages and routes them through the hub. A
// protocol-version mismatch closes the session; malformed JSON answers
// with an error frame and keeps reading.
func (t *WebsocketHandler) readPump(s *Session, conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.hub.CloseSession(s, ReasonClientDisconnect)
			return
		}
		frame, err := UnmarshalFrame(data)
		if err != nil {
			if errors.Is(err, core.ErrUnsupportedProtocol) {
				t.hub.CloseSession(s, ReasonUnsupportedProtocol)
				return
			}
			t.hub.send(s, errorFrame("", err))
			continue
		}
		t.hub.Inbound(ctx, s, frame)
		if s.Closed() {
			return
		}
	}
}

// writePump drains the session mailbox onto the connection and writes the
// close handshake when the session ends.
func (t *WebsocketHandler) writePump(s *Session, conn *websocket.Conn) {
	defer conn.Close()
	ctx := context.Background()
	for {
		frame, ok := s.NextOutbound(ctx)
		if !ok {
			reason := s.CloseReason()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			return
		}
		payload, err := frame.Marshal()
		if err != nil {
			t.logger.Error("Failed to encode outbound frame", map[string]interface{}{
				"operation":  "ws_write",
				"session_id": s.ID,
				"frame_type": frame.Type,
				"error":      err.Error(),
			})
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			t.hub.CloseSession(s, ReasonClientDisconnect)
			return
		}
	}
}
