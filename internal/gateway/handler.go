package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bizhub/realtime/internal/session"
)

// Subprotocol is the application protocol negotiated on upgrade.
const Subprotocol = "events"

// TokenProtocolPrefix marks the Sec-WebSocket-Protocol entry that carries the auth payload token.
const TokenProtocolPrefix = "token."

const (
	maxMessageSize = 4096
	// maxCloseReason is the control-frame payload limit minus the two-byte close code.
	maxCloseReason = 123
	closeGrace     = time.Second
)

// Handler upgrades HTTP requests to WebSocket connections served by a Hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler returns a Handler for hub. checkOrigin may be nil to accept every origin.
func NewHandler(hub *Hub, checkOrigin func(*http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin:     checkOrigin,
		},
		log: hub.log,
	}
}

// HandshakeFromRequest collects the token sources a client may use on an upgrade request.
func HandshakeFromRequest(r *http.Request) session.Handshake {
	hs := session.Handshake{Query: r.URL.Query(), Header: r.Header}
	for _, p := range websocket.Subprotocols(r) {
		if strings.HasPrefix(p, TokenProtocolPrefix) {
			hs.Auth = map[string]string{"token": strings.TrimPrefix(p, TokenProtocolPrefix)}
			break
		}
	}
	return hs
}

// ServeHTTP upgrades, authenticates and then runs the read loop until the client goes away.
// Rejected handshakes get a policy-violation close frame carrying the reason.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	conn, err := h.hub.Connect(r.Context(), HandshakeFromRequest(r), ws)
	if err != nil {
		h.refuse(ws, err)
		return
	}
	h.readLoop(ws, conn)
}

func (h *Handler) refuse(ws *websocket.Conn, err error) {
	code := websocket.ClosePolicyViolation
	reason := "connection refused"
	var rej *session.RejectionError
	if errors.As(err, &rej) {
		reason = rej.Reason
	} else if errors.Is(err, ErrHubClosed) {
		code = websocket.CloseGoingAway
		reason = "server shutting down"
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	_ = ws.Close()
}

func (h *Handler) readLoop(ws *websocket.Conn, conn *Conn) {
	defer h.hub.Disconnect(conn.ID())

	ws.SetReadLimit(maxMessageSize)
	pongWait := h.hub.PongWait()
	extend := func() {
		if pongWait > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug("read failed", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		extend()
		h.handleFrame(conn, msg)
	}
}

// handleFrame answers liveness probes. Other client frames are ignored.
func (h *Handler) handleFrame(conn *Conn, msg []byte) {
	msg = bytes.TrimSpace(msg)
	if string(msg) == EventPing {
		h.hub.reply(conn, EventPong, EventPong)
		return
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.log.Debug("invalid client frame", zap.String("conn_id", conn.ID()), zap.Error(err))
		return
	}
	switch env.Event {
	case EventPing:
		h.hub.reply(conn, EventPong, EventPong)
	default:
		h.log.Debug("client frame ignored", zap.String("conn_id", conn.ID()), zap.String("event", env.Event))
	}
}
