package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bizhub/realtime/internal/security"
	"bizhub/realtime/internal/session"
)

type wsEnv struct {
	*testEnv
	srv *httptest.Server
	url string
}

func newWSEnv(t *testing.T, auth *session.Authenticator) *wsEnv {
	t.Helper()
	p, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	if auth == nil {
		auth = session.NewAuthenticator(p)
	}
	hub := NewHub(auth, Options{PongWait: 5 * time.Second})
	srv := httptest.NewServer(NewHandler(hub, nil))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &wsEnv{
		testEnv: &testEnv{hub: hub, tokens: p},
		srv:     srv,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (e *wsEnv) token(t *testing.T, identityID, roleID string) string {
	t.Helper()
	tok, err := e.tokens.IssueAccess(identityID, roleID)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	return tok.Token
}

func (e *wsEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
		Subprotocols:     []string{Subprotocol, TokenProtocolPrefix + token},
	}
	ws, resp, err := d.Dial(e.url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if resp.Header.Get("Sec-WebSocket-Protocol") != Subprotocol {
		t.Errorf("negotiated subprotocol = %q, want %q", resp.Header.Get("Sec-WebSocket-Protocol"), Subprotocol)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn, wait time.Duration) (Envelope, error) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	var env Envelope
	err := ws.ReadJSON(&env)
	return env, err
}

func expectNoFrame(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, msg, err := ws.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame %s", msg)
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func TestHandler_StockAlertReachesManagersOnly(t *testing.T) {
	env := newWSEnv(t, nil)
	manager := env.dial(t, env.token(t, "m1", "manager"))
	customer := env.dial(t, env.token(t, "c1", "customer"))
	eventually(t, "two connections", func() bool { return env.hub.Len() == 2 })

	env.hub.StockAlert("manager", "oil filter", 1, 4)

	got, err := readEnvelope(t, manager, 2*time.Second)
	if err != nil {
		t.Fatalf("manager read: %v", err)
	}
	if got.Event != EventStockAlert || !strings.Contains(string(got.Data), `"partName":"oil filter"`) {
		t.Errorf("manager frame = %s %s", got.Event, got.Data)
	}
	expectNoFrame(t, customer)
}

func TestHandler_PingPong(t *testing.T) {
	env := newWSEnv(t, nil)
	ws := env.dial(t, env.token(t, "u1", "customer"))

	if err := ws.WriteJSON(map[string]string{"event": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	got, err := readEnvelope(t, ws, 2*time.Second)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if got.Event != EventPong || string(got.Data) != `"pong"` {
		t.Errorf("reply = %s %s", got.Event, got.Data)
	}
}

func TestHandler_QueryAndHeaderTokens(t *testing.T) {
	env := newWSEnv(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(env.url+"?token="+env.token(t, "u1", "customer"), nil)
	if err != nil {
		t.Fatalf("query dial: %v", err)
	}
	defer ws.Close()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+env.token(t, "u2", "customer"))
	ws2, _, err := websocket.DefaultDialer.Dial(env.url, h)
	if err != nil {
		t.Fatalf("header dial: %v", err)
	}
	defer ws2.Close()

	eventually(t, "two connections", func() bool { return env.hub.Len() == 2 })
	if len(env.hub.Members(IdentityGroup("u1"))) != 1 || len(env.hub.Members(IdentityGroup("u2"))) != 1 {
		t.Error("both identities should be joined")
	}
}

func TestHandler_ExpiredTokenRefused(t *testing.T) {
	env := newWSEnv(t, nil)
	past := env.tokens.WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
	tok, err := past.IssueAccess("u1", "customer")
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	ws := env.dial(t, tok.Token)
	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read err = %v, want close error", err)
	}
	if ce.Code != websocket.ClosePolicyViolation || ce.Text != "token invalid" {
		t.Errorf("close = %d %q, want 1008 token invalid", ce.Code, ce.Text)
	}
	if env.hub.Len() != 0 {
		t.Errorf("Len = %d, want 0", env.hub.Len())
	}
}

func TestHandler_MissingTokenRefused(t *testing.T) {
	env := newWSEnv(t, nil)
	ws, _, err := websocket.DefaultDialer.Dial(env.url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Text != "token missing" {
		t.Errorf("read err = %v, want token missing close", err)
	}
}

type revokedSet map[string]bool

func (r revokedSet) Available() bool { return true }

func (r revokedSet) IsTokenBlacklisted(_ context.Context, tok string) bool { return r[tok] }

func TestHandler_RevokedTokenRefused(t *testing.T) {
	p, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatal(err)
	}
	tok, _ := p.IssueAccess("u1", "customer")
	env := newWSEnv(t, session.NewAuthenticator(p, session.WithRevocations(revokedSet{tok.Token: true})))

	ws := env.dial(t, tok.Token)
	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Text != "token revoked" {
		t.Errorf("read err = %v, want token revoked close", err)
	}
}

func TestHandler_ClientCloseDisconnects(t *testing.T) {
	env := newWSEnv(t, nil)
	ws := env.dial(t, env.token(t, "u1", "customer"))
	eventually(t, "connected", func() bool { return env.hub.Len() == 1 })

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = ws.Close()
	eventually(t, "disconnected", func() bool { return env.hub.Len() == 0 })
	if len(env.hub.Members(BroadcastGroup)) != 0 {
		t.Error("broadcast group should be empty")
	}
}

func TestHandler_ShutdownSendsGoingAway(t *testing.T) {
	env := newWSEnv(t, nil)
	ws := env.dial(t, env.token(t, "u1", "customer"))
	eventually(t, "connected", func() bool { return env.hub.Len() == 1 })

	env.hub.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read err = %v, want close error", err)
	}
	if ce.Code != websocket.CloseGoingAway || ce.Text != "server shutting down" {
		t.Errorf("close = %d %q, want 1001 server shutting down", ce.Code, ce.Text)
	}
}

func TestHandshakeFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/events?token=q", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "events, token.abc.def")
	hs := HandshakeFromRequest(r)
	if tok, src := hs.Token(); tok != "abc.def" || src != session.SourceAuth {
		t.Errorf("Token = %q, %q; want abc.def from auth", tok, src)
	}

	r.Header.Del("Sec-WebSocket-Protocol")
	if tok, src := HandshakeFromRequest(r).Token(); tok != "q" || src != session.SourceQuery {
		t.Errorf("Token = %q, %q; want q from query", tok, src)
	}
}
