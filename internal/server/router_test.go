package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	healthhandler "bizhub/realtime/internal/health/handler"
	identityhandler "bizhub/realtime/internal/identity/handler"
	identityservice "bizhub/realtime/internal/identity/service"
	"bizhub/realtime/internal/security"
	"bizhub/realtime/internal/session"
	"bizhub/realtime/internal/state"
)

type routerEnv struct {
	handler http.Handler
	auth    *identityservice.AuthService
	events  *int
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	p, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	mr := miniredis.RunT(t)
	st := state.New(context.Background(), state.Options{URL: "redis://" + mr.Addr()}, nil)
	t.Cleanup(func() { _ = st.Close() })

	auth := identityservice.NewAuthService(p, st, nil, nil)
	hits := 0
	h := NewRouter(Deps{
		Events: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits++
			w.WriteHeader(http.StatusTeapot)
		}),
		EventsPath: "/ws",
		Health:     healthhandler.NewHandler(st, nil, nil),
		Auth:       identityhandler.NewAuthHandler(auth, nil, nil, nil),
		Authn:      session.NewAuthenticator(p, session.WithRevocations(st)),
	})
	return &routerEnv{handler: h, auth: auth, events: &hits}
}

func (e *routerEnv) do(method, path, body, bearer string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Routes(t *testing.T) {
	env := newRouterEnv(t)
	pair, err := env.auth.Issue("u1", "customer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		bearer string
		want   int
	}{
		{"health", http.MethodGet, "/healthz", "", "", http.StatusOK},
		{"events", http.MethodGet, "/ws", "", "", http.StatusTeapot},
		{"default events path unmounted", http.MethodGet, "/events", "", "", http.StatusNotFound},
		{"whoami without token", http.MethodGet, "/auth/whoami", "", "", http.StatusUnauthorized},
		{"whoami", http.MethodGet, "/auth/whoami", "", pair.AccessToken, http.StatusOK},
		{"refresh wrong method", http.MethodGet, "/auth/refresh", "", "", http.StatusMethodNotAllowed},
		{"refresh needs no bearer", http.MethodPost, "/auth/refresh", `{"refresh_token":"` + pair.RefreshToken + `"}`, "", http.StatusOK},
		{"logout without token", http.MethodPost, "/auth/logout", "", "", http.StatusUnauthorized},
		{"unknown", http.MethodGet, "/nope", "", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(tt.method, tt.path, tt.body, tt.bearer)
			if rr.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (body %s)", tt.method, tt.path, rr.Code, tt.want, rr.Body)
			}
		})
	}
	if *env.events != 1 {
		t.Errorf("events handler hit %d times, want 1", *env.events)
	}
}

func TestRouter_LogoutThenWhoAmI(t *testing.T) {
	env := newRouterEnv(t)
	pair, _ := env.auth.Issue("u1", "customer")

	if rr := env.do(http.MethodPost, "/auth/logout", "", pair.AccessToken); rr.Code != http.StatusNoContent {
		t.Fatalf("logout = %d, want 204", rr.Code)
	}
	rr := env.do(http.MethodGet, "/auth/whoami", "", pair.AccessToken)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("whoami after logout = %d, want 401", rr.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["error"] != "token revoked" {
		t.Errorf("error = %q, want token revoked", body["error"])
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("WWW-Authenticate should be set on 401")
	}
}
