// Package server assembles the HTTP surface: readiness, the event stream upgrade and token exchange.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	healthhandler "bizhub/realtime/internal/health/handler"
	identityhandler "bizhub/realtime/internal/identity/handler"
	"bizhub/realtime/internal/server/middleware"
)

// DefaultEventsPath is where clients open the event stream.
const DefaultEventsPath = "/events"

// Deps holds the handlers mounted on the router.
type Deps struct {
	// Events upgrades event stream connections. Required.
	Events http.Handler
	// EventsPath overrides DefaultEventsPath.
	EventsPath string
	// Health serves GET /healthz. If nil, the route is not mounted.
	Health *healthhandler.Handler
	// Auth serves the /auth endpoints. If nil, they are not mounted.
	Auth *identityhandler.AuthHandler
	// Authn guards logout and whoami. Required when Auth is set.
	Authn middleware.Authenticator
	// Proxies are the reverse proxies trusted to report the client IP. May be nil.
	Proxies *middleware.ProxyList
	Logger  *zap.Logger
}

// NewRouter returns the HTTP handler for the process.
//
// Routes:
//   - GET  /healthz       readiness
//   - GET  {EventsPath}   WebSocket event stream
//   - POST /auth/refresh  exchange a refresh token
//   - POST /auth/logout   revoke the bearer token (authenticated)
//   - GET  /auth/whoami   echo the bearer identity (authenticated)
func NewRouter(deps Deps) http.Handler {
	path := deps.EventsPath
	if path == "" {
		path = DefaultEventsPath
	}

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(deps.Logger, deps.Proxies, "/healthz"))

	if deps.Health != nil {
		r.Handle("/healthz", deps.Health).Methods(http.MethodGet)
	}
	r.Handle(path, deps.Events).Methods(http.MethodGet)

	if deps.Auth != nil {
		auth := r.PathPrefix("/auth").Subrouter()
		auth.HandleFunc("/refresh", deps.Auth.Refresh).Methods(http.MethodPost)

		guarded := auth.NewRoute().Subrouter()
		guarded.Use(middleware.RequireAuth(deps.Authn))
		guarded.HandleFunc("/logout", deps.Auth.Logout).Methods(http.MethodPost)
		guarded.HandleFunc("/whoami", deps.Auth.WhoAmI).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
