// Package handler serves the readiness endpoint.
package handler

import (
	"context"
	"net/http"
	"time"

	"bizhub/realtime/internal/server/middleware"
)

const checkTimeout = 2 * time.Second

// Pinger reports shared-state reachability. *state.Service satisfies it.
type Pinger interface {
	Available() bool
	Ping(ctx context.Context) error
}

// PolicyChecker verifies the admission policy compiles and evaluates. *engine.OPAEvaluator satisfies it.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionCounter reports live connections. *gateway.Hub satisfies it.
type ConnectionCounter interface {
	Len() int
}

// Response is the body of GET /healthz.
type Response struct {
	Status      string `json:"status"`
	SharedState string `json:"shared_state"`
	Policy      string `json:"policy"`
	Connections int    `json:"connections"`
}

// Handler serves GET /healthz. Any dependency may be nil.
type Handler struct {
	pinger  Pinger
	policy  PolicyChecker
	counter ConnectionCounter
}

// NewHandler returns a health Handler.
func NewHandler(pinger Pinger, policy PolicyChecker, counter ConnectionCounter) *Handler {
	return &Handler{pinger: pinger, policy: policy, counter: counter}
}

// ServeHTTP reports ok unless the admission policy is broken. Unreachable shared state only
// degrades the process, so it is reported without failing the check.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := Response{Status: "ok", SharedState: "disabled", Policy: "disabled"}
	if h.pinger != nil {
		resp.SharedState = "available"
		if !h.pinger.Available() || h.pinger.Ping(ctx) != nil {
			resp.SharedState = "unavailable"
		}
	}
	if h.policy != nil {
		resp.Policy = "ok"
		if err := h.policy.HealthCheck(ctx); err != nil {
			resp.Policy = "error"
			resp.Status = "unavailable"
		}
	}
	if h.counter != nil {
		resp.Connections = h.counter.Len()
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, code, resp)
}
