// Package telemetry carries delivery records for the realtime gateway: connection lifecycle,
// handshake rejections, slow-consumer drops and token exchanges. Emission is best-effort.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Record kinds.
const (
	KindConnectionOpened  = "connection.opened"
	KindConnectionClosed  = "connection.closed"
	KindHandshakeRejected = "handshake.rejected"
	KindFrameDropped      = "frame.dropped"
	KindConsumerEvicted   = "consumer.evicted"
	KindTokenRefreshed    = "token.refreshed"
	KindTokenRevoked      = "token.revoked"
)

// Record is one telemetry record. Empty fields are omitted by emitters.
type Record struct {
	Kind       string `json:"kind"`
	ConnID     string `json:"conn_id,omitempty"`
	IdentityID string `json:"identity_id,omitempty"`
	RoleID     string `json:"role_id,omitempty"`
	Event      string `json:"event,omitempty"`
	Reason     string `json:"reason,omitempty"`
	// Detail is an optional JSON body.
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventEmitter emits telemetry records (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, rec *Record) error
}

// Fanout returns an EventEmitter that emits every record to each non-nil emitter.
// It returns nil when no emitter is given, and the emitter itself when only one is.
func Fanout(emitters ...EventEmitter) EventEmitter {
	var out multiEmitter
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

type multiEmitter []EventEmitter

func (m multiEmitter) Emit(ctx context.Context, rec *Record) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
