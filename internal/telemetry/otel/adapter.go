package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"bizhub/realtime/internal/telemetry"
)

// instrumentationName scopes gateway records in the log pipeline.
const instrumentationName = "bizhub.realtime.delivery"

// recordLogger is the slice of otellog.Logger the emitter uses.
type recordLogger interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends records as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger(instrumentationName))
}

// NewEventEmitterWithLogger returns an EventEmitter writing to logger.
func NewEventEmitterWithLogger(logger recordLogger) telemetry.EventEmitter {
	if logger == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *telemetry.Record) error { return nil }

type otelEmitter struct {
	logger recordLogger
}

func (e *otelEmitter) Emit(ctx context.Context, r *telemetry.Record) error {
	if r == nil {
		return nil
	}
	rec := otellog.Record{}
	rec.SetTimestamp(r.CreatedAt)
	if rec.Timestamp().IsZero() {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetEventName(r.Kind)
	if len(r.Detail) > 0 {
		rec.SetBody(otellog.BytesValue(r.Detail))
	}
	if r.Kind == telemetry.KindHandshakeRejected || r.Kind == telemetry.KindConsumerEvicted {
		rec.SetSeverity(otellog.SeverityWarn)
	} else {
		rec.SetSeverity(otellog.SeverityInfo)
	}
	addString(&rec, "kind", r.Kind)
	addString(&rec, "conn_id", r.ConnID)
	addString(&rec, "identity_id", r.IdentityID)
	addString(&rec, "role_id", r.RoleID)
	addString(&rec, "event", r.Event)
	addString(&rec, "reason", r.Reason)
	e.logger.Emit(ctx, rec)
	return nil
}

func addString(rec *otellog.Record, key, value string) {
	if value != "" {
		rec.AddAttributes(otellog.String(key, value))
	}
}
