package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the HTTP server stops before shutting down OTel providers,
// so in-flight async emits can complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is not blocked.
// emitter and rec may be nil; EmitAsync then returns without starting a goroutine.
// The goroutine uses context.Background() so caller cancellation does not abort the emit.
// Failures go to the global zap logger.
func EmitAsync(emitter EventEmitter, ctx context.Context, rec *Record) {
	if emitter == nil || rec == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, rec); err != nil {
			zap.L().Warn("telemetry: async emit failed", zap.String("kind", rec.Kind), zap.Error(err))
		}
	}()
}
