// Package producer ships telemetry records to Kafka for the log pipeline.
package producer

import "bizhub/realtime/internal/telemetry"

// Producer is an EventEmitter that holds a connection to a broker.
type Producer interface {
	telemetry.EventEmitter
	// Close flushes and releases the writer. Safe to call if already closed.
	Close() error
}
