package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"bizhub/realtime/internal/logging"
	"bizhub/realtime/internal/state"
)

// DefaultEventsChannel is the shared-state channel business processes publish events on.
const DefaultEventsChannel = "realtime:events"

// Message is the envelope published on the events channel.
type Message struct {
	Target string          `json:"target"`
	ID     string          `json:"id,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Subscriber delivers channel messages until ctx is done. *state.Service satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func(ctx context.Context, payload []byte)) error
}

// Bridge re-emits messages from the events channel through a Hub on this process.
type Bridge struct {
	hub     *Hub
	sub     Subscriber
	channel string
	log     *zap.Logger

	retryMin, retryMax time.Duration
	retry              *backoff.ExponentialBackOff
}

// NewBridge returns a Bridge reading channel (DefaultEventsChannel if empty).
func NewBridge(hub *Hub, sub Subscriber, channel string, logger *zap.Logger) *Bridge {
	if channel == "" {
		channel = DefaultEventsChannel
	}
	return &Bridge{
		hub:      hub,
		sub:      sub,
		channel:  channel,
		log:      logging.OrNop(logger).Named("bridge"),
		retryMin: 500 * time.Millisecond,
		retryMax: 30 * time.Second,
	}
}

// Run subscribes and blocks until ctx is done. With shared state unavailable the bridge idles, since
// in-process emits still work. A lost or failed subscription is retried with backoff; store errors
// never end Run.
func (b *Bridge) Run(ctx context.Context) error {
	b.retry = backoff.NewExponentialBackOff()
	b.retry.InitialInterval = b.retryMin
	b.retry.MaxInterval = b.retryMax
	b.retry.Reset()

	for {
		b.log.Info("event bridge subscribing", zap.String("channel", b.channel))
		err := b.sub.Subscribe(ctx, b.channel, b.handle)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, state.ErrUnavailable) {
			b.log.Warn("event bridge idle: shared state unavailable", zap.String("channel", b.channel))
			<-ctx.Done()
			return nil
		}

		wait := b.retry.NextBackOff()
		b.log.Warn("event bridge subscription lost",
			zap.String("channel", b.channel), zap.Duration("retry_in", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (b *Bridge) handle(_ context.Context, payload []byte) {
	if b.retry != nil {
		b.retry.Reset()
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		b.log.Warn("bridge message skipped: malformed", zap.Error(err))
		return
	}
	if !KnownEvent(m.Event) {
		b.log.Warn("bridge message skipped: unknown event", zap.String("event", m.Event))
		return
	}
	group := Target{Kind: TargetKind(m.Target), ID: m.ID}.Group()
	if group == "" {
		b.log.Warn("bridge message skipped: bad target", zap.String("target", m.Target), zap.String("event", m.Event))
		return
	}
	var data any
	if len(m.Data) > 0 {
		data = m.Data
	}
	b.hub.emitToGroup(group, m.Event, data)
}

// Sink publishes raw payloads. *state.Service satisfies it.
type Sink interface {
	Publish(ctx context.Context, channel string, payload []byte)
}

// Publisher puts catalog events on the events channel for a Bridge to deliver.
type Publisher struct {
	pub     Sink
	channel string
}

// NewPublisher returns a Publisher on channel (DefaultEventsChannel if empty).
func NewPublisher(svc Sink, channel string) *Publisher {
	if channel == "" {
		channel = DefaultEventsChannel
	}
	return &Publisher{pub: svc, channel: channel}
}

// Publish encodes ev for target and publishes it. Delivery is best-effort.
func (p *Publisher) Publish(ctx context.Context, target Target, ev Event) error {
	if target.Group() == "" {
		return fmt.Errorf("publish %s: unaddressable target %q", ev.Name(), target.Kind)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Name(), err)
	}
	raw, err := json.Marshal(Message{Target: string(target.Kind), ID: target.ID, Event: ev.Name(), Data: data})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Name(), err)
	}
	p.pub.Publish(ctx, p.channel, raw)
	return nil
}
