package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"bizhub/realtime/internal/state"
)

func TestBridge_ReemitsPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	svc := state.New(context.Background(), state.Options{URL: "redis://" + mr.Addr()}, nil)
	t.Cleanup(func() { _ = svc.Close() })

	env := newTestEnv(t, Options{})
	_, sock := env.connect(t, "u1", "customer")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewBridge(env.hub, svc, "", nil).Run(ctx) }()

	pub := NewPublisher(svc, "")
	ev := BookingConfirmedEvent{AppointmentID: "a-1", Code: "ZX9", Ts: "2026-05-04T10:00:00Z"}
	deadline := time.Now().Add(2 * time.Second)
	for len(sock.envelopes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge did not deliver")
		}
		if err := pub.Publish(context.Background(), ToIdentity("u1"), ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	got := sock.envelopes()[0]
	if got.Event != EventBookingConfirmed {
		t.Errorf("event = %q", got.Event)
	}
	var data BookingConfirmedEvent
	if err := json.Unmarshal(got.Data, &data); err != nil || data != ev {
		t.Errorf("data = %+v, %v; want %+v", data, err, ev)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil after cancel", err)
	}
}

func TestBridge_IdlesWithoutSharedState(t *testing.T) {
	svc := state.New(context.Background(), state.Options{}, nil)
	env := newTestEnv(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewBridge(env.hub, svc, "", nil).Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestBridge_ResubscribesAfterStoreLoss(t *testing.T) {
	mr := miniredis.RunT(t)
	svc := state.New(context.Background(), state.Options{URL: "redis://" + mr.Addr()}, nil)
	t.Cleanup(func() { _ = svc.Close() })
	mr.Close()

	env := newTestEnv(t, Options{})
	_, sock := env.connect(t, "u1", "customer")

	b := NewBridge(env.hub, svc, "", nil)
	b.retryMin, b.retryMax = 10*time.Millisecond, 50*time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("Run returned while the store was down: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := mr.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	pub := NewPublisher(svc, "")
	ev := OrderUpdatedEvent{OrderID: "o-1", Status: "shipped", Ts: "2026-05-04T10:00:00Z"}
	deadline := time.Now().Add(3 * time.Second)
	for len(sock.envelopes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge did not resubscribe")
		}
		if err := pub.Publish(context.Background(), ToIdentity("u1"), ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil after cancel", err)
	}
}

func TestBridge_SkipsBadMessages(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, sock := env.connect(t, "u1", "manager")
	b := NewBridge(env.hub, nil, "", nil)

	for _, raw := range []string{
		`{not json`,
		`{"target":"role","id":"manager","event":"chat:message","data":{}}`,
		`{"target":"planet","id":"x","event":"stock:alert","data":{}}`,
		`{"target":"role","event":"stock:alert","data":{}}`,
	} {
		b.handle(context.Background(), []byte(raw))
	}
	b.handle(context.Background(), []byte(`{"target":"role","id":"manager","event":"stock:alert","data":{"partName":"belt","quantity":0,"minimum":2,"ts":"2026-05-04T10:00:00Z"}}`))

	eventually(t, "one frame", func() bool { return len(sock.envelopes()) == 1 })
	if got := sock.envelopes()[0]; got.Event != EventStockAlert {
		t.Errorf("event = %q", got.Event)
	}
}

type sinkFunc func(ctx context.Context, channel string, payload []byte)

func (f sinkFunc) Publish(ctx context.Context, channel string, payload []byte) { f(ctx, channel, payload) }

func TestPublisher_Envelope(t *testing.T) {
	var gotChannel, gotPayload string
	pub := NewPublisher(sinkFunc(func(_ context.Context, ch string, p []byte) {
		gotChannel, gotPayload = ch, string(p)
	}), "custom:events")

	err := pub.Publish(context.Background(), ToRole("manager"), StockAlertEvent{PartName: "belt", Quantity: 0, Minimum: 2, Ts: "t"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotChannel != "custom:events" {
		t.Errorf("channel = %q", gotChannel)
	}
	want := `{"target":"role","id":"manager","event":"stock:alert","data":{"partName":"belt","quantity":0,"minimum":2,"ts":"t"}}`
	if gotPayload != want {
		t.Errorf("payload = %s, want %s", gotPayload, want)
	}

	if err := pub.Publish(context.Background(), Target{Kind: TargetRole}, StockAlertEvent{}); err == nil {
		t.Error("Publish to a role without id should fail")
	}
}
