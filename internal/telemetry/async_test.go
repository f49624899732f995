package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockEventEmitter struct {
	mu      sync.Mutex
	records []*Record
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, rec *Record) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.emitErr
}

func (m *mockEventEmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	EmitAsync(nil, context.Background(), &Record{Kind: KindConnectionOpened})
}

func TestEmitAsync_NilRecord(t *testing.T) {
	em := &mockEventEmitter{}
	EmitAsync(em, context.Background(), nil)
	time.Sleep(10 * time.Millisecond)
	if em.count() != 0 {
		t.Errorf("expected 0 records, got %d", em.count())
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	em := &mockEventEmitter{}
	EmitAsync(em, context.Background(), &Record{Kind: KindConnectionOpened, ConnID: "c1", IdentityID: "u1"})
	waitFor(t, func() bool { return em.count() == 1 })

	em.mu.Lock()
	rec := em.records[0]
	em.mu.Unlock()
	if rec.ConnID != "c1" || rec.IdentityID != "u1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped")
	}
}

func TestEmitAsync_UsesBackgroundContext(t *testing.T) {
	em := &mockEventEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	EmitAsync(em, ctx, &Record{Kind: KindFrameDropped})
	waitFor(t, func() bool { return em.count() == 1 })
}

func TestEmitAsync_ErrorIsSwallowed(t *testing.T) {
	em := &mockEventEmitter{emitErr: errors.New("collector down")}
	EmitAsync(em, context.Background(), &Record{Kind: KindConsumerEvicted})
	waitFor(t, func() bool { return em.count() == 1 })
}

func TestEmitAsync_Concurrent(t *testing.T) {
	em := &mockEventEmitter{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(em, context.Background(), &Record{Kind: KindTokenRefreshed})
		}()
	}
	wg.Wait()
	waitFor(t, func() bool { return em.count() == 10 })
}
