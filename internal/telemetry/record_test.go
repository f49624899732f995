package telemetry

import (
	"context"
	"errors"
	"testing"
)

type countingEmitter struct {
	n   int
	err error
}

func (c *countingEmitter) Emit(context.Context, *Record) error {
	c.n++
	return c.err
}

func TestFanout(t *testing.T) {
	if Fanout() != nil || Fanout(nil, nil) != nil {
		t.Error("Fanout of nothing should be nil")
	}
	one := &countingEmitter{}
	if Fanout(nil, one) != EventEmitter(one) {
		t.Error("Fanout of one emitter should return it")
	}

	a, b := &countingEmitter{err: errors.New("a down")}, &countingEmitter{}
	err := Fanout(a, b).Emit(context.Background(), &Record{Kind: KindConnectionOpened})
	if err == nil {
		t.Error("error from one emitter should be reported")
	}
	if a.n != 1 || b.n != 1 {
		t.Errorf("emits = %d, %d; want 1, 1", a.n, b.n)
	}
}
