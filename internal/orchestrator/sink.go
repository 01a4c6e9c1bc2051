package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/autosage/pkg/models"
)

// Sink receives the events of a run in the order they are produced.
type Sink interface {
	Emit(ctx context.Context, ev models.SessionEvent) error
}

// CallbackSink adapts a function to Sink.
type CallbackSink func(ctx context.Context, ev models.SessionEvent) error

func (f CallbackSink) Emit(ctx context.Context, ev models.SessionEvent) error {
	return f(ctx, ev)
}

// ChanSink forwards events to a channel.
type ChanSink chan<- models.SessionEvent

func (c ChanSink) Emit(ctx context.Context, ev models.SessionEvent) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CollectSink buffers events in memory.
type CollectSink struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (c *CollectSink) Emit(_ context.Context, ev models.SessionEvent) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

// Events returns a copy of the collected events.
func (c *CollectSink) Events() []models.SessionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.SessionEvent(nil), c.events...)
}

// MultiSink fans each event out to every sink. All sinks see the event even
// when one fails.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev models.SessionEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discardSink struct{}

func (discardSink) Emit(context.Context, models.SessionEvent) error { return nil }
