// Package events fans committed swap transitions out to observers: live
// status streams, Kafka consumers and the ClickHouse analytics log.
// Publication happens after the transition is durable and never affects it.
package events

import (
	"context"
	"errors"

	"atomic-pek/internal/domain"
)

// Sink receives committed transitions. Implementations must not block for long.
type Sink interface {
	Publish(ctx context.Context, ev domain.TransitionEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev domain.TransitionEvent) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, ev domain.TransitionEvent) error {
	return f(ctx, ev)
}

// Fanout publishes to every sink. A failing sink does not stop the others.
type Fanout []Sink

// Publish delivers ev to all sinks and joins their errors.
func (f Fanout) Publish(ctx context.Context, ev domain.TransitionEvent) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
