// Package publish delivers serialized revolutions to downstream consumers.
package publish

import (
	"context"
	"errors"
	"fmt"

	"rplidar/rplidar"
)

// Func adapts a function to rplidar.Publisher.
type Func func(ctx context.Context, topic string, payload []byte) error

func (f Func) Publish(ctx context.Context, topic string, payload []byte) error {
	return f(ctx, topic, payload)
}

// Multi publishes to every publisher in order. A failing publisher does not stop the rest.
type Multi []rplidar.Publisher

func (m Multi) Publish(ctx context.Context, topic string, payload []byte) error {
	var errs []error
	for i, p := range m {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, fmt.Errorf("publisher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Discard drops every revolution.
var Discard = Func(func(context.Context, string, []byte) error { return nil })
