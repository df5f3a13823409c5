// Package events provides EventHandler implementations for the split-join
// engine: a zap logging sink, a NATS publisher and middleware to compose them.
package events

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

// Middleware wraps a handler to add behaviour around it
type Middleware func(splitjoin.EventHandler) splitjoin.EventHandler

// Chain applies middlewares so the first one is outermost
func Chain(middlewares ...Middleware) Middleware {
	return func(h splitjoin.EventHandler) splitjoin.EventHandler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware turns a panicking handler into an error
func RecoveryMiddleware() Middleware {
	return func(next splitjoin.EventHandler) splitjoin.EventHandler {
		return splitjoin.EventHandlerFunc(func(ctx context.Context, event splitjoin.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered in event handler: %v", r)
				}
			}()
			return next.HandleEvent(ctx, event)
		})
	}
}

// FilterMiddleware only forwards events of the given types
func FilterMiddleware(types ...splitjoin.EventType) Middleware {
	allowed := make(map[splitjoin.EventType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return func(next splitjoin.EventHandler) splitjoin.EventHandler {
		return splitjoin.EventHandlerFunc(func(ctx context.Context, event splitjoin.Event) error {
			if _, ok := allowed[event.Type]; !ok {
				return nil
			}
			return next.HandleEvent(ctx, event)
		})
	}
}

// Multi fans every event out to all handlers and combines their errors
func Multi(handlers ...splitjoin.EventHandler) splitjoin.EventHandler {
	return splitjoin.EventHandlerFunc(func(ctx context.Context, event splitjoin.Event) error {
		var err error
		for _, h := range handlers {
			err = multierr.Append(err, h.HandleEvent(ctx, event))
		}
		return err
	})
}
