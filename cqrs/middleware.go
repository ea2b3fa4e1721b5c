package cqrs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/payhub/services/ledger/metrics"
)

// LoggingMiddleware logs every dispatch with its outcome and duration
func LoggingMiddleware(kind string) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg Message) (interface{}, error) {
			start := time.Now()
			result, err := next.Handle(ctx, msg)

			evt := log.Info()
			if err != nil {
				evt = log.Warn().Err(err)
			}
			evt.Str(kind, msg.Name()).
				Dur("duration", time.Since(start)).
				Msg("Dispatched")

			return result, err
		})
	}
}

// MetricsMiddleware records dispatch counts and latency per message name
func MetricsMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg Message) (interface{}, error) {
			start := time.Now()
			result, err := next.Handle(ctx, msg)
			metrics.GetMetricsCollector().RecordCommand(msg.Name(), err == nil, time.Since(start))
			return result, err
		})
	}
}

// RecoveryMiddleware converts a handler panic into an error so one bad
// handler cannot take the process down.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg Message) (result interface{}, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("message", msg.Name()).
						Msg("Handler panicked")
					err = fmt.Errorf("handler for %s panicked: %v", msg.Name(), r)
				}
			}()
			return next.Handle(ctx, msg)
		})
	}
}
