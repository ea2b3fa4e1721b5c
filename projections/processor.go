package projections

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/payhub/services/ledger/domain"
)

// Sink consumes committed events in commit order. The projection engine is
// one sink; the saga orchestrator is another.
type Sink interface {
	HandleEvent(ctx context.Context, evt domain.Event) error
}

// EventSource supplies committed events that have not been dispatched yet.
// Satisfied by *stores.RelationalStore.
type EventSource interface {
	GetUnprocessed(ctx context.Context, limit int) ([]domain.Event, error)
	MarkProcessed(ctx context.Context, eventID string, procErr error) error
}

// Processor polls the store of truth for freshly committed events and
// dispatches them to every sink. Delivery is at-least-once: sinks must be
// idempotent.
type Processor struct {
	source    EventSource
	sinks     []Sink
	interval  time.Duration
	batchSize int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessor creates an event processor
func NewProcessor(source EventSource, sinks []Sink, interval time.Duration, batchSize int) *Processor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Processor{
		source:    source,
		sinks:     sinks,
		interval:  interval,
		batchSize: batchSize,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the polling loop
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		log.Info().Dur("interval", p.interval).Msg("Event processor started")

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopChan:
				return
			case <-ticker.C:
				if err := p.processBatch(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to process event batch")
				}
			}
		}
	}()
}

// Stop shuts the loop down and waits for the in-flight batch
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
	log.Info().Msg("Event processor stopped")
}

func (p *Processor) processBatch(ctx context.Context) error {
	events, err := p.source.GetUnprocessed(ctx, p.batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	log.Debug().Int("count", len(events)).Msg("Dispatching committed events")

	for _, evt := range events {
		dispatchErr := p.dispatch(ctx, evt)
		if err := p.source.MarkProcessed(ctx, evt.ID, dispatchErr); err != nil {
			log.Error().Err(err).Str("eventID", evt.ID).Msg("Failed to mark event processed")
		}
	}

	return nil
}

func (p *Processor) dispatch(ctx context.Context, evt domain.Event) error {
	var firstErr error
	for _, sink := range p.sinks {
		if err := sink.HandleEvent(ctx, evt); err != nil {
			log.Error().Err(err).
				Str("eventID", evt.ID).
				Str("eventType", evt.Type).
				Msg("Sink failed to handle event")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// HandleEvent lets the engine itself act as a sink
func (e *Engine) HandleEvent(ctx context.Context, evt domain.Event) error {
	return e.Apply(ctx, evt)
}
