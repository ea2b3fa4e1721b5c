package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/messaging"
	"example.com/payhub/services/ledger/stores"
)

// FailedWriteConsumer drains the failed-writes queue and replays each entry
// against its store. Store writes are idempotent per write id, so replaying
// an already-healed entry is harmless.
type FailedWriteConsumer struct {
	client      messaging.Client
	coordinator *Coordinator
}

// NewFailedWriteConsumer creates a failed-write consumer
func NewFailedWriteConsumer(client messaging.Client, coordinator *Coordinator) *FailedWriteConsumer {
	return &FailedWriteConsumer{client: client, coordinator: coordinator}
}

// Run consumes retry entries until the context is cancelled
func (c *FailedWriteConsumer) Run(ctx context.Context) error {
	log.Info().Str("queue", messaging.QueueFailedWrites).Msg("Failed-write consumer started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Failed-write consumer stopped")
			return nil
		default:
		}

		msgs, err := c.client.ReceiveMessages(ctx, messaging.QueueFailedWrites, 10)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to receive retry entries")
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range msgs {
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *FailedWriteConsumer) handleMessage(ctx context.Context, msg messaging.Message) {
	var entry messaging.FailedWriteMessage
	if err := json.Unmarshal(msg.Body(), &entry); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal retry entry, dropping")
		if err := msg.Complete(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to complete malformed retry entry")
		}
		return
	}

	var evt domain.Event
	if err := json.Unmarshal(entry.Data, &evt); err != nil {
		log.Error().Err(err).Str("writeID", entry.WriteID).Msg("Failed to unmarshal retry event, dropping")
		if err := msg.Complete(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to complete malformed retry entry")
		}
		return
	}

	err := c.coordinator.RetryStore(ctx, entry.Database, stores.Record{WriteID: entry.WriteID, Event: evt})
	if err == nil {
		log.Info().
			Str("writeID", entry.WriteID).
			Str("store", entry.Database).
			Msg("Failed write recovered")
		if err := msg.Complete(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to complete recovered retry entry")
		}
		return
	}

	entry.RetryCount++
	if err := c.coordinator.Records().IncrementRetryCount(ctx, entry.WriteID, entry.Database); err != nil {
		log.Error().Err(err).Str("writeID", entry.WriteID).Msg("Failed to bump retry count")
	}

	if entry.RetryCount >= entry.MaxRetries {
		log.Error().
			Str("writeID", entry.WriteID).
			Str("store", entry.Database).
			Int("retries", entry.RetryCount).
			Msg("Retry budget exhausted, operator attention required")
		if err := msg.Complete(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to complete exhausted retry entry")
		}
		return
	}

	log.Warn().Err(err).
		Str("writeID", entry.WriteID).
		Str("store", entry.Database).
		Int("retryCount", entry.RetryCount).
		Msg("Retry failed, requeueing")

	requeue := entry
	if pubErr := c.client.PublishMessage(ctx, requeue, messaging.QueueFailedWrites); pubErr != nil {
		log.Error().Err(pubErr).Str("writeID", entry.WriteID).Msg("Failed to requeue retry entry")
		if err := msg.Reject(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to reject retry entry")
		}
		return
	}
	if err := msg.Complete(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to complete requeued retry entry")
	}
}
