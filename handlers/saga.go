package handlers

import (
	"context"
	"fmt"

	"example.com/payhub/services/ledger/cqrs"
	"example.com/payhub/services/ledger/saga"
)

// SagaHandlers drives workflow commands into the orchestrator
type SagaHandlers struct {
	orchestrator *saga.Orchestrator
}

// NewSagaHandlers creates the saga command handlers
func NewSagaHandlers(orchestrator *saga.Orchestrator) *SagaHandlers {
	return &SagaHandlers{orchestrator: orchestrator}
}

// CreateSaga handles CreateSagaCommand
func (h *SagaHandlers) CreateSaga(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	cmd, ok := msg.(CreateSagaCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}
	return h.orchestrator.Create(ctx, cmd.SagaType, cmd.InitiatingEvent, cmd.Steps)
}

// FeedSaga handles FeedSagaCommand
func (h *SagaHandlers) FeedSaga(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	cmd, ok := msg.(FeedSagaCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}
	return h.orchestrator.ProcessEvent(ctx, cmd.SagaID, cmd.EventType, cmd.EventData)
}
