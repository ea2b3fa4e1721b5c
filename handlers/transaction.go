package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/payhub/services/ledger/cqrs"
	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/eventstore"
)

// TransactionHandlers turns transaction commands into appended events
type TransactionHandlers struct {
	log EventLog
}

// NewTransactionHandlers creates the transaction command handlers
func NewTransactionHandlers(log EventLog) *TransactionHandlers {
	return &TransactionHandlers{log: log}
}

func (h *TransactionHandlers) append(ctx context.Context, aggregateID, eventType string, payload interface{}, correlationID string) (*domain.Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	var metadata domain.Metadata
	if correlationID != "" {
		metadata = domain.Metadata{domain.MetaCorrelationID: correlationID}
	}

	return h.log.Append(ctx, eventstore.Candidate{
		AggregateID:   aggregateID,
		AggregateType: domain.AggregateTransaction,
		EventType:     eventType,
		Payload:       body,
		Metadata:      metadata,
	})
}

// InitiateTransaction handles InitiateTransactionCommand
func (h *TransactionHandlers) InitiateTransaction(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	cmd, ok := msg.(InitiateTransactionCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}

	return h.append(ctx, cmd.TransactionID, domain.TransactionInitiated, domain.TransactionInitiatedEvent{
		TransactionID: cmd.TransactionID,
		FromAccount:   cmd.FromAccount,
		ToAccount:     cmd.ToAccount,
		Amount:        cmd.Amount,
		Currency:      cmd.Currency,
	}, cmd.CorrelationID)
}

// AuthorizeTransaction handles AuthorizeTransactionCommand
func (h *TransactionHandlers) AuthorizeTransaction(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	cmd, ok := msg.(AuthorizeTransactionCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}

	return h.append(ctx, cmd.TransactionID, domain.TransactionAuthorized, domain.TransactionAuthorizedEvent{
		AuthorizedBy: cmd.AuthorizedBy,
	}, cmd.CorrelationID)
}

// SettleTransaction handles SettleTransactionCommand
func (h *TransactionHandlers) SettleTransaction(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	cmd, ok := msg.(SettleTransactionCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}

	return h.append(ctx, cmd.TransactionID, domain.TransactionSettled, domain.TransactionSettledEvent{
		SettlementRef: cmd.SettlementRef,
	}, cmd.CorrelationID)
}

// DeclineTransaction handles DeclineTransactionCommand
func (h *TransactionHandlers) DeclineTransaction(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	cmd, ok := msg.(DeclineTransactionCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}

	return h.append(ctx, cmd.TransactionID, domain.TransactionDeclined, domain.TransactionDeclinedEvent{
		Reason: cmd.Reason,
	}, cmd.CorrelationID)
}
