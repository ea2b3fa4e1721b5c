package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/payhub/services/ledger/cqrs"
	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/eventstore"
)

// EventLog is the slice of the event log the command and query handlers
// need. Satisfied by *eventstore.Log.
type EventLog interface {
	Append(ctx context.Context, c eventstore.Candidate) (*domain.Event, error)
	Read(ctx context.Context, aggregateID string, fromVersion, toVersion, limit int) ([]domain.Event, error)
	Replay(ctx context.Context, aggregateID string) (*domain.ReplayedState, error)
}

// AccountHandlers turns account commands into appended events
type AccountHandlers struct {
	log EventLog
}

// NewAccountHandlers creates the account command handlers
func NewAccountHandlers(log EventLog) *AccountHandlers {
	return &AccountHandlers{log: log}
}

func (h *AccountHandlers) append(ctx context.Context, aggregateID, eventType string, payload interface{}, correlationID string) (*domain.Event, error) {
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
		AggregateType: domain.AggregateAccount,
		EventType:     eventType,
		Payload:       body,
		Metadata:      metadata,
	})
}

// CreateAccount handles CreateAccountCommand
func (h *AccountHandlers) CreateAccount(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	cmd, ok := msg.(CreateAccountCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}

	return h.append(ctx, cmd.AccountID, domain.AccountCreated, domain.AccountCreatedEvent{
		AccountID: cmd.AccountID,
		Owner:     cmd.Owner,
		Currency:  cmd.Currency,
		Balance:   cmd.InitialBalance,
	}, cmd.CorrelationID)
}

// UpdateBalance handles UpdateBalanceCommand
func (h *AccountHandlers) UpdateBalance(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	cmd, ok := msg.(UpdateBalanceCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}

	return h.append(ctx, cmd.AccountID, domain.BalanceUpdated, domain.BalanceUpdatedEvent{
		NewBalance: cmd.NewBalance,
		Reason:     cmd.Reason,
	}, cmd.CorrelationID)
}

// FreezeAccount handles FreezeAccountCommand
func (h *AccountHandlers) FreezeAccount(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	cmd, ok := msg.(FreezeAccountCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}

	return h.append(ctx, cmd.AccountID, domain.AccountFrozen, domain.AccountFrozenEvent{
		Reason: cmd.Reason,
	}, cmd.CorrelationID)
}

// CloseAccount handles CloseAccountCommand
func (h *AccountHandlers) CloseAccount(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	cmd, ok := msg.(CloseAccountCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}

	return h.append(ctx, cmd.AccountID, domain.AccountClosed, domain.AccountClosedEvent{
		Reason: cmd.Reason,
	}, cmd.CorrelationID)
}
