package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func accountEvent(t *testing.T, aggregateID, eventType string, version int, payload interface{}) Event {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return Event{
		ID:            "evt-" + eventType,
		AggregateID:   aggregateID,
		AggregateType: AggregateAccount,
		Type:          eventType,
		Version:       version,
		Payload:       body,
		Timestamp:     time.Now(),
	}
}

func TestFoldAccountHistory(t *testing.T) {
	registry := NewFoldRegistry()

	events := []Event{
		accountEvent(t, "A1", AccountCreated, 1, AccountCreatedEvent{
			AccountID: "A1", Owner: "alice", Currency: "KES", Balance: 100,
		}),
		accountEvent(t, "A1", BalanceUpdated, 2, BalanceUpdatedEvent{NewBalance: 150}),
		accountEvent(t, "A1", BalanceUpdated, 3, BalanceUpdatedEvent{NewBalance: 90}),
	}

	state, lastVersion, err := registry.FoldAll(AggregateAccount, nil, events)
	require.NoError(t, err)
	require.Equal(t, 3, lastVersion)

	var acc AccountState
	require.NoError(t, json.Unmarshal(state, &acc))
	require.Equal(t, int64(90), acc.Balance)
	require.Equal(t, "alice", acc.Owner)
	require.Equal(t, "active", acc.Status)
}

func TestFoldAccountUnknownEventIsNoOp(t *testing.T) {
	registry := NewFoldRegistry()

	created := accountEvent(t, "A1", AccountCreated, 1, AccountCreatedEvent{
		AccountID: "A1", Owner: "alice", Currency: "KES", Balance: 100,
	})
	state, err := registry.Fold(AggregateAccount, nil, created)
	require.NoError(t, err)

	unknown := accountEvent(t, "A1", "SomethingNewerProducersEmit", 2, map[string]string{"x": "y"})
	next, err := registry.Fold(AggregateAccount, state, unknown)
	require.NoError(t, err)
	require.JSONEq(t, string(state), string(next))
}

func TestFoldFreezeAndClose(t *testing.T) {
	registry := NewFoldRegistry()

	events := []Event{
		accountEvent(t, "A1", AccountCreated, 1, AccountCreatedEvent{AccountID: "A1", Owner: "bob", Currency: "USD"}),
		accountEvent(t, "A1", AccountFrozen, 2, AccountFrozenEvent{Reason: "fraud review"}),
	}
	state, _, err := registry.FoldAll(AggregateAccount, nil, events)
	require.NoError(t, err)

	var acc AccountState
	require.NoError(t, json.Unmarshal(state, &acc))
	require.Equal(t, "frozen", acc.Status)

	closed := accountEvent(t, "A1", AccountClosed, 3, AccountClosedEvent{Reason: "customer request"})
	state, err = registry.Fold(AggregateAccount, state, closed)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(state, &acc))
	require.Equal(t, "closed", acc.Status)
}

func TestFoldTransactionLifecycle(t *testing.T) {
	registry := NewFoldRegistry()

	initiated, err := json.Marshal(TransactionInitiatedEvent{
		TransactionID: "T1", FromAccount: "A1", ToAccount: "A2", Amount: 500, Currency: "KES",
	})
	require.NoError(t, err)
	settled, err := json.Marshal(TransactionSettledEvent{SettlementRef: "ref-42"})
	require.NoError(t, err)

	events := []Event{
		{AggregateID: "T1", AggregateType: AggregateTransaction, Type: TransactionInitiated, Version: 1, Payload: initiated},
		{AggregateID: "T1", AggregateType: AggregateTransaction, Type: TransactionAuthorized, Version: 2, Payload: []byte(`{"authorized_by":"risk"}`)},
		{AggregateID: "T1", AggregateType: AggregateTransaction, Type: TransactionSettled, Version: 3, Payload: settled},
	}

	state, lastVersion, err := registry.FoldAll(AggregateTransaction, nil, events)
	require.NoError(t, err)
	require.Equal(t, 3, lastVersion)

	var txn TransactionState
	require.NoError(t, json.Unmarshal(state, &txn))
	require.Equal(t, "settled", txn.Status)
	require.Equal(t, "ref-42", txn.SettlementRef)
	require.Equal(t, int64(500), txn.Amount)
}

func TestFoldUnknownAggregateType(t *testing.T) {
	registry := NewFoldRegistry()

	_, err := registry.Fold("invoice", nil, Event{Type: "whatever"})
	require.ErrorIs(t, err, ErrUnknownAggregate)
	require.False(t, registry.Knows("invoice"))
	require.True(t, registry.Knows(AggregateAccount))
}
