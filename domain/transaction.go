package domain

import (
	"encoding/json"
	"fmt"
)

// Transaction event types
const (
	TransactionInitiated  = "TransactionInitiated"
	TransactionAuthorized = "TransactionAuthorized"
	TransactionSettled    = "TransactionSettled"
	TransactionDeclined   = "TransactionDeclined"
)

// Transaction event payloads
type TransactionInitiatedEvent struct {
	TransactionID string `json:"transaction_id"`
	FromAccount   string `json:"from_account"`
	ToAccount     string `json:"to_account"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

type TransactionAuthorizedEvent struct {
	AuthorizedBy string `json:"authorized_by"`
}

type TransactionSettledEvent struct {
	SettlementRef string `json:"settlement_ref"`
}

type TransactionDeclinedEvent struct {
	Reason string `json:"reason"`
}

// TransactionState is the folded read state of a transaction aggregate
type TransactionState struct {
	TransactionID string `json:"transaction_id"`
	FromAccount   string `json:"from_account"`
	ToAccount     string `json:"to_account"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	SettlementRef string `json:"settlement_ref,omitempty"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

func foldTransaction(state json.RawMessage, evt Event) (json.RawMessage, error) {
	var txn TransactionState
	if len(state) > 0 {
		if err := json.Unmarshal(state, &txn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction state: %w", err)
		}
	}

	switch evt.Type {
	case TransactionInitiated:
		var data TransactionInitiatedEvent
		if err := json.Unmarshal(evt.Payload, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", evt.Type, err)
		}
		txn.TransactionID = data.TransactionID
		txn.FromAccount = data.FromAccount
		txn.ToAccount = data.ToAccount
		txn.Amount = data.Amount
		txn.Currency = data.Currency
		txn.Status = "initiated"

	case TransactionAuthorized:
		txn.Status = "authorized"

	case TransactionSettled:
		var data TransactionSettledEvent
		if err := json.Unmarshal(evt.Payload, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", evt.Type, err)
		}
		txn.Status = "settled"
		txn.SettlementRef = data.SettlementRef

	case TransactionDeclined:
		var data TransactionDeclinedEvent
		if err := json.Unmarshal(evt.Payload, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", evt.Type, err)
		}
		txn.Status = "declined"
		txn.DeclineReason = data.Reason

	default:
		return state, nil
	}

	return json.Marshal(txn)
}
