package domain

import (
	"encoding/json"
	"fmt"
)

// Account event types
const (
	AccountCreated = "AccountCreated"
	BalanceUpdated = "BalanceUpdated"
	AccountFrozen  = "AccountFrozen"
	AccountClosed  = "AccountClosed"
)

// Account event payloads
type AccountCreatedEvent struct {
	AccountID string `json:"account_id"`
	Owner     string `json:"owner"`
	Currency  string `json:"currency"`
	Balance   int64  `json:"balance"`
}

type BalanceUpdatedEvent struct {
	NewBalance int64  `json:"newBalance"`
	Reason     string `json:"reason,omitempty"`
}

type AccountFrozenEvent struct {
	Reason string `json:"reason"`
}

type AccountClosedEvent struct {
	Reason string `json:"reason"`
}

// AccountState is the folded read state of an account aggregate
type AccountState struct {
	AccountID string `json:"account_id"`
	Owner     string `json:"owner"`
	Currency  string `json:"currency"`
	Balance   int64  `json:"balance"`
	Status    string `json:"status"`
}

// foldAccount applies one account event onto the current state. Unknown
// event types leave the state untouched so newer producers stay compatible
// with older replays.
func foldAccount(state json.RawMessage, evt Event) (json.RawMessage, error) {
	var acc AccountState
	if len(state) > 0 {
		if err := json.Unmarshal(state, &acc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal account state: %w", err)
		}
	}

	switch evt.Type {
	case AccountCreated:
		var data AccountCreatedEvent
		if err := json.Unmarshal(evt.Payload, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", evt.Type, err)
		}
		acc.AccountID = data.AccountID
		acc.Owner = data.Owner
		acc.Currency = data.Currency
		acc.Balance = data.Balance
		acc.Status = "active"

	case BalanceUpdated:
		var data BalanceUpdatedEvent
		if err := json.Unmarshal(evt.Payload, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", evt.Type, err)
		}
		acc.Balance = data.NewBalance

	case AccountFrozen:
		acc.Status = "frozen"

	case AccountClosed:
		acc.Status = "closed"

	default:
		return state, nil
	}

	return json.Marshal(acc)
}
