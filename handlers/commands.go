package handlers

import (
	"example.com/payhub/services/ledger/saga"
	"example.com/payhub/services/ledger/utils"
)

// Command names
const (
	CmdCreateAccount        = "CreateAccount"
	CmdUpdateBalance        = "UpdateBalance"
	CmdFreezeAccount        = "FreezeAccount"
	CmdCloseAccount         = "CloseAccount"
	CmdInitiateTransaction  = "InitiateTransaction"
	CmdAuthorizeTransaction = "AuthorizeTransaction"
	CmdSettleTransaction    = "SettleTransaction"
	CmdDeclineTransaction   = "DeclineTransaction"
	CmdCreateSaga           = "CreateSaga"
	CmdFeedSaga             = "FeedSaga"
)

// CreateAccountCommand opens a new account aggregate
type CreateAccountCommand struct {
	AccountID      string `json:"account_id" validate:"required"`
	Owner          string `json:"owner" validate:"required"`
	Currency       string `json:"currency" validate:"required,len=3"`
	InitialBalance int64  `json:"initial_balance" validate:"gte=0"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

func (c CreateAccountCommand) Name() string    { return CmdCreateAccount }
func (c CreateAccountCommand) Validate() error { return utils.ValidateStruct(c) }

// UpdateBalanceCommand records a new balance for an account
type UpdateBalanceCommand struct {
	AccountID     string `json:"account_id" validate:"required"`
	NewBalance    int64  `json:"newBalance"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c UpdateBalanceCommand) Name() string    { return CmdUpdateBalance }
func (c UpdateBalanceCommand) Validate() error { return utils.ValidateStruct(c) }

// FreezeAccountCommand freezes an account
type FreezeAccountCommand struct {
	AccountID     string `json:"account_id" validate:"required"`
	Reason        string `json:"reason" validate:"required"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c FreezeAccountCommand) Name() string    { return CmdFreezeAccount }
func (c FreezeAccountCommand) Validate() error { return utils.ValidateStruct(c) }

// CloseAccountCommand closes an account
type CloseAccountCommand struct {
	AccountID     string `json:"account_id" validate:"required"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c CloseAccountCommand) Name() string    { return CmdCloseAccount }
func (c CloseAccountCommand) Validate() error { return utils.ValidateStruct(c) }

// InitiateTransactionCommand starts a new transaction aggregate
type InitiateTransactionCommand struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	FromAccount   string `json:"from_account" validate:"required"`
	ToAccount     string `json:"to_account" validate:"required,nefield=FromAccount"`
	Amount        int64  `json:"amount" validate:"gt=0"`
	Currency      string `json:"currency" validate:"required,len=3"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c InitiateTransactionCommand) Name() string    { return CmdInitiateTransaction }
func (c InitiateTransactionCommand) Validate() error { return utils.ValidateStruct(c) }

// AuthorizeTransactionCommand authorizes a pending transaction
type AuthorizeTransactionCommand struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	AuthorizedBy  string `json:"authorized_by" validate:"required"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c AuthorizeTransactionCommand) Name() string    { return CmdAuthorizeTransaction }
func (c AuthorizeTransactionCommand) Validate() error { return utils.ValidateStruct(c) }

// SettleTransactionCommand settles an authorized transaction
type SettleTransactionCommand struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	SettlementRef string `json:"settlement_ref" validate:"required"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c SettleTransactionCommand) Name() string    { return CmdSettleTransaction }
func (c SettleTransactionCommand) Validate() error { return utils.ValidateStruct(c) }

// DeclineTransactionCommand declines a transaction
type DeclineTransactionCommand struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	Reason        string `json:"reason" validate:"required"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c DeclineTransactionCommand) Name() string    { return CmdDeclineTransaction }
func (c DeclineTransactionCommand) Validate() error { return utils.ValidateStruct(c) }

// CreateSagaCommand starts a new workflow instance
type CreateSagaCommand struct {
	SagaType        string      `json:"saga_type" validate:"required"`
	InitiatingEvent string      `json:"initiating_event"`
	Steps           []saga.Step `json:"steps" validate:"required,min=1"`
}

func (c CreateSagaCommand) Name() string    { return CmdCreateSaga }
func (c CreateSagaCommand) Validate() error { return utils.ValidateStruct(c) }

// FeedSagaCommand feeds one event to a saga
type FeedSagaCommand struct {
	SagaID    string `json:"saga_id" validate:"required"`
	EventType string `json:"event_type" validate:"required"`
	EventData []byte `json:"event_data,omitempty"`
}

func (c FeedSagaCommand) Name() string    { return CmdFeedSaga }
func (c FeedSagaCommand) Validate() error { return utils.ValidateStruct(c) }
