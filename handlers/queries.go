package handlers

import (
	"example.com/payhub/services/ledger/stores"
	"example.com/payhub/services/ledger/utils"
)

// Query names
const (
	QryGetAccount     = "GetAccount"
	QryGetTransaction = "GetTransaction"
	QryGetEvents      = "GetEvents"
	QrySearchEvents   = "SearchEvents"
	QryGetProjection  = "GetProjection"
	QryGetStats       = "GetStats"
)

// GetAccountQuery replays an account aggregate to its current state
type GetAccountQuery struct {
	AccountID string `json:"account_id" validate:"required"`
}

func (q GetAccountQuery) Name() string    { return QryGetAccount }
func (q GetAccountQuery) Validate() error { return utils.ValidateStruct(q) }

// GetTransactionQuery replays a transaction aggregate to its current state
type GetTransactionQuery struct {
	TransactionID string `json:"transaction_id" validate:"required"`
}

func (q GetTransactionQuery) Name() string    { return QryGetTransaction }
func (q GetTransactionQuery) Validate() error { return utils.ValidateStruct(q) }

// GetEventsQuery reads raw events for one aggregate by version range
type GetEventsQuery struct {
	AggregateID string `json:"aggregate_id" validate:"required"`
	FromVersion int    `json:"from_version" validate:"gte=0"`
	ToVersion   int    `json:"to_version" validate:"gte=0"`
	Limit       int    `json:"limit" validate:"gte=0"`
}

func (q GetEventsQuery) Name() string    { return QryGetEvents }
func (q GetEventsQuery) Validate() error { return utils.ValidateStruct(q) }

// SearchEventsQuery runs a filtered search over the document store
type SearchEventsQuery struct {
	Filter stores.SearchFilter `json:"filter"`
}

func (q SearchEventsQuery) Name() string    { return QrySearchEvents }
func (q SearchEventsQuery) Validate() error { return nil }

// GetProjectionQuery reads a projection's current state
type GetProjectionQuery struct {
	ProjectionName string `json:"name" validate:"required"`
}

func (q GetProjectionQuery) Name() string    { return QryGetProjection }
func (q GetProjectionQuery) Validate() error { return utils.ValidateStruct(q) }

// GetStatsQuery computes aggregate/event statistics
type GetStatsQuery struct{}

func (q GetStatsQuery) Name() string    { return QryGetStats }
func (q GetStatsQuery) Validate() error { return nil }
