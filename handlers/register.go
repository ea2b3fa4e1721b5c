package handlers

import (
	"example.com/payhub/services/ledger/cqrs"
)

// NewCommandBus builds the command bus with the standard middleware chain
// and every command handler registered.
func NewCommandBus(accounts *AccountHandlers, transactions *TransactionHandlers, sagas *SagaHandlers) *cqrs.Bus {
	bus := cqrs.NewBus("command",
		cqrs.RecoveryMiddleware(),
		cqrs.LoggingMiddleware("command"),
		cqrs.MetricsMiddleware(),
	)

	bus.MustRegister(CmdCreateAccount, cqrs.HandlerFunc(accounts.CreateAccount))
	bus.MustRegister(CmdUpdateBalance, cqrs.HandlerFunc(accounts.UpdateBalance))
	bus.MustRegister(CmdFreezeAccount, cqrs.HandlerFunc(accounts.FreezeAccount))
	bus.MustRegister(CmdCloseAccount, cqrs.HandlerFunc(accounts.CloseAccount))

	bus.MustRegister(CmdInitiateTransaction, cqrs.HandlerFunc(transactions.InitiateTransaction))
	bus.MustRegister(CmdAuthorizeTransaction, cqrs.HandlerFunc(transactions.AuthorizeTransaction))
	bus.MustRegister(CmdSettleTransaction, cqrs.HandlerFunc(transactions.SettleTransaction))
	bus.MustRegister(CmdDeclineTransaction, cqrs.HandlerFunc(transactions.DeclineTransaction))

	bus.MustRegister(CmdCreateSaga, cqrs.HandlerFunc(sagas.CreateSaga))
	bus.MustRegister(CmdFeedSaga, cqrs.HandlerFunc(sagas.FeedSaga))

	return bus
}

// NewQueryBus builds the query bus with the standard middleware chain and
// every query handler registered.
func NewQueryBus(queries *QueryHandlers) *cqrs.Bus {
	bus := cqrs.NewBus("query",
		cqrs.RecoveryMiddleware(),
		cqrs.LoggingMiddleware("query"),
		cqrs.MetricsMiddleware(),
	)

	bus.MustRegister(QryGetAccount, cqrs.HandlerFunc(queries.GetAccount))
	bus.MustRegister(QryGetTransaction, cqrs.HandlerFunc(queries.GetTransaction))
	bus.MustRegister(QryGetEvents, cqrs.HandlerFunc(queries.GetEvents))
	bus.MustRegister(QrySearchEvents, cqrs.HandlerFunc(queries.SearchEvents))
	bus.MustRegister(QryGetProjection, cqrs.HandlerFunc(queries.GetProjection))
	bus.MustRegister(QryGetStats, cqrs.HandlerFunc(queries.GetStats))

	return bus
}
