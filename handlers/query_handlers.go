package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/payhub/services/ledger/cqrs"
	"example.com/payhub/services/ledger/projections"
	"example.com/payhub/services/ledger/stores"
)

// Searcher is the document store's search surface
type Searcher interface {
	SearchEvents(ctx context.Context, filter stores.SearchFilter) ([]json.RawMessage, error)
}

// StatsSource computes event log statistics
type StatsSource interface {
	Stats(ctx context.Context) (*stores.AggregateStats, error)
}

// ProjectionReader reads projection state
type ProjectionReader interface {
	Get(ctx context.Context, name string) (*projections.Projection, error)
}

// QueryHandlers serves reads from replay, projections and the document store
type QueryHandlers struct {
	log         EventLog
	search      Searcher
	projections ProjectionReader
	stats       StatsSource
}

// NewQueryHandlers creates the query handlers. search may be nil when the
// document store is unavailable.
func NewQueryHandlers(log EventLog, search Searcher, projections ProjectionReader, stats StatsSource) *QueryHandlers {
	return &QueryHandlers{log: log, search: search, projections: projections, stats: stats}
}

// GetAccount handles GetAccountQuery
func (h *QueryHandlers) GetAccount(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	qry, ok := msg.(GetAccountQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}
	return h.log.Replay(ctx, qry.AccountID)
}

// GetTransaction handles GetTransactionQuery
func (h *QueryHandlers) GetTransaction(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	qry, ok := msg.(GetTransactionQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}
	return h.log.Replay(ctx, qry.TransactionID)
}

// GetEvents handles GetEventsQuery
func (h *QueryHandlers) GetEvents(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	qry, ok := msg.(GetEventsQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}
	return h.log.Read(ctx, qry.AggregateID, qry.FromVersion, qry.ToVersion, qry.Limit)
}

// SearchEvents handles SearchEventsQuery
func (h *QueryHandlers) SearchEvents(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	qry, ok := msg.(SearchEventsQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}
	if h.search == nil {
		return nil, fmt.Errorf("event search is unavailable")
	}
	return h.search.SearchEvents(ctx, qry.Filter)
}

// GetProjection handles GetProjectionQuery
func (h *QueryHandlers) GetProjection(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	qry, ok := msg.(GetProjectionQuery)
	if !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}
	return h.projections.Get(ctx, qry.ProjectionName)
}

// GetStats handles GetStatsQuery
func (h *QueryHandlers) GetStats(ctx context.Context, msg cqrs.Message) (interface{}, error) {
	if _, ok := msg.(GetStatsQuery); !ok {
		return nil, fmt.Errorf("unexpected message type for %s", msg.Name())
	}
	return h.stats.Stats(ctx)
}
