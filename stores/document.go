package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/rs/zerolog/log"

	"example.com/payhub/services/ledger/config"
	"example.com/payhub/services/ledger/domain"
)

// Index names
const (
	EventsIndex = "events"
)

// DocumentStore keeps a searchable copy of every event in Elasticsearch.
// It is derived state: rebuildable from the relational store of truth.
type DocumentStore struct {
	client *elasticsearch.Client
	cfg    config.Config
}

// documentEvent is the indexed shape of an event
type documentEvent struct {
	EventID       string          `json:"event_id"`
	WriteID       string          `json:"write_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      domain.Metadata `json:"metadata,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

// NewElasticsearchClient creates a new Elasticsearch client
func NewElasticsearchClient(cfg config.Config) (*elasticsearch.Client, error) {
	elasticCfg := elasticsearch.Config{
		Addresses: []string{cfg.ElasticSearchURL},
		Username:  cfg.ElasticSearchUsername,
		Password:  cfg.ElasticSearchPassword,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	}

	client, err := elasticsearch.NewClient(elasticCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("error connecting to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("Elasticsearch returned error: %s", res.String())
	}

	log.Info().Msg("Successfully connected to Elasticsearch")
	return client, nil
}

// NewDocumentStore creates a document store adapter
func NewDocumentStore(client *elasticsearch.Client, cfg config.Config) *DocumentStore {
	return &DocumentStore{client: client, cfg: cfg}
}

// Name identifies the store
func (s *DocumentStore) Name() string {
	return StoreDocument
}

// Write indexes one event keyed by event id, so replayed writes overwrite
// instead of duplicating.
func (s *DocumentStore) Write(ctx context.Context, rec Record) (string, error) {
	evt := rec.Event
	doc := documentEvent{
		EventID:       evt.ID,
		WriteID:       rec.WriteID,
		AggregateID:   evt.AggregateID,
		AggregateType: evt.AggregateType,
		EventType:     evt.Type,
		Version:       evt.Version,
		Payload:       evt.Payload,
		Metadata:      evt.Metadata,
		Timestamp:     evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event document: %w", err)
	}

	index := config.FormatIndex(s.cfg, EventsIndex)
	res, err := s.client.Index(
		index,
		bytes.NewReader(body),
		s.client.Index.WithDocumentID(evt.ID),
		s.client.Index.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("failed to index event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return "", fmt.Errorf("failed to index event: %s", res.String())
	}

	return evt.ID, nil
}

// DeleteByWriteID removes all documents indexed under writeID
func (s *DocumentStore) DeleteByWriteID(ctx context.Context, writeID string) error {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"write_id": writeID,
			},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("failed to marshal delete query: %w", err)
	}

	index := config.FormatIndex(s.cfg, EventsIndex)
	res, err := s.client.DeleteByQuery(
		[]string{index},
		bytes.NewReader(body),
		s.client.DeleteByQuery.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to delete documents for write %s: %w", writeID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to delete documents for write %s: %s", writeID, res.String())
	}

	return nil
}

// HealthCheck verifies Elasticsearch connectivity
func (s *DocumentStore) HealthCheck(ctx context.Context) error {
	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping returned error: %s", res.String())
	}
	return nil
}

// SearchFilter narrows an event search
type SearchFilter struct {
	AggregateID   string `json:"aggregate_id,omitempty"`
	AggregateType string `json:"aggregate_type,omitempty"`
	EventType     string `json:"event_type,omitempty"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// SearchEvents runs a filtered search over the event index
func (s *DocumentStore) SearchEvents(ctx context.Context, filter SearchFilter) ([]json.RawMessage, error) {
	must := []map[string]interface{}{}
	if filter.AggregateID != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"aggregate_id": filter.AggregateID}})
	}
	if filter.AggregateType != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"aggregate_type": filter.AggregateType}})
	}
	if filter.EventType != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"event_type": filter.EventType}})
	}
	if filter.From != "" || filter.To != "" {
		rangeQuery := map[string]interface{}{}
		if filter.From != "" {
			rangeQuery["gte"] = filter.From
		}
		if filter.To != "" {
			rangeQuery["lte"] = filter.To
		}
		must = append(must, map[string]interface{}{"range": map[string]interface{}{"timestamp": rangeQuery}})
	}

	size := filter.Limit
	if size <= 0 {
		size = 100
	}

	query := map[string]interface{}{
		"size": size,
		"sort": []map[string]interface{}{
			{"timestamp": map[string]interface{}{"order": "asc"}},
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search query: %w", err)
	}

	index := config.FormatIndex(s.cfg, EventsIndex)
	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(index),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("event search returned error: %s", res.String())
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	results := make([]json.RawMessage, len(parsed.Hits.Hits))
	for i, hit := range parsed.Hits.Hits {
		results[i] = hit.Source
	}
	return results, nil
}

// EnsureIndices ensures that all required indices exist
func EnsureIndices(client *elasticsearch.Client, cfg config.Config) error {
	indices := []string{EventsIndex}

	for _, index := range indices {
		formattedIndex := config.FormatIndex(cfg, index)

		exists, err := indexExists(client, formattedIndex)
		if err != nil {
			return err
		}

		if !exists {
			log.Info().Msgf("Creating index %s", formattedIndex)
			if err := createIndex(client, formattedIndex); err != nil {
				return err
			}
		}
	}

	return nil
}

func indexExists(client *elasticsearch.Client, index string) (bool, error) {
	res, err := client.Indices.Exists([]string{index})
	if err != nil {
		return false, fmt.Errorf("error checking if index %s exists: %w", index, err)
	}
	defer res.Body.Close()

	return res.StatusCode == 200, nil
}

func createIndex(client *elasticsearch.Client, index string) error {
	res, err := client.Indices.Create(index)
	if err != nil {
		return fmt.Errorf("error creating index %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error creating index %s: %s", index, res.String())
	}

	return nil
}
