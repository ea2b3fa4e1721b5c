package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// KeyValueStore keeps the latest copy of each event in the replicated
// key-value tier for low-latency point lookups. Like the document store it
// is derived state, rebuildable from the store of truth.
type KeyValueStore struct {
	client *redis.Client
}

// NewKeyValueStore creates a key-value store adapter
func NewKeyValueStore(client *redis.Client) *KeyValueStore {
	return &KeyValueStore{client: client}
}

// Name identifies the store
func (s *KeyValueStore) Name() string {
	return StoreKeyValue
}

func eventKey(aggregateID string, version int) string {
	return fmt.Sprintf("event:%s:%d", aggregateID, version)
}

func writeSetKey(writeID string) string {
	return fmt.Sprintf("write:%s", writeID)
}

// Write stores the event under its aggregate/version key and records the
// key in a per-write set so compensation can find it again.
func (s *KeyValueStore) Write(ctx context.Context, rec Record) (string, error) {
	evt := rec.Event
	key := eventKey(evt.AggregateID, evt.Version)

	data, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, writeSetKey(rec.WriteID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to write event to key-value store: %w", err)
	}

	return key, nil
}

// DeleteByWriteID removes every key recorded under writeID
func (s *KeyValueStore) DeleteByWriteID(ctx context.Context, writeID string) error {
	setKey := writeSetKey(writeID)

	keys, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("failed to load keys for write %s: %w", writeID, err)
	}

	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys for write %s: %w", writeID, err)
		}
	}

	if err := s.client.Del(ctx, setKey).Err(); err != nil {
		return fmt.Errorf("failed to delete write set %s: %w", writeID, err)
	}

	return nil
}

// HealthCheck verifies Redis connectivity
func (s *KeyValueStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// GetEvent reads one event back by aggregate id and version
func (s *KeyValueStore) GetEvent(ctx context.Context, aggregateID string, version int, out interface{}) error {
	data, err := s.client.Get(ctx, eventKey(aggregateID, version)).Bytes()
	if err != nil {
		return fmt.Errorf("failed to read event %s v%d: %w", aggregateID, version, err)
	}
	return json.Unmarshal(data, out)
}
