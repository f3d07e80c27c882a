package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry keeps one hash per document, doc:{id}:presence, with a field
// per connection holding the JSON record.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

// NewRedisRegistry connects to redisURL and verifies the connection.
func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRegistryWithClient(client), nil
}

// NewRedisRegistryWithClient creates a registry from an existing Redis client
func NewRedisRegistryWithClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: "doc:"}
}

func (r *RedisRegistry) Client() *redis.Client {
	return r.client
}

func (r *RedisRegistry) key(documentID string) string {
	return r.prefix + documentID + ":presence"
}

func (r *RedisRegistry) SetPresence(ctx context.Context, documentID, connectionID string, record Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := r.client.HSet(ctx, r.key(documentID), connectionID, raw).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// UpdateCursor only touches an existing record; a connection that has not
// registered presence gets ErrNotPresent.
func (r *RedisRegistry) UpdateCursor(ctx context.Context, documentID, connectionID string, cursor Cursor) error {
	raw, err := r.client.HGet(ctx, r.key(documentID), connectionID).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotPresent
	}
	if err != nil {
		return fmt.Errorf("get presence: %w", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return fmt.Errorf("unmarshal presence: %w", err)
	}
	record.Cursor = &cursor
	return r.SetPresence(ctx, documentID, connectionID, record)
}

func (r *RedisRegistry) RemovePresence(ctx context.Context, documentID, connectionID string) error {
	if err := r.client.HDel(ctx, r.key(documentID), connectionID).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

func (r *RedisRegistry) ListPresence(ctx context.Context, documentID string) (map[string]Record, error) {
	values, err := r.client.HGetAll(ctx, r.key(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	out := make(map[string]Record, len(values))
	for connectionID, raw := range values {
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			// A corrupt field should not hide everyone else.
			continue
		}
		out[connectionID] = record
	}
	return out, nil
}

// Close closes the Redis connection
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// Ping checks if Redis is reachable
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
