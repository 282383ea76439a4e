package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis keeps a table in a single Redis hash. HSET is already a shallow merge,
// which gives MergeSave its semantics without a read-modify-write.
type Redis struct {
	rdb *redis.Client
	key string
}

func NewRedis(rdb *redis.Client, key string) *Redis {
	return &Redis{rdb: rdb, key: key}
}

func (r *Redis) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	values, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", r.key, err)
	}
	entries := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		entries[k] = json.RawMessage(v)
	}
	return entries, nil
}

func (r *Redis) MergeSave(ctx context.Context, entries map[string]json.RawMessage) error {
	if len(entries) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(entries))
	for k, v := range entries {
		fields[k] = string(v)
	}
	if err := r.rdb.HSet(ctx, r.key, fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", r.key, err)
	}
	return nil
}
