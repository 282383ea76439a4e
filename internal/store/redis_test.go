package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedis_RoundTrip(t *testing.T) {
	rdb := setupTestRedis(t)
	table := NewRedis(rdb, "relay:tokens")
	ctx := context.Background()

	err := table.MergeSave(ctx, map[string]json.RawMessage{
		"gr-a": json.RawMessage(`{"tier":"standard"}`),
		"gr-b": json.RawMessage(`{"tier":"premium"}`),
	})
	if err != nil {
		t.Fatalf("MergeSave failed: %v", err)
	}

	entries, err := table.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if string(entries["gr-b"]) != `{"tier":"premium"}` {
		t.Errorf("unexpected value: %s", entries["gr-b"])
	}
}

func TestRedis_MergeKeepsOtherWriters(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()

	NewRedis(rdb, "relay:tokens").MergeSave(ctx, map[string]json.RawMessage{"foreign": json.RawMessage(`1`)})

	table := NewRedis(rdb, "relay:tokens")
	if err := table.MergeSave(ctx, map[string]json.RawMessage{"mine": json.RawMessage(`2`)}); err != nil {
		t.Fatal(err)
	}

	entries, _ := table.Load(ctx)
	if string(entries["foreign"]) != "1" || string(entries["mine"]) != "2" {
		t.Errorf("expected both entries, got %v", entries)
	}
}

func TestRedis_EmptyLoadAndSave(t *testing.T) {
	rdb := setupTestRedis(t)
	table := NewRedis(rdb, "relay:health")
	ctx := context.Background()

	if err := table.MergeSave(ctx, nil); err != nil {
		t.Fatalf("empty MergeSave should be a no-op, got %v", err)
	}
	entries, err := table.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty table, got %d entries", len(entries))
	}
}
