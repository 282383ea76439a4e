// Package store provides the flat key/value tables the quota ledger and health
// monitor mirror their in-memory state to.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Table is a flat document of JSON values keyed by string.
//
// MergeSave must shallow-merge entries over whatever the backend currently holds,
// so keys written by another process since the last Load survive.
type Table interface {
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	MergeSave(ctx context.Context, entries map[string]json.RawMessage) error
}

// Encode marshals a typed map into table entries.
func Encode[V any](values map[string]V) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode entry %s: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}

// Decode unmarshals table entries into a typed map. Entries that fail to decode
// are reported through skipped and left out.
func Decode[V any](entries map[string]json.RawMessage, skipped func(key string, err error)) map[string]V {
	out := make(map[string]V, len(entries))
	for k, raw := range entries {
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			if skipped != nil {
				skipped(k, err)
			}
			continue
		}
		out[k] = v
	}
	return out
}

// Memory is an in-process Table, used when durability is not wanted and in tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	saves   int
	err     error
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]json.RawMessage)}
}

func (m *Memory) Load(_ context.Context) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]json.RawMessage, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) MergeSave(_ context.Context, entries map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for k, v := range entries {
		m.entries[k] = v
	}
	m.saves++
	return nil
}

// Saves reports how many MergeSave calls succeeded.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
