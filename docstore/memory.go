// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is the in-memory backend used by tests and by agents run
// without a document database. Values are stored as encoded JSON so reads
// cannot alias writer-owned memory.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string][]byte)}
}

// Collection returns the map-backed accessor for name.
func (s *MemoryStore) Collection(name string) Collection {
	return &memoryCollection{store: s, name: name}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

type memoryCollection struct {
	store *MemoryStore
	name  string
}

func (c *memoryCollection) Document(_ context.Context, id string, out any) (bool, error) {
	c.store.mu.RLock()
	raw, ok := c.store.collections[c.name][id]
	c.store.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode document %s/%s: %w", c.name, id, err)
	}
	return true, nil
}

func (c *memoryCollection) Put(_ context.Context, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", c.name, id, err)
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	docs, ok := c.store.collections[c.name]
	if !ok {
		docs = make(map[string][]byte)
		c.store.collections[c.name] = docs
	}
	docs[id] = raw
	return nil
}

func (c *memoryCollection) Delete(_ context.Context, id string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	delete(c.store.collections[c.name], id)
	return nil
}

func (c *memoryCollection) List(_ context.Context) ([]string, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	docs := c.store.collections[c.name]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
