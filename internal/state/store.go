// Package state persists engine snapshots as JSON documents under fixed keys.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Fixed keys for the persisted engine state
const (
	KeyCameras    = "hazardwatch/cameras"
	KeyDetections = "hazardwatch/detections"
	KeySafety     = "hazardwatch/safety"
)

// ErrNotFound is returned by Get for a key that was never written
var ErrNotFound = errors.New("state key not found")

// Store is a key/value document store
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// GetJSON loads key into v. A missing key returns ErrNotFound and leaves v alone.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// MemoryStore keeps documents in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put implements Store
func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = append([]byte(nil), value...)
	return nil
}

// Close implements Store
func (m *MemoryStore) Close() error { return nil }
