// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_store

import (
	"context"
	"sync"
	"time"
)

// DurableStore persists the per-session state record and the alarm instant.
// Writes are durable before returning; a Get after a Put in the same
// logical turn observes the written value. The alarm is an orthogonal slot,
// not a keyed record.
type DurableStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error
	SetAlarm(ctx context.Context, at time.Time) error
	GetAlarm(ctx context.Context) (time.Time, bool, error)
	DeleteAlarm(ctx context.Context) error
}

// memoryStore is the in-process DurableStore used in tests and for
// single-node development runs.
type memoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	alarm  *time.Time
}

// NewMemoryStore returns an empty in-memory DurableStore.
func NewMemoryStore() DurableStore {
	return &memoryStore{values: make(map[string][]byte)}
}

func (m *memoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.values[key] = cp
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memoryStore) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string][]byte)
	return nil
}

func (m *memoryStore) SetAlarm(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := at
	m.alarm = &t
	return nil
}

func (m *memoryStore) GetAlarm(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alarm == nil {
		return time.Time{}, false, nil
	}
	return *m.alarm, true, nil
}

func (m *memoryStore) DeleteAlarm(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alarm = nil
	return nil
}
