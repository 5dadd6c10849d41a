// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package cache

import (
	"context"
	"sync"
)

// Memory is a Backend that keeps values in process memory. Values do not survive a
// restart.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{values: map[string]string{}}
}

// Read implements Backend.Read().
func (m *Memory) Read(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.values[key]
	return v, ok, nil
}

// Write implements Backend.Write().
func (m *Memory) Write(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.values[key] = value
	return nil
}

// Delete implements Backend.Delete().
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.values, key)
	return nil
}

// DeleteAll implements Backend.DeleteAll().
func (m *Memory) DeleteAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.values = map[string]string{}
	return nil
}

// Keys implements Backend.Keys().
func (m *Memory) Keys(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys, nil
}

// Close implements Backend.Close().
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
