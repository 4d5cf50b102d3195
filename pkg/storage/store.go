// Copyright 2024 The meshbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides a small typed key-value store used by the broker
// for its table of open connection sessions.
package storage

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by Insert when the key is already present.
	ErrExists = errors.New("already exists")
)

// Store defines the operations of a key-value store.
type Store[K comparable, V any] interface {
	Get(key K) (V, error)
	Set(key K, value V) error
	Insert(key K, value V) error
	Delete(key K) error
	Len() int
	Range(fn func(key K, value V) bool)
}

// MemStore is an in-memory Store safe for concurrent use.
type MemStore[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

// NewMemStore creates an empty MemStore.
func NewMemStore[K comparable, V any]() *MemStore[K, V] {
	return &MemStore[K, V]{
		data: make(map[K]V),
	}
}

// Get returns the value stored under key, or ErrNotFound.
func (s *MemStore[K, V]) Get(key K) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return value, nil
}

// Set adds or replaces the value under key.
func (s *MemStore[K, V]) Set(key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Insert adds value under key unless the key is already present.
func (s *MemStore[K, V]) Insert(key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return ErrExists
	}
	s.data[key] = value
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemStore[K, V]) Delete(key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len returns the number of stored keys.
func (s *MemStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Range calls fn for a snapshot of the entries until fn returns false. The
// store is not locked while fn runs, so fn may modify it.
func (s *MemStore[K, V]) Range(fn func(key K, value V) bool) {
	s.mu.RLock()
	keys := make([]K, 0, len(s.data))
	values := make([]V, 0, len(s.data))
	for k, v := range s.data {
		keys = append(keys, k)
		values = append(values, v)
	}
	s.mu.RUnlock()

	for i := range keys {
		if !fn(keys[i], values[i]) {
			return
		}
	}
}
