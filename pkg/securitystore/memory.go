/*
Copyright 2025 MedTrack Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package securitystore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded in-memory Store with lazy expiry:
// expired entries are evicted when touched. Suitable for tests and
// single-node deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// Now supplies the current instant; tests pin it.
	Now func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		Now:     time.Now,
	}
}

// get evicts the entry when expired and returns it otherwise. Caller
// holds the mutex.
func (m *MemoryStore) get(key string) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if m.Now().After(entry.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.get(key); exists {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: m.Now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.get(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.get(key)
	if !ok {
		m.entries[key] = memoryEntry{value: "1", expiresAt: m.Now().Add(ttl)}
		return 1, nil
	}
	count, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("key %q holds a non-counter value", key)
	}
	count++
	// Keep the original expiry; the counter window is fixed at creation.
	m.entries[key] = memoryEntry{value: strconv.FormatInt(count, 10), expiresAt: entry.expiresAt}
	return count, nil
}
