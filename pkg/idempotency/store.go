// Package idempotency caches tx submission responses by client-chosen key.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Record holds a stored response.
type Record struct {
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool { return now.After(r.ExpiresAt) }

// Store abstracts idempotency persistence. Get returns (nil, nil) for a
// missing or expired key.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// MemoryStore keeps records in process. Expired entries are dropped lazily.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if rec.expired(m.now()) {
		delete(m.data, key)
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
