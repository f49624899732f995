package authclient

import (
	"context"
	"sync"
)

// Credentials is the locally held token pair.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Store holds the client's credentials between requests.
type Store interface {
	// Load returns the current credentials; zero values mean none are held.
	Load(ctx context.Context) Credentials
	// Save replaces the held credentials.
	Save(ctx context.Context, c Credentials)
	// Clear discards both tokens.
	Clear(ctx context.Context)
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewMemoryStore returns a MemoryStore seeded with c.
func NewMemoryStore(c Credentials) *MemoryStore {
	return &MemoryStore{creds: c}
}

// Load returns the held credentials.
func (s *MemoryStore) Load(ctx context.Context) Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Save replaces the held credentials.
func (s *MemoryStore) Save(ctx context.Context, c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = c
}

// Clear discards both tokens.
func (s *MemoryStore) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
}
