package authclient

import (
	"sync"
	"time"
)

// TokenPair is the client's copy of the issued tokens.
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
}

// TokenStore persists the pair between requests. Implementations must be
// safe for concurrent use.
type TokenStore interface {
	Load() (TokenPair, bool)
	Save(pair TokenPair)
	Clear()
}

// MemoryTokenStore keeps the pair in process memory.
type MemoryTokenStore struct {
	mu   sync.RWMutex
	pair TokenPair
	set  bool
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Load() (TokenPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.set
}

func (s *MemoryTokenStore) Save(pair TokenPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = pair
	s.set = true
}

func (s *MemoryTokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = TokenPair{}
	s.set = false
}
