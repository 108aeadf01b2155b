package directory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// MemoryStore is a process-local Store for dev mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]User)}
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := u
	return &copied, nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			copied := u
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrDuplicateEmail
		}
	}
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) UpdateSalt(_ context.Context, id, salt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Salt = salt
	u.UpdatedAt = time.Now()
	s.users[id] = u
	return nil
}

func (s *MemoryStore) StoreCiphertext(_ context.Context, id string, ciphertext *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	if ciphertext == nil {
		u.EncryptedSecret = nil
	} else {
		copied := *ciphertext
		u.EncryptedSecret = &copied
	}
	u.UpdatedAt = time.Now()
	s.users[id] = u
	return nil
}
