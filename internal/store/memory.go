package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/farmx/apiserver/types"
)

// MemoryUserRepository keeps users in process memory. It honours the same
// contract as UserRepository, including atomic email uniqueness, and is
// used for tests and the in-memory development store.
type MemoryUserRepository struct {
	mu      sync.RWMutex
	nextID  int
	byID    map[int]types.User
	byEmail map[string]int
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		nextID:  1,
		byID:    make(map[int]types.User),
		byEmail: make(map[string]int),
	}
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id int) (types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return user, nil
}

func (r *MemoryUserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[emailKey(email)]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return r.byID[id], nil
}

func (r *MemoryUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := emailKey(user.Email)
	if _, exists := r.byEmail[key]; exists {
		return types.User{}, ErrDuplicate
	}

	user.ID = r.nextID
	user.CreatedAt = time.Now().UTC()
	r.nextID++
	r.byID[user.ID] = user
	r.byEmail[key] = user.ID
	return user, nil
}

// Len reports the number of stored users.
func (r *MemoryUserRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
