package user

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]User)}
}

func (r *MemoryRepository) Upsert(_ context.Context, u *User) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *u
	if existing, ok := r.users[u.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		stored.LastSeen = existing.LastSeen
	}
	r.users[u.ID] = stored
	return &stored, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r *MemoryRepository) Search(_ context.Context, query string, limit int) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(query)
	users := []User{}
	for _, u := range r.users {
		if strings.Contains(strings.ToLower(u.Username), needle) {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (r *MemoryRepository) TouchLastSeen(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.LastSeen = at
		r.users[id] = u
	}
	return nil
}
