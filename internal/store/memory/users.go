// Package memory provides process-local stores with typed indices. Records
// are copied on the way in and out so callers never share state with the
// store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"directory-auth/internal/store"
	"directory-auth/internal/user"
)

type UserStore struct {
	locks   shardedMutex
	mu      sync.RWMutex
	byID    map[string]*user.User
	byEmail map[string]string
}

func NewUserStore() *UserStore {
	return &UserStore{
		byID:    make(map[string]*user.User),
		byEmail: make(map[string]string),
	}
}

func (s *UserStore) FindByID(_ context.Context, id string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *UserStore) FindByEmail(_ context.Context, email string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[user.NormalizeEmail(email)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(s.byID[id]), nil
}

// Save inserts or replaces u. Two users may not share an email.
func (s *UserStore) Save(_ context.Context, u *user.User) error {
	s.locks.Lock(u.ID)
	defer s.locks.Unlock(u.ID)

	return s.put(u)
}

func (s *UserStore) Update(ctx context.Context, id string, fn func(*user.User) error) (*user.User, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	u, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(u); err != nil {
		return nil, err
	}
	u.ID = id
	if err := s.put(u); err != nil {
		return nil, err
	}
	return cloneUser(u), nil
}

func (s *UserStore) Delete(_ context.Context, id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.byEmail, user.NormalizeEmail(u.Email))
	delete(s.byID, id)
	return nil
}

func (s *UserStore) put(u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := user.NormalizeEmail(u.Email)
	if owner, ok := s.byEmail[email]; ok && owner != u.ID {
		return store.ErrDuplicate
	}
	if prev, ok := s.byID[u.ID]; ok && !strings.EqualFold(prev.Email, email) {
		delete(s.byEmail, user.NormalizeEmail(prev.Email))
	}

	s.byID[u.ID] = cloneUser(u)
	s.byEmail[email] = u.ID
	return nil
}

func (s *UserStore) List(_ context.Context) ([]*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*user.User, 0, len(s.byID))
	for _, u := range s.byID {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneUser(u *user.User) *user.User {
	c := *u
	if u.LastLoginAt != nil {
		at := *u.LastLoginAt
		c.LastLoginAt = &at
	}
	return &c
}
