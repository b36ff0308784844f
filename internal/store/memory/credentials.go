package memory

import (
	"context"
	"sync"
	"time"

	"directory-auth/internal/credential"
	"directory-auth/internal/store"
)

// CredentialStore keeps one record per user. Update holds a per-user lock for
// the whole read-modify-write so concurrent failed logins cannot under-count.
type CredentialStore struct {
	mu       sync.RWMutex
	byUserID map[string]*credential.Record
	locks    shardedMutex
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{byUserID: make(map[string]*credential.Record)}
}

func (s *CredentialStore) FindByUserID(_ context.Context, userID string) (*credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byUserID[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCredential(rec), nil
}

// Save inserts a new record; a second record for the same user is rejected.
func (s *CredentialStore) Save(_ context.Context, rec *credential.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUserID[rec.UserID]; ok {
		return store.ErrDuplicate
	}
	s.byUserID[rec.UserID] = cloneCredential(rec)
	return nil
}

func (s *CredentialStore) Update(ctx context.Context, userID string, fn func(*credential.Record) error) error {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	rec, err := s.FindByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.byUserID[userID] = cloneCredential(rec)
	s.mu.Unlock()
	return nil
}

func (s *CredentialStore) CountLocked(_ context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.byUserID {
		if rec.IsLocked(now) {
			n++
		}
	}
	return n, nil
}

func (s *CredentialStore) CountWithFailures(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.byUserID {
		if rec.FailedAttempts > 0 {
			n++
		}
	}
	return n, nil
}

func cloneCredential(rec *credential.Record) *credential.Record {
	c := *rec
	if rec.LockedUntil != nil {
		until := *rec.LockedUntil
		c.LockedUntil = &until
	}
	return &c
}
