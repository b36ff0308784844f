package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"directory-auth/internal/store"
	"directory-auth/internal/token"
)

type TokenStore struct {
	mu     sync.RWMutex
	byID   map[string]*token.Record
	byHash map[string]string
	byUser map[string]map[string]struct{}
	locks  shardedMutex
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		byID:   make(map[string]*token.Record),
		byHash: make(map[string]string),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (s *TokenStore) Save(_ context.Context, rec *token.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rec.ID]; ok {
		return store.ErrDuplicate
	}
	if _, ok := s.byHash[rec.TokenHash]; ok {
		return store.ErrDuplicate
	}

	s.byID[rec.ID] = cloneToken(rec)
	s.byHash[rec.TokenHash] = rec.ID
	ids, ok := s.byUser[rec.UserID]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[rec.UserID] = ids
	}
	ids[rec.ID] = struct{}{}
	return nil
}

func (s *TokenStore) FindByHash(_ context.Context, hash string) (*token.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneToken(s.byID[id]), nil
}

func (s *TokenStore) FindAllByUser(_ context.Context, userID string) ([]*token.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*token.Record, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		out = append(out, cloneToken(s.byID[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update applies fn under the record's lock. The hash and owner are immutable
// and are restored if fn changes them.
func (s *TokenStore) Update(_ context.Context, id string, fn func(*token.Record) error) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	s.mu.RLock()
	current, ok := s.byID[id]
	var rec *token.Record
	if ok {
		rec = cloneToken(current)
	}
	s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}

	if err := fn(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.TokenHash = existing.TokenHash
	rec.UserID = existing.UserID
	s.byID[id] = cloneToken(rec)
	return nil
}

func (s *TokenStore) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return store.ErrNotFound
	}
	s.deleteLocked(id)
	return nil
}

func (s *TokenStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	return s.deleteWhere(func(rec *token.Record) bool {
		return !rec.Revoked && rec.IsExpired(now)
	}), nil
}

func (s *TokenStore) DeleteRevokedBefore(_ context.Context, cutoff time.Time) (int, error) {
	return s.deleteWhere(func(rec *token.Record) bool {
		return rec.Revoked && rec.RevokedAt != nil && rec.RevokedAt.Before(cutoff)
	}), nil
}

func (s *TokenStore) Stats(_ context.Context, now time.Time) (store.TokenStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats store.TokenStats
	for _, rec := range s.byID {
		stats.Total++
		switch {
		case rec.Revoked:
			stats.Revoked++
		case rec.IsExpired(now):
			stats.Expired++
		default:
			stats.Active++
		}
		if rec.Kind == token.KindRefresh {
			stats.Refresh++
		} else {
			stats.Access++
		}
	}
	return stats, nil
}

func (s *TokenStore) deleteWhere(match func(*token.Record) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.byID {
		if match(rec) {
			s.deleteLocked(id)
			n++
		}
	}
	return n
}

func (s *TokenStore) deleteLocked(id string) {
	rec := s.byID[id]
	delete(s.byID, id)
	delete(s.byHash, rec.TokenHash)
	if ids, ok := s.byUser[rec.UserID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byUser, rec.UserID)
		}
	}
}

func cloneToken(rec *token.Record) *token.Record {
	c := *rec
	if rec.RevokedAt != nil {
		at := *rec.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}
