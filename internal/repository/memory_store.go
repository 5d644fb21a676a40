package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jefftrojan/twigane/internal/model"
)

type MemoryStore struct {
	mu    sync.RWMutex
	items []*model.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, n *model.Notification) error {
	cp := *n
	s.mu.Lock()
	s.items = append(s.items, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) FindByUser(_ context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	s.mu.RLock()
	out := make([]*model.Notification, 0)
	for _, n := range s.items {
		if n.UserID != userID || (unreadOnly && n.Read) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.items {
		if n.ID == id && n.UserID == userID && !n.Read {
			n.Read = true
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	var removed int64
	for _, n := range s.items {
		if n.Expired(t) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	// release references held past the new length
	for i := len(kept); i < len(s.items); i++ {
		s.items[i] = nil
	}
	s.items = kept
	return removed, nil
}

// Len is the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
