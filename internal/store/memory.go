package store

import (
	"context"
	"sort"
	"sync"

	"snapshotter/pkg/models"
)

// MemoryStore 内存存储，用于测试和 dry-run
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*models.AccountSnapshot
	byAccount map[string][]*models.AccountSnapshot
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*models.AccountSnapshot),
		byAccount: make(map[string][]*models.AccountSnapshot),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.AccountSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[id], nil
}

func (s *MemoryStore) Save(ctx context.Context, snapshot *models.AccountSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.snapshots[snapshot.ID]; exists {
		return false, nil
	}
	s.snapshots[snapshot.ID] = snapshot
	s.byAccount[snapshot.AccountID] = append(s.byAccount[snapshot.AccountID], snapshot)
	return true, nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.AccountSnapshot, error) {
	s.mu.RLock()
	list := make([]*models.AccountSnapshot, len(s.byAccount[accountID]))
	copy(list, s.byAccount[accountID])
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].SnapshotAtBlock > list[j].SnapshotAtBlock
	})

	if limit = normalizeLimit(limit); len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.snapshots)), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
