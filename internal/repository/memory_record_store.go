package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/entitlement/internal/model"
)

// MemoryRecordStore はプロセス内のマップに保存するRecordStore。
// 単一プロセス構成とテストで使用する。
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*model.EntitlementRecord
}

// NewMemoryRecordStore はMemoryRecordStoreを生成する。
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*model.EntitlementRecord)}
}

// Get は指定アカウントのレコードのコピーを返す。
func (s *MemoryRecordStore) Get(ctx context.Context, accountID string) (*model.EntitlementRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[accountID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// Put はバージョンを比較してレコードを保存する。
func (s *MemoryRecordStore) Put(ctx context.Context, rec *model.EntitlementRecord, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.AccountID]
	switch {
	case expectedVersion == 0 && ok:
		return ErrVersionConflict
	case expectedVersion != 0 && (!ok || current.Version != expectedVersion):
		return ErrVersionConflict
	}

	stored := rec.Clone()
	stored.Version = expectedVersion + 1
	s.records[rec.AccountID] = stored
	rec.Version = stored.Version
	return nil
}

// ListExpiredTrials は期限切れのまま未遷移のトライアルを終了時刻順に返す。
func (s *MemoryRecordStore) ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	type due struct {
		id     string
		endsAt time.Time
	}
	var found []due
	for id, rec := range s.records {
		if rec.Trial.State == model.TrialStateActive && !now.Before(rec.Trial.EndsAt) {
			found = append(found, due{id: id, endsAt: rec.Trial.EndsAt})
		}
	}
	s.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].endsAt.Equal(found[j].endsAt) {
			return found[i].id < found[j].id
		}
		return found[i].endsAt.Before(found[j].endsAt)
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	ids := make([]string, 0, len(found))
	for _, d := range found {
		ids = append(ids, d.id)
	}
	return ids, nil
}

// PingContext は常に成功する。
func (s *MemoryRecordStore) PingContext(ctx context.Context) error {
	return ctx.Err()
}

// compile-time interface check
var (
	_ RecordStore        = (*MemoryRecordStore)(nil)
	_ ExpiredTrialLister = (*MemoryRecordStore)(nil)
	_ HealthChecker      = (*MemoryRecordStore)(nil)
)
