package projector

import (
	"context"
	"sort"
	"sync"

	"github.com/autopilot-defi/autopilot-indexer/pkg/db/models"
)

// MemStore is a mutex-guarded in-memory Store. It backs the projector in
// dev mode (no POSTGRES_URL) and the test suite; the postgres store is the
// durable implementation.
type MemStore struct {
	mu sync.RWMutex

	perms       map[string]models.Permission // id -> row
	permsByUser map[string][]string          // owner -> ids

	events       map[string]models.PermissionEvent
	eventsByUser map[string][]string

	rebalances       map[string]models.RebalanceAction
	rebalancesByUser map[string][]string

	configs     map[string]models.UserConfig
	analytics   map[string]models.GasAnalytics
	daily       map[string]models.DailyStats
	dailyOwners map[DailyOwner]struct{}
	cursors     map[string]models.Cursor
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		perms:            make(map[string]models.Permission),
		permsByUser:      make(map[string][]string),
		events:           make(map[string]models.PermissionEvent),
		eventsByUser:     make(map[string][]string),
		rebalances:       make(map[string]models.RebalanceAction),
		rebalancesByUser: make(map[string][]string),
		configs:          make(map[string]models.UserConfig),
		analytics:        make(map[string]models.GasAnalytics),
		daily:            make(map[string]models.DailyStats),
		dailyOwners:      make(map[DailyOwner]struct{}),
		cursors:          make(map[string]models.Cursor),
	}
}

func (s *MemStore) ActivePermissions(_ context.Context, owner string) ([]models.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Permission
	for _, id := range s.permsByUser[owner] {
		if p := s.perms[id]; p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemStore) GetUserConfig(_ context.Context, owner string) (*models.UserConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[owner]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (s *MemStore) GetGasAnalytics(_ context.Context, owner string) (*models.GasAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ga, ok := s.analytics[owner]
	if !ok {
		return nil, nil
	}
	return &ga, nil
}

func (s *MemStore) GetDailyStats(_ context.Context, date string) (*models.DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.daily[date]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *MemStore) HasDailyOwner(_ context.Context, date, owner string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.dailyOwners[DailyOwner{Date: date, Owner: owner}]
	return ok, nil
}

func (s *MemStore) GetCursor(_ context.Context, owner string) (models.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cursors[owner], nil
}

func (s *MemStore) HasEvent(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.events[id]; ok {
		return true, nil
	}
	_, ok := s.rebalances[id]
	return ok, nil
}

// CommitBatch applies every write in the batch under one lock, so readers
// never observe a half-applied event.
func (s *MemStore) CommitBatch(_ context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range batch.Permissions {
		if _, ok := s.perms[p.ID]; !ok {
			s.permsByUser[p.Owner] = append(s.permsByUser[p.Owner], p.ID)
		}
		s.perms[p.ID] = p
	}
	for _, e := range batch.PermissionEvents {
		if _, ok := s.events[e.ID]; !ok {
			s.eventsByUser[e.Owner] = append(s.eventsByUser[e.Owner], e.ID)
		}
		s.events[e.ID] = e
	}
	for _, r := range batch.Rebalances {
		if _, ok := s.rebalances[r.ID]; !ok {
			s.rebalancesByUser[r.Owner] = append(s.rebalancesByUser[r.Owner], r.ID)
		}
		s.rebalances[r.ID] = r
	}
	for _, c := range batch.Configs {
		s.configs[c.Owner] = c
	}
	for _, a := range batch.Analytics {
		s.analytics[a.Owner] = a
	}
	for _, d := range batch.Daily {
		s.daily[d.Date] = d
	}
	for _, o := range batch.DailyOwners {
		s.dailyOwners[o] = struct{}{}
	}
	if batch.Cursor.Owner != "" {
		s.cursors[batch.Cursor.Owner] = batch.Cursor
	}
	return nil
}

// GetPermission returns the owner's newest active permission, or nil.
func (s *MemStore) GetPermission(_ context.Context, owner string) (*models.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Permission
	for _, id := range s.permsByUser[owner] {
		p := s.perms[id]
		if !p.Active {
			continue
		}
		if latest == nil || p.GrantedAt > latest.GrantedAt {
			cp := p
			latest = &cp
		}
	}
	return latest, nil
}

// ListPermissionEvents returns the owner's audit history, newest first.
func (s *MemStore) ListPermissionEvents(_ context.Context, owner string, limit int) ([]models.PermissionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PermissionEvent, 0, len(s.eventsByUser[owner]))
	for _, id := range s.eventsByUser[owner] {
		out = append(out, s.events[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber > out[j].BlockNumber
		}
		return out[i].ID > out[j].ID
	})
	return clip(out, limit), nil
}

// ListRebalances returns the owner's rebalance history, newest first.
func (s *MemStore) ListRebalances(_ context.Context, owner string, limit int) ([]models.RebalanceAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.RebalanceAction, 0, len(s.rebalancesByUser[owner]))
	for _, id := range s.rebalancesByUser[owner] {
		out = append(out, s.rebalances[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber > out[j].BlockNumber
		}
		return out[i].ID > out[j].ID
	})
	return clip(out, limit), nil
}

// ListDailyStats returns up to the given number of most recent daily rows,
// newest date first.
func (s *MemStore) ListDailyStats(_ context.Context, days int) ([]models.DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.DailyStats, 0, len(s.daily))
	for _, d := range s.daily {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return clip(out, days), nil
}

func clip[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
