package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists durable session records. Records are soft-deleted only.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	// Deactivate marks the record inactive. Unknown or already inactive ids
	// are not an error.
	Deactivate(ctx context.Context, id string, at time.Time) error
	Extend(ctx context.Context, id string, expiresAt, lastActivity time.Time) error
	// ListActive returns active records of a user, newest first, regardless
	// of expiry.
	ListActive(ctx context.Context, userID int64) ([]Record, error)
	// ListSince returns records of a user created at or after since, in any
	// state.
	ListSince(ctx context.Context, userID int64, since time.Time) ([]Record, error)
	// ListExpired returns up to limit active records whose expiry is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Record, error)
	// CountActive counts active, non-expired records and distinct users.
	CountActive(ctx context.Context, now time.Time) (sessions int, users int, err error)
}

// MemoryStore keeps records in process memory. It is only suitable for a
// single instance and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	seq     int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Insert stores rec.
func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec.Seq = s.seq
	s.records[rec.ID] = rec
	return nil
}

// Deactivate marks id inactive.
func (s *MemoryStore) Deactivate(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || !rec.IsActive {
		return nil
	}
	rec.IsActive = false
	rec.DestroyedAt = &at
	s.records[id] = rec
	return nil
}

// Extend moves the expiry of an active record.
func (s *MemoryStore) Extend(_ context.Context, id string, expiresAt, lastActivity time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || !rec.IsActive {
		return ErrNotFound
	}
	rec.ExpiresAt = expiresAt
	rec.LastActivity = lastActivity
	s.records[id] = rec
	return nil
}

// ListActive returns active records of userID, newest first.
func (s *MemoryStore) ListActive(_ context.Context, userID int64) ([]Record, error) {
	return s.filter(func(r Record) bool { return r.UserID == userID && r.IsActive }), nil
}

// ListSince returns records of userID created at or after since.
func (s *MemoryStore) ListSince(_ context.Context, userID int64, since time.Time) ([]Record, error) {
	return s.filter(func(r Record) bool { return r.UserID == userID && !r.LoginTime.Before(since) }), nil
}

// ListExpired returns active records that expired before now.
func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Record, error) {
	out := s.filter(func(r Record) bool { return r.IsActive && r.ExpiresAt.Before(now) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountActive counts active, non-expired records and their distinct users.
func (s *MemoryStore) CountActive(_ context.Context, now time.Time) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make(map[int64]struct{})
	total := 0
	for _, r := range s.records {
		if r.IsActive && r.ExpiresAt.After(now) {
			total++
			users[r.UserID] = struct{}{}
		}
	}
	return total, len(users), nil
}

// Get returns a copy of the record stored under id.
func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *MemoryStore) filter(keep func(Record) bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoginTime.Equal(out[j].LoginTime) {
			return out[i].Seq > out[j].Seq
		}
		return out[i].LoginTime.After(out[j].LoginTime)
	})
	return out
}

var _ Store = (*MemoryStore)(nil)
