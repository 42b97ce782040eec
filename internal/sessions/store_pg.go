package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates that no active durable record matched.
var ErrNotFound = errors.New("sessions: not found")

const (
	insertColumns = `id, user_id, ip_address, user_agent, login_time, last_activity, expires_at, is_active, destroyed_at`
	recordColumns = insertColumns + `, seq`
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL session store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Insert persists a new session record.
func (s *PGStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO sessions (`+insertColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)`,
		rec.ID, rec.UserID, rec.IPAddress, rec.UserAgent, rec.LoginTime, rec.LastActivity, rec.ExpiresAt, rec.IsActive)
	if err != nil {
		return fmt.Errorf("sessions: insert: %w", err)
	}
	return nil
}

// Deactivate soft-deletes the session. The update is a no-op for records
// already inactive so the first destroy timestamp is preserved.
func (s *PGStore) Deactivate(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET is_active = FALSE, destroyed_at = $2 WHERE id = $1 AND is_active`, id, at)
	if err != nil {
		return fmt.Errorf("sessions: deactivate: %w", err)
	}
	return nil
}

// Extend moves the expiry of an active session.
func (s *PGStore) Extend(ctx context.Context, id string, expiresAt, lastActivity time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET expires_at = $2, last_activity = $3 WHERE id = $1 AND is_active`, id, expiresAt, lastActivity)
	if err != nil {
		return fmt.Errorf("sessions: extend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActive returns active sessions of a user, newest first.
func (s *PGStore) ListActive(ctx context.Context, userID int64) ([]Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM sessions WHERE user_id = $1 AND is_active ORDER BY login_time DESC, seq DESC`, userID)
}

// ListSince returns sessions of a user created at or after since.
func (s *PGStore) ListSince(ctx context.Context, userID int64, since time.Time) ([]Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM sessions WHERE user_id = $1 AND login_time >= $2 ORDER BY login_time DESC, seq DESC`, userID, since)
}

// ListExpired returns active sessions whose expiry has passed.
func (s *PGStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.query(ctx, `SELECT `+recordColumns+` FROM sessions WHERE is_active AND expires_at < $1 ORDER BY expires_at LIMIT $2`, now, limit)
}

// CountActive counts active, non-expired sessions and distinct users.
func (s *PGStore) CountActive(ctx context.Context, now time.Time) (int, int, error) {
	var sessions, users int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT user_id) FROM sessions WHERE is_active AND expires_at > $1`, now).Scan(&sessions, &users)
	if err != nil {
		return 0, 0, fmt.Errorf("sessions: count active: %w", err)
	}
	return sessions, users, nil
}

func (s *PGStore) query(ctx context.Context, sql string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: query: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("sessions: scan: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.UserID, &rec.IPAddress, &rec.UserAgent, &rec.LoginTime,
		&rec.LastActivity, &rec.ExpiresAt, &rec.IsActive, &rec.DestroyedAt, &rec.Seq)
	return rec, err
}

var _ Store = (*PGStore)(nil)
