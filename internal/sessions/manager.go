package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edulearn/authcore/internal/platform/cache"
	"github.com/edulearn/authcore/internal/rbac"
	"github.com/edulearn/authcore/internal/shared"
)

const keyPrefix = "session:"

// Heuristic thresholds evaluated by CheckSuspiciousActivity.
const (
	suspiciousLookback  = 24 * time.Hour
	rapidCreationWindow = time.Hour
	maxDistinctIPs      = 3
	maxDistinctAgents   = 2
	maxRecentSessions   = 5
)

// Cache is the expiring key-value store holding hot session payloads.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Principals resolves whether a user id belongs to an existing principal.
type Principals interface {
	PrincipalExists(ctx context.Context, userID int64) (bool, error)
}

// RoleSource provides the role snapshot stored with a session.
type RoleSource interface {
	GetUserRoles(ctx context.Context, userID int64) ([]rbac.Role, error)
	GetUserPermissions(ctx context.Context, userID int64) ([]rbac.Permission, error)
}

// Observer receives session lifecycle events.
type Observer interface {
	SessionCreated()
	SessionsDestroyed(reason string, n int)
	SuspiciousActivity(reason string)
}

// Config tunes the manager.
type Config struct {
	Lifetime           time.Duration
	MaxPerUser         int
	CleanupBatch       int
	CleanupConcurrency int
}

// DefaultConfig returns a 24h lifetime and a cap of five sessions per user.
func DefaultConfig() Config {
	return Config{
		Lifetime:           24 * time.Hour,
		MaxPerUser:         5,
		CleanupBatch:       500,
		CleanupConcurrency: 8,
	}
}

// Manager coordinates the cache and durable copies of sessions.
type Manager struct {
	cache      Cache
	store      Store
	principals Principals
	roles      RoleSource
	cfg        Config
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a Manager. Zero config fields fall back to
// DefaultConfig values.
func NewManager(c Cache, store Store, principals Principals, roles RoleSource, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = def.Lifetime
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = def.MaxPerUser
	}
	if cfg.CleanupBatch <= 0 {
		cfg.CleanupBatch = def.CleanupBatch
	}
	if cfg.CleanupConcurrency <= 0 {
		cfg.CleanupConcurrency = def.CleanupConcurrency
	}
	m := &Manager{
		cache:      c,
		store:      store,
		principals: principals,
		roles:      roles,
		cfg:        cfg,
		logger:     slog.Default(),
		observer:   noopObserver{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession opens a session for an existing principal, snapshotting
// its roles and permissions. The durable record is written before the
// cache entry; a failed cache write deactivates it again.
func (m *Manager) CreateSession(ctx context.Context, userID int64, ip, userAgent string) (Created, error) {
	exists, err := m.principals.PrincipalExists(ctx, userID)
	if err != nil {
		return Created{}, fmt.Errorf("sessions: resolve principal: %w", err)
	}
	if !exists {
		return Created{}, &shared.AuthenticationError{Reason: "unknown principal"}
	}
	roles, perms, err := m.snapshot(ctx, userID)
	if err != nil {
		return Created{}, err
	}
	id, err := newSessionID()
	if err != nil {
		return Created{}, err
	}

	now := m.now().UTC()
	data := Data{
		SessionID:    id,
		UserID:       userID,
		Roles:        roles,
		Permissions:  perms,
		LoginTime:    now,
		LastActivity: now,
		IPAddress:    ip,
		UserAgent:    userAgent,
		IsActive:     true,
		ExpiresAt:    now.Add(m.cfg.Lifetime),
	}
	rec := Record{
		ID:           id,
		UserID:       userID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		LoginTime:    now,
		LastActivity: now,
		ExpiresAt:    data.ExpiresAt,
		IsActive:     true,
	}
	if err := m.store.Insert(ctx, rec); err != nil {
		return Created{}, err
	}
	if err := m.writeCache(ctx, data); err != nil {
		if derr := m.store.Deactivate(ctx, id, now); derr != nil {
			m.logger.Error("deactivate orphaned session", slog.Int64("user_id", userID), slog.Any("error", derr))
		}
		return Created{}, err
	}
	m.observer.SessionCreated()

	if err := m.enforceCap(ctx, userID); err != nil {
		m.logger.Warn("enforce session cap", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	return Created{SessionID: id, ExpiresAt: data.ExpiresAt}, nil
}

// ValidateSession returns the cached payload of a live session, or nil when
// the session is absent, expired, inactive or unreadable. Cache failures are
// returned as errors and must be treated as invalid sessions.
func (m *Manager) ValidateSession(ctx context.Context, sessionID string) (*Data, error) {
	if sessionID == "" {
		return nil, nil
	}
	raw, err := m.cache.Get(ctx, cacheKey(sessionID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessions: validate: %w", err)
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		m.logger.Warn("discarding unreadable session payload", slog.String("handle", Handle(sessionID)), slog.Any("error", err))
		return nil, nil
	}
	now := m.now().UTC()
	if !data.IsActive || data.SessionID != sessionID || !now.Before(data.ExpiresAt) {
		return nil, nil
	}
	data.LastActivity = now
	if err := m.writeCache(ctx, data); err != nil {
		return nil, err
	}
	return &data, nil
}

// RefreshSession extends a valid session by a full lifetime in both stores
// and re-snapshots its roles and permissions.
func (m *Manager) RefreshSession(ctx context.Context, sessionID string) (*Refreshed, error) {
	data, err := m.ValidateSession(ctx, sessionID)
	if err != nil || data == nil {
		return nil, err
	}
	roles, perms, err := m.snapshot(ctx, data.UserID)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	data.Roles = roles
	data.Permissions = perms
	data.LastActivity = now
	data.ExpiresAt = now.Add(m.cfg.Lifetime)
	if err := m.store.Extend(ctx, sessionID, data.ExpiresAt, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			// durable copy is gone; the cached one must not outlive it
			if derr := m.cache.Del(ctx, cacheKey(sessionID)); derr != nil {
				m.logger.Warn("drop stale session", slog.Any("error", derr))
			}
			return nil, nil
		}
		return nil, err
	}
	if err := m.writeCache(ctx, *data); err != nil {
		return nil, err
	}
	return &Refreshed{ExpiresAt: data.ExpiresAt}, nil
}

// DestroySession removes the cache entry and deactivates the durable record.
// Destroying an unknown or already destroyed session succeeds.
func (m *Manager) DestroySession(ctx context.Context, sessionID string) error {
	if err := m.destroy(ctx, sessionID); err != nil {
		return err
	}
	m.observer.SessionsDestroyed("logout", 1)
	return nil
}

// DestroyAllUserSessions destroys every active session of userID and returns
// how many were destroyed.
func (m *Manager) DestroyAllUserSessions(ctx context.Context, userID int64) (int, error) {
	records, err := m.store.ListActive(ctx, userID)
	if err != nil {
		return 0, err
	}
	var errs []error
	destroyed := 0
	for _, rec := range records {
		if err := m.destroy(ctx, rec.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		destroyed++
	}
	m.observer.SessionsDestroyed("revoke_all", destroyed)
	return destroyed, errors.Join(errs...)
}

// DestroyByHandle destroys the active session of userID whose summary handle
// matches handle.
func (m *Manager) DestroyByHandle(ctx context.Context, userID int64, handle string) error {
	records, err := m.store.ListActive(ctx, userID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if Handle(rec.ID) == handle {
			if err := m.destroy(ctx, rec.ID); err != nil {
				return err
			}
			m.observer.SessionsDestroyed("revoke", 1)
			return nil
		}
	}
	return &shared.NotFoundError{Resource: "session", Key: handle}
}

// GetUserSessions lists active, non-expired durable sessions, newest first.
func (m *Manager) GetUserSessions(ctx context.Context, userID int64) ([]Summary, error) {
	records, err := m.store.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	out := make([]Summary, 0, len(records))
	for _, rec := range records {
		if !rec.ExpiresAt.After(now) {
			continue
		}
		out = append(out, Summary{
			Handle:       Handle(rec.ID),
			IPAddress:    rec.IPAddress,
			UserAgent:    rec.UserAgent,
			LoginTime:    rec.LoginTime,
			LastActivity: rec.LastActivity,
			ExpiresAt:    rec.ExpiresAt,
		})
	}
	return out, nil
}

// CheckSuspiciousActivity evaluates the user's sessions of the last 24 hours
// together with the candidate ip and user agent. The first matching check
// wins: distinct IPs, then distinct user agents, then rapid creation.
func (m *Manager) CheckSuspiciousActivity(ctx context.Context, userID int64, ip, userAgent string) (Suspicion, error) {
	now := m.now().UTC()
	records, err := m.store.ListSince(ctx, userID, now.Add(-suspiciousLookback))
	if err != nil {
		return Suspicion{}, err
	}
	ips := make(map[string]struct{})
	agents := make(map[string]struct{})
	if ip != "" {
		ips[ip] = struct{}{}
	}
	if userAgent != "" {
		agents[userAgent] = struct{}{}
	}
	recent := 0
	rapidSince := now.Add(-rapidCreationWindow)
	for _, rec := range records {
		if rec.IPAddress != "" {
			ips[rec.IPAddress] = struct{}{}
		}
		if rec.UserAgent != "" {
			agents[rec.UserAgent] = struct{}{}
		}
		if !rec.LoginTime.Before(rapidSince) {
			recent++
		}
	}

	var verdict Suspicion
	switch {
	case len(ips) > maxDistinctIPs:
		verdict = Suspicion{IsSuspicious: true, Reason: ReasonMultipleIPs}
	case len(agents) > maxDistinctAgents:
		verdict = Suspicion{IsSuspicious: true, Reason: ReasonMultipleUserAgents}
	case recent > maxRecentSessions:
		verdict = Suspicion{IsSuspicious: true, Reason: ReasonRapidCreation}
	}
	if verdict.IsSuspicious {
		m.observer.SuspiciousActivity(verdict.Reason)
	}
	return verdict, nil
}

// CleanupExpiredSessions destroys active durable sessions whose expiry has
// passed and returns how many were swept.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	var swept atomic.Int64
	for {
		records, err := m.store.ListExpired(ctx, m.now().UTC(), m.cfg.CleanupBatch)
		if err != nil {
			return int(swept.Load()), err
		}
		if len(records) == 0 {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.cfg.CleanupConcurrency)
		for _, rec := range records {
			id := rec.ID
			g.Go(func() error {
				if err := m.destroy(gctx, id); err != nil {
					return err
				}
				swept.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			m.observer.SessionsDestroyed("expired", int(swept.Load()))
			return int(swept.Load()), err
		}
		if len(records) < m.cfg.CleanupBatch {
			break
		}
	}
	n := int(swept.Load())
	m.observer.SessionsDestroyed("expired", n)
	return n, nil
}

// GetSessionStats aggregates active, non-expired durable sessions.
func (m *Manager) GetSessionStats(ctx context.Context) (Stats, error) {
	total, users, err := m.store.CountActive(ctx, m.now().UTC())
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalActiveSessions: total, TotalUsers: users}
	if users > 0 {
		stats.AverageSessionsPerUser = float64(total) / float64(users)
	}
	return stats, nil
}

// Lifetime reports the configured session lifetime.
func (m *Manager) Lifetime() time.Duration {
	return m.cfg.Lifetime
}

func (m *Manager) enforceCap(ctx context.Context, userID int64) error {
	records, err := m.store.ListActive(ctx, userID)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	live := records[:0]
	for _, rec := range records {
		if rec.ExpiresAt.After(now) {
			live = append(live, rec)
		}
	}
	if len(live) <= m.cfg.MaxPerUser {
		return nil
	}
	excess := live[m.cfg.MaxPerUser:]
	var errs []error
	evicted := 0
	for i := len(excess) - 1; i >= 0; i-- {
		if err := m.destroy(ctx, excess[i].ID); err != nil {
			errs = append(errs, err)
			continue
		}
		evicted++
	}
	m.observer.SessionsDestroyed("cap", evicted)
	return errors.Join(errs...)
}

func (m *Manager) destroy(ctx context.Context, sessionID string) error {
	var errs []error
	if err := m.cache.Del(ctx, cacheKey(sessionID)); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.Deactivate(ctx, sessionID, m.now().UTC()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) snapshot(ctx context.Context, userID int64) ([]string, []string, error) {
	roles, err := m.roles.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("sessions: snapshot roles: %w", err)
	}
	perms, err := m.roles.GetUserPermissions(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("sessions: snapshot permissions: %w", err)
	}
	outRoles := make([]string, len(roles))
	for i, r := range roles {
		outRoles[i] = string(r)
	}
	outPerms := make([]string, len(perms))
	for i, p := range perms {
		outPerms[i] = string(p)
	}
	return outRoles, outPerms, nil
}

func (m *Manager) writeCache(ctx context.Context, data Data) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sessions: encode: %w", err)
	}
	if err := m.cache.SetEX(ctx, cacheKey(data.SessionID), payload, m.cfg.Lifetime); err != nil {
		return fmt.Errorf("sessions: cache write: %w", err)
	}
	return nil
}

func cacheKey(sessionID string) string {
	return keyPrefix + sessionID
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("sessions: generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type noopObserver struct{}

func (noopObserver) SessionCreated()               {}
func (noopObserver) SessionsDestroyed(string, int) {}
func (noopObserver) SuspiciousActivity(string)     {}
