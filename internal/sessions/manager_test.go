package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulearn/authcore/internal/platform/cache"
	"github.com/edulearn/authcore/internal/rbac"
	"github.com/edulearn/authcore/internal/shared"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubPrincipals map[int64]bool

func (s stubPrincipals) PrincipalExists(_ context.Context, userID int64) (bool, error) {
	return s[userID], nil
}

type stubRoles struct {
	mu    sync.Mutex
	roles map[int64][]rbac.Role
}

func (s *stubRoles) set(userID int64, roles ...rbac.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[userID] = roles
}

func (s *stubRoles) GetUserRoles(_ context.Context, userID int64) ([]rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rbac.Role(nil), s.roles[userID]...), nil
}

func (s *stubRoles) GetUserPermissions(ctx context.Context, userID int64) ([]rbac.Permission, error) {
	roles, _ := s.GetUserRoles(ctx, userID)
	var out []rbac.Permission
	for _, r := range roles {
		perms, _ := rbac.BuiltinPermissions(r)
		out = append(out, perms...)
	}
	return out, nil
}

type fixture struct {
	mr      *miniredis.Miniredis
	store   *MemoryStore
	roles   *stubRoles
	clock   *testClock
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		mr:    mr,
		store: NewMemoryStore(),
		roles: &stubRoles{roles: map[int64][]rbac.Role{7: {rbac.RoleStudent}}},
		clock: &testClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)},
	}
	f.manager = NewManager(cache.NewRedis(client), f.store, stubPrincipals{7: true, 8: true, 9: true}, f.roles,
		DefaultConfig(), WithClock(f.clock.Now))
	return f
}

func (f *fixture) create(t *testing.T, userID int64, ip, ua string) Created {
	t.Helper()
	created, err := f.manager.CreateSession(context.Background(), userID, ip, ua)
	require.NoError(t, err)
	return created
}

func TestCreateSessionUnknownPrincipal(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.CreateSession(context.Background(), 404, "10.0.0.1", "curl")
	var authErr *shared.AuthenticationError
	require.ErrorAs(t, err, &authErr)

	stats, err := f.manager.GetSessionStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalActiveSessions)
	assert.Empty(t, f.mr.Keys())
}

func TestCreateThenValidateKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, 7, "10.0.0.1", "firefox")
	assert.Len(t, created.SessionID, 64)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), created.ExpiresAt)

	f.roles.set(7, rbac.RoleAdmin)

	data, err := f.manager.ValidateSession(ctx, created.SessionID)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, int64(7), data.UserID)
	assert.Equal(t, []string{"STUDENT"}, data.Roles)
	assert.NotContains(t, data.Permissions, string(rbac.PermUserDelete))

	_, err = f.manager.RefreshSession(ctx, created.SessionID)
	require.NoError(t, err)
	data, err = f.manager.ValidateSession(ctx, created.SessionID)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, []string{"ADMIN"}, data.Roles)
	assert.Contains(t, data.Permissions, string(rbac.PermUserDelete))
}

func TestValidateExtendsCacheButNotDurableExpiry(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, 7, "10.0.0.1", "firefox")

	f.clock.Advance(2 * time.Hour)
	f.mr.FastForward(2 * time.Hour)
	assert.Equal(t, 22*time.Hour, f.mr.TTL(cacheKey(created.SessionID)))

	data, err := f.manager.ValidateSession(context.Background(), created.SessionID)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, f.clock.Now(), data.LastActivity)
	assert.Equal(t, 24*time.Hour, f.mr.TTL(cacheKey(created.SessionID)))

	rec, ok := f.store.Get(created.SessionID)
	require.True(t, ok)
	assert.Equal(t, created.ExpiresAt, rec.ExpiresAt)
}

func TestValidateRejectsExpiredPayload(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, 7, "10.0.0.1", "firefox")

	f.clock.Advance(24*time.Hour + time.Second)
	data, err := f.manager.ValidateSession(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestValidateTreatsCorruptPayloadAsInvalid(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mr.Set(cacheKey("abc"), "{not json"))

	data, err := f.manager.ValidateSession(context.Background(), "abc")
	require.NoError(t, err)
	assert.Nil(t, data)

	data, err = f.manager.ValidateSession(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestValidateFailsClosedWhenCacheIsDown(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, 7, "10.0.0.1", "firefox")
	f.mr.Close()

	data, err := f.manager.ValidateSession(context.Background(), created.SessionID)
	assert.Error(t, err)
	assert.Nil(t, data)
}

func TestCreateSessionCacheFailureDeactivatesDurableRecord(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	_, err := f.manager.CreateSession(context.Background(), 7, "10.0.0.1", "firefox")
	require.Error(t, err)

	records, err := f.store.ListActive(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRefreshExtendsBothStores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, 7, "10.0.0.1", "firefox")

	f.clock.Advance(20 * time.Hour)
	refreshed, err := f.manager.RefreshSession(ctx, created.SessionID)
	require.NoError(t, err)
	require.NotNil(t, refreshed)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), refreshed.ExpiresAt)

	rec, _ := f.store.Get(created.SessionID)
	assert.Equal(t, refreshed.ExpiresAt, rec.ExpiresAt)

	f.clock.Advance(10 * time.Hour)
	data, err := f.manager.ValidateSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, data, "refreshed session outlives the original expiry")

	refreshed, err = f.manager.RefreshSession(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, refreshed)
}

func TestDestroySessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, 7, "10.0.0.1", "firefox")

	require.NoError(t, f.manager.DestroySession(ctx, created.SessionID))
	first, _ := f.store.Get(created.SessionID)
	f.clock.Advance(time.Minute)
	require.NoError(t, f.manager.DestroySession(ctx, created.SessionID))
	second, _ := f.store.Get(created.SessionID)

	assert.False(t, second.IsActive)
	assert.Equal(t, first.DestroyedAt, second.DestroyedAt)
	assert.False(t, f.mr.Exists(cacheKey(created.SessionID)))
	data, err := f.manager.ValidateSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, f.manager.DestroySession(ctx, "never-existed"))
}

func TestSessionCapKeepsMostRecent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, f.create(t, 7, "10.0.0.1", "firefox").SessionID)
		f.clock.Advance(time.Minute)
	}

	records, err := f.store.ListActive(ctx, 7)
	require.NoError(t, err)
	require.Len(t, records, 5)
	var active []string
	for _, r := range records {
		active = append(active, r.ID)
	}
	assert.ElementsMatch(t, ids[3:], active)
	for _, evicted := range ids[:3] {
		assert.False(t, f.mr.Exists(cacheKey(evicted)))
	}
}

func TestSessionCapBreaksLoginTimeTiesByInsertOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, f.create(t, 7, "10.0.0.1", "firefox").SessionID)
	}

	records, err := f.store.ListActive(ctx, 7)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, ids[7-i], r.ID, "position %d", i)
	}
	for _, evicted := range ids[:3] {
		rec, ok := f.store.Get(evicted)
		require.True(t, ok)
		assert.False(t, rec.IsActive)
	}
}

func TestDestroyAllUserSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 7, "10.0.0.1", "firefox")
	b := f.create(t, 7, "10.0.0.2", "chrome")
	other := f.create(t, 8, "10.0.0.3", "safari")

	n, err := f.manager.DestroyAllUserSessions(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.SessionID, b.SessionID} {
		data, err := f.manager.ValidateSession(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, data)
	}
	data, err := f.manager.ValidateSession(ctx, other.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestGetUserSessionsHidesSecretAndSkipsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.create(t, 7, "10.0.0.1", "firefox")
	f.clock.Advance(23 * time.Hour)
	fresh := f.create(t, 7, "10.0.0.2", "chrome")
	f.clock.Advance(2 * time.Hour)

	summaries, err := f.manager.GetUserSessions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, Handle(fresh.SessionID), summaries[0].Handle)
	assert.NotEqual(t, fresh.SessionID, summaries[0].Handle)
	assert.Equal(t, "10.0.0.2", summaries[0].IPAddress)

	err = f.manager.DestroyByHandle(ctx, 7, Handle(old.SessionID))
	require.NoError(t, err, "expired but still active sessions can be revoked")
	err = f.manager.DestroyByHandle(ctx, 8, Handle(fresh.SessionID))
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRapidSessionCreationIsSuspicious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		f.create(t, 9, "10.0.0.1", "firefox")
		f.clock.Advance(5 * time.Minute)

		verdict, err := f.manager.CheckSuspiciousActivity(ctx, 9, "10.0.0.1", "firefox")
		require.NoError(t, err)
		if i < 5 {
			assert.False(t, verdict.IsSuspicious, "after %d sessions", i+1)
		} else {
			assert.True(t, verdict.IsSuspicious)
			assert.Equal(t, ReasonRapidCreation, verdict.Reason)
		}
	}
}

func TestSuspiciousActivityChecksInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		f.create(t, 9, fmt.Sprintf("10.0.0.%d", i), fmt.Sprintf("agent-%d", i))
		f.clock.Advance(2 * time.Hour)
	}

	verdict, err := f.manager.CheckSuspiciousActivity(ctx, 9, "10.0.0.4", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, Suspicion{IsSuspicious: true, Reason: ReasonMultipleIPs}, verdict)

	verdict, err = f.manager.CheckSuspiciousActivity(ctx, 9, "10.0.0.1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, Suspicion{IsSuspicious: true, Reason: ReasonMultipleUserAgents}, verdict)

	f.clock.Advance(24 * time.Hour)
	verdict, err = f.manager.CheckSuspiciousActivity(ctx, 9, "10.0.0.9", "agent-9")
	require.NoError(t, err)
	assert.False(t, verdict.IsSuspicious, "sessions older than a day are ignored")
}

func TestCleanupExpiredSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for _, user := range []int64{7, 8, 9} {
		ids = append(ids, f.create(t, user, "10.0.0.1", "firefox").SessionID)
	}
	f.clock.Advance(12 * time.Hour)
	live := f.create(t, 7, "10.0.0.1", "firefox")
	f.clock.Advance(13 * time.Hour)

	swept, err := f.manager.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, swept)
	for _, id := range ids {
		rec, _ := f.store.Get(id)
		assert.False(t, rec.IsActive)
		assert.False(t, f.mr.Exists(cacheKey(id)))
	}
	rec, _ := f.store.Get(live.SessionID)
	assert.True(t, rec.IsActive)

	swept, err = f.manager.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestGetSessionStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, 7, "10.0.0.1", "firefox")
	f.create(t, 7, "10.0.0.1", "chrome")
	f.create(t, 8, "10.0.0.2", "firefox")
	gone := f.create(t, 9, "10.0.0.3", "firefox")
	require.NoError(t, f.manager.DestroySession(ctx, gone.SessionID))

	stats, err := f.manager.GetSessionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{TotalActiveSessions: 3, TotalUsers: 2, AverageSessionsPerUser: 1.5}, stats)
}
