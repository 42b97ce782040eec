package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulearn/authcore/internal/shared"
)

func TestCSRFTokenLifecycle(t *testing.T) {
	mr, redisCache := newRedisCache(t)
	csrf := NewCSRF("secret", NewRedisTokenStore(redisCache), time.Hour, "authcore_session", nil)
	ctx := context.Background()

	token, err := csrf.EnsureToken(ctx, "sess-1")
	require.NoError(t, err)
	again, err := csrf.EnsureToken(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, token, again)

	assert.NoError(t, csrf.VerifyToken(ctx, "sess-1", token))
	assert.ErrorIs(t, csrf.VerifyToken(ctx, "sess-1", "forged"), shared.ErrCSRFTokenMismatch)
	assert.ErrorIs(t, csrf.VerifyToken(ctx, "sess-2", token), shared.ErrCSRFTokenMissing)
	assert.ErrorIs(t, csrf.VerifyToken(ctx, "sess-1", ""), shared.ErrCSRFTokenMissing)

	mr.FastForward(time.Hour + time.Second)
	assert.ErrorIs(t, csrf.VerifyToken(ctx, "sess-1", token), shared.ErrCSRFTokenMissing, "tokens expire")
}

func TestMemoryTokenStore(t *testing.T) {
	store := NewMemoryTokenStore(2, time.Hour)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "a", "ta", time.Hour))
	require.NoError(t, store.Put(ctx, "b", "tb", time.Hour))
	require.NoError(t, store.Put(ctx, "c", "tc", time.Hour))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, got, "oldest token evicted past capacity")
	got, _ = store.Get(ctx, "c")
	assert.Equal(t, "tc", got)
}

func TestCSRFMiddlewareExemptions(t *testing.T) {
	csrf := NewCSRF("secret", NewMemoryTokenStore(16, time.Hour), time.Hour, "authcore_session", nil)
	token, err := csrf.EnsureToken(context.Background(), "sess-1")
	require.NoError(t, err)
	h := csrf.Middleware(okHandler())

	build := func(method string, principal *shared.Principal, cookie bool, header string) *http.Request {
		req := httptest.NewRequest(method, "/auth/logout", nil)
		if principal != nil {
			req = req.WithContext(shared.ContextWithPrincipal(req.Context(), principal))
		}
		if cookie {
			req.AddCookie(&http.Cookie{Name: "authcore_session", Value: "sess-1"})
		}
		if header != "" {
			req.Header.Set(CSRFHeader, header)
		}
		return req
	}
	cookieUser := &shared.Principal{UserID: 1, SessionID: "sess-1"}
	bearerUser := &shared.Principal{UserID: 1, SessionID: "sess-1", Bearer: true}

	cases := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"safe method", build(http.MethodGet, cookieUser, true, ""), http.StatusOK},
		{"bearer call", build(http.MethodPost, bearerUser, false, ""), http.StatusOK},
		{"no cookie", build(http.MethodPost, cookieUser, false, ""), http.StatusOK},
		{"anonymous", build(http.MethodPost, nil, true, ""), http.StatusOK},
		{"cookie without token", build(http.MethodPost, cookieUser, true, ""), http.StatusForbidden},
		{"cookie with wrong token", build(http.MethodDelete, cookieUser, true, "nope"), http.StatusForbidden},
		{"cookie with token", build(http.MethodPost, cookieUser, true, token), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tc.req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
