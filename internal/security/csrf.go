package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/edulearn/authcore/internal/platform/cache"
	"github.com/edulearn/authcore/internal/platform/httpx"
	"github.com/edulearn/authcore/internal/shared"
)

// CSRFHeader carries the token on unsafe requests.
const CSRFHeader = "X-CSRF-Token"

// TokenStore keeps one CSRF token per session until it expires.
type TokenStore interface {
	Put(ctx context.Context, sessionID, token string, ttl time.Duration) error
	// Get returns "" when no live token exists.
	Get(ctx context.Context, sessionID string) (string, error)
}

// KV is the cache subset used by RedisTokenStore.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisTokenStore stores tokens under csrf:<sessionID>.
type RedisTokenStore struct {
	kv KV
}

// NewRedisTokenStore wraps kv.
func NewRedisTokenStore(kv KV) *RedisTokenStore {
	return &RedisTokenStore{kv: kv}
}

// Put implements TokenStore.
func (s *RedisTokenStore) Put(ctx context.Context, sessionID, token string, ttl time.Duration) error {
	return s.kv.SetEX(ctx, "csrf:"+sessionID, []byte(token), ttl)
}

// Get implements TokenStore.
func (s *RedisTokenStore) Get(ctx context.Context, sessionID string) (string, error) {
	raw, err := s.kv.Get(ctx, "csrf:"+sessionID)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return "", nil
		}
		return "", err
	}
	return string(raw), nil
}

// MemoryTokenStore keeps tokens in an expiring in-process LRU. The TTL is
// fixed at construction; it only suits single-instance deployments.
type MemoryTokenStore struct {
	tokens *expirable.LRU[string, string]
}

// NewMemoryTokenStore holds up to size tokens for ttl each.
func NewMemoryTokenStore(size int, ttl time.Duration) *MemoryTokenStore {
	return &MemoryTokenStore{tokens: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Put implements TokenStore.
func (s *MemoryTokenStore) Put(_ context.Context, sessionID, token string, _ time.Duration) error {
	s.tokens.Add(sessionID, token)
	return nil
}

// Get implements TokenStore.
func (s *MemoryTokenStore) Get(_ context.Context, sessionID string) (string, error) {
	token, _ := s.tokens.Get(sessionID)
	return token, nil
}

// CSRF issues and verifies per-session tokens for cookie-authenticated calls.
type CSRF struct {
	secret     []byte
	store      TokenStore
	ttl        time.Duration
	cookieName string
	logger     *slog.Logger
	recorder   Recorder
}

// NewCSRF builds a CSRF manager. Requests without cookieName are exempt.
func NewCSRF(secret string, store TokenStore, ttl time.Duration, cookieName string, logger *slog.Logger) *CSRF {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSRF{secret: []byte(secret), store: store, ttl: ttl, cookieName: cookieName, logger: logger, recorder: noopRecorder{}}
}

// WithRecorder sets the rejection recorder.
func (c *CSRF) WithRecorder(rec Recorder) *CSRF {
	if rec != nil {
		c.recorder = rec
	}
	return c
}

// EnsureToken returns the live token of a session, issuing one if needed.
func (c *CSRF) EnsureToken(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", shared.ErrCSRFTokenMissing
	}
	token, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("security: csrf lookup: %w", err)
	}
	if token != "" {
		return token, nil
	}
	token, err = c.generateToken(sessionID)
	if err != nil {
		return "", err
	}
	if err := c.store.Put(ctx, sessionID, token, c.ttl); err != nil {
		return "", fmt.Errorf("security: csrf store: %w", err)
	}
	return token, nil
}

// VerifyToken compares token with the stored token of the session.
func (c *CSRF) VerifyToken(ctx context.Context, sessionID, token string) error {
	if sessionID == "" || token == "" {
		return shared.ErrCSRFTokenMissing
	}
	expected, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("security: csrf lookup: %w", err)
	}
	if expected == "" {
		return shared.ErrCSRFTokenMissing
	}
	if !hmac.Equal([]byte(expected), []byte(token)) {
		return shared.ErrCSRFTokenMismatch
	}
	return nil
}

// Middleware verifies X-CSRF-Token on unsafe methods of cookie sessions.
// It must run after the authenticator has resolved the principal.
func (c *CSRF) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		principal := shared.PrincipalFromContext(r.Context())
		if principal == nil || principal.Bearer {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := r.Cookie(c.cookieName); err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := c.VerifyToken(r.Context(), principal.SessionID, r.Header.Get(CSRFHeader)); err != nil {
			c.recorder.PerimeterRejected("csrf")
			c.logger.Warn("csrf validation failed", slog.String("path", r.URL.Path), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *CSRF) generateToken(sessionID string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("security: csrf nonce: %w", err)
	}
	mac := hmac.New(sha256.New, c.secret)
	_, _ = mac.Write([]byte(sessionID))
	_, _ = mac.Write([]byte{'|'})
	_, _ = mac.Write(nonce)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
