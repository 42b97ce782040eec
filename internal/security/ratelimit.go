package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edulearn/authcore/internal/platform/httpx"
	"github.com/edulearn/authcore/internal/shared"
)

const rateLimitPrefix = "rate_limit:"

// Counter increments an expiring counter. cache.Redis satisfies it.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Rule limits requests whose path contains Match.
type Rule struct {
	Name   string
	Match  string
	Limit  int
	Window time.Duration
}

// DefaultRules returns the endpoint overrides in precedence order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "login", Match: "/auth/login", Limit: 5, Window: 15 * time.Minute},
		{Name: "register", Match: "/auth/register", Limit: 3, Window: time.Hour},
		{Name: "2fa", Match: "/auth/2fa", Limit: 10, Window: 5 * time.Minute},
	}
}

// DefaultRule applies to paths no override matches.
func DefaultRule() Rule {
	return Rule{Name: "default", Limit: 100, Window: 15 * time.Minute}
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Rule      Rule
	Remaining int
	Reset     time.Time
}

// RateLimiter counts requests per (ip, user agent, path) in fixed window
// buckets held in a shared cache.
type RateLimiter struct {
	counter  Counter
	rules    []Rule
	fallback Rule
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

// NewRateLimiter builds a limiter. Rules are matched in order; the first
// substring match wins, otherwise fallback applies.
func NewRateLimiter(counter Counter, rules []Rule, fallback Rule, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback.Limit <= 0 || fallback.Window <= 0 {
		fallback = DefaultRule()
	}
	return &RateLimiter{
		counter:  counter,
		rules:    rules,
		fallback: fallback,
		logger:   logger,
		recorder: noopRecorder{},
		now:      time.Now,
	}
}

// WithRecorder sets the rejection recorder.
func (l *RateLimiter) WithRecorder(rec Recorder) *RateLimiter {
	if rec != nil {
		l.recorder = rec
	}
	return l
}

// WithClock overrides the time source.
func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

// RuleFor selects the rule governing path.
func (l *RateLimiter) RuleFor(path string) Rule {
	for _, rule := range l.rules {
		if rule.Match != "" && strings.Contains(path, rule.Match) {
			return rule
		}
	}
	return l.fallback
}

// Allow counts one request and reports whether it is within its rule.
func (l *RateLimiter) Allow(ctx context.Context, ip, userAgent, path string) (Decision, error) {
	rule := l.RuleFor(path)
	now := l.now()
	windowMs := rule.Window.Milliseconds()
	bucket := now.UnixMilli() / windowMs
	reset := time.UnixMilli((bucket + 1) * windowMs)

	count, err := l.counter.Incr(ctx, bucketKey(ip, userAgent, path, bucket), rule.Window)
	if err != nil {
		return Decision{Allowed: true, Rule: rule, Remaining: rule.Limit, Reset: reset}, err
	}
	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(rule.Limit),
		Rule:      rule,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

// Middleware enforces the limiter. Counter failures let the request through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := l.Allow(r.Context(), ClientIP(r), r.UserAgent(), r.URL.Path)
		if err != nil {
			l.logger.Error("rate limiter unavailable, allowing request",
				slog.String("path", r.URL.Path), slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Rule.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
		if !decision.Allowed {
			l.recorder.RateLimited(decision.Rule.Name)
			l.logger.Warn("rate limit exceeded",
				slog.String("rule", decision.Rule.Name),
				slog.String("ip", ClientIP(r)),
				slog.String("path", r.URL.Path))
			retry := decision.Reset.Sub(l.now())
			if retry < time.Second {
				retry = time.Second
			}
			httpx.RespondError(w, &shared.RateLimitError{Limit: decision.Rule.Limit, RetryAfter: retry, Source: decision.Rule.Name})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bucketKey(ip, userAgent, path string, bucket int64) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent + "|" + path))
	return rateLimitPrefix + hex.EncodeToString(sum[:]) + ":" + strconv.FormatInt(bucket, 10)
}
