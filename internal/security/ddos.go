package security

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/httprate"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/edulearn/authcore/internal/platform/httpx"
	"github.com/edulearn/authcore/internal/shared"
)

// ActivityStore records per-IP hits over a trailing window.
type ActivityStore interface {
	// Hit records a request from ip at the given time, prunes entries older
	// than window and returns the number of hits left in the window.
	Hit(ctx context.Context, ip string, at time.Time, window time.Duration) (int, error)
}

// MemoryActivityStore keeps hits in a bounded in-process LRU. Counts are
// per instance; use RedisActivityStore when running several replicas.
type MemoryActivityStore struct {
	entries *lru.Cache[string, *ipActivity]
}

type ipActivity struct {
	mu   sync.Mutex
	hits []time.Time
}

// NewMemoryActivityStore tracks at most maxIPs addresses.
func NewMemoryActivityStore(maxIPs int) (*MemoryActivityStore, error) {
	if maxIPs <= 0 {
		maxIPs = 10000
	}
	entries, err := lru.New[string, *ipActivity](maxIPs)
	if err != nil {
		return nil, fmt.Errorf("security: activity lru: %w", err)
	}
	return &MemoryActivityStore{entries: entries}, nil
}

// Hit implements ActivityStore.
func (s *MemoryActivityStore) Hit(_ context.Context, ip string, at time.Time, window time.Duration) (int, error) {
	activity, ok := s.entries.Get(ip)
	if !ok {
		fresh := &ipActivity{}
		if existing, found, _ := s.entries.PeekOrAdd(ip, fresh); found {
			activity = existing
		} else {
			activity = fresh
		}
	}
	activity.mu.Lock()
	defer activity.mu.Unlock()
	cutoff := at.Add(-window)
	kept := activity.hits[:0]
	for _, h := range activity.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	activity.hits = append(kept, at)
	return len(activity.hits), nil
}

// RedisActivityStore keeps hits in one sorted set per IP so every replica
// sees the same counts.
type RedisActivityStore struct {
	client redis.UniversalClient
	seq    atomic.Uint64
}

// NewRedisActivityStore wraps client.
func NewRedisActivityStore(client redis.UniversalClient) *RedisActivityStore {
	return &RedisActivityStore{client: client}
}

// Hit implements ActivityStore.
func (s *RedisActivityStore) Hit(ctx context.Context, ip string, at time.Time, window time.Duration) (int, error) {
	key := "ddos:" + ip
	cutoff := at.Add(-window).UnixNano()
	member := strconv.FormatInt(at.UnixNano(), 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("security: activity hit: %w", err)
	}
	return int(card.Val()), nil
}

// DDoSConfig tunes DDoSGuard.
type DDoSConfig struct {
	Threshold int
	Window    time.Duration
	PerMinute int
}

// DefaultDDoSConfig flags more than 100 hits in 5 minutes and caps 60 per minute.
func DefaultDDoSConfig() DDoSConfig {
	return DDoSConfig{Threshold: 100, Window: 5 * time.Minute, PerMinute: 60}
}

// DDoSGuard is a coarse per-IP heuristic independent of the per-path limiter.
type DDoSGuard struct {
	store    ActivityStore
	cfg      DDoSConfig
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

// NewDDoSGuard builds a guard over store.
func NewDDoSGuard(store ActivityStore, cfg DDoSConfig, logger *slog.Logger) *DDoSGuard {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultDDoSConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &DDoSGuard{store: store, cfg: cfg, logger: logger, recorder: noopRecorder{}, now: time.Now}
}

// WithRecorder sets the rejection recorder.
func (g *DDoSGuard) WithRecorder(rec Recorder) *DDoSGuard {
	if rec != nil {
		g.recorder = rec
	}
	return g
}

// WithClock overrides the time source.
func (g *DDoSGuard) WithClock(now func() time.Time) *DDoSGuard {
	g.now = now
	return g
}

// Suspicious records a hit from ip and reports whether it crossed the threshold.
func (g *DDoSGuard) Suspicious(ctx context.Context, ip string) (bool, error) {
	count, err := g.store.Hit(ctx, ip, g.now(), g.cfg.Window)
	if err != nil {
		return false, err
	}
	return count > g.cfg.Threshold, nil
}

// Middleware rejects suspicious IPs and applies the per-minute cap. A
// PerMinute of zero disables the cap.
func (g *DDoSGuard) Middleware(next http.Handler) http.Handler {
	guarded := next
	if g.cfg.PerMinute > 0 {
		guarded = httprate.Limit(g.cfg.PerMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				g.recorder.PerimeterRejected("ddos_minute_cap")
				httpx.RespondError(w, &shared.RateLimitError{Limit: g.cfg.PerMinute, RetryAfter: time.Minute, Source: "ddos"})
			}),
		)(next)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		suspicious, err := g.Suspicious(r.Context(), ip)
		if err != nil {
			g.logger.Error("ddos guard unavailable, allowing request", slog.Any("error", err))
			guarded.ServeHTTP(w, r)
			return
		}
		if suspicious {
			g.recorder.PerimeterRejected("ddos")
			g.logger.Warn("ddos: suspicious ip", slog.String("ip", ip), slog.String("path", r.URL.Path))
			httpx.RespondError(w, &shared.RateLimitError{Limit: g.cfg.Threshold, RetryAfter: g.cfg.Window, Source: "ddos"})
			return
		}
		guarded.ServeHTTP(w, r)
	})
}
