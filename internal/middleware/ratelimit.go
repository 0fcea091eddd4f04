package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/couponledger/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	IssueRate       rate.Limit    // クーポン発行のレート（req/sec）
	IssueBurst      int           // クーポン発行のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/caller、クーポン発行 30 req/min/caller。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		IssueRate:       rate.Limit(30.0 / 60.0),
		IssueBurst:      30,
		CleanupInterval: 5 * time.Minute,
	}
}

// callerLimiter は呼び出し元ごとのレートリミッターとアクセス時刻を保持する。
type callerLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は1種類のレート制限について呼び出し元ごとのリミッターを管理する。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*callerLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{name: name, limit: limit, burst: burst, limiters: make(map[string]*callerLimiter)}
}

func (s *limiterSet) get(callerID string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.limiters[callerID]
	if !ok {
		cl = &callerLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[callerID] = cl
	}
	cl.lastAccess = now
	return cl.limiter
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cl := range s.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(s.limiters, id)
		}
	}
}

func (s *limiterSet) middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFromContext(r.Context())
			if !ok {
				WriteError(w, model.NewAuthenticationError("Authentication Error", nil))
				return
			}

			if !s.get(caller.ID, time.Now()).Allow() {
				writeRateLimitResponse(w, s.limit)
				slog.Warn("rate limit exceeded",
					slog.String("caller_id", caller.ID),
					slog.String("limit_type", s.name),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter は呼び出し元ごとのレート制限を管理する。
// API全般とクーポン発行の2種類を独立に提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	issue   *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		issue:   newLimiterSet("issue", config.IssueRate, config.IssueBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// 認証ミドルウェアの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware()
}

// IssueMiddleware はクーポン発行専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) IssueMiddleware() func(next http.Handler) http.Handler {
	return rl.issue.middleware()
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// IssueLimiterCount は現在管理されているクーポン発行リミッターのエントリ数を返す。
func (rl *RateLimiter) IssueLimiterCount() int {
	return rl.issue.len()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	now := time.Now()
	ttl := rl.config.CleanupInterval * 2
	rl.general.evict(now, ttl)
	rl.issue.evict(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	writeJSON(w, http.StatusTooManyRequests, Envelope{
		Code:        CodeFailed,
		Description: "FAILED",
		Date:        time.Now().UTC(),
		Data:        "Too many requests. Please try again later.",
	})
}
