package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/config"
	"github.com/user/piximg-go/internal/repository"
)

// bucket is a token bucket refilled at a per-minute rate.
type bucket struct {
	tokens   float64
	lastFill time.Time
}

// APIKeyLimiter enforces public API key presence and a per-key token
// bucket. With KeyRequired off, requests pass without a key but keyed
// requests are still throttled.
type APIKeyLimiter struct {
	cfg  config.PublicAPIConfig
	keys *repository.APIKeyRepository

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewAPIKeyLimiter creates an APIKeyLimiter.
func NewAPIKeyLimiter(cfg config.PublicAPIConfig, keys *repository.APIKeyRepository) *APIKeyLimiter {
	return &APIKeyLimiter{cfg: cfg, keys: keys, buckets: make(map[string]*bucket)}
}

// Middleware returns the gin handler.
func (l *APIKeyLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractKey(c)
		if key == "" {
			if l.cfg.KeyRequired {
				abortEnvelope(c, http.StatusUnauthorized, "UNAUTHORIZED")
				return
			}
			c.Next()
			return
		}

		hash := HashKey(key)
		record, err := l.keys.FindActiveByHash(c.Request.Context(), hash, time.Now().UTC())
		if err != nil {
			if l.cfg.KeyRequired {
				abortEnvelope(c, http.StatusUnauthorized, "UNAUTHORIZED")
				return
			}
			c.Next()
			return
		}
		_ = l.keys.TouchLastUsed(c.Request.Context(), record.ID, time.Now().UTC())

		if !l.allow(hash) {
			abortEnvelope(c, http.StatusTooManyRequests, "FORBIDDEN")
			return
		}
		c.Set("api_key_id", record.ID)
		c.Next()
	}
}

func (l *APIKeyLimiter) allow(hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	b, ok := l.buckets[hash]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.KeyBurst), lastFill: now}
		l.buckets[hash] = b
	}
	refill := now.Sub(b.lastFill).Minutes() * float64(l.cfg.KeyRPM)
	b.tokens += refill
	if b.tokens > float64(l.cfg.KeyBurst) {
		b.tokens = float64(l.cfg.KeyBurst)
	}
	b.lastFill = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func extractKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return token
	}
	return c.Query("api_key")
}

// HashKey is the storage form of a public API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func abortEnvelope(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{
		"ok":         false,
		"code":       code,
		"request_id": c.GetString(RequestIDKey),
	})
}
