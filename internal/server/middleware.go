package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const principalKey = "principal"

// eventsPath is the only route that accepts ?token=
const eventsPath = "/api/events"

// tokenPath is the only route that takes a POST
const tokenPath = "/api/token"

// RequireAuth resolves the caller to a Principal or aborts with 401
func RequireAuth(auth *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request, c.FullPath() == eventsPath)

		p, err := auth.Authenticate(token)
		if err != nil {
			msg := ErrBadCredentials.Error()
			if errors.Is(err, ErrNoCredentials) {
				msg = ErrNoCredentials.Error()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(principalKey, p)
		c.Next()
	}
}

// RequireRole aborts with 403 unless the principal holds role
func RequireRole(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := principalFrom(c)
		if !ok || p.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "requires the " + string(role) + " token",
			})
			return
		}
		c.Next()
	}
}

func principalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// RateLimiter is a sliding one-second window per principal
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter allows perSecond requests for each principal
func NewRateLimiter(perSecond int) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  perSecond,
		window: time.Second,
		now:    time.Now,
	}
}

// Allow records a request for key and reports whether it fits the window
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	recent := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= rl.limit {
		rl.hits[key] = recent
		return false
	}
	rl.hits[key] = append(recent, now)

	// Viewer tokens come and go; forget principals that went quiet.
	if len(rl.hits) > 64 {
		for k, ts := range rl.hits {
			if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
				delete(rl.hits, k)
			}
		}
	}
	return true
}

// Tracked returns the number of principals currently held
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.hits)
}

// RateLimit throttles each authenticated principal. It must run after RequireAuth.
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := principalFrom(c)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if !limiter.Allow(p.Key()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// LoggerMiddleware logs one line per request. The query string is left out
// because event streams carry their token there.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		principal := "none"
		if p, ok := principalFrom(c); ok {
			principal = string(p.Role)
		}
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"principal", principal,
		)
	}
}

// RecoveryMiddleware turns a handler panic into a 500
func RecoveryMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("handler panic", "path", c.Request.URL.Path, "panic", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware lets browser dashboards on allowedOrigins read the API.
// Only GET is offered, plus POST on the token route.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !(allowed["*"] || allowed[origin]) {
			c.Next()
			return
		}

		methods := http.MethodGet
		if c.Request.URL.Path == tokenPath {
			methods += ", " + http.MethodPost
		}
		if allowed["*"] {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", "Authorization")

		if c.Request.Method == http.MethodOptions {
			requested := c.GetHeader("Access-Control-Request-Method")
			if requested != "" && !strings.Contains(methods, requested) {
				c.AbortWithStatus(http.StatusMethodNotAllowed)
				return
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
