package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"growthgate/internal/config"

	"github.com/gin-gonic/gin"
)

func rateLimitTestConfig(rpm, burst int, whitelist ...string) *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Security.RateLimiting = config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: rpm,
		Burst:             burst,
		WhitelistIPs:      whitelist,
	}
	return cfg
}

func newRateLimitTestRouter(cfg *config.Config, userID interface{}) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if userID != nil {
		r.Use(func(c *gin.Context) {
			c.Set("user_id", userID)
			c.Next()
		})
	}
	r.Use(RateLimitMiddleware(cfg))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimitMiddleware_BurstThenDrop(t *testing.T) {
	r := newRateLimitTestRouter(rateLimitTestConfig(60, 3), nil)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d within burst should pass, got %d", i+1, w.Code)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("request beyond burst should be limited, got %d", w.Code)
	}
}

func TestRateLimitMiddleware_PerUserBuckets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := RateLimitMiddleware(rateLimitTestConfig(60, 1))

	// one router, one limiter instance; the user id decides the bucket
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("user_id", c.GetHeader("X-Test-User"))
		c.Next()
	})
	r.Use(limiter)
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(user string) int {
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set("X-Test-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("1"); code != http.StatusOK {
		t.Fatalf("first request for user 1 should pass, got %d", code)
	}
	if code := send("1"); code != http.StatusTooManyRequests {
		t.Fatalf("user 1 beyond burst should be limited, got %d", code)
	}
	// same IP, different user, separate bucket
	if code := send("2"); code != http.StatusOK {
		t.Fatalf("user 2 should not share user 1's bucket, got %d", code)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Security.RateLimiting.Enabled = false
	r := newRateLimitTestRouter(cfg, nil)

	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("disabled limiter must not drop, got %d", w.Code)
		}
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	b := newBucket(6000, 1)
	if !b.allow() {
		t.Fatal("fresh bucket must allow")
	}
	if b.allow() {
		t.Fatal("drained bucket must deny")
	}
	// 100 tokens/sec; backdate the refill stamp instead of sleeping
	b.mu.Lock()
	b.lastRefill = b.lastRefill.Add(-50 * time.Millisecond)
	b.mu.Unlock()
	if !b.allow() {
		t.Fatal("bucket must refill over time")
	}
}
