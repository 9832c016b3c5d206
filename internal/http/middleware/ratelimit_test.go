package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiter_AllowsWithinBurstThenRejects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	rl := NewRateLimiter(0.0001, 2, KeyByIP()) // effectively no refill during the test
	r.Use(rl.Handler())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("codes=%v, want the burst admitted", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes=%v, want 429 past the burst", codes)
	}
}

func TestRateLimiter_RetryAfterOnReject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	rl := NewRateLimiter(0.0001, 1, KeyByIP())
	r.Use(rl.Handler())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
		if i == 1 {
			if w.Code != http.StatusTooManyRequests {
				t.Fatalf("second request got %d, want 429", w.Code)
			}
			if w.Header().Get("Retry-After") == "" {
				t.Fatal("rejected response missing Retry-After")
			}
		}
	}
}

func TestRateLimiter_BurstCoercedToOne(t *testing.T) {
	rl := NewRateLimiter(1, 0, KeyByIP())
	if rl.burst != 1 {
		t.Fatalf("burst=%d, want coercion to 1", rl.burst)
	}
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByIP())
	rl.ttl = time.Nanosecond
	rl.getVisitor("ip:203.0.113.7")
	time.Sleep(time.Millisecond)

	// Force the opportunistic cleanup threshold.
	rl.mu.Lock()
	rl.cleanupN = 4999
	rl.mu.Unlock()
	rl.getVisitor("ip:203.0.113.8")

	rl.mu.Lock()
	_, stale := rl.visitors["ip:203.0.113.7"]
	rl.mu.Unlock()
	if stale {
		t.Fatal("idle visitor survived cleanup")
	}
}
