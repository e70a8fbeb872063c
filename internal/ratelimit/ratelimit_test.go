package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func testConfig() Config {
	return Config{
		RequestsPerMinute: 600, // 10/s for fast refill in tests
		BurstSize:         3,
		CleanupInterval:   time.Hour,
	}
}

func TestAllowBurstThenDeny(t *testing.T) {
	l := New(testConfig())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if l.Allow("client-a") {
		t.Error("request beyond burst allowed")
	}
}

func TestAllowRefills(t *testing.T) {
	l := New(testConfig())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	if l.Allow("client-a") {
		t.Fatal("bucket should be empty")
	}

	// At 600/min one token refills in 100ms.
	time.Sleep(150 * time.Millisecond)
	if !l.Allow("client-a") {
		t.Error("token did not refill")
	}
}

func TestAllowIsolatesKeys(t *testing.T) {
	l := New(testConfig())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	if !l.Allow("client-b") {
		t.Error("exhausting one key starved another")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(testConfig())
	defer l.Stop()

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(caller string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if caller != "" {
			req.Header.Set("X-Caller-Address", caller)
		}
		router.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 3; i++ {
		if code := do("0xabc"); code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, code)
		}
	}
	if code := do("0xabc"); code != http.StatusTooManyRequests {
		t.Errorf("over-limit status = %d, want 429", code)
	}

	// A different caller address is a separate bucket.
	if code := do("0xdef"); code != http.StatusOK {
		t.Errorf("fresh caller status = %d", code)
	}
}
