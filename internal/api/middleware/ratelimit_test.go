package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testRateLimiter(globalRPS, clientRPS, unauthRPS int) *InMemoryRateLimiter {
	return NewInMemoryRateLimiter(&Config{
		GlobalRPS:       globalRPS,
		ClientRPS:       clientRPS,
		UnAuthRPS:       unauthRPS,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Hour,
		MaxClients:      100,
	})
}

func TestInMemoryRateLimiter_GlobalLimit(t *testing.T) {
	rl := testRateLimiter(1, 100, 100)
	defer rl.Close()

	// Burst capacity is 2 × rate, so two requests pass and the third fails.
	if !rl.Allow("client-a") {
		t.Error("first request should be allowed")
	}

	if !rl.Allow("client-b") {
		t.Error("second request should be allowed (burst)")
	}

	if rl.Allow("client-c") {
		t.Error("third request should exceed global limit")
	}
}

func TestInMemoryRateLimiter_PerClientLimit(t *testing.T) {
	rl := testRateLimiter(1000, 1, 1000)
	defer rl.Close()

	if !rl.Allow("client-a") {
		t.Error("first request should be allowed")
	}

	if !rl.Allow("client-a") {
		t.Error("second request should be allowed (burst)")
	}

	if rl.Allow("client-a") {
		t.Error("third request should exceed client limit")
	}

	// A different client has an independent bucket.
	if !rl.Allow("client-b") {
		t.Error("other client should not be affected")
	}
}

func TestInMemoryRateLimiter_UnauthenticatedLimit(t *testing.T) {
	rl := testRateLimiter(1000, 1000, 1)
	defer rl.Close()

	if !rl.Allow("") {
		t.Error("first unauthenticated request should be allowed")
	}

	if !rl.Allow("") {
		t.Error("second unauthenticated request should be allowed (burst)")
	}

	if rl.Allow("") {
		t.Error("third unauthenticated request should exceed limit")
	}
}

func TestInMemoryRateLimiter_BurstOverride(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:       1,
		GlobalBurst:     5,
		ClientRPS:       100,
		UnAuthRPS:       100,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Hour,
		MaxClients:      100,
	})
	defer rl.Close()

	for i := range 5 {
		if !rl.Allow("") {
			t.Errorf("request %d should fit within override burst", i)
		}
	}
}

func TestComputeBurstCapacity(t *testing.T) {
	if got := computeBurstCapacity(100, 0); got != 200 {
		t.Errorf("expected auto-computed burst 200, got %d", got)
	}

	if got := computeBurstCapacity(100, 500); got != 500 {
		t.Errorf("expected override burst 500, got %d", got)
	}
}

func TestRateLimit_Middleware(t *testing.T) {
	rl := testRateLimiter(1, 100, 100)
	defer rl.Close()

	handler := RateLimit(rl, testLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	codes := make([]int, 0, 3)

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/etl/user-properties", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("expected first two requests to pass, got %v", codes)
	}

	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected third request limited with 429, got %d", codes[2])
	}
}

func TestInMemoryRateLimiter_Cleanup(t *testing.T) {
	rl := testRateLimiter(1000, 10, 10)
	defer rl.Close()

	rl.Allow("stale-client")

	rl.mu.Lock()
	rl.perClient["stale-client"].lastAccess = time.Now().Add(-2 * time.Hour)
	rl.mu.Unlock()

	rl.cleanup()

	rl.mu.RLock()
	_, exists := rl.perClient["stale-client"]
	rl.mu.RUnlock()

	if exists {
		t.Error("expected stale client limiter to be removed")
	}
}
