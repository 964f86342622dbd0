package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxRequestsPerMinute: 3, BurstSize: 6})
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("device-1"), "request %d", i)
	}
	assert.False(t, rl.Allow("device-1"))
}

func TestKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxRequestsPerMinute: 1, BurstSize: 2})
	defer rl.Stop()

	assert.True(t, rl.Allow("device-a"))
	assert.False(t, rl.Allow("device-a"))
	assert.True(t, rl.Allow("device-b"))
}

func TestDefaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	defer rl.Stop()

	assert.Equal(t, 300, rl.cfg.MaxRequestsPerMinute)
	assert.Equal(t, 600, rl.cfg.BurstSize)
}

func TestMiddlewareKeysByDeviceHeader(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxRequestsPerMinute: 2, BurstSize: 2})
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ts := httptest.NewServer(handler)
	defer ts.Close()

	status := func(device string) int {
		req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
		require.NoError(t, err)
		if device != "" {
			req.Header.Set("X-Device-ID", device)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, status("scanner-1"))
	assert.Equal(t, http.StatusOK, status("scanner-1"))
	assert.Equal(t, http.StatusTooManyRequests, status("scanner-1"))

	// A different device is not throttled
	assert.Equal(t, http.StatusOK, status("scanner-2"))
}

func TestClientIPFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "10.1.2.3", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}

func TestBurstCeiling(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxRequestsPerMinute: 1, BurstSize: 3})
	defer rl.Stop()

	results := make([]bool, 0, 5)
	for i := 0; i < 5; i++ {
		results = append(results, rl.Allow("same"))
	}
	// First within limit, the rest rejected
	assert.Equal(t, []bool{true, false, false, false, false}, results)
}

func TestConcurrentRequestsCountedExactly(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxRequestsPerMinute: 100, BurstSize: 200})
	defer rl.Stop()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if rl.Allow("scanner-1") {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// No increment may be lost: exactly the per-minute limit passes
	assert.Equal(t, int64(100), allowed.Load())
}
