package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(3, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 3-i-1, d.Remaining)
	}

	d, _ := l.Allow(ctx, "10.0.0.1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	// other keys are independent
	d, _ = l.Allow(ctx, "10.0.0.2")
	assert.True(t, d.Allowed)

	now = now.Add(time.Minute)
	d, _ = l.Allow(ctx, "10.0.0.1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	l := NewMemoryLimiter(50, time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := l.Allow(context.Background(), "ip")
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestMiddleware(t *testing.T) {
	l := NewMemoryLimiter(2, time.Minute)
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})
	limited := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}
	h := Middleware(l, false, discard, limited)(next)

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/pay/initiate", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}

	assert.Equal(t, []int{201, 201, 429, 429}, codes)
	assert.Equal(t, 2, calls)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func TestMiddleware_FailsOpen(t *testing.T) {
	h := Middleware(failingLimiter{}, false, discard, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pay/initiate", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	assert.Equal(t, "203.0.113.5", ClientIP(req, false))
	assert.Equal(t, "198.51.100.7", ClientIP(req, true))
}
