package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenBlocked(t *testing.T) {
	l := NewLimiter(3, 1, 0)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("1.2.3.4")
		require.True(t, ok, "request %d within burst should pass", i)
	}

	ok, wait := l.Allow("1.2.3.4")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(1, 1, 0)

	ok, _ := l.Allow("1.2.3.4")
	require.True(t, ok)
	ok, _ = l.Allow("1.2.3.4")
	require.False(t, ok)

	ok, _ = l.Allow("5.6.7.8")
	assert.True(t, ok)
}

func TestLimiter_Refills(t *testing.T) {
	l := NewLimiter(1, 100, 0)

	ok, _ := l.Allow("1.2.3.4")
	require.True(t, ok)
	ok, _ = l.Allow("1.2.3.4")
	require.False(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, _ = l.Allow("1.2.3.4")
	assert.True(t, ok)
}

func TestLimiter_Reset(t *testing.T) {
	l := NewLimiter(1, 0.001, 0)

	ok, _ := l.Allow("1.2.3.4")
	require.True(t, ok)
	ok, _ = l.Allow("1.2.3.4")
	require.False(t, ok)

	l.Reset("1.2.3.4")
	ok, _ = l.Allow("1.2.3.4")
	assert.True(t, ok)
}

func TestMiddleware_RateLimitedResponse(t *testing.T) {
	m := New(1, 1)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/sign-in", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestMiddleware_SeparateClients(t *testing.T) {
	m := New(1, 1)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodPost, "/auth/sign-in", nil)
	first.RemoteAddr = "9.9.9.9:1234"
	second := httptest.NewRequest(http.MethodPost, "/auth/sign-in", nil)
	second.RemoteAddr = "8.8.8.8:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusOK, rec.Code)
}
